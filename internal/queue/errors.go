// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"errors"
	"io"
	"log/slog"
)

// ErrClosed is returned by operations on a closed queue handle.
var ErrClosed = errors.New("queue: closed")

// Error is the only error type returned by the public queue operations.
// It unwraps to the transport, codec or blob store failure.
type Error struct {
	Op    string
	Queue string
	Err   error
}

func (e *Error) Error() string {
	return "mailqueue " + e.Queue + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (q *Queue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return &Error{Op: op, Queue: q.name, Err: err}
}

// closeLogged closes c and logs a failure. Close errors never replace the
// result of the operation that opened c.
func closeLogged(log *slog.Logger, what string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("close failed", "resource", what, "error", err)
	}
}
