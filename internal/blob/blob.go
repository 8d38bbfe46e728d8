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

// Package blob externalizes large mail bodies into a side-channel store and
// hands back an opaque locator that is carried in the message envelope.
package blob

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// ErrNotFound is returned by Download when the locator does not resolve.
var ErrNotFound = errors.New("blob: not found")

// Locator identifies a stored body. It is interpreted only by the Store
// that produced it and is persisted verbatim.
type Locator string

func (l Locator) String() string { return string(l) }

// Store uploads, downloads and deletes externalized bodies.
type Store interface {
	// Upload stores the stream under name. An empty name makes the store
	// generate one.
	Upload(ctx context.Context, name string, r io.Reader) (Locator, error)
	Download(ctx context.Context, loc Locator) (io.ReadCloser, error)
	// Delete is best effort. A missing target is not an error.
	Delete(ctx context.Context, loc Locator) error
}

// Shards is the number of directories object names are spread over.
const Shards = 64

// ObjectName derives a collision resistant, filesystem safe object name
// from a message id, prefixed with a random shard so concurrent uploads
// do not all contend on one directory.
func ObjectName(messageID string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(Shards))
	if err != nil {
		return "", fmt.Errorf("pick shard: %w", err)
	}
	return fmt.Sprintf("%02x/%s", n.Int64(), Sanitize(messageID)), nil
}

// Sanitize substitutes characters that are unsafe in a path component.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '@' || r == '+':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.ReplaceAll(b.String(), "..", "__")
	s = strings.Trim(s, ".")
	if s == "" {
		s = "default"
	}
	return s
}
