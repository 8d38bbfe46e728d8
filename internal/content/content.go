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

// Package content gives the pipeline a uniform view of a mail body whether
// it travels inside the broker message or was externalized to a blob store.
package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bcem/mailqueue/internal/blob"
)

// Source is a read-only, re-readable mail body.
type Source interface {
	// Size returns the body length in bytes.
	Size() (int64, error)
	// Open returns a fresh stream over the whole body.
	Open() (io.ReadCloser, error)
	// SourceID is stable for the lifetime of the body, typically the
	// broker message id.
	SourceID() string
}

// Bytes returns an inline source over data.
func Bytes(id string, data []byte) Source {
	return &inline{id: id, data: data}
}

type inline struct {
	id   string
	data []byte
}

func (s *inline) Size() (int64, error)         { return int64(len(s.data)), nil }
func (s *inline) Open() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(s.data)), nil }
func (s *inline) SourceID() string             { return s.id }

// Blob is a source whose bytes live in a blob store.
type Blob struct {
	id      string
	locator blob.Locator
	store   blob.Store

	mu   sync.Mutex
	size int64
}

// NewBlob returns an externalized source. knownSize < 0 means the size is
// computed on first use by reading the body once.
func NewBlob(id string, loc blob.Locator, store blob.Store, knownSize int64) *Blob {
	return &Blob{id: id, locator: loc, store: store, size: knownSize}
}

// Locator returns where the body is stored.
func (s *Blob) Locator() blob.Locator { return s.locator }

func (s *Blob) SourceID() string { return s.id }

func (s *Blob) Open() (io.ReadCloser, error) {
	rc, err := s.store.Download(context.Background(), s.locator)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", s.locator, err)
	}
	return rc, nil
}

func (s *Blob) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size >= 0 {
		return s.size, nil
	}
	rc, err := s.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", s.locator, err)
	}
	s.size = n
	return n, nil
}

// ReadAll reads a whole source into memory.
func ReadAll(src Source) ([]byte, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
