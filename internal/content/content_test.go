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

package content

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bcem/mailqueue/internal/blob"
)

type countingStore struct {
	data      map[blob.Locator][]byte
	downloads atomic.Int32
}

func (s *countingStore) Upload(_ context.Context, name string, r io.Reader) (blob.Locator, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	loc := blob.Locator("mem://" + name)
	s.data[loc] = b
	return loc, nil
}

func (s *countingStore) Download(_ context.Context, loc blob.Locator) (io.ReadCloser, error) {
	s.downloads.Add(1)
	b, ok := s.data[loc]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *countingStore) Delete(_ context.Context, loc blob.Locator) error {
	delete(s.data, loc)
	return nil
}

func TestBytes(t *testing.T) {
	src := Bytes("msg-1", []byte("hello"))

	n, err := src.Size()
	if err != nil || n != 5 {
		t.Fatalf("Size() = %d, %v; want 5", n, err)
	}
	if src.SourceID() != "msg-1" {
		t.Errorf("SourceID() = %q", src.SourceID())
	}
	for i := 0; i < 2; i++ {
		b, err := ReadAll(src)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if string(b) != "hello" {
			t.Errorf("read %q, want hello", b)
		}
	}
}

func TestBlob_KnownSizeDoesNotDownload(t *testing.T) {
	store := &countingStore{data: map[blob.Locator][]byte{}}
	loc, _ := store.Upload(context.Background(), "a", strings.NewReader("0123456789"))

	src := NewBlob("msg-2", loc, store, 10)
	n, err := src.Size()
	if err != nil || n != 10 {
		t.Fatalf("Size() = %d, %v", n, err)
	}
	if got := store.downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}
}

func TestBlob_UnknownSizeIsCached(t *testing.T) {
	store := &countingStore{data: map[blob.Locator][]byte{}}
	loc, _ := store.Upload(context.Background(), "b", strings.NewReader("0123456789abc"))

	src := NewBlob("msg-3", loc, store, -1)
	for i := 0; i < 3; i++ {
		n, err := src.Size()
		if err != nil || n != 13 {
			t.Fatalf("Size() = %d, %v", n, err)
		}
	}
	if got := store.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}

	b, err := ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "0123456789abc" {
		t.Errorf("read %q", b)
	}
	if src.Locator() != loc {
		t.Errorf("Locator() = %q", src.Locator())
	}
}

func TestBlob_MissingBody(t *testing.T) {
	store := &countingStore{data: map[blob.Locator][]byte{}}
	src := NewBlob("msg-4", "mem://gone", store, -1)
	if _, err := src.Size(); err == nil {
		t.Error("expected error for missing blob")
	}
}
