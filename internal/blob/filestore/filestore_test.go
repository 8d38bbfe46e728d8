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

package filestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bcem/mailqueue/internal/blob"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_UploadDownloadDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	loc, err := s.Upload(ctx, "0a/mail-1", strings.NewReader("hello body"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), "file://"))

	rc, err := s.Download(ctx, loc)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "hello body", string(b))

	require.NoError(t, s.Delete(ctx, loc))
	_, err = s.Download(ctx, loc)
	require.True(t, errors.Is(err, blob.ErrNotFound))

	// deleting twice is fine
	require.NoError(t, s.Delete(ctx, loc))
}

func TestStore_GeneratedName(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	l1, err := s.Upload(ctx, "", strings.NewReader("a"))
	require.NoError(t, err)
	l2, err := s.Upload(ctx, "", strings.NewReader("b"))
	require.NoError(t, err)
	require.NotEqual(t, l1, l2)
}

func TestStore_RejectsTraversal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Upload(ctx, "../escape", strings.NewReader("x"))
	require.Error(t, err)

	_, err = s.Download(ctx, blob.Locator("file:///etc/passwd"))
	require.Error(t, err)
	require.False(t, errors.Is(err, blob.ErrNotFound))

	_, err = s.Download(ctx, blob.Locator("pg://mail_blobs/x"))
	require.Error(t, err)
}

func TestStore_ConcurrentUploads(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	locs := make([]blob.Locator, 32)
	errs := make([]error, 32)
	for i := range locs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locs[i], errs[i] = s.Upload(ctx, "", strings.NewReader("body"))
		}(i)
	}
	wg.Wait()

	seen := make(map[blob.Locator]bool)
	for i := range locs {
		require.NoError(t, errs[i])
		require.False(t, seen[locs[i]], "duplicate locator %s", locs[i])
		seen[locs[i]] = true
	}
}

func TestStore_CancelledUpload(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upload(ctx, "0b/cancelled", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)
}
