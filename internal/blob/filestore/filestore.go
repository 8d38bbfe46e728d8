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

// Package filestore stores externalized mail bodies on a (possibly shared)
// filesystem.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bcem/mailqueue/internal/blob"
)

const (
	scheme = "file://"

	// mkdirAttempts bounds retries when another process removes a shard
	// directory between MkdirAll and CreateTemp.
	mkdirAttempts = 3
)

// Store keeps one file per body below basePath.
type Store struct {
	basePath string
}

// New creates the base directory if needed.
func New(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("basePath cannot be empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Store{basePath: abs}, nil
}

// BasePath returns the absolute directory bodies are stored in.
func (s *Store) BasePath() string { return s.basePath }

// Upload writes r atomically (temp file + rename) and returns a file URL.
func (s *Store) Upload(ctx context.Context, name string, r io.Reader) (blob.Locator, error) {
	if name == "" {
		generated, err := blob.ObjectName(uuid.NewString())
		if err != nil {
			return "", err
		}
		name = generated
	}
	finalPath, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(finalPath)

	var tmp *os.File
	for attempt := 1; ; attempt++ {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create blob directory: %w", err)
		}
		tmp, err = os.CreateTemp(dir, ".tmp_*")
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) || attempt == mkdirAttempts {
			return "", fmt.Errorf("create temp file: %w", err)
		}
		slog.Debug("blob directory vanished, retrying", "dir", dir, "attempt", attempt)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	tmp = nil

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return blob.Locator(scheme + filepath.ToSlash(finalPath)), nil
}

// Download opens the file a locator points to. The caller closes it.
func (s *Store) Download(_ context.Context, loc blob.Locator) (io.ReadCloser, error) {
	path, err := s.path(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, loc)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete(_ context.Context, loc blob.Locator) error {
	path, err := s.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *Store) resolve(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid blob name %q: contains '..'", name)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(name)), nil
}

// path maps a locator back to a file and rejects anything outside basePath.
func (s *Store) path(loc blob.Locator) (string, error) {
	raw, ok := strings.CutPrefix(string(loc), scheme)
	if !ok {
		return "", fmt.Errorf("unsupported blob locator %q", loc)
	}
	p := filepath.Clean(filepath.FromSlash(raw))
	rel, err := filepath.Rel(s.basePath, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("blob locator %q is outside %s", loc, s.basePath)
	}
	return p, nil
}

// ctxReader stops a long copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
