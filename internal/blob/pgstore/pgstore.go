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

// Package pgstore keeps externalized mail bodies in a PostgreSQL table so
// that every queue node sharing the database can resolve them.
package pgstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailqueue/internal/blob"
)

const scheme = "pg://mail_blobs/"

// Record is a stored body without its bytes.
type Record struct {
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Store provides blob operations backed by a Postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a blob store backed by the given pool. It ensures the
// mail_blobs table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure blob schema: %w", err)
	}
	slog.Info("blob store initialised", "backend", "postgres")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mail_blobs (
			name       TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			size       BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_mail_blobs_created ON mail_blobs(created_at);
	`)
	return err
}

// Upload buffers r and upserts it under name.
func (s *Store) Upload(ctx context.Context, name string, r io.Reader) (blob.Locator, error) {
	if name == "" {
		generated, err := blob.ObjectName(uuid.NewString())
		if err != nil {
			return "", err
		}
		name = generated
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mail_blobs (name, data, size)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			data       = EXCLUDED.data,
			size       = EXCLUDED.size,
			created_at = NOW()
	`, name, data, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return blob.Locator(scheme + name), nil
}

// Download fetches the body a locator points to.
func (s *Store) Download(ctx context.Context, loc blob.Locator) (io.ReadCloser, error) {
	name, err := nameOf(loc)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.pool.QueryRow(ctx, `SELECT data FROM mail_blobs WHERE name = $1`, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("select blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes a body. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, loc blob.Locator) error {
	name, err := nameOf(loc)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM mail_blobs WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// ListOlderThan returns bodies stored before the cutoff, oldest first.
// Operators use it to find bodies orphaned by crashed producers.
func (s *Store) ListOlderThan(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, size, created_at
		FROM mail_blobs
		WHERE created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.Size, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Locator returns the locator of a stored record.
func (r Record) Locator() blob.Locator { return blob.Locator(scheme + r.Name) }

func nameOf(loc blob.Locator) (string, error) {
	name, ok := strings.CutPrefix(string(loc), scheme)
	if !ok || name == "" {
		return "", fmt.Errorf("unsupported blob locator %q", loc)
	}
	return name, nil
}
