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

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadFile verifies YAML values, env expansion and defaults.
func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_REDIS_HOST", "cache.internal")
	path := writeConfig(t, `
broker: redis
redis:
  url: redis://${TEST_REDIS_HOST}:6379/2
  prefix: mq
  lease_timeout: 5m
  sweep_interval: 1m
queues: [spool, outgoing]
poll_timeout: 3s
blob:
  store: file
  threshold: 0
  path: /tmp/blobs
port: 9090
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RedisURL != "redis://cache.internal:6379/2" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.RedisPrefix != "mq" || cfg.LeaseTimeout != 5*time.Minute {
		t.Errorf("prefix=%q lease=%s", cfg.RedisPrefix, cfg.LeaseTimeout)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
	if !slices.Equal(cfg.Queues, []string{"spool", "outgoing"}) {
		t.Errorf("Queues = %v", cfg.Queues)
	}
	if cfg.PollTimeout != 3*time.Second || cfg.DrainWait != 2*time.Second {
		t.Errorf("poll=%s drain=%s", cfg.PollTimeout, cfg.DrainWait)
	}
	if cfg.Blob.Store != BlobFile || cfg.Blob.Threshold != 0 || cfg.Blob.Path != "/tmp/blobs" {
		t.Errorf("Blob = %+v", cfg.Blob)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

// TestLoad_EnvFallbacks verifies a missing default file falls back to env.
func TestLoad_EnvFallbacks(t *testing.T) {
	t.Setenv("BROKER", "memory")
	t.Setenv("QUEUES", "spool, bounces ,")
	t.Setenv("POLL_TIMEOUT", "750ms")
	t.Setenv("BLOB_THRESHOLD", "2048")
	t.Setenv("PORT", "8181")

	cfg, err := fromRaw(rawConfig{})
	if err != nil {
		t.Fatalf("fromRaw: %v", err)
	}
	if cfg.Broker != BrokerMemory {
		t.Errorf("Broker = %q", cfg.Broker)
	}
	if !slices.Equal(cfg.Queues, []string{"spool", "bounces"}) {
		t.Errorf("Queues = %v", cfg.Queues)
	}
	if cfg.PollTimeout != 750*time.Millisecond {
		t.Errorf("PollTimeout = %s", cfg.PollTimeout)
	}
	if cfg.Blob.Threshold != 2048 || cfg.Blob.Store != BlobNone {
		t.Errorf("Blob = %+v", cfg.Blob)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Errorf("SweepInterval = %s", cfg.SweepInterval)
	}
	if cfg.Port != 8181 {
		t.Errorf("Port = %d", cfg.Port)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

// TestValidate verifies rejected combinations.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown broker", "broker: kafka", "unknown broker"},
		{"unknown blob store", "broker: memory\nblob: {store: s3}", "unknown blob store"},
		{"postgres without url", "broker: memory\nblob: {store: postgres}", "DATABASE_URL"},
		{"bad queue name", "broker: memory\nqueues: ['a:b']", "invalid queue name"},
		{"bad duration", "broker: memory\npoll_timeout: soon", "parse poll_timeout"},
		{"negative threshold", "broker: memory\nblob: {threshold: -1}", "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			_, err := LoadFile(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
