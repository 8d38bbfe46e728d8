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

package blob

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Mail1234", "Mail1234"},
		{"a/b\\c:d", "a_b_c_d"},
		{"../../etc/passwd", "______etc_passwd"},
		{"", "default"},
		{"..", "__"},
		{"bob@example.com", "bob@example.com"},
		{"with space", "with_space"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestObjectName(t *testing.T) {
	name, err := ObjectName("id/with:bad")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shard, rest, ok := strings.Cut(name, "/")
	if !ok {
		t.Fatalf("expected shard prefix in %q", name)
	}
	if len(shard) != 2 {
		t.Errorf("shard = %q, want two hex digits", shard)
	}
	if rest != "id_with_bad" {
		t.Errorf("object = %q, want id_with_bad", rest)
	}
	if strings.Contains(rest, "/") {
		t.Errorf("object name must be a single path component: %q", rest)
	}
}
