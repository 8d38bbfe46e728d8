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

package selector

import (
	"errors"
	"fmt"
	"strings"
)

// LikeEscape is the escape character emitted by the builders.
const LikeEscape = '\\'

// ErrSeparatorInValue is returned when a list-membership value contains
// the list separator and therefore cannot be matched unambiguously.
var ErrSeparatorInValue = errors.New("selector: value contains the list separator")

// Quote renders s as a string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// EscapeLike escapes LIKE wildcards and the escape character itself.
func EscapeLike(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '%' || r == '_' || r == LikeEscape {
			b.WriteRune(LikeEscape)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Equals matches a string property exactly.
func Equals(prop, value string) string {
	return prop + " = " + Quote(value)
}

// AtMost matches a numeric property less than or equal to n.
func AtMost(prop string, n int64) string {
	return fmt.Sprintf("%s <= %d", prop, n)
}

// IsTrue matches a boolean property set to true.
func IsTrue(prop string) string {
	return prop + " = TRUE"
}

// Or joins clauses with OR.
func Or(clauses ...string) string {
	return strings.Join(clauses, " OR ")
}

// ListContains matches value as a whole element of a property holding a
// sep-joined list: the sole element, the first, a middle or the last one.
// Matching substrings of other elements is impossible since every LIKE
// clause is bounded by the separator or the end of the list.
func ListContains(prop, value, sep string) (string, error) {
	if sep == "" {
		return "", fmt.Errorf("selector: empty list separator")
	}
	if strings.Contains(value, sep) {
		return "", fmt.Errorf("%w: %q", ErrSeparatorInValue, value)
	}
	v := EscapeLike(value)
	s := EscapeLike(sep)
	esc := " ESCAPE " + Quote(string(LikeEscape))
	return Or(
		Equals(prop, value),
		prop+" LIKE "+Quote(v+s+"%")+esc,
		prop+" LIKE "+Quote("%"+s+v+s+"%")+esc,
		prop+" LIKE "+Quote("%"+s+v)+esc,
	), nil
}
