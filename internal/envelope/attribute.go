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

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedAttribute is returned for attribute values with no
// canonical form.
var ErrUnsupportedAttribute = errors.New("envelope: unsupported attribute type")

// typedValue is the canonical form of an attribute value.
type typedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalAttribute renders v as canonical JSON. Supported values are
// string, bool, integers, floats, time.Time, []byte, and lists or string
// keyed maps of those.
func MarshalAttribute(v any) (string, error) {
	tv, err := toTyped(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(tv)
	if err != nil {
		return "", fmt.Errorf("marshal attribute: %w", err)
	}
	return string(b), nil
}

// UnmarshalAttribute parses the canonical form. Integers come back as
// int64, floats as float64, lists as []any and maps as map[string]any.
func UnmarshalAttribute(s string) (any, error) {
	var tv typedValue
	if err := json.Unmarshal([]byte(s), &tv); err != nil {
		return nil, fmt.Errorf("unmarshal attribute: %w", err)
	}
	return fromTyped(tv)
}

func toTyped(v any) (typedValue, error) {
	var (
		kind    string
		payload any
	)
	switch t := v.(type) {
	case string:
		kind, payload = "string", t
	case bool:
		kind, payload = "bool", t
	case int:
		kind, payload = "long", int64(t)
	case int32:
		kind, payload = "long", int64(t)
	case int64:
		kind, payload = "long", t
	case float32:
		kind, payload = "double", float64(t)
	case float64:
		kind, payload = "double", t
	case time.Time:
		kind, payload = "date", t.UTC().Format(time.RFC3339Nano)
	case []byte:
		kind, payload = "bytes", t
	case []string:
		items := make([]typedValue, len(t))
		for i, s := range t {
			items[i], _ = toTyped(s)
		}
		kind, payload = "list", items
	case []any:
		items := make([]typedValue, len(t))
		for i, e := range t {
			item, err := toTyped(e)
			if err != nil {
				return typedValue{}, fmt.Errorf("list item %d: %w", i, err)
			}
			items[i] = item
		}
		kind, payload = "list", items
	case map[string]any:
		entries := make(map[string]typedValue, len(t))
		for k, e := range t {
			item, err := toTyped(e)
			if err != nil {
				return typedValue{}, fmt.Errorf("map key %s: %w", k, err)
			}
			entries[k] = item
		}
		kind, payload = "map", entries
	default:
		return typedValue{}, fmt.Errorf("%w: %T", ErrUnsupportedAttribute, v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return typedValue{}, fmt.Errorf("marshal %s attribute: %w", kind, err)
	}
	return typedValue{Type: kind, Value: raw}, nil
}

func fromTyped(tv typedValue) (any, error) {
	switch tv.Type {
	case "string":
		var s string
		err := decodeInto(tv, &s)
		return s, err
	case "bool":
		var b bool
		err := decodeInto(tv, &b)
		return b, err
	case "long":
		var n int64
		err := decodeInto(tv, &n)
		return n, err
	case "double":
		var f float64
		err := decodeInto(tv, &f)
		return f, err
	case "date":
		var s string
		if err := decodeInto(tv, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("date attribute: %w", err)
		}
		return t, nil
	case "bytes":
		var b []byte
		err := decodeInto(tv, &b)
		return b, err
	case "list":
		var items []typedValue
		if err := decodeInto(tv, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fromTyped(item)
			if err != nil {
				return nil, fmt.Errorf("list item %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	case "map":
		var entries map[string]typedValue
		if err := decodeInto(tv, &entries); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(entries))
		for k, item := range entries {
			v, err := fromTyped(item)
			if err != nil {
				return nil, fmt.Errorf("map key %s: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAttribute, tv.Type)
}

func decodeInto(tv typedValue, dst any) error {
	if err := json.Unmarshal(tv.Value, dst); err != nil {
		return fmt.Errorf("%s attribute: %w", tv.Type, err)
	}
	return nil
}
