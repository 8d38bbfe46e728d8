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

package redisbroker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/mailqueue/internal/broker"
)

const (
	fieldBody     = "body"
	fieldPriority = "priority"
	fieldScore    = "score"
	fieldTime     = "ts"
	propPrefix    = "p:"
)

var errUnsupportedProperty = errors.New("redisbroker: unsupported property type")

// priorityBand spaces priority classes far enough apart that sequence
// numbers never cross into the next class while staying exact in float64.
const priorityBand = 1e13

// score orders higher priorities first and FIFO within a class.
func score(priority int, seq int64) float64 {
	return float64(broker.MaxPriority-broker.ClampPriority(priority))*priorityBand + float64(seq)
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return "s:" + t, nil
	case int64:
		return "i:" + strconv.FormatInt(t, 10), nil
	case int:
		return "i:" + strconv.Itoa(t), nil
	case bool:
		if t {
			return "b:1", nil
		}
		return "b:0", nil
	}
	return "", fmt.Errorf("%w: %T", errUnsupportedProperty, v)
}

func decodeValue(s string) (any, error) {
	kind, raw, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("malformed property value %q", s)
	}
	switch kind {
	case "s":
		return raw, nil
	case "i":
		return strconv.ParseInt(raw, 10, 64)
	case "b":
		return raw == "1", nil
	}
	return nil, fmt.Errorf("unknown property kind %q", kind)
}

func encodeFields(msg *broker.Message, sc float64) (map[string]any, error) {
	fields := map[string]any{
		fieldBody:     string(msg.Body),
		fieldPriority: msg.Priority,
		fieldScore:    strconv.FormatFloat(sc, 'f', -1, 64),
		fieldTime:     msg.Timestamp.UnixMilli(),
	}
	for k, v := range msg.Properties {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		fields[propPrefix+k] = enc
	}
	return fields, nil
}

func decodeFields(id string, fields map[string]string) (*broker.Message, error) {
	msg := &broker.Message{
		ID:         id,
		Body:       []byte(fields[fieldBody]),
		Properties: make(map[string]any),
	}
	if p, err := strconv.Atoi(fields[fieldPriority]); err == nil {
		msg.Priority = p
	}
	if ms, err := strconv.ParseInt(fields[fieldTime], 10, 64); err == nil {
		msg.Timestamp = time.UnixMilli(ms)
	}
	for k, v := range fields {
		name, ok := strings.CutPrefix(k, propPrefix)
		if !ok {
			continue
		}
		val, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("message %s property %s: %w", id, name, err)
		}
		msg.Properties[name] = val
	}
	return msg, nil
}
