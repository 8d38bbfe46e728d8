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

// Package envelope maps the metadata of a mail onto broker message
// properties and back. Property values are limited to string, int64 and
// bool; richer attribute values travel as canonical JSON strings.
package envelope

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailqueue/internal/mail"
)

// Property keys. They are a wire contract shared by every producer and
// consumer of a queue.
const (
	Name            = "mailName"
	Recipients      = "mailRecipients"
	Sender          = "mailSender"
	ErrorMessage    = "mailErrorMessage"
	LastUpdated     = "mailLastUpdated"
	MessageSize     = "mailMessageSize"
	RemoteAddr      = "mailRemoteAddr"
	RemoteHost      = "mailRemoteHost"
	State           = "mailState"
	AttributeNames  = "mailAttributeNames"
	AttributePrefix = "mailAttribute_"
	HeaderPrefix    = "mailPerRecipientHeader_"
	NextDelivery    = "nextDelivery"
	ForceDelivery   = "forceDelivery"
	BlobURL         = "mailBlobURL"
	BlobQueue       = "mailBlobQueue"
)

// Separator joins list valued properties.
const Separator = ";"

var (
	// ErrMissingName is returned by Decode when the mail name is absent.
	ErrMissingName = errors.New("envelope: missing mail name")
	// ErrSeparator is returned by Encode when a value would corrupt a
	// joined list.
	ErrSeparator = errors.New("envelope: value contains a reserved separator")
)

// Encode renders the envelope of m. The body is not part of it.
func Encode(m *mail.Mail, nextDelivery int64) (map[string]any, error) {
	props := map[string]any{
		Name:         m.Name,
		NextDelivery: nextDelivery,
		MessageSize:  m.MessageSize,
	}

	rcpts := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		s := r.String()
		if strings.Contains(s, Separator) {
			return nil, fmt.Errorf("recipient %q: %w", s, ErrSeparator)
		}
		rcpts = append(rcpts, s)
	}
	props[Recipients] = strings.Join(rcpts, Separator)

	if !m.Sender.IsNull() {
		props[Sender] = m.Sender.String()
	}
	if !m.LastUpdated.IsZero() {
		props[LastUpdated] = m.LastUpdated.UnixMilli()
	}
	setString(props, ErrorMessage, m.ErrorMessage)
	setString(props, RemoteAddr, m.RemoteAddr)
	setString(props, RemoteHost, m.RemoteHost)
	setString(props, State, m.State)

	names := make([]string, 0, len(m.Attributes))
	for name, v := range m.Attributes {
		// reuse only concerns the handoff from one Done to the next enqueue
		if name == mail.ReuseBlobAttribute {
			continue
		}
		if name == "" || strings.Contains(name, Separator) {
			return nil, fmt.Errorf("attribute name %q: %w", name, ErrSeparator)
		}
		enc, err := MarshalAttribute(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		props[AttributePrefix+name] = enc
		names = append(names, name)
	}
	props[AttributeNames] = strings.Join(names, Separator)

	for rcpt, headers := range m.PerRecipientHeaders {
		lines := make([]string, 0, len(headers))
		for _, h := range headers {
			line, err := formatHeader(h)
			if err != nil {
				return nil, fmt.Errorf("header for %s: %w", rcpt, err)
			}
			lines = append(lines, line)
		}
		props[HeaderPrefix+rcpt.String()] = strings.Join(lines, "\n")
	}
	return props, nil
}

func setString(props map[string]any, key, v string) {
	if v != "" {
		props[key] = v
	}
}

func formatHeader(h mail.Header) (string, error) {
	if h.Name == "" || strings.ContainsAny(h.Name, ":\r\n") {
		return "", fmt.Errorf("invalid header name %q", h.Name)
	}
	if strings.ContainsAny(h.Value, "\r\n") {
		return "", fmt.Errorf("header %s: value contains a line break: %w", h.Name, ErrSeparator)
	}
	return h.Name + ": " + h.Value, nil
}

// Decode rebuilds a mail from its properties, without body. A malformed
// recipient, header or attribute is logged and skipped.
func Decode(props map[string]any) (*mail.Mail, error) {
	name, _ := props[Name].(string)
	if name == "" {
		return nil, ErrMissingName
	}
	log := slog.With("mail", name)

	m := mail.New(name, mail.Address{})
	m.LastUpdated = time.Time{}

	for _, s := range splitList(stringProp(props, Recipients)) {
		a, err := mail.ParseAddress(s)
		if err != nil {
			log.Warn("skipping malformed recipient", "recipient", s, "error", err)
			continue
		}
		m.Recipients = append(m.Recipients, a)
	}

	if s := stringProp(props, Sender); s != "" {
		a, err := mail.ParseAddress(s)
		if err != nil {
			log.Warn("dropping malformed sender", "sender", s, "error", err)
		} else {
			m.Sender = a
		}
	}

	m.ErrorMessage = stringProp(props, ErrorMessage)
	m.RemoteAddr = stringProp(props, RemoteAddr)
	m.RemoteHost = stringProp(props, RemoteHost)
	m.State = stringProp(props, State)
	if ms, ok := props[LastUpdated].(int64); ok {
		m.LastUpdated = time.UnixMilli(ms)
	}
	if n, ok := props[MessageSize].(int64); ok {
		m.MessageSize = n
	}

	for _, attr := range splitList(stringProp(props, AttributeNames)) {
		raw, ok := props[AttributePrefix+attr].(string)
		if !ok {
			log.Warn("skipping attribute without value", "attribute", attr)
			continue
		}
		v, err := UnmarshalAttribute(raw)
		if err != nil {
			log.Warn("skipping undecodable attribute", "attribute", attr, "error", err)
			continue
		}
		m.Attributes[attr] = v
	}

	for key, v := range props {
		addr, ok := strings.CutPrefix(key, HeaderPrefix)
		if !ok {
			continue
		}
		rcpt, err := mail.ParseAddress(addr)
		if err != nil {
			log.Warn("skipping headers of malformed recipient", "recipient", addr, "error", err)
			continue
		}
		raw, _ := v.(string)
		for _, line := range strings.Split(raw, "\n") {
			if line == "" {
				continue
			}
			hname, hvalue, ok := strings.Cut(line, ":")
			if !ok || strings.TrimSpace(hname) == "" {
				log.Warn("skipping malformed header", "recipient", addr, "header", line)
				continue
			}
			m.PerRecipientHeaders.Add(rcpt, hname, strings.TrimPrefix(hvalue, " "))
		}
	}
	return m, nil
}

// NextDeliveryOf returns the scheduled delivery time in epoch millis, or 0
// when the property is absent.
func NextDeliveryOf(props map[string]any) int64 {
	n, _ := props[NextDelivery].(int64)
	return n
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// splitList splits a joined list and drops empty tokens left by leading,
// trailing or doubled separators.
func splitList(s string) []string {
	var out []string
	for _, tok := range strings.Split(s, Separator) {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
