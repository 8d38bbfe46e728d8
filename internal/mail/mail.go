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

// Package mail defines the unit of work carried by the mail queue: the
// envelope of an in-flight message plus a lazy reference to its body.
package mail

import (
	"maps"
	"slices"
	"time"

	"github.com/bcem/mailqueue/internal/content"
)

const (
	// UnknownSize marks a mail whose body length has not been computed.
	UnknownSize int64 = -1

	// PriorityAttribute holds an integer 0..9, higher is delivered first.
	PriorityAttribute = "mail.priority"

	// ReuseBlobAttribute tells the queue that the externalized body of
	// this mail is still referenced and must be neither re-uploaded nor
	// deleted.
	ReuseBlobAttribute = "mail.reuseBlob"

	LowPriority    = 0
	NormalPriority = 5
	HighPriority   = 9
)

// Header is a single per-recipient header field.
type Header struct {
	Name  string
	Value string
}

// PerRecipientHeaders holds headers that only apply to one recipient.
// They are distinct from the MIME headers of the body.
type PerRecipientHeaders map[Address][]Header

// Add appends a header for the given recipient.
func (h PerRecipientHeaders) Add(rcpt Address, name, value string) {
	h[rcpt] = append(h[rcpt], Header{Name: name, Value: value})
}

// For returns the headers of a recipient in insertion order.
func (h PerRecipientHeaders) For(rcpt Address) []Header {
	return h[rcpt]
}

// Mail is an in-flight message.
type Mail struct {
	Name                string
	Sender              Address
	Recipients          []Address
	State               string
	Attributes          map[string]any
	PerRecipientHeaders PerRecipientHeaders
	ErrorMessage        string
	RemoteAddr          string
	RemoteHost          string
	LastUpdated         time.Time
	MessageSize         int64

	// Content is resolved lazily and is never part of the envelope.
	Content content.Source
}

// New returns a mail with the collections initialised and an unknown size.
func New(name string, sender Address, recipients ...Address) *Mail {
	return &Mail{
		Name:                name,
		Sender:              sender,
		Recipients:          recipients,
		Attributes:          make(map[string]any),
		PerRecipientHeaders: make(PerRecipientHeaders),
		LastUpdated:         time.Now(),
		MessageSize:         UnknownSize,
	}
}

// SetAttribute sets an attribute, initialising the map if needed.
func (m *Mail) SetAttribute(name string, value any) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]any)
	}
	m.Attributes[name] = value
}

// Attribute returns a named attribute.
func (m *Mail) Attribute(name string) (any, bool) {
	v, ok := m.Attributes[name]
	return v, ok
}

// Priority returns the delivery priority carried by the mail, clamped to
// 0..9. Missing or non-integer values yield NormalPriority.
func (m *Mail) Priority() int {
	v, ok := m.Attributes[PriorityAttribute]
	if !ok {
		return NormalPriority
	}
	var p int64
	switch t := v.(type) {
	case int:
		p = int64(t)
	case int32:
		p = int64(t)
	case int64:
		p = t
	default:
		return NormalPriority
	}
	return int(min(max(p, LowPriority), HighPriority))
}

// ReuseBlob reports whether the mail asks to keep its externalized body.
func (m *Mail) ReuseBlob() bool {
	v, ok := m.Attributes[ReuseBlobAttribute].(bool)
	return ok && v
}

// Duplicate returns a deep copy of the envelope. The content source is
// shared since sources are read-only.
func (m *Mail) Duplicate() *Mail {
	c := *m
	c.Recipients = slices.Clone(m.Recipients)
	c.Attributes = maps.Clone(m.Attributes)
	if c.Attributes == nil {
		c.Attributes = make(map[string]any)
	}
	c.PerRecipientHeaders = make(PerRecipientHeaders, len(m.PerRecipientHeaders))
	for rcpt, hs := range m.PerRecipientHeaders {
		c.PerRecipientHeaders[rcpt] = slices.Clone(hs)
	}
	return &c
}
