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

package queue

import (
	"fmt"

	"github.com/bcem/mailqueue/internal/envelope"
	"github.com/bcem/mailqueue/internal/mail"
	"github.com/bcem/mailqueue/internal/selector"
)

// Criterion picks the envelope field Remove matches on.
type Criterion int

const (
	ByName Criterion = iota
	BySender
	ByRecipient
)

func (c Criterion) String() string {
	switch c {
	case ByName:
		return "name"
	case BySender:
		return "sender"
	case ByRecipient:
		return "recipient"
	}
	return fmt.Sprintf("Criterion(%d)", int(c))
}

// ParseCriterion is the inverse of Criterion.String.
func ParseCriterion(s string) (Criterion, error) {
	for _, c := range []Criterion{ByName, BySender, ByRecipient} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown criterion %q", s)
}

// readySelector matches messages due at nowMillis or flushed.
func readySelector(nowMillis int64) string {
	return selector.Or(
		selector.AtMost(envelope.NextDelivery, nowMillis),
		selector.IsTrue(envelope.ForceDelivery),
	)
}

// removeSelector matches names verbatim. Sender and recipient values are
// parsed first so that "Bob <bob@x>" matches the stored form bob@x.
func removeSelector(c Criterion, value string) (string, error) {
	switch c {
	case ByName:
		return selector.Equals(envelope.Name, value), nil
	case BySender:
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return "", fmt.Errorf("sender: %w", err)
		}
		return selector.Equals(envelope.Sender, addr.String()), nil
	case ByRecipient:
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return "", fmt.Errorf("recipient: %w", err)
		}
		return selector.ListContains(envelope.Recipients, addr.String(), envelope.Separator)
	}
	return "", fmt.Errorf("unknown criterion %v", c)
}
