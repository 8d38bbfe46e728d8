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

package mail

import (
	"errors"
	"fmt"
	"strings"

	gomail "github.com/emersion/go-message/mail"
)

// ErrInvalidAddress is returned when an address cannot be parsed.
var ErrInvalidAddress = errors.New("mail: invalid address")

// Address is a bare RFC 5322 addr-spec. The zero value is the null
// sender used by bounces and system generated mail.
type Address struct {
	Local  string
	Domain string
}

// ParseAddress parses a bare or display-name address and keeps only the
// addr-spec part.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, ErrInvalidAddress
	}
	parsed, err := gomail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return Address{}, fmt.Errorf("%w %q", ErrInvalidAddress, s)
	}
	return Address{Local: parsed.Address[:at], Domain: parsed.Address[at+1:]}, nil
}

// MustParseAddress is ParseAddress for literals known to be valid.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsNull reports whether a is the null sender.
func (a Address) IsNull() bool { return a.Local == "" && a.Domain == "" }

func (a Address) String() string {
	if a.IsNull() {
		return ""
	}
	return a.Local + "@" + a.Domain
}
