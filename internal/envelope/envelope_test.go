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
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bcem/mailqueue/internal/mail"
)

func sampleMail() *mail.Mail {
	m := mail.New("m1", mail.MustParseAddress("sender@example.com"),
		mail.MustParseAddress("a@x"), mail.MustParseAddress("b@x"))
	m.State = "transport"
	m.ErrorMessage = "temporary failure"
	m.RemoteAddr = "192.0.2.1"
	m.RemoteHost = "mx.example.com"
	m.MessageSize = 1234
	m.LastUpdated = time.UnixMilli(1_700_000_000_123)
	m.SetAttribute("count", int64(3))
	m.SetAttribute("label", "hello; world")
	m.SetAttribute("flag", true)
	m.SetAttribute("ratio", 0.25)
	m.SetAttribute("when", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	m.SetAttribute("raw", []byte{0, 1, 2})
	m.SetAttribute("list", []any{"x", int64(1)})
	m.SetAttribute("nested", map[string]any{"k": "v", "n": int64(2)})
	m.PerRecipientHeaders.Add(mail.MustParseAddress("a@x"), "X-Tag", "one")
	m.PerRecipientHeaders.Add(mail.MustParseAddress("a@x"), "X-Tag", "two: with colon")
	m.PerRecipientHeaders.Add(mail.MustParseAddress("b@x"), "X-Other", "")
	return m
}

// TestRoundTrip verifies decode(encode(m)) keeps the envelope.
func TestRoundTrip(t *testing.T) {
	m := sampleMail()
	props, err := Encode(m, 42)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for k, v := range props {
		switch v.(type) {
		case string, int64, bool:
		default:
			t.Errorf("property %s has type %T", k, v)
		}
	}
	if got := NextDeliveryOf(props); got != 42 {
		t.Errorf("NextDeliveryOf = %d, want 42", got)
	}

	got, err := Decode(props)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != m.Name || got.State != m.State || got.Sender != m.Sender {
		t.Errorf("got name=%q state=%q sender=%v", got.Name, got.State, got.Sender)
	}
	if got.ErrorMessage != m.ErrorMessage || got.RemoteAddr != m.RemoteAddr || got.RemoteHost != m.RemoteHost {
		t.Errorf("diagnostics mismatch: %+v", got)
	}
	if got.MessageSize != 1234 {
		t.Errorf("MessageSize = %d", got.MessageSize)
	}
	if !got.LastUpdated.Equal(m.LastUpdated) {
		t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, m.LastUpdated)
	}
	if !slices.Equal(got.Recipients, m.Recipients) {
		t.Errorf("Recipients = %v, want %v", got.Recipients, m.Recipients)
	}
	if !reflect.DeepEqual(got.Attributes, m.Attributes) {
		t.Errorf("Attributes = %#v\nwant %#v", got.Attributes, m.Attributes)
	}
	if !reflect.DeepEqual(got.PerRecipientHeaders, m.PerRecipientHeaders) {
		t.Errorf("PerRecipientHeaders = %#v\nwant %#v", got.PerRecipientHeaders, m.PerRecipientHeaders)
	}
}

// TestEncode_DropsReuseFlag verifies the reuse flag never reaches the broker.
func TestEncode_DropsReuseFlag(t *testing.T) {
	m := sampleMail()
	m.SetAttribute(mail.ReuseBlobAttribute, true)
	props, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, ok := props[AttributePrefix+mail.ReuseBlobAttribute]; ok {
		t.Errorf("reuse flag encoded as a property")
	}
	got, err := Decode(props)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ReuseBlob() {
		t.Error("decoded mail still asks for reuse")
	}
}

// TestDecode_MissingOptional verifies absent optional fields stay empty.
func TestDecode_MissingOptional(t *testing.T) {
	m := mail.New("bounce", mail.Address{}, mail.MustParseAddress("a@x"))
	props, err := Encode(m, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, ok := props[Sender]; ok {
		t.Error("null sender should not be encoded")
	}
	got, err := Decode(props)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Sender.IsNull() {
		t.Errorf("Sender = %v, want null", got.Sender)
	}
	if got.State != "" || got.ErrorMessage != "" {
		t.Errorf("state=%q error=%q, want empty", got.State, got.ErrorMessage)
	}
	if len(got.Attributes) != 0 {
		t.Errorf("Attributes = %v, want none", got.Attributes)
	}
}

// TestDecode_Lenient verifies malformed fields are skipped without
// failing the rest of the envelope.
func TestDecode_Lenient(t *testing.T) {
	props := map[string]any{
		Name:                       "m2",
		Recipients:                 ";a@x;;not an address;b@x;",
		AttributeNames:             "good;broken;missing",
		AttributePrefix + "good":   `{"type":"string","value":"ok"}`,
		AttributePrefix + "broken": `{"type":"widget","value":1}`,
		HeaderPrefix + "a@x":       "X-Good: yes\nno colon here\n",
		HeaderPrefix + "???":       "X-Lost: 1",
		Sender:                     "@@",
		MessageSize:                "not a number",
		State:                      int64(7),
	}
	got, err := Decode(props)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []mail.Address{mail.MustParseAddress("a@x"), mail.MustParseAddress("b@x")}
	if !slices.Equal(got.Recipients, want) {
		t.Errorf("Recipients = %v, want %v", got.Recipients, want)
	}
	if !reflect.DeepEqual(got.Attributes, map[string]any{"good": "ok"}) {
		t.Errorf("Attributes = %v", got.Attributes)
	}
	hs := got.PerRecipientHeaders.For(mail.MustParseAddress("a@x"))
	if len(hs) != 1 || hs[0] != (mail.Header{Name: "X-Good", Value: "yes"}) {
		t.Errorf("headers = %v", hs)
	}
	if len(got.PerRecipientHeaders) != 1 {
		t.Errorf("PerRecipientHeaders = %v", got.PerRecipientHeaders)
	}
	if !got.Sender.IsNull() {
		t.Errorf("Sender = %v, want null", got.Sender)
	}
	if got.MessageSize != mail.UnknownSize {
		t.Errorf("MessageSize = %d, want unknown", got.MessageSize)
	}
	if got.State != "" {
		t.Errorf("State = %q, want empty", got.State)
	}
}

func TestDecode_MissingName(t *testing.T) {
	_, err := Decode(map[string]any{Recipients: "a@x"})
	if !errors.Is(err, ErrMissingName) {
		t.Fatalf("err = %v, want ErrMissingName", err)
	}
}

// TestEncode_Rejects verifies values that cannot round trip fail encode.
func TestEncode_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *mail.Mail)
		want   error
	}{
		{
			name:   "unsupported attribute",
			mutate: func(m *mail.Mail) { m.SetAttribute("ch", make(chan int)) },
			want:   ErrUnsupportedAttribute,
		},
		{
			name:   "unsupported nested attribute",
			mutate: func(m *mail.Mail) { m.SetAttribute("l", []any{struct{}{}}) },
			want:   ErrUnsupportedAttribute,
		},
		{
			name:   "separator in attribute name",
			mutate: func(m *mail.Mail) { m.SetAttribute("a;b", "x") },
			want:   ErrSeparator,
		},
		{
			name:   "separator in recipient",
			mutate: func(m *mail.Mail) { m.Recipients = append(m.Recipients, mail.Address{Local: "x;y", Domain: "z"}) },
			want:   ErrSeparator,
		},
		{
			name: "line break in header value",
			mutate: func(m *mail.Mail) {
				m.PerRecipientHeaders.Add(mail.MustParseAddress("a@x"), "X-Bad", "one\ntwo")
			},
			want: ErrSeparator,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mail.New("m", mail.Address{}, mail.MustParseAddress("a@x"))
			tt.mutate(m)
			_, err := Encode(m, 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAttribute_Canonical(t *testing.T) {
	tests := []struct {
		in   any
		want string
		back any
	}{
		{in: "s", want: `{"type":"string","value":"s"}`, back: "s"},
		{in: 7, want: `{"type":"long","value":7}`, back: int64(7)},
		{in: int32(7), want: `{"type":"long","value":7}`, back: int64(7)},
		{in: false, want: `{"type":"bool","value":false}`, back: false},
		{in: float32(0.5), want: `{"type":"double","value":0.5}`, back: 0.5},
		{in: []string{"a", "b"}, want: `{"type":"list","value":[{"type":"string","value":"a"},{"type":"string","value":"b"}]}`, back: []any{"a", "b"}},
	}
	for _, tt := range tests {
		got, err := MarshalAttribute(tt.in)
		if err != nil {
			t.Fatalf("MarshalAttribute(%v): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("MarshalAttribute(%v) = %s, want %s", tt.in, got, tt.want)
		}
		back, err := UnmarshalAttribute(got)
		if err != nil {
			t.Fatalf("UnmarshalAttribute(%s): %v", got, err)
		}
		if !reflect.DeepEqual(back, tt.back) {
			t.Errorf("UnmarshalAttribute(%s) = %#v, want %#v", got, back, tt.back)
		}
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(";a;;b; ;c;")
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("empty list should split to nil")
	}
}
