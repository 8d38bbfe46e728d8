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
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bcem/mailqueue/internal/blob"
	"github.com/bcem/mailqueue/internal/broker"
	"github.com/bcem/mailqueue/internal/content"
	"github.com/bcem/mailqueue/internal/envelope"
	"github.com/bcem/mailqueue/internal/mail"
)

// BodyStrategy decides how a mail body travels with its broker message.
type BodyStrategy interface {
	// Attach puts the body of m on msg, whose properties already hold the
	// envelope. The returned undo, if not nil, reverts side effects when
	// the send fails.
	Attach(ctx context.Context, queue string, m *mail.Mail, msg *broker.Message) (undo func(context.Context) error, err error)
	// Source resolves the body of a received message.
	Source(msg *broker.Message) (content.Source, error)
	// Dispose releases whatever the body holds outside the broker once
	// the message is gone for good.
	Dispose(ctx context.Context, msg *broker.Message) error
}

// InlineBody carries bodies as the broker message payload.
func InlineBody() BodyStrategy { return inlineBody{} }

type inlineBody struct{}

func (inlineBody) Attach(_ context.Context, _ string, m *mail.Mail, msg *broker.Message) (func(context.Context) error, error) {
	return nil, attachInline(m, msg)
}

func (inlineBody) Source(msg *broker.Message) (content.Source, error) {
	return content.Bytes(msg.ID, msg.Body), nil
}

func (inlineBody) Dispose(context.Context, *broker.Message) error { return nil }

func attachInline(m *mail.Mail, msg *broker.Message) error {
	if m.Content == nil {
		msg.Body = nil
		return nil
	}
	data, err := content.ReadAll(m.Content)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	msg.Body = data
	if m.MessageSize < 0 {
		msg.Properties[envelope.MessageSize] = int64(len(data))
	}
	return nil
}

// BlobBody externalizes bodies of at least threshold bytes to store and
// carries the others inline. A threshold of zero externalizes every body.
func BlobBody(store blob.Store, threshold int64) BodyStrategy {
	return &blobBody{store: store, threshold: threshold}
}

type blobBody struct {
	store     blob.Store
	threshold int64
}

func (b *blobBody) Attach(ctx context.Context, queue string, m *mail.Mail, msg *broker.Message) (func(context.Context) error, error) {
	// a mail re-enqueued with its blob still referenced keeps the locator
	if src, ok := m.Content.(*content.Blob); ok && m.ReuseBlob() {
		msg.Body = nil
		msg.Properties[envelope.BlobURL] = src.Locator().String()
		msg.Properties[envelope.BlobQueue] = queue
		if size, err := src.Size(); err == nil {
			msg.Properties[envelope.MessageSize] = size
		}
		return nil, nil
	}
	if m.Content == nil {
		return nil, attachInline(m, msg)
	}

	size, err := m.Content.Size()
	if err != nil {
		return nil, fmt.Errorf("body size: %w", err)
	}
	if size < b.threshold {
		return nil, attachInline(m, msg)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	name, err := blob.ObjectName(msg.ID)
	if err != nil {
		return nil, err
	}
	rc, err := m.Content.Open()
	if err != nil {
		return nil, fmt.Errorf("open body: %w", err)
	}
	loc, err := b.store.Upload(ctx, name, rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("upload body: %w", err)
	}

	msg.Body = nil
	msg.Properties[envelope.BlobURL] = loc.String()
	msg.Properties[envelope.BlobQueue] = queue
	msg.Properties[envelope.MessageSize] = size
	undo := func(ctx context.Context) error { return b.store.Delete(ctx, loc) }
	return undo, nil
}

func (b *blobBody) Source(msg *broker.Message) (content.Source, error) {
	loc, ok := locatorOf(msg)
	if !ok {
		return content.Bytes(msg.ID, msg.Body), nil
	}
	size, ok := msg.Properties[envelope.MessageSize].(int64)
	if !ok {
		size = mail.UnknownSize
	}
	return content.NewBlob(msg.ID, loc, b.store, size), nil
}

func (b *blobBody) Dispose(ctx context.Context, msg *broker.Message) error {
	loc, ok := locatorOf(msg)
	if !ok {
		return nil
	}
	if err := b.store.Delete(ctx, loc); err != nil {
		return fmt.Errorf("delete blob %s: %w", loc, err)
	}
	return nil
}

func locatorOf(msg *broker.Message) (blob.Locator, bool) {
	s, ok := msg.Properties[envelope.BlobURL].(string)
	if !ok || s == "" {
		return "", false
	}
	return blob.Locator(s), true
}
