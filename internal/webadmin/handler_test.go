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

package webadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcem/mailqueue/internal/broker/memory"
	"github.com/bcem/mailqueue/internal/content"
	"github.com/bcem/mailqueue/internal/mail"
	"github.com/bcem/mailqueue/internal/queue"
)

func newServer(t *testing.T) (*http.ServeMux, *queue.Queue) {
	t.Helper()
	f := queue.NewFactory(memory.New(), queue.WithDrainWait(10*time.Millisecond))
	t.Cleanup(func() { f.Close() })
	q, err := f.Get("spool")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	mux := http.NewServeMux()
	NewHandler(f, []string{"spool"}).Register(mux)
	return mux, q
}

func enqueue(t *testing.T, q *queue.Queue, name string, delay time.Duration, rcpts ...string) {
	t.Helper()
	addrs := make([]mail.Address, len(rcpts))
	for i, r := range rcpts {
		addrs[i] = mail.MustParseAddress(r)
	}
	m := mail.New(name, mail.MustParseAddress("sender@example.com"), addrs...)
	m.Content = content.Bytes(name, []byte("hello"))
	if err := q.Enqueue(context.Background(), m, delay); err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
}

func do(t *testing.T, mux http.Handler, method, target string, out any) int {
	t.Helper()
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	if out != nil {
		if err := json.NewDecoder(rr.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr.Code
}

// TestQueues verifies listing and single queue lookups.
func TestQueues(t *testing.T) {
	mux, q := newServer(t)
	enqueue(t, q, "m1", 0, "a@x")
	enqueue(t, q, "m2", time.Hour, "a@x")

	var list []QueueInfo
	if code := do(t, mux, http.MethodGet, "/queues", &list); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(list) != 1 || list[0] != (QueueInfo{Name: "spool", Size: 2}) {
		t.Errorf("list = %+v", list)
	}

	var info QueueInfo
	if code := do(t, mux, http.MethodGet, "/queues/spool", &info); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if info.Size != 2 {
		t.Errorf("size = %d, want 2", info.Size)
	}

	var errBody map[string]string
	if code := do(t, mux, http.MethodGet, "/queues/other", &errBody); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if errBody["error"] == "" {
		t.Error("expected an error message")
	}
}

// TestBrowse verifies the mail listing and the limit parameter.
func TestBrowse(t *testing.T) {
	mux, q := newServer(t)
	enqueue(t, q, "m1", 0, "a@x", "b@x")
	enqueue(t, q, "m2", time.Hour, "c@x")

	var mails []MailInfo
	if code := do(t, mux, http.MethodGet, "/queues/spool/mails", &mails); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(mails) != 2 {
		t.Fatalf("got %d mails, want 2", len(mails))
	}
	byName := map[string]MailInfo{}
	for _, m := range mails {
		byName[m.Name] = m
	}
	m1 := byName["m1"]
	if m1.Sender != "sender@example.com" || len(m1.Recipients) != 2 || m1.MessageSize != 5 {
		t.Errorf("m1 = %+v", m1)
	}
	if m1.NextDelivery == nil || byName["m2"].NextDelivery == nil || !byName["m2"].NextDelivery.After(*m1.NextDelivery) {
		t.Errorf("next delivery not reported: %+v", mails)
	}

	if code := do(t, mux, http.MethodGet, "/queues/spool/mails?limit=1", &mails); code != http.StatusOK || len(mails) != 1 {
		t.Errorf("limit: status=%d len=%d", code, len(mails))
	}
	if code := do(t, mux, http.MethodGet, "/queues/spool/mails?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

// TestFlushAndRemove verifies the mutating endpoints.
func TestFlushAndRemove(t *testing.T) {
	mux, q := newServer(t)
	enqueue(t, q, "m1", time.Hour, "bob@x")
	enqueue(t, q, "m2", time.Hour, "bob@xyz")
	enqueue(t, q, "m3", time.Hour, "carol@x")

	var flushed map[string]int
	if code := do(t, mux, http.MethodPost, "/queues/spool/flush", &flushed); code != http.StatusOK {
		t.Fatalf("flush status = %d", code)
	}
	if flushed["flushed"] != 3 {
		t.Errorf("flushed = %v", flushed)
	}

	var removed map[string]any
	if code := do(t, mux, http.MethodDelete, "/queues/spool/mails?recipient=bob@x", &removed); code != http.StatusOK {
		t.Fatalf("remove status = %d", code)
	}
	if removed["removed"] != float64(1) {
		t.Errorf("removed = %v", removed)
	}

	if code := do(t, mux, http.MethodDelete, "/queues/spool/mails?sender=not-an-address", nil); code != http.StatusBadRequest {
		t.Errorf("invalid sender status = %d, want 400", code)
	}

	if code := do(t, mux, http.MethodDelete, "/queues/spool/mails?name=m2&sender=x@y", nil); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}

	if code := do(t, mux, http.MethodDelete, "/queues/spool/mails", &removed); code != http.StatusOK {
		t.Fatalf("clear status = %d", code)
	}
	if removed["removed"] != float64(2) {
		t.Errorf("cleared = %v", removed)
	}

	if code := do(t, mux, http.MethodPost, "/queues/spool", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", code)
	}
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ready, done, err := Serve(ctx, 0, http.NewServeMux())
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	<-ready
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
