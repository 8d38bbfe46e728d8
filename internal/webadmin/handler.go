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

// Package webadmin exposes the administrative queue operations over HTTP:
// size, browse, flush, clear and selective removal.
package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/bcem/mailqueue/internal/mail"
	"github.com/bcem/mailqueue/internal/queue"
)

// defaultBrowseLimit caps GET /queues/{name}/mails without ?limit.
const defaultBrowseLimit = 100

// Queues resolves queue handles by name.
type Queues interface {
	Get(name string) (*queue.Queue, error)
}

// QueueInfo is the summary of one queue.
type QueueInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// MailInfo is the envelope of a queued mail as shown to operators.
type MailInfo struct {
	Name         string     `json:"name"`
	Sender       string     `json:"sender,omitempty"`
	Recipients   []string   `json:"recipients"`
	State        string     `json:"state,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	MessageSize  int64      `json:"message_size"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
	NextDelivery *time.Time `json:"next_delivery,omitempty"`
	Forced       bool       `json:"forced,omitempty"`
	Attributes   []string   `json:"attributes,omitempty"`
}

// Handler serves the admin API for a fixed set of queues.
type Handler struct {
	queues Queues
	names  []string
}

// NewHandler serves the named queues only; other names are 404.
func NewHandler(queues Queues, names []string) *Handler {
	return &Handler{queues: queues, names: slices.Clone(names)}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("GET /queues/{name}", h.getQueue)
	mux.HandleFunc("GET /queues/{name}/mails", h.browse)
	mux.HandleFunc("POST /queues/{name}/flush", h.flush)
	mux.HandleFunc("DELETE /queues/{name}/mails", h.remove)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	name := r.PathValue("name")
	if !slices.Contains(h.names, name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown queue %q", name))
		return nil, false
	}
	q, err := h.queues.Get(name)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return nil, false
	}
	return q, true
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	infos := make([]QueueInfo, 0, len(h.names))
	for _, name := range h.names {
		q, err := h.queues.Get(name)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		size, err := q.Size(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		infos = append(infos, QueueInfo{Name: name, Size: size})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.lookup(w, r)
	if !ok {
		return
	}
	size, err := q.Size(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueInfo{Name: q.Name(), Size: size})
}

func (h *Handler) browse(w http.ResponseWriter, r *http.Request) {
	q, ok := h.lookup(w, r)
	if !ok {
		return
	}
	limit := defaultBrowseLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	cur, err := q.Browse(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer cur.Close()

	mails := []MailInfo{}
	for len(mails) < limit {
		item, err := cur.Next(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if item == nil {
			break
		}
		mails = append(mails, describe(item))
	}
	writeJSON(w, http.StatusOK, mails)
}

func describe(item *queue.BrowseItem) MailInfo {
	m := item.Mail
	info := MailInfo{
		Name:         m.Name,
		Sender:       m.Sender.String(),
		Recipients:   make([]string, 0, len(m.Recipients)),
		State:        m.State,
		ErrorMessage: m.ErrorMessage,
		MessageSize:  m.MessageSize,
		Forced:       item.Forced,
	}
	for _, r := range m.Recipients {
		info.Recipients = append(info.Recipients, r.String())
	}
	if !m.LastUpdated.IsZero() {
		t := m.LastUpdated.UTC()
		info.LastUpdated = &t
	}
	if !item.NextDelivery.IsZero() {
		t := item.NextDelivery.UTC()
		info.NextDelivery = &t
	}
	for name := range m.Attributes {
		info.Attributes = append(info.Attributes, name)
	}
	slices.Sort(info.Attributes)
	if info.MessageSize == mail.UnknownSize && m.Content != nil {
		if n, err := m.Content.Size(); err == nil {
			info.MessageSize = n
		}
	}
	return info
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	q, ok := h.lookup(w, r)
	if !ok {
		return
	}
	n, err := q.Flush(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("queue flushed via admin API", "queue", q.Name(), "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"flushed": n})
}

// remove clears the queue, or with exactly one of ?name, ?sender or
// ?recipient removes the matching mails only.
func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	q, ok := h.lookup(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	var (
		by     queue.Criterion
		value  string
		filter int
	)
	for _, c := range []queue.Criterion{queue.ByName, queue.BySender, queue.ByRecipient} {
		if query.Has(c.String()) {
			by, value = c, query.Get(c.String())
			filter++
		}
	}
	if filter > 1 {
		writeError(w, http.StatusBadRequest, errors.New("use at most one of name, sender, recipient"))
		return
	}

	var (
		n   int
		err error
	)
	if filter == 0 {
		n, err = q.Clear(r.Context())
	} else {
		n, err = q.Remove(r.Context(), by, value)
	}
	if errors.Is(err, mail.ErrInvalidAddress) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil && n == 0 {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"removed": n}
	if err != nil {
		// mails are gone but some bodies could not be deleted
		resp["error"] = err.Error()
	}
	if filter == 0 {
		slog.Info("queue cleared via admin API", "queue", q.Name(), "count", n)
	} else {
		slog.Info("mails removed via admin API", "queue", q.Name(), "count", n, "by", by.String(), "value", value)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write admin response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("admin request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before
// accepting connections. The server shuts down when ctx is done.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, <-chan error, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind admin port %d: %w", port, err)
	}

	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		<-ctx.Done()
		slog.Info("admin server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("admin server listening", "addr", ln.Addr().String())
		close(ready)
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()

	return ready, done, nil
}
