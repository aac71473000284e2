package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailstore/internal/inject"
	"github.com/vdavid/mailstore/internal/mailbox"
)

// StatusHandler serves the health check and the injection counters.
type StatusHandler struct {
	pool     *pgxpool.Pool
	runtime  *inject.Runtime
	registry *mailbox.Registry
}

// NewStatusHandler creates a new StatusHandler instance.
func NewStatusHandler(pool *pgxpool.Pool, runtime *inject.Runtime, registry *mailbox.Registry) *StatusHandler {
	return &StatusHandler{pool: pool, runtime: runtime, registry: registry}
}

// Health reports whether the database is reachable.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Ping(r.Context()); err != nil {
		log.Printf("StatusHandler: database ping failed: %v", err)
		http.Error(w, "Database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	MessagesInjected int64 `json:"messages_injected"`
	InjectionErrors  int64 `json:"injection_errors"`
	Mailboxes        int   `json:"mailboxes"`
}

// Status returns the process counters as JSON.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		MessagesInjected: h.runtime.MessagesInjected(),
		InjectionErrors:  h.runtime.InjectionErrors(),
		Mailboxes:        len(h.registry.All()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("StatusHandler: failed to encode response: %v", err)
	}
}
