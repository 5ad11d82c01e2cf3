// Package health provides liveness and readiness probe handlers. The service
// is ready while at least one provider credential is eligible for selection.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = time.Second

// KeySource reports credential availability.
type KeySource interface {
	AvailableCount() int
	TotalCount() int
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	keys   KeySource
	logger *slog.Logger
	now    func() time.Time

	// Readiness is cached briefly so aggressive probes do not contend on
	// the pool lock. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedBody   []byte
	cachedStatus int
	cachedAt     time.Time
	wasReady     bool
}

// New creates a health Handler over keys.
func New(keys KeySource, logger *slog.Logger) *Handler {
	return &Handler{keys: keys, logger: logger, now: time.Now, wasReady: true}
}

// RegisterRoutes adds the probe routes to r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.liveness)
	r.Get("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

type readinessBody struct {
	Status        string `json:"status"`
	AvailableKeys int    `json:"availableKeys"`
	TotalKeys     int    `json:"totalKeys"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	now := h.now()

	h.cacheMu.RLock()
	if h.cachedBody != nil && now.Sub(h.cachedAt) < readinessCacheTTL {
		body, status := h.cachedBody, h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	rb := readinessBody{
		Status:        "ready",
		AvailableKeys: h.keys.AvailableCount(),
		TotalKeys:     h.keys.TotalCount(),
	}
	status := http.StatusOK
	if rb.AvailableKeys == 0 {
		rb.Status = "not ready"
		status = http.StatusServiceUnavailable
	}

	body, _ := json.Marshal(rb)
	body = append(body, '\n')

	h.cacheMu.Lock()
	ready := status == http.StatusOK
	if ready != h.wasReady {
		if ready {
			h.logger.Info("readiness restored", "available_keys", rb.AvailableKeys)
		} else {
			h.logger.Warn("not ready: every credential is blocked", "total_keys", rb.TotalKeys)
		}
		h.wasReady = ready
	}
	h.cachedBody = body
	h.cachedStatus = status
	h.cachedAt = now
	h.cacheMu.Unlock()

	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
