// Package admin provides read-only operator endpoints for runtime inspection
// of credential health, effective configuration and client rate limiters.
// All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/promptcraft/internal/apierror"
	"github.com/dskow/promptcraft/internal/config"
	"github.com/dskow/promptcraft/internal/keypool"
	"github.com/dskow/promptcraft/internal/ratelimit"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	keys        StatusReporter
	limiter     *ratelimit.Limiter
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// StatusReporter produces the masked credential pool view.
type StatusReporter interface {
	Status() keypool.Status
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(
	reloader ConfigProvider,
	keys StatusReporter,
	limiter *ratelimit.Limiter,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		keys:        keys,
		limiter:     limiter,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/admin/keys", h.guard(h.keysHandler))
	r.HandleFunc("/admin/config", h.guard(h.configHandler))
	r.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
}

// guard wraps a handler with IP allowlist checking. The peer address is used
// as-is; forwarded headers are never trusted here.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
				"admin endpoints are read-only")
			return
		}

		ip := ratelimit.ClientIP(r, nil)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden,
				"client address not in admin allowlist")
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) keysHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.keys.Status())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy; only scalar secrets are replaced.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
