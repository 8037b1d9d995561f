// Package httpapi serves the node's operational endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"imconnect/node/internal/logging"
)

// ReadinessProvider exposes node state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	Ready(ctx context.Context) error
	Uptime() time.Duration
}

// Kicker force-disconnects a user hosted on this node.
type Kicker interface {
	Kick(ctx context.Context, userID int64) (bool, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
	RetryAfter() time.Duration
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Metrics     http.Handler
	Kicker      Kicker
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the node operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	metrics     http.Handler
	kicker      Kicker
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		kicker:      opts.Kicker,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Router builds the ops router with request tracing applied to every route.
func (h *HandlerSet) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.HTTPTraceMiddleware(h.logger))
	r.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/admin/users/{userID:[0-9]+}/kick", h.KickHandler()).Methods(http.MethodPost)
	return r
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the node's shared dependencies answer.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients, resp.PendingClients = h.readiness.SnapshotClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.readiness.Ready(ctx); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler serves Prometheus metrics when a collector handler is configured.
func (h *HandlerSet) MetricsHandler() http.Handler {
	if h.metrics != nil {
		return h.metrics
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics are unavailable", http.StatusServiceUnavailable)
	})
}

// KickHandler authorises and force-disconnects one user.
func (h *HandlerSet) KickHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
		UserID int64  `json:"user_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.LoggerFromContext(r.Context()).With(
			logging.String("handler", "kick"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("kick denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("kick denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("kick denied: rate limit exceeded")
			wait := int(math.Ceil(h.rateLimiter.RetryAfter().Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.kicker == nil {
			http.Error(w, "kick is unavailable", http.StatusServiceUnavailable)
			return
		}
		userID, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
		if err != nil || userID <= 0 {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		kicked, err := h.kicker.Kick(r.Context(), userID)
		if err != nil {
			reqLogger.Error("kick failed", logging.Int64("user_id", userID), logging.Error(err))
			http.Error(w, "failed to disconnect user", http.StatusInternalServerError)
			return
		}
		if !kicked {
			writeJSON(w, http.StatusNotFound, response{Status: "not_connected", UserID: userID})
			return
		}
		reqLogger.Info("user kicked", logging.Int64("user_id", userID))
		writeJSON(w, http.StatusOK, response{Status: "disconnected", UserID: userID})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
