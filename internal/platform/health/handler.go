// Package health serves liveness and readiness for the trust layer.
package health

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"trustlayer/pkg/platform/httputil"
)

// Version is set at build time via ldflags.
var Version = "dev"

const defaultCheckTimeout = 2 * time.Second

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Handler runs registered dependency checks.
type Handler struct {
	startTime    time.Time
	environment  string
	checkTimeout time.Duration

	mu       sync.RWMutex
	checks   map[string]CheckFunc
	optional map[string]bool
}

func New(environment string) *Handler {
	return &Handler{
		startTime:    time.Now(),
		environment:  environment,
		checkTimeout: defaultCheckTimeout,
		checks:       make(map[string]CheckFunc),
		optional:     make(map[string]bool),
	}
}

// RegisterCheck adds a dependency whose failure makes the instance not ready.
func (h *Handler) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// RegisterOptional adds a dependency that is reported but never fails
// readiness, such as the idempotency cache which degrades open.
func (h *Handler) RegisterOptional(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.optional[name] = true
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleReadiness)
	r.Get("/healthz/live", h.HandleLiveness)
}

type Response struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Environment   string            `json:"environment"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.response("alive"))
}

// HandleReadiness runs every check concurrently under one deadline and
// returns 503 when a required check fails.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := maps.Clone(h.checks)
	optional := maps.Clone(h.optional)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	type outcome struct {
		name string
		err  error
	}
	results := make(chan outcome, len(checks))
	for name, check := range checks {
		go func() {
			results <- outcome{name: name, err: check(ctx)}
		}()
	}

	resp := h.response("ready")
	resp.Checks = make(map[string]string, len(checks))
	ready := true
	for range checks {
		o := <-results
		switch {
		case o.err == nil:
			resp.Checks[o.name] = "up"
		case optional[o.name]:
			resp.Checks[o.name] = "degraded: " + o.err.Error()
		default:
			resp.Checks[o.name] = "down: " + o.err.Error()
			ready = false
		}
	}

	if !ready {
		resp.Status = "not_ready"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) response(status string) Response {
	return Response{
		Status:        status,
		Version:       Version,
		Environment:   h.environment,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}
