// Package health serves liveness, readiness and dependency health for the
// importer: the NetBox API, its circuit breaker and the optional Redis list.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/netbox-import/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckTimeout bounds every individual check.
const CheckTimeout = 5 * time.Second

// Check is the outcome of one dependency check
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response is the body of /health
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

// RegisterChecker adds or replaces the checker reported under name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady flips readiness; /ready answers 503 until it is set.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) snapshot() (map[string]Checker, map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata, h.ready
}

// Run executes every registered check concurrently and folds them into one
// status: any unhealthy check makes the whole unhealthy, any degraded one
// degrades it.
func (h *Handler) Run(ctx context.Context) Response {
	checkers, metadata, _ := h.snapshot()

	checks := make([]Check, 0, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			c := checker.Check(cctx)
			c.Name = name
			mu.Lock()
			checks = append(checks, c)
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	overall := StatusHealthy
	for _, c := range checks {
		switch {
		case c.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case c.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return Response{Status: overall, Timestamp: time.Now(), Checks: checks, Metadata: metadata}
}

// HealthHandler answers 503 when unhealthy and 200 otherwise, degraded included.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	if resp.Status != StatusHealthy && h.logger != nil {
		h.logger.Warnw("health check not healthy", "status", resp.Status)
	}
	writeJSON(w, code, resp)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, metadata, ready := h.snapshot()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

// LivenessHandler always answers 200 while the process serves requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func finished(start time.Time, status Status, msg string) Check {
	now := time.Now()
	return Check{Status: status, Message: msg, LastChecked: now, DurationMS: now.Sub(start).Milliseconds()}
}

// PingChecker reports a dependency as unhealthy when its ping fails. A nil
// ping means the dependency is not configured.
type PingChecker struct {
	target string
	ping   func(ctx context.Context) error
}

func NewPingChecker(target string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{target: target, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return finished(start, StatusHealthy, c.target+" not configured")
	}
	if err := c.ping(ctx); err != nil {
		return finished(start, StatusUnhealthy, c.target+" unreachable: "+err.Error())
	}
	return finished(start, StatusHealthy, c.target+" reachable")
}

// BreakerChecker reports degraded while any API host breaker is open and
// names the hosts.
type BreakerChecker struct {
	openHosts func() []string
}

func NewBreakerChecker(openHosts func() []string) *BreakerChecker {
	return &BreakerChecker{openHosts: openHosts}
}

func (c *BreakerChecker) Check(context.Context) Check {
	start := time.Now()
	if open := c.openHosts(); len(open) > 0 {
		return finished(start, StatusDegraded, "circuit open for "+strings.Join(open, ", ")+", NetBox calls are being rejected")
	}
	return finished(start, StatusHealthy, "circuit closed")
}
