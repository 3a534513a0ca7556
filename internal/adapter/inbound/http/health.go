package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/orgbridge/orgbridge/internal/adapter/outbound/memory"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// healthPingTimeout bounds each dependency ping.
const healthPingTimeout = 2 * time.Second

// Pinger is a backing store that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker verifies component health.
type HealthChecker struct {
	rateLimiter  *memory.MemoryRateLimiter
	auditService *service.AuditService
	authority    *service.AuthorityService
	streams      func() int
	deps         map[string]Pinger
	version      string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available. The stream count is filled in by NewHTTPTransport.
func NewHealthChecker(
	rateLimiter *memory.MemoryRateLimiter,
	auditService *service.AuditService,
	authority *service.AuthorityService,
	version string,
) *HealthChecker {
	return &HealthChecker{
		rateLimiter:  rateLimiter,
		auditService: auditService,
		authority:    authority,
		deps:         make(map[string]Pinger),
		version:      version,
	}
}

// AddDependency registers a store whose Ping failure makes the service
// unhealthy. Must be called before the handler serves requests.
func (h *HealthChecker) AddDependency(name string, p Pinger) {
	h.deps[name] = p
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
		err := h.deps[name].Ping(pingCtx)
		cancel()
		if err != nil {
			checks[name] = "error: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if h.rateLimiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.rateLimiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	if h.auditService != nil {
		depth := h.auditService.ChannelDepth()
		capacity := h.auditService.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		// Over 90% the audit trail is about to lose events.
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.auditService.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped (%s)", drops, dropBreakdown(h.auditService.DroppedByKind()))
		}
		if lost := h.auditService.FailedWrites(); lost > 0 {
			checks["audit_write_errors"] = fmt.Sprintf("%d lost", lost)
		}
	} else {
		checks["audit"] = "not configured"
	}

	if h.authority != nil {
		checks["validation_cache"] = fmt.Sprintf("%d entries", h.authority.CachedValidations())
	}
	if h.streams != nil {
		checks["streams"] = fmt.Sprintf("%d open", h.streams())
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// dropBreakdown renders per-kind drop counts in a stable order.
func dropBreakdown(byKind map[audit.Kind]int64) string {
	parts := make([]string, 0, len(byKind))
	for kind, n := range byKind {
		name := string(kind)
		if name == "" {
			name = "unknown"
		}
		parts = append(parts, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
