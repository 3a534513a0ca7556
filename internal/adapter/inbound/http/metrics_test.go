package http

import (
	"strings"
	"testing"

	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "ok").Inc()
	m.RequestDuration.WithLabelValues("POST").Observe(0.1)
	m.ActiveStreams.Set(5)
	m.ToolCallsTotal.WithLabelValues("echo", "ok").Inc()
	m.RateLimitedTotal.WithLabelValues("token").Inc()
	m.RecordAuditDrop(audit.KindGrantRevoked)
	m.RecordAuditDrop(audit.KindToolInvoked)
	m.RecordAuditDrop(audit.KindToolInvoked)
	m.RecordAuditWriteError(3)

	if got := testutil.ToFloat64(m.ActiveStreams); got != 5 {
		t.Errorf("ActiveStreams = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.AuditDropsTotal.WithLabelValues("tool.invoked")); got != 2 {
		t.Errorf("audit_drops_total{tool.invoked} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuditDropsTotal.WithLabelValues("grant.revoked")); got != 1 {
		t.Errorf("audit_drops_total{grant.revoked} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuditWriteErrors); got != 3 {
		t.Errorf("audit_write_errors_total = %v, want 3", got)
	}

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range gathered {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"orgbridge_requests_total",
		"orgbridge_request_duration_seconds",
		"orgbridge_active_streams",
		"orgbridge_tool_calls_total",
		"orgbridge_rate_limited_total",
		"orgbridge_audit_drops_total",
		"orgbridge_audit_write_errors_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		r := recover()
		if r == nil || !strings.Contains(strings.ToLower(stringOf(r)), "duplicate") {
			t.Errorf("second NewMetrics on one registry: recover() = %v", r)
		}
	}()
	NewMetrics(reg)
}

func stringOf(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
