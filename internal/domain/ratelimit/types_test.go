package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestFormatKey(t *testing.T) {
	tests := []struct {
		action  Action
		subject string
		want    string
	}{
		{ActionAuthorize, "user-1", "ratelimit:authorize:user-1"},
		{ActionToken, "10.0.0.1", "ratelimit:token:10.0.0.1"},
		{ActionToolCall, "sha256:ab", "ratelimit:tool_call:sha256:ab"},
	}
	for _, tt := range tests {
		if got := FormatKey(tt.action, tt.subject); got != tt.want {
			t.Errorf("FormatKey(%q, %q) = %q, want %q", tt.action, tt.subject, got, tt.want)
		}
	}
}

func TestDefaultPolicies(t *testing.T) {
	p := DefaultPolicies()
	if p[ActionAuthorize].Rate != 10 || p[ActionToken].Rate != 20 || p[ActionToolCall].Rate != 1000 {
		t.Errorf("unexpected defaults: %+v", p)
	}
	for action, cfg := range p {
		if cfg.Period != time.Hour {
			t.Errorf("%s period = %v, want 1h", action, cfg.Period)
		}
		if cfg.Burst != cfg.Rate {
			t.Errorf("%s burst = %d, want %d", action, cfg.Burst, cfg.Rate)
		}
	}
}

type recordingLimiter struct {
	keys    []string
	configs []RateLimitConfig
}

func (r *recordingLimiter) Allow(_ context.Context, key string, cfg RateLimitConfig) (RateLimitResult, error) {
	r.keys = append(r.keys, key)
	r.configs = append(r.configs, cfg)
	return RateLimitResult{Allowed: true}, nil
}

func TestGuard_Allow(t *testing.T) {
	rec := &recordingLimiter{}
	g := NewGuard(rec, Policies{ActionAuthorize: PerHour(3)})

	if _, err := g.Allow(context.Background(), ActionAuthorize, "u1"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if _, err := g.Allow(context.Background(), ActionToken, "1.2.3.4"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	if rec.keys[0] != "ratelimit:authorize:u1" || rec.configs[0].Rate != 3 {
		t.Errorf("override not applied: %v %+v", rec.keys[0], rec.configs[0])
	}
	if rec.keys[1] != "ratelimit:token:1.2.3.4" || rec.configs[1].Rate != 20 {
		t.Errorf("default not applied: %v %+v", rec.keys[1], rec.configs[1])
	}

	if _, err := g.Allow(context.Background(), Action("bogus"), "x"); err == nil {
		t.Error("Allow() with unknown action should fail")
	}
}
