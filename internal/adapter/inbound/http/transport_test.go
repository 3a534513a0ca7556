package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTransport_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestTransport_MetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	pair := f.tokens(t, "user-1", "org-1")

	f.rpc(pair.AccessToken, toolCall(1, "echo", `{"message":"hi"}`))
	f.rpc("", `{"jsonrpc":"2.0","id":2,"method":"ping"}`)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`orgbridge_requests_total{method="POST",status="ok"} 1`,
		`orgbridge_requests_total{method="POST",status="error"} 1`,
		`orgbridge_tool_calls_total{outcome="ok",tool="echo"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestTransport_OriginAllowlist(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	if rec := f.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want 403", rec.Code)
	}
}

func TestTransport_RequestIDEchoed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	if got := f.do(req).Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
	if got := f.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Header().Get("X-Request-ID"); got == "" {
		t.Error("X-Request-ID not generated")
	}
}

func TestTransport_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(httptest.NewRequest(http.MethodPut, "/mcp", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /mcp: status = %d, want 405", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/oauth/token", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /oauth/token: status = %d, want 405", rec.Code)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestTransport_StartAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	defer f.close()
	addr := freeAddr(t)
	WithAddr(addr)(f.transport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.transport.Start(ctx) }()

	client := &http.Client{Timeout: time.Second}
	defer client.CloseIdleConnections()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = client.Get("http://" + addr + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("server never came up: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
