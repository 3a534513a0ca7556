package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractRealIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies() error = %v", err)
	}

	tests := []struct {
		name       string
		xff        string
		xRealIP    string
		remoteAddr string
		want       string
	}{
		{"remote addr only", "", "", "198.51.100.10:5555", "198.51.100.10"},
		{"untrusted peer ignores forwarded for", "203.0.113.1", "", "198.51.100.10:1", "198.51.100.10"},
		{"untrusted peer ignores x-real-ip", "", "203.0.113.1", "198.51.100.10:1", "198.51.100.10"},
		{"trusted peer uses forwarded for", "203.0.113.1", "", "10.0.0.2:1", "203.0.113.1"},
		{"rightmost untrusted hop wins", "203.0.113.9, 203.0.113.1, 10.0.0.1", "", "10.0.0.2:1", "203.0.113.1"},
		{"bare trusted address", "203.0.113.1", "", "192.0.2.1:1", "203.0.113.1"},
		{"trusted peer uses x-real-ip", "", " 198.51.100.4 ", "10.0.0.2:1", "198.51.100.4"},
		{"all hops trusted falls through", " , 10.0.0.1", "198.51.100.4", "10.0.0.2:1", "198.51.100.4"},
		{"all hops trusted without x-real-ip", "10.0.0.1", "", "10.0.0.2:1", "10.0.0.2"},
		{"remote addr without port", "", "", "unix-socket", "unix-socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := extractRealIP(req, trusted); got != tt.want {
				t.Errorf("extractRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRealIP_NoTrustedProxies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("X-Real-IP", "203.0.113.2")
	if got := extractRealIP(req, TrustedProxies{}); got != "10.0.0.2" {
		t.Errorf("extractRealIP() = %q, want 10.0.0.2", got)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		in      []string
		out     []string
		wantErr bool
	}{
		{name: "empty", out: []string{"10.0.0.1"}},
		{name: "cidr", entries: []string{"10.0.0.0/8"}, in: []string{"10.1.2.3"}, out: []string{"11.0.0.1"}},
		{name: "unmasked cidr", entries: []string{"172.16.5.4/12"}, in: []string{"172.16.0.1", "172.31.255.255"}, out: []string{"172.32.0.1"}},
		{name: "bare ipv4", entries: []string{"192.0.2.1"}, in: []string{"192.0.2.1"}, out: []string{"192.0.2.2"}},
		{name: "ipv6", entries: []string{"2001:db8::/32"}, in: []string{"2001:db8::1"}, out: []string{"2001:db9::1"}},
		{name: "mapped ipv4 peer", entries: []string{"192.0.2.0/24"}, in: []string{"::ffff:192.0.2.7"}},
		{name: "invalid", entries: []string{"not-an-ip"}, wantErr: true},
		{name: "invalid prefix length", entries: []string{"10.0.0.0/33"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, err := ParseTrustedProxies(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTrustedProxies() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, ip := range tt.in {
				if !tp.contains(ip) {
					t.Errorf("contains(%q) = false, want true", ip)
				}
			}
			for _, ip := range tt.out {
				if tp.contains(ip) {
					t.Errorf("contains(%q) = true, want false", ip)
				}
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(req); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Error("no logger in context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "req-123" || rec.Header().Get("X-Request-ID") != "req-123" {
		t.Errorf("propagated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "req-123" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestDNSRebindingProtection(t *testing.T) {
	h := DNSRebindingProtection([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin string
		want   int
	}{
		{"", http.StatusOK},
		{"https://app.example.com", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("origin %q: status = %d, want %d", tt.origin, rec.Code, tt.want)
		}
	}
}
