package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/tool"
	"github.com/orgbridge/orgbridge/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayConfig tunes the tool gateway.
type GatewayConfig struct {
	// MaxStreamsPerUser bounds concurrent event streams per user.
	MaxStreamsPerUser int
	// RevalidateInterval is how often an open stream re-checks its token.
	RevalidateInterval time.Duration
	// StreamBuffer is the number of undelivered messages held per stream.
	StreamBuffer int
	// MaxBodyBytes caps JSON-RPC request bodies.
	MaxBodyBytes int64
}

// DefaultGatewayConfig returns the stock gateway settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxStreamsPerUser:  10,
		RevalidateInterval: 15 * time.Second,
		StreamBuffer:       64,
		MaxBodyBytes:       1 << 20,
	}
}

// HTTPTransport serves the authorization endpoints, the tool gateway and
// the grant management API.
type HTTPTransport struct {
	authority *service.AuthorityService
	tools     *tool.Registry
	limits    *ratelimit.Guard
	recorder  audit.Recorder
	identity  IdentityProvider
	adminKeys *auth.AdminKeyService

	cfg            GatewayConfig
	addr           string
	allowedOrigins []string
	trusted        TrustedProxies
	certFile       string
	keyFile        string
	version        string

	registry      *prometheus.Registry
	metrics       *Metrics
	healthChecker *HealthChecker
	validate      *validator.Validate

	streams  *streamRegistry
	dispatch sync.WaitGroup
	server   *http.Server
	logger   *slog.Logger
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked.
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) {
		t.allowedOrigins = origins
	}
}

// WithTrustedProxies sets the peers allowed to supply X-Forwarded-For and
// X-Real-IP. By default those headers are ignored.
func WithTrustedProxies(tp TrustedProxies) Option {
	return func(t *HTTPTransport) {
		t.trusted = tp
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithIdentityProvider sets how browser requests are mapped to users.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(t *HTTPTransport) {
		t.identity = p
	}
}

// WithAdminKeys enables the /admin routes, authenticated by admin API key.
func WithAdminKeys(s *auth.AdminKeyService) Option {
	return func(t *HTTPTransport) {
		t.adminKeys = s
	}
}

// WithToolLimits enables per-token tool-call rate limiting.
func WithToolLimits(g *ratelimit.Guard) Option {
	return func(t *HTTPTransport) {
		t.limits = g
	}
}

// WithRecorder sets the audit sink for tool calls.
func WithRecorder(r audit.Recorder) Option {
	return func(t *HTTPTransport) {
		t.recorder = r
	}
}

// WithGatewayConfig overrides DefaultGatewayConfig.
func WithGatewayConfig(cfg GatewayConfig) Option {
	return func(t *HTTPTransport) {
		t.cfg = cfg
	}
}

// WithPrometheus uses an existing registry and metrics set instead of
// creating fresh ones.
func WithPrometheus(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithVersion sets the server version reported on initialize.
func WithVersion(v string) Option {
	return func(t *HTTPTransport) {
		t.version = v
	}
}

// NewHTTPTransport creates the transport around the authority and the tool
// registry.
func NewHTTPTransport(authority *service.AuthorityService, tools *tool.Registry, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		authority:      authority,
		tools:          tools,
		cfg:            DefaultGatewayConfig(),
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		version:        "dev",
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(t.registry)
	}
	if t.identity == nil {
		t.identity = NewHeaderIdentity(DefaultUserHeader, nil)
	}
	t.streams = newStreamRegistry(t.cfg.MaxStreamsPerUser, func(n int) {
		t.metrics.ActiveStreams.Set(float64(n))
	})
	if t.healthChecker != nil {
		t.healthChecker.streams = t.streams.len
	}

	return t
}

// Metrics returns the transport's Prometheus metrics.
func (t *HTTPTransport) Metrics() *Metrics {
	return t.metrics
}

// Handler builds the full routing tree wrapped in the middleware chain.
//
// Middleware order (outermost first):
//  1. MetricsMiddleware - must be outermost to capture full duration
//  2. RequestID - extract/generate request ID and enrich logger
//  3. RealIP - client address for per-IP limits
//  4. DNSRebinding - Origin allowlist
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()

	if t.healthChecker != nil {
		mux.Handle("GET /health", t.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", healthHandler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))

	mux.HandleFunc("GET /oauth/authorize", t.handleAuthorize)
	mux.HandleFunc("POST /oauth/token", t.handleToken)

	mux.HandleFunc("GET /mcp", t.handleStream)
	mux.HandleFunc("POST /mcp", t.handleMessage)
	mux.HandleFunc("DELETE /mcp", t.handleDelete)
	mux.HandleFunc("OPTIONS /mcp", handleOptions)

	mux.HandleFunc("GET /api/grants", t.handleListOwnGrants)
	mux.HandleFunc("POST /api/grants/{id}/revoke", t.handleRevokeOwnGrant)

	if t.adminKeys != nil {
		mux.Handle("GET /admin/grants", t.requireAdmin(http.HandlerFunc(t.handleAdminListGrants)))
		mux.Handle("POST /admin/grants/{id}/revoke", t.requireAdmin(http.HandlerFunc(t.handleAdminRevokeGrant)))
		mux.Handle("POST /admin/memberships/revoke", t.requireAdmin(http.HandlerFunc(t.handleAdminRevokeMembership)))
	}

	var handler http.Handler = mux
	handler = DNSRebindingProtection(t.allowedOrigins)(handler)
	handler = RealIPMiddleware(t.trusted)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Streams never finish on their own, so end them before Shutdown waits.
	t.streams.closeAll()

	var err error
	if t.server != nil {
		if err = t.server.Shutdown(ctx); err != nil {
			t.logger.Error("error during server shutdown", "error", err)
		}
	}
	t.dispatch.Wait()

	if err == nil {
		t.logger.Info("HTTP server shutdown complete")
	}
	return err
}

// Close ends all streams and waits for in-flight asynchronous dispatches.
func (t *HTTPTransport) Close() error {
	return t.shutdown()
}

// healthHandler is used when no HealthChecker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
