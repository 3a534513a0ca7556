package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orgbridge/orgbridge/internal/adapter/outbound/directory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/memory"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/tool"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
	"github.com/orgbridge/orgbridge/internal/service"
	"github.com/orgbridge/orgbridge/internal/tools"
	"github.com/orgbridge/orgbridge/pkg/mcp"
)

const (
	testAdminKey    = "admin-secret-key"
	testRedirectURI = "http://127.0.0.1:7777/callback"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventRecorder is a synchronous audit.Recorder.
type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) last(kind audit.Kind) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind() == kind {
			return r.events[i], true
		}
	}
	return audit.Event{}, false
}

// slowTool blocks until its context ends and reports both moments.
type slowTool struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (s *slowTool) handle(ctx context.Context, _ tool.Scope, _ json.RawMessage) (*tool.Result, error) {
	s.started <- struct{}{}
	<-ctx.Done()
	s.cancelled <- struct{}{}
	return nil, ctx.Err()
}

// testClock is a settable time source for the authority.
type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(time.Now().UnixNano())
	return c
}

func (c *testClock) now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *testClock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

type fixture struct {
	transport *HTTPTransport
	handler   http.Handler
	authority *service.AuthorityService
	codes     *memory.CodeStore
	directory *directory.FileDirectory
	events    *eventRecorder
	slow      *slowTool

	ipSeq     atomic.Int64
	closeOnce sync.Once
}

type fixtureConfig struct {
	gateway  GatewayConfig
	policies ratelimit.Policies
	admin    bool
	trusted  []string
	clock    *testClock
}

type fixtureOption func(*fixtureConfig)

func withGateway(mutate func(*GatewayConfig)) fixtureOption {
	return func(c *fixtureConfig) { mutate(&c.gateway) }
}

func withPolicy(action ratelimit.Action, cfg ratelimit.RateLimitConfig) fixtureOption {
	return func(c *fixtureConfig) { c.policies[action] = cfg }
}

func withTrustedProxies(entries ...string) fixtureOption {
	return func(c *fixtureConfig) { c.trusted = entries }
}

// withClock drives token expiry from c instead of the wall clock.
func withClock(c *testClock) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.clock = c }
}

func withAdmin() fixtureOption {
	return func(c *fixtureConfig) { c.admin = true }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{gateway: DefaultGatewayConfig(), policies: ratelimit.Policies{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir := directory.NewStaticDirectory(
		outbound.Member{ID: "user-1", Name: "Ada", Organizations: []string{"org-1", "org-2"}},
		outbound.Member{ID: "user-2", Name: "Grace", Organizations: []string{"org-1"}},
	)
	codes := memory.NewCodeStore()
	guard := ratelimit.NewGuard(memory.NewRateLimiter(), cfg.policies)
	events := &eventRecorder{}

	authorityOpts := []service.AuthorityOption{service.WithDirectory(dir)}
	if cfg.clock != nil {
		authorityOpts = append(authorityOpts, service.WithAuthorityClock(cfg.clock.now))
	}
	authority := service.NewAuthorityService(
		memory.NewGrantStore(), codes, guard, events,
		service.DefaultAuthorityConfig(), discardLogger(),
		authorityOpts...,
	)

	registry := tool.NewRegistry(tool.WithLogger(discardLogger()))
	if err := tools.Register(registry); err != nil {
		t.Fatalf("tools.Register() error = %v", err)
	}
	slow := &slowTool{started: make(chan struct{}, 4), cancelled: make(chan struct{}, 4)}
	mustRegister(t, registry, "slow", slow.handle)
	mustRegister(t, registry, "boom", func(context.Context, tool.Scope, json.RawMessage) (*tool.Result, error) {
		return nil, errors.New("connect db: password=hunter2")
	})

	transportOpts := []Option{
		WithLogger(discardLogger()),
		WithIdentityProvider(NewHeaderIdentity(DefaultUserHeader, dir)),
		WithToolLimits(guard),
		WithRecorder(events),
		WithGatewayConfig(cfg.gateway),
		WithVersion("test"),
	}
	if cfg.admin {
		keys := memory.NewAdminKeyStore(&auth.AdminKey{Name: "ops", Hash: auth.HashSHA256(testAdminKey)})
		transportOpts = append(transportOpts, WithAdminKeys(auth.NewAdminKeyService(keys)))
	}
	if len(cfg.trusted) > 0 {
		tp, err := ParseTrustedProxies(cfg.trusted)
		if err != nil {
			t.Fatalf("ParseTrustedProxies() error = %v", err)
		}
		transportOpts = append(transportOpts, WithTrustedProxies(tp))
	}
	tr := NewHTTPTransport(authority, registry, transportOpts...)

	f := &fixture{
		transport: tr,
		handler:   tr.Handler(),
		authority: authority,
		codes:     codes,
		directory: dir,
		events:    events,
		slow:      slow,
	}
	t.Cleanup(f.close)
	return f
}

func mustRegister(t *testing.T, r *tool.Registry, name string, h tool.Handler) {
	t.Helper()
	if err := r.Register(tool.Definition{Name: name}, h); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
}

func (f *fixture) close() {
	f.closeOnce.Do(func() {
		_ = f.transport.Close()
		f.authority.Stop()
		_ = f.codes.Close()
	})
}

// tokens runs the authorization flow through the authority directly.
func (f *fixture) tokens(t *testing.T, userID, orgID string) *service.TokenPair {
	t.Helper()
	ctx := context.Background()
	code, err := f.authority.IssueCode(ctx, service.AuthorizeRequest{
		UserID:         userID,
		OrganizationID: orgID,
		ClientName:     "Assistant",
		RedirectURI:    testRedirectURI,
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	meta := service.ClientMeta{IPAddress: fmt.Sprintf("10.0.0.%d", f.ipSeq.Add(1))}
	pair, err := f.authority.ExchangeCode(ctx, code, testRedirectURI, meta)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	return pair
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// rpc posts a JSON-RPC body to /mcp in request/response mode.
func (f *fixture) rpc(accessToken, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return f.do(req)
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *mcp.Error      `json:"error"`
}

func decodeReply(t *testing.T, body []byte) rpcReply {
	t.Helper()
	var r rpcReply
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("invalid JSON-RPC reply: %v\nbody: %s", err, body)
	}
	if r.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", r.JSONRPC)
	}
	return r
}

func toolCall(id int, name, args string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, name, args)
}
