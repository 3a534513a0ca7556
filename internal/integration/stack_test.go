// Package integration holds end-to-end tests that run the authority and the
// tool gateway over the durable backends: SQLite grants, Redis codes and
// the real HTTP transport.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	httpadapter "github.com/orgbridge/orgbridge/internal/adapter/inbound/http"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/directory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/memory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/redis"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/sqlite"
	"github.com/orgbridge/orgbridge/internal/domain/audit"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/tool"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
	"github.com/orgbridge/orgbridge/internal/service"
	"github.com/orgbridge/orgbridge/internal/tools"
)

const redirectURI = "http://127.0.0.1:7777/callback"

// testLogger returns a logger that writes to stderr at error level (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack is a fully wired server on durable backends.
type stack struct {
	dbPath    string
	grants    *sqlite.Store
	redis     *miniredis.Miniredis
	events    *memory.MemoryAuditStore
	auditSvc  *service.AuditService
	authority *service.AuthorityService
	server    *httptest.Server
	client    *http.Client
	cancel    context.CancelFunc
	stopped   bool
}

type stackOption func(*service.AuthorityConfig)

// newStack boots a server on the SQLite file at dbPath, creating it if
// needed. An empty dbPath selects a fresh file in a temp dir.
func newStack(t testing.TB, dbPath string, opts ...stackOption) *stack {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "orgbridge.db")
	}
	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())

	grants, err := sqlite.Open(dbPath, logger)
	if err != nil {
		cancel()
		t.Fatalf("sqlite.Open() error = %v", err)
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	codes := redis.NewCodeStore(client, "orgbridge")

	dir := directory.NewStaticDirectory(
		outbound.Member{ID: "user-1", Name: "Ada", Organizations: []string{"org-1", "org-2"}},
		outbound.Member{ID: "user-2", Name: "Grace", Organizations: []string{"org-1"}},
	)
	guard := ratelimit.NewGuard(memory.NewRateLimiter(), ratelimit.Policies{})

	events := memory.NewAuditStore(io.Discard, 0)
	auditSvc := service.NewAuditService(events, logger)
	auditSvc.Start(ctx)

	cfg := service.DefaultAuthorityConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	authority := service.NewAuthorityService(grants, codes, guard, auditSvc, cfg, logger,
		service.WithDirectory(dir))
	authority.Start(ctx)

	registry := tool.NewRegistry(tool.WithLogger(logger))
	if err := tools.Register(registry); err != nil {
		t.Fatalf("tools.Register() error = %v", err)
	}

	transport := httpadapter.NewHTTPTransport(authority, registry,
		httpadapter.WithLogger(logger),
		httpadapter.WithIdentityProvider(httpadapter.NewHeaderIdentity(httpadapter.DefaultUserHeader, dir)),
		httpadapter.WithToolLimits(guard),
		httpadapter.WithRecorder(auditSvc),
		httpadapter.WithVersion("integration"),
	)

	s := &stack{
		dbPath:    dbPath,
		grants:    grants,
		redis:     mr,
		events:    events,
		auditSvc:  auditSvc,
		authority: authority,
		server:    httptest.NewServer(transport.Handler()),
		cancel:    cancel,
	}
	s.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	t.Cleanup(func() {
		s.server.Close()
		_ = transport.Close()
		s.stop()
	})
	return s
}

// stop shuts the workers down in dependency order and closes the database.
// Pending audit events are flushed to the store.
func (s *stack) stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.authority.Stop()
	s.auditSvc.Stop()
	s.cancel()
	_ = s.grants.Close()
}

// authorize drives GET /oauth/authorize as the given user and returns the
// redirect target.
func (s *stack) authorize(t testing.TB, userID, orgID, state string) *url.URL {
	t.Helper()
	q := url.Values{
		"redirect_uri":    {redirectURI},
		"organization_id": {orgID},
		"client_name":     {"Assistant"},
		"state":           {state},
	}
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/oauth/authorize?"+q.Encode(), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(httpadapter.DefaultUserHeader, userID)
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad Location header: %v", err)
	}
	return loc
}

type tokenReply struct {
	status       int
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
}

// token posts a form-encoded request to /oauth/token.
func (s *stack) token(t testing.TB, form url.Values) tokenReply {
	t.Helper()
	resp, err := s.client.PostForm(s.server.URL+"/oauth/token", form)
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var reply tokenReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("token reply: %v", err)
	}
	reply.status = resp.StatusCode
	return reply
}

// login runs the whole authorization flow and returns the issued tokens.
func (s *stack) login(t testing.TB, userID, orgID string) tokenReply {
	t.Helper()
	loc := s.authorize(t, userID, orgID, "")
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %s", loc)
	}
	reply := s.token(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
	if reply.status != http.StatusOK {
		t.Fatalf("code exchange status = %d error = %q", reply.status, reply.Error)
	}
	return reply
}

type rpcReply struct {
	status int
	Result *tool.Result `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call invokes a tool over POST /mcp.
func (s *stack) call(t testing.TB, accessToken, name, args string) rpcReply {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, name, args)
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("mcp request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reply := rpcReply{status: resp.StatusCode}
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("mcp reply: %v", err)
		}
	}
	return reply
}

// whoami calls the whoami tool and decodes its output.
func (s *stack) whoami(t testing.TB, accessToken string) tools.WhoamiResult {
	t.Helper()
	reply := s.call(t, accessToken, "whoami", `{}`)
	if reply.status != http.StatusOK || reply.Error != nil || reply.Result == nil {
		t.Fatalf("whoami failed: status=%d error=%+v", reply.status, reply.Error)
	}
	var who tools.WhoamiResult
	if err := json.Unmarshal([]byte(reply.Result.Content[0].Text), &who); err != nil {
		t.Fatalf("bad whoami output: %v", err)
	}
	return who
}

// auditKinds returns the kinds of all flushed events for a grant, oldest first.
func (s *stack) auditKinds(grantID string) []audit.Kind {
	events := s.events.Query(audit.Filter{GrantID: grantID, Limit: 1000})
	kinds := make([]audit.Kind, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Kind())
	}
	return kinds
}
