package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orgbridge/orgbridge/internal/adapter/outbound/sqlite"
	"github.com/orgbridge/orgbridge/internal/config"
	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/token"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile() error = %v", err)
	}
	if got := readPIDFile(path); got != os.Getpid() {
		t.Errorf("readPIDFile() = %d, want %d", got, os.Getpid())
	}

	if got := readPIDFile(filepath.Join(t.TempDir(), "missing.pid")); got != 0 {
		t.Errorf("readPIDFile(missing) = %d, want 0", got)
	}
	garbage := filepath.Join(t.TempDir(), "bad.pid")
	_ = os.WriteFile(garbage, []byte("not-a-pid"), 0o600)
	if got := readPIDFile(garbage); got != 0 {
		t.Errorf("readPIDFile(garbage) = %d, want 0", got)
	}
}

func TestHashKey(t *testing.T) {
	phc, err := hashKey("s3cret", false)
	if err != nil {
		t.Fatalf("hashKey() error = %v", err)
	}
	if auth.SchemeOf(phc) != auth.SchemeArgon2id {
		t.Errorf("hashKey() = %q, want argon2id PHC string", phc)
	}
	if ok, err := auth.VerifyHash("s3cret", phc); err != nil || !ok {
		t.Errorf("VerifyHash() = %v, %v; want true", ok, err)
	}

	digest, _ := hashKey("s3cret", true)
	if digest != auth.HashSHA256("s3cret") {
		t.Errorf("hashKey(sha256) = %q", digest)
	}
}

func TestReadKey(t *testing.T) {
	if got, _ := readKey([]string{"from-arg"}, strings.NewReader("ignored\n")); got != "from-arg" {
		t.Errorf("readKey(arg) = %q", got)
	}
	if got, _ := readKey(nil, strings.NewReader("  from-stdin \n")); got != "from-stdin" {
		t.Errorf("readKey(stdin) = %q", got)
	}
	if _, err := readKey(nil, strings.NewReader("")); err == nil {
		t.Error("readKey(empty) error = nil")
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := &config.Config{
		Tokens: config.TokensConfig{
			AccessTTL:           "15m",
			ValidationCacheTTL:  "0s",
			RotateRefreshTokens: false,
		},
		RateLimit: config.RateLimitConfig{AuthorizePerHour: 3, TokenPerHour: 4, ToolCallsPerHour: 5},
		Gateway:   config.GatewayConfig{MaxConnectionsPerUser: 2, RevalidateInterval: "1s"},
	}

	ac := authorityConfig(cfg)
	if ac.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want 15m", ac.AccessTokenTTL)
	}
	if ac.RefreshTokenTTL != grant.DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v, want default", ac.RefreshTokenTTL)
	}
	if ac.ValidationCacheTTL != 0 {
		t.Errorf("ValidationCacheTTL = %v, want 0 (disabled)", ac.ValidationCacheTTL)
	}
	if ac.RotateRefreshTokens {
		t.Error("RotateRefreshTokens = true, want false")
	}

	p := ratePolicies(cfg)
	if p[ratelimit.ActionAuthorize].Rate != 3 || p[ratelimit.ActionToken].Rate != 4 || p[ratelimit.ActionToolCall].Rate != 5 {
		t.Errorf("ratePolicies() = %+v", p)
	}
	if p[ratelimit.ActionToken].Period != time.Hour {
		t.Errorf("Period = %v, want 1h", p[ratelimit.ActionToken].Period)
	}

	gc := gatewayConfig(cfg)
	if gc.MaxStreamsPerUser != 2 || gc.RevalidateInterval != time.Second {
		t.Errorf("gatewayConfig() = %+v", gc)
	}
	if gc.StreamBuffer != 64 {
		t.Errorf("StreamBuffer = %d, want default 64", gc.StreamBuffer)
	}
}

func TestAdminKeyService(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{Keys: []config.AdminKeyConfig{
		{Name: "ops", KeyHash: auth.HashSHA256("ops-key")},
	}}}
	key, err := adminKeyService(cfg).Verify(context.Background(), "ops-key")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if key.Name != "ops" {
		t.Errorf("key.Name = %q, want ops", key.Name)
	}
}

// seedGrant writes one active grant for user-1 in org-1 and returns its ID.
func seedGrant(t *testing.T, path, org string) string {
	t.Helper()
	store, err := sqlite.Open(path, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	id := "grant-" + org
	_, _, err = store.IssueTokens(context.Background(),
		&grant.Grant{ID: id, UserID: "user-1", OrganizationID: org, ClientName: "Assistant", ClientID: "client-" + org, Active: true, CreatedAt: now, UpdatedAt: now},
		&grant.AccessToken{ID: "at-" + org, TokenHash: token.Hash("access-" + org), ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		&grant.RefreshToken{ID: "rt-" + org, TokenHash: token.Hash("refresh-" + org), ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now, UpdatedAt: now},
	)
	if err != nil {
		t.Fatalf("IssueTokens() error = %v", err)
	}
	return id
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Flag variables outlive a single Execute.
	grantsDBPath, grantsUser, grantsOrg, grantsJSON = "", "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestGrantsCommands(t *testing.T) {
	t.Setenv("ORGBRIDGE_AUDIT_OUTPUT", "none")
	db := filepath.Join(t.TempDir(), "grants.db")
	id := seedGrant(t, db, "org-1")
	seedGrant(t, db, "org-2")

	out, err := execute(t, "grants", "list", "--db", db, "--user", "user-1")
	if err != nil {
		t.Fatalf("grants list error = %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "active") {
		t.Errorf("grants list output missing grant:\n%s", out)
	}

	if _, err := execute(t, "grants", "revoke", id, "--db", db); err != nil {
		t.Fatalf("grants revoke error = %v", err)
	}
	out, _ = execute(t, "grants", "list", "--db", db, "--user", "user-1", "--json")
	if !strings.Contains(out, `"active": false`) {
		t.Errorf("revoked grant still active:\n%s", out)
	}

	out, err = execute(t, "grants", "revoke", "--db", db, "--user", "user-1", "--org", "org-2")
	if err != nil {
		t.Fatalf("grants revoke --org error = %v", err)
	}
	if !strings.Contains(out, "revoked 1 grant(s)") {
		t.Errorf("membership revoke output = %q", out)
	}

	if _, err := execute(t, "grants", "revoke", "missing", "--db", db); err == nil {
		t.Error("revoking an unknown grant succeeded")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "orgbridge "+Version) {
		t.Errorf("version output = %q", out)
	}
}
