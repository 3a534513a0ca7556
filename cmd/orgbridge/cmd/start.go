package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/orgbridge/orgbridge/internal/adapter/inbound/http"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/directory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/memory"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/redis"
	"github.com/orgbridge/orgbridge/internal/adapter/outbound/sqlite"
	"github.com/orgbridge/orgbridge/internal/config"
	"github.com/orgbridge/orgbridge/internal/domain/auth"
	"github.com/orgbridge/orgbridge/internal/domain/grant"
	"github.com/orgbridge/orgbridge/internal/domain/ratelimit"
	"github.com/orgbridge/orgbridge/internal/domain/tool"
	"github.com/orgbridge/orgbridge/internal/port/outbound"
	"github.com/orgbridge/orgbridge/internal/service"
	"github.com/orgbridge/orgbridge/internal/telemetry"
	"github.com/orgbridge/orgbridge/internal/tools"
)

// garbageInterval is how often expired access tokens and codes are deleted.
const garbageInterval = 15 * time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long: `Start the OrgBridge authorization server and tool gateway.

Examples:
  # Start with config file settings
  orgbridge start

  # Start in development mode (no directory required, debug logging)
  orgbridge start --dev

  # Start with a specific config file
  orgbridge --config /path/to/orgbridge.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C is a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer func() { _ = os.Remove(pidPath) }()
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("orgbridge stopped")
	return nil
}

// newLogger writes text logs to stderr; DevMode forces debug.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// run wires all components together and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("DEV MODE ENABLED - do not use in production")
	}

	tp, err := telemetry.Setup(cfg.Telemetry.Tracing, "orgbridge", Version, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	// Metrics are created first so the audit drop hook can count into them.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(registry)

	// Audit is started first and stopped last so every other component can
	// still record while shutting down.
	auditStore, err := memory.OpenAuditStore(cfg.Audit.Output, cfg.Audit.BufferSize)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithCriticalSendTimeout(config.Duration(cfg.Audit.CriticalSendTimeout, time.Second)),
		service.WithDropHook(metrics.RecordAuditDrop),
		service.WithWriteFailureHook(metrics.RecordAuditWriteError),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	var dir outbound.OrganizationDirectory
	if cfg.Directory.File != "" {
		fileDir, err := directory.NewFileDirectory(cfg.Directory.File, logger)
		if err != nil {
			return fmt.Errorf("failed to load directory: %w", err)
		}
		dir = fileDir
	} else {
		logger.Warn("no organization directory configured; any authenticated user may act in any organization")
	}

	rateLimiter := memory.NewRateLimiterWithConfig(
		config.Duration(cfg.RateLimit.CleanupInterval, 5*time.Minute),
		config.Duration(cfg.RateLimit.MaxTTL, 2*time.Hour),
		memory.WithRateLimiterLogger(logger),
	)
	rateLimiter.StartCleanup(ctx)
	defer rateLimiter.Stop()
	guard := ratelimit.NewGuard(rateLimiter, ratePolicies(cfg))

	var authorityOpts []service.AuthorityOption
	if dir != nil {
		authorityOpts = append(authorityOpts, service.WithDirectory(dir))
	}
	authority := service.NewAuthorityService(
		stores.grants, stores.codes, guard, auditService,
		authorityConfig(cfg), logger, authorityOpts...,
	)
	authority.Start(ctx)
	defer authority.Stop()

	var janitorOpts []service.JanitorOption
	if stores.sweeper != nil {
		janitorOpts = append(janitorOpts, service.WithCodeSweeper(stores.sweeper))
	}
	if dir != nil {
		janitorOpts = append(janitorOpts, service.WithMembershipSweep(dir, config.Duration(cfg.Directory.SweepInterval, time.Minute)))
	}
	janitor := service.NewJanitor(stores.grants, authority, garbageInterval, logger, janitorOpts...)
	janitor.Start(ctx)
	defer janitor.Stop()

	registryOpts := []tool.Option{
		tool.WithTimeout(config.Duration(cfg.Gateway.ToolTimeout, 30*time.Second)),
		tool.WithTracerProvider(tp.TracerProvider),
		tool.WithLogger(logger),
	}
	toolRegistry := tool.NewRegistry(registryOpts...)
	if err := tools.Register(toolRegistry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	healthChecker := http.NewHealthChecker(rateLimiter, auditService, authority, Version)
	for name, p := range stores.pingers {
		healthChecker.AddDependency(name, p)
	}

	proxies, err := http.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid server.trusted_proxies: %w", err)
	}

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithTrustedProxies(proxies),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithIdentityProvider(http.NewHeaderIdentity(cfg.Identity.UserHeader, dir)),
		http.WithToolLimits(guard),
		http.WithRecorder(auditService),
		http.WithGatewayConfig(gatewayConfig(cfg)),
		http.WithPrometheus(registry, metrics),
		http.WithVersion(Version),
	}
	if cfg.Server.TLSCertFile != "" {
		transportOpts = append(transportOpts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if len(cfg.Admin.Keys) > 0 {
		transportOpts = append(transportOpts, http.WithAdminKeys(adminKeyService(cfg)))
	}
	transport := http.NewHTTPTransport(authority, toolRegistry, transportOpts...)

	printBanner(cfg, len(toolRegistry.List()))
	logger.Info("orgbridge ready",
		"addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"codes", cfg.Codes.Backend,
		"tools", len(toolRegistry.List()),
		"admin_keys", len(cfg.Admin.Keys),
	)

	return transport.Start(ctx)
}

// backends bundles the selected grant and code stores with their teardown.
type backends struct {
	grants  grant.Store
	codes   grant.CodeStore
	sweeper service.CodeSweeper
	pingers map[string]http.Pinger
	closers []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// openStores builds the grant store and the code store from config.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{pingers: make(map[string]http.Pinger)}

	var sqliteStore *sqlite.Store
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		sqliteStore = s
		b.grants = s
		b.pingers["grant_store"] = s
		b.closers = append(b.closers, s.Close)
	default:
		g := memory.NewGrantStore()
		b.grants = g
		b.closers = append(b.closers, g.Close)
		logger.Warn("using in-memory grant store; grants are lost on restart")
	}

	switch cfg.Codes.Backend {
	case "sqlite":
		b.codes = sqliteStore
		b.sweeper = sqliteStore
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Codes.RedisAddr,
			Password: cfg.Codes.RedisPassword,
			DB:       cfg.Codes.RedisDB,
		})
		b.closers = append(b.closers, client.Close)
		codes := redis.NewCodeStore(client, cfg.Codes.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := codes.Ping(pingCtx); err != nil {
			b.close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Codes.RedisAddr, err)
		}
		b.codes = codes
		b.pingers["code_store"] = codes
	default:
		codes := memory.NewCodeStore()
		b.closers = append(b.closers, codes.Close)
		b.codes = codes
	}

	return b, nil
}

func authorityConfig(cfg *config.Config) service.AuthorityConfig {
	def := service.DefaultAuthorityConfig()
	return service.AuthorityConfig{
		AccessTokenTTL:      config.Duration(cfg.Tokens.AccessTTL, def.AccessTokenTTL),
		RefreshTokenTTL:     config.Duration(cfg.Tokens.RefreshTTL, def.RefreshTokenTTL),
		CodeTTL:             config.Duration(cfg.Tokens.CodeTTL, def.CodeTTL),
		RotateRefreshTokens: cfg.Tokens.RotateRefreshTokens,
		ValidationCacheTTL:  config.Duration(cfg.Tokens.ValidationCacheTTL, def.ValidationCacheTTL),
		TouchInterval:       config.Duration(cfg.Tokens.TouchInterval, def.TouchInterval),
		TouchQueueSize:      def.TouchQueueSize,
	}
}

func ratePolicies(cfg *config.Config) ratelimit.Policies {
	return ratelimit.Policies{
		ratelimit.ActionAuthorize: ratelimit.PerHour(cfg.RateLimit.AuthorizePerHour),
		ratelimit.ActionToken:     ratelimit.PerHour(cfg.RateLimit.TokenPerHour),
		ratelimit.ActionToolCall:  ratelimit.PerHour(cfg.RateLimit.ToolCallsPerHour),
	}
}

func gatewayConfig(cfg *config.Config) http.GatewayConfig {
	gc := http.DefaultGatewayConfig()
	gc.MaxStreamsPerUser = cfg.Gateway.MaxConnectionsPerUser
	gc.RevalidateInterval = config.Duration(cfg.Gateway.RevalidateInterval, gc.RevalidateInterval)
	if cfg.Gateway.StreamBuffer > 0 {
		gc.StreamBuffer = cfg.Gateway.StreamBuffer
	}
	return gc
}

func adminKeyService(cfg *config.Config) *auth.AdminKeyService {
	keys := make([]*auth.AdminKey, 0, len(cfg.Admin.Keys))
	for _, k := range cfg.Admin.Keys {
		keys = append(keys, &auth.AdminKey{Name: k.Name, Hash: k.KeyHash})
	}
	return auth.NewAdminKeyService(memory.NewAdminKeyStore(keys...))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints the startup summary to stderr.
func printBanner(cfg *config.Config, toolCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, cfg.Server.HTTPAddr)
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		base = fmt.Sprintf("%s://localhost%s", scheme, cfg.Server.HTTPAddr)
	}

	modeStr := green + "production" + reset
	if cfg.DevMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s OrgBridge %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s/oauth/authorize\n", "Authorize:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s/mcp\n", "Gateway:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Grant store:", cfg.Store.Driver)
	fmt.Fprintf(os.Stderr, "  %-14s %d registered\n", "Tools:", toolCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
