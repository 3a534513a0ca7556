// Package config provides configuration types for OrgBridge.
//
// Configuration is file based (orgbridge.yaml) with ORGBRIDGE_* environment
// overrides. Durations are Go duration strings ("30s", "1h") validated at load
// time. The resulting Config is plain data; the command layer turns it into
// component settings.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects the grant store engine.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Codes selects where authorization codes live for their short lifetime.
	Codes CodesConfig `yaml:"codes" mapstructure:"codes"`

	// Tokens configures credential lifetimes and validation caching.
	Tokens TokensConfig `yaml:"tokens" mapstructure:"tokens"`

	// RateLimit configures the per-action hourly limits.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Gateway configures the tool gateway streams and dispatch.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Identity configures how the authorize endpoint learns who the user is.
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Directory configures the organization membership source.
	Directory DirectoryConfig `yaml:"directory" mapstructure:"directory"`

	// Audit configures where audit events are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Admin configures the admin API keys. No keys disables the admin routes.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Telemetry configures tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables debug logging and permissive defaults.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of debug, info, warn, error. DevMode forces debug.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// AllowedOrigins lists browser origins accepted by the Origin check.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`

	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty means the
	// TCP peer address is always the client address.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr|ip"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file"`
}

// StoreConfig selects the grant store.
type StoreConfig struct {
	// Driver is "memory" (default) or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=memory sqlite"`

	// SQLitePath is the database file. Required with the sqlite driver.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// CodesConfig selects the authorization code store.
type CodesConfig struct {
	// Backend is "memory" (default), "sqlite" or "redis".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite redis"`

	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db" validate:"min=0"`

	// KeyPrefix namespaces code keys in Redis. Defaults to "orgbridge".
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// TokensConfig configures credential lifetimes.
type TokensConfig struct {
	AccessTTL  string `yaml:"access_ttl" mapstructure:"access_ttl" validate:"omitempty,duration"`
	RefreshTTL string `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"omitempty,duration"`
	CodeTTL    string `yaml:"code_ttl" mapstructure:"code_ttl" validate:"omitempty,duration"`

	// RotateRefreshTokens issues a new refresh token on every refresh and
	// treats reuse of a rotated one as replay. Defaults to true.
	RotateRefreshTokens bool `yaml:"rotate_refresh_tokens" mapstructure:"rotate_refresh_tokens"`

	// ValidationCacheTTL caches successful validations. "0s" disables the
	// cache; values above 5s are rejected.
	ValidationCacheTTL string `yaml:"validation_cache_ttl" mapstructure:"validation_cache_ttl" validate:"omitempty,duration"`

	// TouchInterval is the minimum spacing between last-used writes per grant.
	TouchInterval string `yaml:"touch_interval" mapstructure:"touch_interval" validate:"omitempty,duration"`
}

// RateLimitConfig configures hourly limits per action.
type RateLimitConfig struct {
	// AuthorizePerHour limits code issuance per user. Defaults to 10.
	AuthorizePerHour int `yaml:"authorize_per_hour" mapstructure:"authorize_per_hour" validate:"min=0"`

	// TokenPerHour limits exchange and refresh per client IP. Defaults to 20.
	TokenPerHour int `yaml:"token_per_hour" mapstructure:"token_per_hour" validate:"min=0"`

	// ToolCallsPerHour limits tool calls per access token. Defaults to 1000.
	ToolCallsPerHour int `yaml:"tool_calls_per_hour" mapstructure:"tool_calls_per_hour" validate:"min=0"`

	// CleanupInterval is how often idle limiter keys are dropped.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// MaxTTL is how long an idle key is kept.
	MaxTTL string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty,duration"`
}

// GatewayConfig configures the tool gateway.
type GatewayConfig struct {
	// MaxConnectionsPerUser bounds concurrent streams per user. Defaults to 10.
	MaxConnectionsPerUser int `yaml:"max_connections_per_user" mapstructure:"max_connections_per_user" validate:"min=0"`

	ToolTimeout        string `yaml:"tool_timeout" mapstructure:"tool_timeout" validate:"omitempty,duration"`
	RevalidateInterval string `yaml:"revalidate_interval" mapstructure:"revalidate_interval" validate:"omitempty,duration"`

	// StreamBuffer is the per-stream outbound queue length.
	StreamBuffer int `yaml:"stream_buffer" mapstructure:"stream_buffer" validate:"min=0"`
}

// IdentityConfig configures the trusted identity header.
type IdentityConfig struct {
	// UserHeader carries the authenticated user ID set by the fronting
	// proxy. Defaults to "X-Authenticated-User".
	UserHeader string `yaml:"user_header" mapstructure:"user_header"`
}

// DirectoryConfig configures the organization directory.
type DirectoryConfig struct {
	// File is a YAML membership file. Required unless DevMode is set.
	File string `yaml:"file" mapstructure:"file"`

	// SweepInterval is how often active grants are checked against the
	// directory. "0s" disables the sweep.
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`
}

// AuditConfig configures audit output and delivery.
type AuditConfig struct {
	// Output is "stdout", "stderr", "none" or "file:///absolute/path".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of events written together. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks on a full channel before
	// dropping. "0s" drops immediately.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// CriticalSendTimeout replaces SendTimeout for grant revocations.
	CriticalSendTimeout string `yaml:"critical_send_timeout" mapstructure:"critical_send_timeout" validate:"omitempty,duration"`

	// BufferSize is the number of recent events kept in memory.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// AdminConfig lists the admin API keys.
type AdminConfig struct {
	Keys []AdminKeyConfig `yaml:"keys" mapstructure:"keys" validate:"omitempty,dive"`
}

// AdminKeyConfig is one admin API key.
type AdminKeyConfig struct {
	// Name identifies the key holder in audit events ("admin:<name>").
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// KeyHash is an Argon2id PHC string or "sha256:<hex>".
	// Generate with: orgbridge hash-key
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// Tracing is "none" (default) or "stdout".
	Tracing string `yaml:"tracing" mapstructure:"tracing" validate:"omitempty,oneof=none stdout"`
}

// DevAdminKeyHash is the SHA-256 of "dev-admin-key", installed in dev mode
// when no admin keys are configured.
const DevAdminKeyHash = "sha256:df76ff796f70d2c9cb055ea6280553caa27eda26b70e01082c160de75a05a4a9"

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	if len(c.Admin.Keys) == 0 {
		c.Admin.Keys = []AdminKeyConfig{{Name: "dev", KeyHash: DevAdminKeyHash}}
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
}

// SetDefaults fills unset fields with their stock values.
func (c *Config) SetDefaults() {
	// Localhost only unless explicitly widened.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Codes.Backend == "" {
		c.Codes.Backend = "memory"
	}
	if c.Codes.KeyPrefix == "" {
		c.Codes.KeyPrefix = "orgbridge"
	}

	if c.Tokens.AccessTTL == "" {
		c.Tokens.AccessTTL = "1h"
	}
	if c.Tokens.RefreshTTL == "" {
		c.Tokens.RefreshTTL = "720h"
	}
	if c.Tokens.CodeTTL == "" {
		c.Tokens.CodeTTL = "10m"
	}
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("tokens.rotate_refresh_tokens") {
		c.Tokens.RotateRefreshTokens = true
	}
	if c.Tokens.ValidationCacheTTL == "" {
		c.Tokens.ValidationCacheTTL = "2s"
	}
	if c.Tokens.TouchInterval == "" {
		c.Tokens.TouchInterval = "30s"
	}

	if c.RateLimit.AuthorizePerHour == 0 {
		c.RateLimit.AuthorizePerHour = 10
	}
	if c.RateLimit.TokenPerHour == 0 {
		c.RateLimit.TokenPerHour = 20
	}
	if c.RateLimit.ToolCallsPerHour == 0 {
		c.RateLimit.ToolCallsPerHour = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "2h"
	}

	if c.Gateway.MaxConnectionsPerUser == 0 {
		c.Gateway.MaxConnectionsPerUser = 10
	}
	if c.Gateway.ToolTimeout == "" {
		c.Gateway.ToolTimeout = "30s"
	}
	if c.Gateway.RevalidateInterval == "" {
		c.Gateway.RevalidateInterval = "15s"
	}
	if c.Gateway.StreamBuffer == 0 {
		c.Gateway.StreamBuffer = 64
	}

	if c.Identity.UserHeader == "" {
		c.Identity.UserHeader = "X-Authenticated-User"
	}
	if c.Directory.SweepInterval == "" {
		c.Directory.SweepInterval = "1m"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.CriticalSendTimeout == "" {
		c.Audit.CriticalSendTimeout = "1s"
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if c.Telemetry.Tracing == "" {
		c.Telemetry.Tracing = "none"
	}
}

// Duration parses a validated duration string. Empty or unparsable values
// yield fallback.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
