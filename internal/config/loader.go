package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for orgbridge.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is
// never picked up as a config file.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName("orgbridge")
		viper.SetConfigType("yaml")
	}

	// ORGBRIDGE_SERVER_HTTP_ADDR overrides server.http_addr
	viper.SetEnvPrefix("ORGBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".orgbridge"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "orgbridge"))
		}
	} else {
		paths = append(paths, "/etc/orgbridge")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first orgbridge.yaml or .yml found in
// paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "orgbridge"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the scalar keys that can be overridden from the environment.
// Lists (allowed_origins, trusted_proxies, admin.keys) come from the config file only.
var envKeys = []string{
	"server.http_addr",
	"server.log_level",
	"server.tls_cert_file",
	"server.tls_key_file",

	"store.driver",
	"store.sqlite_path",

	"codes.backend",
	"codes.redis_addr",
	"codes.redis_password",
	"codes.redis_db",
	"codes.key_prefix",

	"tokens.access_ttl",
	"tokens.refresh_ttl",
	"tokens.code_ttl",
	"tokens.rotate_refresh_tokens",
	"tokens.validation_cache_ttl",
	"tokens.touch_interval",

	"rate_limit.authorize_per_hour",
	"rate_limit.token_per_hour",
	"rate_limit.tool_calls_per_hour",
	"rate_limit.cleanup_interval",
	"rate_limit.max_ttl",

	"gateway.max_connections_per_user",
	"gateway.tool_timeout",
	"gateway.revalidate_interval",
	"gateway.stream_buffer",

	"identity.user_header",

	"directory.file",
	"directory.sweep_interval",

	"audit.output",
	"audit.channel_size",
	"audit.batch_size",
	"audit.flush_interval",
	"audit.send_timeout",
	"audit.critical_send_timeout",
	"audit.buffer_size",

	"telemetry.tracing",

	"dev_mode",
}

// bindNestedEnvKeys binds nested keys so Unmarshal sees env-only values.
func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

func readConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults but neither
// dev defaults nor validation. Use it when CLI flags may still change DevMode.
func LoadConfigRaw() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
