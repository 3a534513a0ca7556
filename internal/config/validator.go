package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/orgbridge/orgbridge/internal/domain/auth"
)

// maxValidationCacheTTL mirrors the authority's hard cap.
const maxValidationCacheTTL = 5 * time.Second

// RegisterCustomValidators registers the config-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"duration":     validateDuration,
		"key_hash":     validateKeyHash,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAuditOutput accepts stdout, stderr, none and file://<absolute-path>.
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	switch output {
	case "stdout", "stderr", "none":
		return true
	}

	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateDuration accepts non-negative Go duration strings.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateKeyHash(fl validator.FieldLevel) bool {
	return auth.SchemeOf(fl.Field().String()) != auth.SchemeUnknown
}

// Validate checks struct tags and the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, check := range []func() error{
		c.validateStore,
		c.validateCodes,
		c.validateTLS,
		c.validateCacheTTL,
		c.validateDirectory,
		c.validateAdminKeyNames,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return errors.New("store.sqlite_path is required with the sqlite driver")
	}
	return nil
}

func (c *Config) validateCodes() error {
	switch c.Codes.Backend {
	case "redis":
		if c.Codes.RedisAddr == "" {
			return errors.New("codes.redis_addr is required with the redis backend")
		}
	case "sqlite":
		if c.Store.Driver != "sqlite" {
			return errors.New("codes.backend sqlite requires store.driver sqlite")
		}
	}
	return nil
}

func (c *Config) validateTLS() error {
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

func (c *Config) validateCacheTTL() error {
	if Duration(c.Tokens.ValidationCacheTTL, 0) > maxValidationCacheTTL {
		return fmt.Errorf("tokens.validation_cache_ttl must not exceed %s", maxValidationCacheTTL)
	}
	return nil
}

// validateDirectory requires a membership source outside dev mode; without
// one every authenticated user may act in any organization.
func (c *Config) validateDirectory() error {
	if c.Directory.File == "" && !c.DevMode {
		return errors.New("directory.file is required (or enable dev_mode)")
	}
	return nil
}

func (c *Config) validateAdminKeyNames() error {
	seen := make(map[string]struct{}, len(c.Admin.Keys))
	for i, k := range c.Admin.Keys {
		if _, dup := seen[k.Name]; dup {
			return fmt.Errorf("admin.keys[%d]: duplicate name %q", i, k.Name)
		}
		seen[k.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "cidr|ip":
		return fmt.Sprintf("%s must be a CIDR or an IP address", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'stderr', 'none' or 'file://<absolute-path>'", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration like \"30s\"", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or 'sha256:<hex>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
