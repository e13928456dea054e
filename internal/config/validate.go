package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ValidationErrors is every problem found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):", len(errs))
	for i, err := range errs {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, err.Error())
	}
	return sb.String()
}

// Validator accumulates errors so they can be reported together.
type Validator struct {
	errors ValidationErrors
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Err returns nil when nothing was recorded.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v.errors
}

func (v *Validator) Required(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required setting not set")
	}
}

// Prefix accepts an IP address or a CIDR block.
func (v *Validator) Prefix(key, value string) {
	if _, err := parsePrefix(value); err != nil {
		v.AddError(key, fmt.Sprintf("invalid IP or CIDR %q", value))
	}
}

// URL skips empty values; pair it with Required when the value is mandatory.
func (v *Validator) URL(key, value string) {
	if value == "" {
		return
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
	}
}

// ListenAddr accepts host:port or :port.
func (v *Validator) ListenAddr(key, value string) {
	if value == "" {
		return
	}

	_, portStr, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(key, "must be host:port or :port")
		return
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}

	if port < 0 || port > 65535 {
		v.AddError(key, "port must be between 0 and 65535")
	}
}

func (v *Validator) Enum(key, value string, allowed ...string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}

	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) NonNegative(key string, value float64) {
	if value < 0 {
		v.AddError(key, "must not be negative")
	}
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	v := &Validator{}

	v.ListenAddr("addr", c.Addr)

	v.Enum("metadata_backend", c.MetadataBackend, MetadataPostgres, MetadataBolt)
	switch c.MetadataBackend {
	case MetadataPostgres:
		v.Required("database_url", c.DatabaseURL)
		if c.DatabaseURL != "" &&
			!strings.HasPrefix(c.DatabaseURL, "postgres://") &&
			!strings.HasPrefix(c.DatabaseURL, "postgresql://") {
			v.AddError("database_url", "must be a valid PostgreSQL connection string")
		}
	case MetadataBolt:
		v.Required("bolt_path", c.BoltPath)
	}

	v.Enum("storage_provider", c.StorageProvider, ProviderMinio, ProviderS3)
	v.Required("bucket", c.Bucket)
	switch c.StorageProvider {
	case ProviderMinio:
		v.Required("s3_endpoint", c.S3Endpoint)
		v.Required("s3_access_key", c.S3AccessKey)
		v.Required("s3_secret_key", c.S3SecretKey)
		if strings.Contains(c.S3Endpoint, "://") {
			v.URL("s3_endpoint", c.S3Endpoint)
		}
	case ProviderS3:
		v.Required("s3_region", c.S3Region)
		v.URL("s3_endpoint", c.S3Endpoint)
	}
	v.URL("public_base_url", c.PublicBaseURL)

	v.NonNegative("max_upload_bytes", float64(c.MaxUploadBytes))
	if c.OperationTimeout <= 0 {
		v.AddError("operation_timeout", "must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		v.AddError("shutdown_timeout", "must be positive")
	}
	v.NonNegative("upload_rate_limit", c.UploadRateLimit)
	if c.UploadRateLimit > 0 && c.UploadRateBurst <= 0 {
		v.AddError("upload_rate_burst", "must be positive when upload_rate_limit is set")
	}

	for _, p := range c.TrustedProxies {
		v.Prefix("trusted_proxies", p)
	}

	v.Enum("log_level", c.LogLevel, "debug", "info", "warn", "error")
	v.Enum("log_format", c.LogFormat, "text", "json")

	return v.Err()
}
