// Package config loads relay settings from defaults, an optional config
// file, SFR_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SFR"

const (
	MetadataPostgres = "postgres"
	MetadataBolt     = "bolt"

	ProviderMinio = "minio"
	ProviderS3    = "s3"
)

// Config is the resolved process configuration.
type Config struct {
	Addr string

	MetadataBackend string
	DatabaseURL     string
	BoltPath        string

	StorageProvider    string
	S3Endpoint         string
	S3AccessKey        string
	S3SecretKey        string
	S3Region           string
	Bucket             string
	ParentPrefix       string
	PublicBaseURL      string
	ManageBucketPolicy bool

	MaxUploadBytes   int64
	TempDir          string
	OperationTimeout time.Duration
	ShutdownTimeout  time.Duration
	UploadRateLimit  float64
	UploadRateBurst  int
	TrustedProxies   []string

	LogLevel  string
	LogFormat string
}

type flagSpec struct {
	key   string
	flag  string
	usage string
	def   any
}

var flags = []flagSpec{
	{"addr", "addr", "listen address", ":8080"},
	{"metadata_backend", "metadata-backend", "metadata store: postgres|bolt", MetadataPostgres},
	{"database_url", "database-url", "PostgreSQL connection string", ""},
	{"bolt_path", "bolt-path", "BoltDB file (bolt backend)", "relay.db"},
	{"storage_provider", "storage-provider", "object storage: minio|s3", ProviderMinio},
	{"s3_endpoint", "s3-endpoint", "object storage endpoint", ""},
	{"s3_access_key", "s3-access-key", "object storage access key", ""},
	{"s3_secret_key", "s3-secret-key", "object storage secret key", ""},
	{"s3_region", "s3-region", "object storage region", "us-east-1"},
	{"bucket", "bucket", "bucket holding uploaded objects", ""},
	{"parent_prefix", "parent-prefix", "key prefix uploaded objects are placed under", "uploads"},
	{"public_base_url", "public-base-url", "origin used to build public object links", ""},
	{"manage_bucket_policy", "manage-bucket-policy", "install the public-read bucket policy at startup; when off the installed policy is verified instead (minio)", true},
	{"max_upload_bytes", "max-upload-bytes", "maximum upload request size, 0 for no limit", int64(0)},
	{"temp_dir", "temp-dir", "directory for staged uploads", ""},
	{"operation_timeout", "operation-timeout", "upper bound for store and purge operations", 5 * time.Minute},
	{"shutdown_timeout", "shutdown-timeout", "grace period for in-flight requests on shutdown", 10 * time.Second},
	{"upload_rate_limit", "upload-rate-limit", "uploads per second per client, 0 disables", 0.0},
	{"upload_rate_burst", "upload-rate-burst", "upload burst per client", 5},
	{"trusted_proxies", "trusted-proxies", "IPs or CIDRs of proxies whose X-Forwarded-For and X-Real-IP are believed", []string{}},
	{"log_level", "log-level", "debug|info|warn|error", "info"},
	{"log_format", "log-format", "text|json", "text"},
}

// RegisterFlags defines every setting on fs and binds it to v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	for _, f := range flags {
		switch def := f.def.(type) {
		case string:
			fs.String(f.flag, def, f.usage)
		case bool:
			fs.Bool(f.flag, def, f.usage)
		case int:
			fs.Int(f.flag, def, f.usage)
		case int64:
			fs.Int64(f.flag, def, f.usage)
		case float64:
			fs.Float64(f.flag, def, f.usage)
		case time.Duration:
			fs.Duration(f.flag, def, f.usage)
		case []string:
			fs.StringSlice(f.flag, def, f.usage)
		default:
			return fmt.Errorf("flag %s: unsupported default %T", f.flag, f.def)
		}
		if err := v.BindPFlag(f.key, fs.Lookup(f.flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", f.flag, err)
		}
	}
	return nil
}

// Load resolves the configuration. cfgFile may be empty, in which case
// ./relay.{yaml,toml,json} is used when present.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	for _, f := range flags {
		v.SetDefault(f.key, f.def)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !(cfgFile == "" && errors.Is(err, os.ErrNotExist)) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Addr:               v.GetString("addr"),
		MetadataBackend:    strings.ToLower(v.GetString("metadata_backend")),
		DatabaseURL:        v.GetString("database_url"),
		BoltPath:           v.GetString("bolt_path"),
		StorageProvider:    strings.ToLower(v.GetString("storage_provider")),
		S3Endpoint:         v.GetString("s3_endpoint"),
		S3AccessKey:        v.GetString("s3_access_key"),
		S3SecretKey:        v.GetString("s3_secret_key"),
		S3Region:           v.GetString("s3_region"),
		Bucket:             v.GetString("bucket"),
		ParentPrefix:       v.GetString("parent_prefix"),
		PublicBaseURL:      v.GetString("public_base_url"),
		ManageBucketPolicy: v.GetBool("manage_bucket_policy"),
		MaxUploadBytes:     v.GetInt64("max_upload_bytes"),
		TempDir:            v.GetString("temp_dir"),
		OperationTimeout:   v.GetDuration("operation_timeout"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		UploadRateLimit:    v.GetFloat64("upload_rate_limit"),
		UploadRateBurst:    v.GetInt("upload_rate_burst"),
		TrustedProxies:     splitList(v.GetStringSlice("trusted_proxies")),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		LogFormat:          strings.ToLower(v.GetString("log_format")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens comma-separated entries; SFR_TRUSTED_PROXIES arrives as
// a single comma-joined string.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// TrustedProxyPrefixes returns TrustedProxies as prefixes. A bare address
// becomes a single-host prefix. Entries Validate rejects are skipped.
func (c Config) TrustedProxyPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := parsePrefix(raw); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

func parsePrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
