package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the consent ledger daemon.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Settlement struct {
		Enabled                 *bool `yaml:"enabled"`
		AgeThresholdHours       int   `yaml:"age_threshold_hours"`
		MinIntervalHours        int   `yaml:"min_interval_hours"`
		CheckIntervalMinutes    int   `yaml:"check_interval_minutes"`
		CleanupIntervalHours    int   `yaml:"cleanup_interval_hours"`
		RetentionDays           int   `yaml:"retention_days"`
		ForceMinIntervalSeconds int   `yaml:"force_min_interval_seconds"`
		AttemptLeaseSeconds     int   `yaml:"attempt_lease_seconds"`
	} `yaml:"settlement"`

	Ledger struct {
		SignerURL        string `yaml:"signer_url"`
		SignerToken      string `yaml:"signer_token"`
		AckKeyID         string `yaml:"ack_key_id"`
		AckPublicKeyPath string `yaml:"ack_public_key_path"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
	} `yaml:"ledger"`

	Bridge struct {
		RedisURL       string `yaml:"redis_url"`
		RequestChannel string `yaml:"request_channel"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"bridge"`

	Archive struct {
		Dir                   string `yaml:"dir"`
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		Minio                 struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			UseSSL    *bool  `yaml:"use_ssl"`
		} `yaml:"minio"`
	} `yaml:"archive"`

	Security struct {
		BearerToken      string   `yaml:"bearer_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
		RateLimitRPS     float64  `yaml:"rate_limit_rps"`
		RateLimitBurst   int      `yaml:"rate_limit_burst"`
	} `yaml:"security"`

	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
	} `yaml:"telemetry"`

	Logging struct {
		Level   string `yaml:"level"`
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

// Parse is Load without the file read. It still creates local directories
// the config names.
func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.SQLitePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8480"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		// SETTLE_NOW holds the request open for the signer round trip.
		c.Server.WriteTimeoutSeconds = 150
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/consentledger.db"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 8
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Settlement.Enabled == nil {
		c.Settlement.Enabled = boolPtr(true)
	}
	if c.Settlement.AgeThresholdHours <= 0 {
		c.Settlement.AgeThresholdHours = 24
	}
	if c.Settlement.MinIntervalHours <= 0 {
		c.Settlement.MinIntervalHours = 24
	}
	if c.Settlement.CheckIntervalMinutes <= 0 {
		c.Settlement.CheckIntervalMinutes = 15
	}
	if c.Settlement.CleanupIntervalHours <= 0 {
		c.Settlement.CleanupIntervalHours = 24
	}
	if c.Settlement.RetentionDays <= 0 {
		c.Settlement.RetentionDays = 90
	}
	if c.Settlement.ForceMinIntervalSeconds <= 0 {
		c.Settlement.ForceMinIntervalSeconds = 300
	}
	if c.Settlement.AttemptLeaseSeconds <= 0 {
		c.Settlement.AttemptLeaseSeconds = 600
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 120
	}
	if c.Bridge.RequestChannel == "" {
		c.Bridge.RequestChannel = "consentledger:bridge:requests"
	}
	if c.Bridge.TimeoutSeconds <= 0 {
		c.Bridge.TimeoutSeconds = 5
	}
	if c.Archive.Minio.UseSSL == nil {
		c.Archive.Minio.UseSSL = boolPtr(true)
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(true)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Security.RateLimitRPS > 0 && c.Security.RateLimitBurst <= 0 {
		c.Security.RateLimitBurst = int(c.Security.RateLimitRPS) * 2
		if c.Security.RateLimitBurst < 1 {
			c.Security.RateLimitBurst = 1
		}
	}
	if len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{"127.0.0.1/32", "::1/128"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "consentledgerd"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
}

func (c *Config) validate() error {
	secure := *c.Security.EnforceSecureTLS
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
		if secure && parseEndpoint(c.Storage.PostgresDSN).plaintextPostgres() {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
		if c.Storage.MinConns > c.Storage.MaxConns {
			return errors.New("storage.min_conns cannot exceed storage.max_conns")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite|postgres, got %q", c.Storage.Driver)
	}

	if c.Ledger.TimeoutSeconds >= c.Settlement.AttemptLeaseSeconds {
		return errors.New("ledger.timeout_seconds must be shorter than settlement.attempt_lease_seconds")
	}
	if c.Ledger.SignerURL != "" {
		if secure && !parseEndpoint(c.Ledger.SignerURL).secureOr("https") {
			return errors.New("ledger.signer_url must be https when enforce_secure_transport is enabled")
		}
		if (c.Ledger.AckKeyID == "") != (c.Ledger.AckPublicKeyPath == "") {
			return errors.New("ledger.ack_key_id and ledger.ack_public_key_path must be set together")
		}
	}

	if c.Bridge.RedisURL != "" {
		ep := parseEndpoint(c.Bridge.RedisURL)
		if ep.scheme != "redis" && ep.scheme != "rediss" {
			return errors.New("bridge.redis_url must use redis:// or rediss://")
		}
		if secure && !ep.secureOr("rediss") {
			return errors.New("bridge.redis_url must use rediss:// when enforce_secure_transport is enabled")
		}
	}

	if c.Archive.Dir != "" && c.Archive.Minio.Endpoint != "" {
		return errors.New("archive.dir and archive.minio.endpoint are mutually exclusive")
	}
	if c.Archive.Minio.Endpoint != "" {
		if c.Archive.Minio.Bucket == "" {
			return errors.New("archive.minio.bucket is required")
		}
		if c.Archive.Minio.AccessKey == "" || c.Archive.Minio.SecretKey == "" {
			return errors.New("archive.minio.access_key and archive.minio.secret_key are required")
		}
		if secure && !*c.Archive.Minio.UseSSL && !parseHostPort(c.Archive.Minio.Endpoint).loopback() {
			return errors.New("archive.minio.use_ssl must be true when enforce_secure_transport is enabled")
		}
	}

	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.BearerToken) == "" {
		return errors.New("security.bearer_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	if c.Security.RateLimitRPS < 0 {
		return errors.New("security.rate_limit_rps cannot be negative")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Ledger.SignerURL = os.ExpandEnv(strings.TrimSpace(c.Ledger.SignerURL))
	c.Ledger.SignerToken = os.ExpandEnv(strings.TrimSpace(c.Ledger.SignerToken))
	c.Ledger.AckPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Ledger.AckPublicKeyPath))
	c.Bridge.RedisURL = os.ExpandEnv(strings.TrimSpace(c.Bridge.RedisURL))
	c.Archive.Dir = os.ExpandEnv(strings.TrimSpace(c.Archive.Dir))
	c.Archive.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Archive.SigningPrivateKeyPath))
	c.Archive.Minio.Endpoint = os.ExpandEnv(strings.TrimSpace(c.Archive.Minio.Endpoint))
	c.Archive.Minio.AccessKey = os.ExpandEnv(strings.TrimSpace(c.Archive.Minio.AccessKey))
	c.Archive.Minio.SecretKey = os.ExpandEnv(strings.TrimSpace(c.Archive.Minio.SecretKey))
	c.Security.BearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.BearerToken))
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(strings.TrimSpace(c.Telemetry.OTLPEndpoint))
}

func (c *Config) SettlementCheckInterval() time.Duration {
	return time.Duration(c.Settlement.CheckIntervalMinutes) * time.Minute
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Settlement.CleanupIntervalHours) * time.Hour
}

func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutSeconds) * time.Second
}

func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutSeconds) * time.Second
}

func boolPtr(v bool) *bool {
	return &v
}
