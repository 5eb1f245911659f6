// Package config loads server configuration from defaults, an optional TOML
// file and AVATARKEY_* environment variables, in that order.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr       string   `toml:"listen_addr"`
	DataDir          string   `toml:"data_dir"`
	TLSCert          string   `toml:"tls_cert"`
	TLSKey           string   `toml:"tls_key"`
	LogLevel         string   `toml:"log_level"`
	WSAllowedOrigins []string `toml:"ws_allowed_origins"`
	// TrustedProxies are CIDRs whose forwarding headers identify the client.
	TrustedProxies   []string `toml:"trusted_proxies"`

	Storage  StorageConfig  `toml:"storage"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Unlock   UnlockConfig   `toml:"unlock"`
	Provider ProviderConfig `toml:"provider"`
	Session  SessionConfig  `toml:"session"`
}

type StorageConfig struct {
	// Backend is one of bbolt, memory or postgres.
	Backend     string `toml:"backend"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// SecretsConfig holds process-wide secrets. Keys are hex encoded.
type SecretsConfig struct {
	UnlockPassword string `toml:"unlock_password"`
	SigningKey     string `toml:"signing_key"`
	EncryptionKey  string `toml:"encryption_key"`
}

type UnlockConfig struct {
	GrantTTL    time.Duration `toml:"grant_ttl"`
	MaxFailures int           `toml:"max_failures"`
	// RedisAddr shares attempt counters between instances when set.
	RedisAddr string `toml:"redis_addr"`
}

type ProviderConfig struct {
	Kind              string        `toml:"kind"`
	BaseURL           string        `toml:"base_url"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
}

type SessionConfig struct {
	Minutes       int           `toml:"minutes"`
	WarnSeconds   int           `toml:"warn_seconds"`
	ExtendMinutes int           `toml:"extend_minutes"`
	Cooldown      time.Duration `toml:"cooldown"`
	IdleTimeout   time.Duration `toml:"idle_timeout"`
	// EvictAfter drops per-client state that has had no session for this
	// long. Zero keeps it forever.
	EvictAfter    time.Duration `toml:"evict_after"`
}

const (
	minSigningKeyBytes = 32
	encryptionKeyBytes = 32
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8443",
		DataDir:    "./data",
		LogLevel:   "info",
		Storage:    StorageConfig{Backend: "bbolt"},
		Unlock: UnlockConfig{
			GrantTTL:    10 * time.Minute,
			MaxFailures: 5,
		},
		Provider: ProviderConfig{
			Kind:              "quota",
			BaseURL:           "https://api.heygen.com",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 5,
		},
		Session: SessionConfig{
			Minutes:       5,
			WarnSeconds:   10,
			ExtendMinutes: 5,
			Cooldown:      time.Second,
			EvictAfter:    10 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment read through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv("AVATARKEY_" + name); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v := getenv("AVATARKEY_" + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("AVATARKEY_%s has invalid integer %q", name, v))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv("AVATARKEY_" + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("AVATARKEY_%s has invalid duration %q: %w", name, v, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("DATA_DIR", &c.DataDir)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("LOG_LEVEL", &c.LogLevel)
	if v := getenv("AVATARKEY_WS_ALLOWED_ORIGINS"); v != "" {
		c.WSAllowedOrigins = splitList(v)
	}
	if v := getenv("AVATARKEY_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = splitList(v)
	}

	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)

	str("UNLOCK_PASSWORD", &c.Secrets.UnlockPassword)
	str("SIGNING_KEY", &c.Secrets.SigningKey)
	str("ENCRYPTION_KEY", &c.Secrets.EncryptionKey)

	duration("GRANT_TTL", &c.Unlock.GrantTTL)
	integer("UNLOCK_MAX_FAILURES", &c.Unlock.MaxFailures)
	str("REDIS_ADDR", &c.Unlock.RedisAddr)

	str("PROVIDER_KIND", &c.Provider.Kind)
	str("PROVIDER_BASE_URL", &c.Provider.BaseURL)
	duration("PROVIDER_TIMEOUT", &c.Provider.Timeout)
	if v := getenv("AVATARKEY_PROVIDER_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("AVATARKEY_PROVIDER_RPS has invalid number %q", v))
		} else {
			c.Provider.RequestsPerSecond = f
		}
	}

	integer("SESSION_MINUTES", &c.Session.Minutes)
	integer("SESSION_WARN_SECONDS", &c.Session.WarnSeconds)
	integer("SESSION_EXTEND_MINUTES", &c.Session.ExtendMinutes)
	duration("SESSION_COOLDOWN", &c.Session.Cooldown)
	duration("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	duration("SESSION_EVICT_AFTER", &c.Session.EvictAfter)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "bbolt", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of bbolt, memory, postgres", c.Storage.Backend))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}

	if c.Secrets.UnlockPassword == "" {
		errs = append(errs, errors.New("secrets.unlock_password is required"))
	}
	if _, err := c.SigningKey(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.EncryptionKey(); err != nil {
		errs = append(errs, err)
	}

	if c.Unlock.GrantTTL <= 0 {
		errs = append(errs, errors.New("unlock.grant_ttl must be positive"))
	}
	if c.Unlock.MaxFailures <= 0 {
		errs = append(errs, errors.New("unlock.max_failures must be positive"))
	}

	switch c.Provider.Kind {
	case "quota", "lookup":
	default:
		errs = append(errs, fmt.Errorf("provider.kind %q is not one of quota, lookup", c.Provider.Kind))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}

	if c.Session.Minutes <= 0 {
		errs = append(errs, errors.New("session.minutes must be positive"))
	}
	if c.Session.WarnSeconds <= 0 || time.Duration(c.Session.WarnSeconds)*time.Second >= c.SessionDuration() {
		errs = append(errs, errors.New("session.warn_seconds must be positive and shorter than the session"))
	}
	if c.Session.ExtendMinutes <= 0 {
		errs = append(errs, errors.New("session.extend_minutes must be positive"))
	}
	if c.Session.Cooldown < 0 || c.Session.IdleTimeout < 0 || c.Session.EvictAfter < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	return errors.Join(errs...)
}

// SigningKey decodes the grant signing key.
func (c Config) SigningKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secrets.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.signing_key is not valid hex")
	}
	if len(key) < minSigningKeyBytes {
		return nil, fmt.Errorf("secrets.signing_key must be at least %d bytes", minSigningKeyBytes)
	}
	return key, nil
}

// EncryptionKey decodes the credential encryption key.
func (c Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.encryption_key is not valid hex")
	}
	if len(key) != encryptionKeyBytes {
		return nil, fmt.Errorf("secrets.encryption_key must be exactly %d bytes", encryptionKeyBytes)
	}
	return key, nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as
// a single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if addr, err := netip.ParseAddr(raw); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies entry %q is not an address or CIDR", raw)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// SessionDuration is the configured session length.
func (c Config) SessionDuration() time.Duration {
	return time.Duration(c.Session.Minutes) * time.Minute
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "[redacted]"
	}
	c.Secrets = SecretsConfig{
		UnlockPassword: mask(c.Secrets.UnlockPassword),
		SigningKey:     mask(c.Secrets.SigningKey),
		EncryptionKey:  mask(c.Secrets.EncryptionKey),
	}
	if c.Storage.PostgresDSN != "" {
		c.Storage.PostgresDSN = "[redacted]"
	}
	return c
}
