// Package config loads crmgate configuration from a YAML file, an optional
// .env file and CRMGATE_* environment variables, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/crmgate/identity/local"
)

// Provider names.
const (
	ProviderLocal   = "local"
	ProviderCognito = "cognito"
)

// Config is the full crmgate configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Backend  BackendConfig  `yaml:"backend"`
	Identity IdentityConfig `yaml:"identity"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Upstream is the frontend the gateway forwards guarded pages to. When
	// empty a placeholder page is served.
	Upstream          string        `yaml:"upstream"`
	TLSCert           string        `yaml:"tls_cert"`
	TLSKey            string        `yaml:"tls_key"`
	TokenCookie       string        `yaml:"token_cookie"`
	ProtectedPrefixes []string      `yaml:"protected_prefixes"`
	ValidationTTL     time.Duration `yaml:"validation_ttl"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures the session manager and its caches.
type SessionConfig struct {
	// Origin is the frontend origin the cookie mirror writes for.
	Origin          string        `yaml:"origin"`
	Language        string        `yaml:"language"`
	TTL             time.Duration `yaml:"ttl"`
	ProfileTTL      time.Duration `yaml:"profile_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CookieMaxAge    time.Duration `yaml:"cookie_max_age"`
}

// BackendConfig configures the CRM backend client.
type BackendConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// IdentityConfig selects and configures the identity provider.
type IdentityConfig struct {
	Provider string        `yaml:"provider"`
	Cognito  CognitoConfig `yaml:"cognito"`
	Local    LocalConfig   `yaml:"local"`
}

// CognitoConfig configures the Cognito user pool.
type CognitoConfig struct {
	Region       string `yaml:"region"`
	UserPoolID   string `yaml:"user_pool_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Endpoint     string `yaml:"endpoint"`
}

// LocalConfig configures the in-process development provider.
type LocalConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	Users      []local.User  `yaml:"users"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// RedisURL, when set, moves the gateway's validation cache to Redis.
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	// TokenKey is a hex encoded 32-byte key sealing cached provider tokens.
	// When empty the key is generated and kept in the data directory.
	TokenKey string `yaml:"token_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config holding only defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path (if path is not empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		// #nosec G304 -- path comes from the command line.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} references. Bare $VAR is left alone so
// encoded password hashes survive.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"CRMGATE_ADDR":                  &cfg.Server.Addr,
		"CRMGATE_UPSTREAM":              &cfg.Server.Upstream,
		"CRMGATE_TLS_CERT":              &cfg.Server.TLSCert,
		"CRMGATE_TLS_KEY":               &cfg.Server.TLSKey,
		"CRMGATE_TOKEN_COOKIE":          &cfg.Server.TokenCookie,
		"CRMGATE_ORIGIN":                &cfg.Session.Origin,
		"CRMGATE_LANGUAGE":              &cfg.Session.Language,
		"CRMGATE_BACKEND_URL":           &cfg.Backend.URL,
		"CRMGATE_IDP":                   &cfg.Identity.Provider,
		"CRMGATE_COGNITO_REGION":        &cfg.Identity.Cognito.Region,
		"CRMGATE_COGNITO_USER_POOL_ID":  &cfg.Identity.Cognito.UserPoolID,
		"CRMGATE_COGNITO_CLIENT_ID":     &cfg.Identity.Cognito.ClientID,
		"CRMGATE_COGNITO_CLIENT_SECRET": &cfg.Identity.Cognito.ClientSecret,
		"CRMGATE_COGNITO_ENDPOINT":      &cfg.Identity.Cognito.Endpoint,
		"CRMGATE_LOCAL_SECRET":          &cfg.Identity.Local.Secret,
		"CRMGATE_DATA_DIR":              &cfg.Storage.DataDir,
		"CRMGATE_REDIS_URL":             &cfg.Storage.RedisURL,
		"CRMGATE_TOKEN_KEY":             &cfg.Storage.TokenKey,
		"CRMGATE_LOG_LEVEL":             &cfg.Log.Level,
		"CRMGATE_LOG_FILE":              &cfg.Log.File,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"CRMGATE_SESSION_TTL":      &cfg.Session.TTL,
		"CRMGATE_PROFILE_TTL":      &cfg.Session.ProfileTTL,
		"CRMGATE_REFRESH_INTERVAL": &cfg.Session.RefreshInterval,
		"CRMGATE_BACKEND_TIMEOUT":  &cfg.Backend.Timeout,
		"CRMGATE_VALIDATION_TTL":   &cfg.Server.ValidationTTL,
	}
	for name, dst := range dur {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("CRMGATE_BACKEND_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CRMGATE_BACKEND_RETRIES: %w", err)
		}
		cfg.Backend.Retries = n
	}
	if v, ok := os.LookupEnv("CRMGATE_PROTECTED_PREFIXES"); ok {
		cfg.Server.ProtectedPrefixes = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.TokenCookie == "" {
		cfg.Server.TokenCookie = "crm_access_token"
	}
	if cfg.Server.ValidationTTL == 0 {
		cfg.Server.ValidationTTL = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Session.Origin == "" {
		cfg.Session.Origin = "http://localhost:3000"
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = "pl"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = time.Hour
	}
	if cfg.Session.ProfileTTL == 0 {
		cfg.Session.ProfileTTL = 5 * time.Minute
	}
	if cfg.Session.RefreshInterval == 0 {
		cfg.Session.RefreshInterval = 30 * time.Second
	}
	if cfg.Session.CookieMaxAge == 0 {
		cfg.Session.CookieMaxAge = 24 * time.Hour
	}
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8000"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.Backend.RetryDelay == 0 {
		cfg.Backend.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Identity.Provider == "" {
		cfg.Identity.Provider = ProviderLocal
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = "crmgate"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "crmgate")
	}
	return "./data"
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Identity.Provider {
	case ProviderLocal:
		if len(c.Identity.Local.Secret) < 32 {
			errs = append(errs, errors.New("identity.local.secret must be at least 32 characters"))
		}
	case ProviderCognito:
		cg := c.Identity.Cognito
		if cg.Region == "" || cg.UserPoolID == "" || cg.ClientID == "" {
			errs = append(errs, errors.New("identity.cognito requires region, user_pool_id and client_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity provider %q", c.Identity.Provider))
	}
	if c.Backend.Retries < 0 {
		errs = append(errs, errors.New("backend.retries must not be negative"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	return errors.Join(errs...)
}
