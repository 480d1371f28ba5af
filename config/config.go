// Package config implements the Config Loader (component I): it decodes
// the environment table of SPEC_FULL.md §4.I into a typed Config, applies
// an optional YAML override file, resolves _FILE-suffixed secret
// variants, and validates TLS paths and the database hostname before the
// orchestrator is allowed to bind anything.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/dbgate/dbgate/internal/security"
)

// AuthMode is one of the three bearer-auth strategies (§4.F).
type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeToken    AuthMode = "token"
	AuthModeNone     AuthMode = "none"
)

// SessionMode selects stateful vs stateless MCP session handling.
type SessionMode string

const (
	SessionModeStateful  SessionMode = "stateful"
	SessionModeStateless SessionMode = "stateless"
)

// Transport selects which listener(s) the orchestrator starts.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportBoth  Transport = "both"
)

// Config is the fully resolved, validated configuration surface.
type Config struct {
	DB struct {
		Host         string `env:"DB_HOST"`
		Port         int    `env:"DB_PORT,default=446"`
		User         string `env:"DB_USER"`
		UserFile     string `env:"DB_USER_FILE"`
		Password     string `env:"DB_PASSWORD"`
		PasswordFile string `env:"DB_PASSWORD_FILE"`
		Database     string `env:"DB_DATABASE,default=*LOCAL"`
		Schema       string `env:"DB_SCHEMA"`
		Options      string `env:"DB_OPTIONS"`
	}

	Transport Transport `env:"MCP_TRANSPORT,default=stdio"`
	HTTPPort  int        `env:"MCP_HTTP_PORT,default=3000"`
	HTTPHost  string     `env:"MCP_HTTP_HOST,default=127.0.0.1"`

	SessionMode        SessionMode   `env:"MCP_SESSION_MODE,default=stateful"`
	MaxSessions        int           `env:"MCP_MAX_SESSIONS,default=100"`
	TokenExpirySeconds int           `env:"MCP_TOKEN_EXPIRY,default=3600"`
	TokenExpiry        time.Duration

	AuthMode  AuthMode `env:"MCP_AUTH_MODE,default=required"`
	AuthToken string   `env:"MCP_AUTH_TOKEN"`

	TLSEnabled  bool   `env:"MCP_TLS_ENABLED,default=false"`
	TLSCertPath string `env:"MCP_TLS_CERT_PATH"`
	TLSKeyPath  string `env:"MCP_TLS_KEY_PATH"`

	CORSOrigins string `env:"MCP_CORS_ORIGINS"`

	RateLimitWindowMS   int  `env:"RATE_LIMIT_WINDOW_MS,default=900000"`
	RateLimitMaxRequests int `env:"RATE_LIMIT_MAX_REQUESTS,default=100"`
	RateLimitEnabled     bool `env:"RATE_LIMIT_ENABLED,default=true"`

	QueryDefaultLimit int `env:"QUERY_DEFAULT_LIMIT,default=1000"`
	QueryMaxLimit     int `env:"QUERY_MAX_LIMIT,default=10000"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	ConfigFile string `env:"DBGATE_CONFIG_FILE"`
}

// fileOverlay mirrors Config's YAML-addressable fields. Only fields that
// make sense as static deployment defaults are exposed; secrets are never
// read from the override file, only from the environment or _FILE paths.
type fileOverlay struct {
	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		Schema   string `yaml:"schema"`
		Options  string `yaml:"options"`
	} `yaml:"db"`
	Transport   string `yaml:"transport"`
	HTTPPort    int    `yaml:"http_port"`
	HTTPHost    string `yaml:"http_host"`
	SessionMode string `yaml:"session_mode"`
	MaxSessions int    `yaml:"max_sessions"`
	AuthMode    string `yaml:"auth_mode"`
	CORSOrigins string `yaml:"cors_origins"`
	LogLevel    string `yaml:"log_level"`
}

// Load decodes environment variables into a Config, applies the optional
// YAML overlay (file values fill fields that are empty or still hold their
// built-in default; an environment variable set to exactly its default
// value is therefore overridden by the file), resolves _FILE-suffixed
// secrets, and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	cfg.TokenExpiry = time.Duration(cfg.TokenExpirySeconds) * time.Second

	if cfg.ConfigFile != "" {
		if err := applyFileOverlay(&cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := resolveSecretFiles(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFileOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read config file %q: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse config file %q: %w", path, err)
	}

	if cfg.DB.Host == "" {
		cfg.DB.Host = overlay.DB.Host
	}
	if overlay.DB.Port != 0 && cfg.DB.Port == 446 {
		cfg.DB.Port = overlay.DB.Port
	}
	if cfg.DB.Database == "" || cfg.DB.Database == "*LOCAL" {
		if overlay.DB.Database != "" {
			cfg.DB.Database = overlay.DB.Database
		}
	}
	if cfg.DB.Schema == "" {
		cfg.DB.Schema = overlay.DB.Schema
	}
	if cfg.DB.Options == "" {
		cfg.DB.Options = overlay.DB.Options
	}
	if overlay.Transport != "" && cfg.Transport == TransportStdio {
		cfg.Transport = Transport(overlay.Transport)
	}
	if overlay.HTTPPort != 0 && cfg.HTTPPort == 3000 {
		cfg.HTTPPort = overlay.HTTPPort
	}
	if overlay.HTTPHost != "" && cfg.HTTPHost == "127.0.0.1" {
		cfg.HTTPHost = overlay.HTTPHost
	}
	if overlay.SessionMode != "" && cfg.SessionMode == SessionModeStateful {
		cfg.SessionMode = SessionMode(overlay.SessionMode)
	}
	if overlay.MaxSessions != 0 && cfg.MaxSessions == 100 {
		cfg.MaxSessions = overlay.MaxSessions
	}
	if overlay.AuthMode != "" && cfg.AuthMode == AuthModeRequired {
		cfg.AuthMode = AuthMode(overlay.AuthMode)
	}
	if cfg.CORSOrigins == "" {
		cfg.CORSOrigins = overlay.CORSOrigins
	}
	if overlay.LogLevel != "" && cfg.LogLevel == "info" {
		cfg.LogLevel = overlay.LogLevel
	}
	return nil
}

func resolveSecretFiles(cfg *Config) error {
	if cfg.DB.UserFile != "" {
		v, err := readSecretFile(cfg.DB.UserFile)
		if err != nil {
			return fmt.Errorf("config: DB_USER_FILE: %w", err)
		}
		cfg.DB.User = v
	}
	if cfg.DB.PasswordFile != "" {
		v, err := readSecretFile(cfg.DB.PasswordFile)
		if err != nil {
			return fmt.Errorf("config: DB_PASSWORD_FILE: %w", err)
		}
		cfg.DB.Password = v
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// Validate checks the invariants spec.md §6/§7 requires at startup,
// failing fatally rather than letting the orchestrator bind a broken
// configuration.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return fmt.Errorf("config: DB_HOST is required")
	}
	if !security.ValidHost(c.DB.Host) {
		return fmt.Errorf("config: DB_HOST %q is not a valid hostname or IP", c.DB.Host)
	}
	if c.DB.User == "" {
		return fmt.Errorf("config: DB_USER or DB_USER_FILE is required")
	}
	if c.DB.Password == "" {
		return fmt.Errorf("config: DB_PASSWORD or DB_PASSWORD_FILE is required")
	}

	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportBoth:
	default:
		return fmt.Errorf("config: MCP_TRANSPORT must be one of stdio/http/both, got %q", c.Transport)
	}

	switch c.SessionMode {
	case SessionModeStateful, SessionModeStateless:
	default:
		return fmt.Errorf("config: MCP_SESSION_MODE must be stateful or stateless, got %q", c.SessionMode)
	}

	switch c.AuthMode {
	case AuthModeRequired:
	case AuthModeToken:
		if c.AuthToken == "" {
			return fmt.Errorf("config: MCP_AUTH_TOKEN is required when MCP_AUTH_MODE=token")
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("config: MCP_AUTH_MODE must be one of required/token/none, got %q", c.AuthMode)
	}

	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("config: MCP_TLS_CERT_PATH and MCP_TLS_KEY_PATH are required when MCP_TLS_ENABLED=true")
		}
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("config: MCP_TLS_CERT_PATH %q: %w", c.TLSCertPath, err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("config: MCP_TLS_KEY_PATH %q: %w", c.TLSKeyPath, err)
		}
	}

	return nil
}

// DriverOptions parses DB_OPTIONS ("key=value,key2=value2") into a map,
// ignoring malformed pairs rather than failing validation over a cosmetic
// typo in an optional field.
func (c *Config) DriverOptions() map[string]string {
	out := map[string]string{}
	if c.DB.Options == "" {
		return out
	}
	for _, pair := range strings.Split(c.DB.Options, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// CORSOriginList splits MCP_CORS_ORIGINS on commas, trimming whitespace.
// An empty slice means same-origin only; a single "*" means allow all.
func (c *Config) CORSOriginList() []string {
	if c.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RateLimitWindow returns RATE_LIMIT_WINDOW_MS as a time.Duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}
