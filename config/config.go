package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config holds the whole server configuration as read from TOML.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Blacklist BlacklistConfig `toml:"blacklist"`
	Auth      AuthConfig      `toml:"auth"`
	LMTP      LMTPConfig      `toml:"lmtp"`
	AdminAPI  AdminAPIConfig  `toml:"admin_api"`
}

type LoggingConfig struct {
	Output    string `toml:"output"`     // "stderr", "stdout", "syslog", or a file path
	Format    string `toml:"format"`     // "json" or "console"
	Level     string `toml:"level"`      // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag for syslog output
}

// ServerConfig configures the framed mail protocol listener.
type ServerConfig struct {
	Name                string `toml:"name"`
	Addr                string `toml:"addr"`
	MaxLoginAttempts    int    `toml:"max_login_attempts"`     // Failed logins per connection before the source IP is blacklisted
	MaxRequestSize      string `toml:"max_request_size"`       // Largest accepted Content-Length, e.g. "1mb"
	MaxLineLength       int    `toml:"max_line_length"`        // Longest accepted command or header line
	MaxConnections      int    `toml:"max_connections"`        // 0 means unlimited
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"` // 0 means unlimited
	IdleTimeout         string `toml:"idle_timeout"`           // Read deadline between requests; "0" disables it
}

type StorageConfig struct {
	MailDir string `toml:"mail_dir"`
}

// BlacklistConfig selects and tunes the failed-login blacklist.
type BlacklistConfig struct {
	Backend       string `toml:"backend"` // "memory" or "sqlite"
	Path          string `toml:"path"`    // SQLite database file, sqlite backend only
	Window        string `toml:"window"`
	SweepInterval string `toml:"sweep_interval"`
}

type AuthConfig struct {
	Type     string             `toml:"type"` // "ldap", "file", or "postgres"
	Timeout  string             `toml:"timeout"`
	CacheTTL string             `toml:"cache_ttl"` // How long a successful login is remembered; "0" disables the cache
	LDAP     LDAPAuthConfig     `toml:"ldap"`
	File     FileAuthConfig     `toml:"file"`
	Postgres PostgresAuthConfig `toml:"postgres"`
}

type LDAPAuthConfig struct {
	URL                string `toml:"url"`
	BindDNTemplate     string `toml:"bind_dn_template"` // %s is replaced by the username
	StartTLS           bool   `toml:"start_tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type FileAuthConfig struct {
	Path string `toml:"path"` // Lines of "username:bcrypt-hash"
}

type PostgresAuthConfig struct {
	DSN      string `toml:"dsn"`
	Query    string `toml:"query"` // Must select one password hash column for $1 = username
	MaxConns int32  `toml:"max_conns"`
}

// LMTPConfig configures the optional LMTP/SMTP ingestion listener.
type LMTPConfig struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"`
	Mode           string `toml:"mode"` // "lmtp" or "submission"
	Domain         string `toml:"domain"`
	MaxMessageSize string `toml:"max_message_size"`
	MaxRecipients  int    `toml:"max_recipients"`
	ReadTimeout    string `toml:"read_timeout"`
}

type AdminAPIConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs; empty allows all
}

// NewDefaultConfig returns a configuration that runs a local server with an
// in-memory blacklist and a users file next to the binary.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Server: ServerConfig{
			Name:             "twmailer",
			Addr:             ":6543",
			MaxLoginAttempts: 3,
			MaxRequestSize:   "1MiB",
			MaxLineLength:    1024,
			IdleTimeout:      "0",
		},
		Storage: StorageConfig{
			MailDir: "./mail-spool",
		},
		Blacklist: BlacklistConfig{
			Backend:       "memory",
			Path:          "./blacklist.db",
			Window:        "60s",
			SweepInterval: "30s",
		},
		Auth: AuthConfig{
			Type:     "ldap",
			Timeout:  "10s",
			CacheTTL: "1m",
			LDAP: LDAPAuthConfig{
				URL:            "ldap://ldap.technikum-wien.at:389",
				BindDNTemplate: "uid=%s,ou=People,dc=technikum-wien,dc=at",
			},
			File: FileAuthConfig{
				Path: "./users.passwd",
			},
			Postgres: PostgresAuthConfig{
				Query:    "SELECT password_hash FROM credentials WHERE username = $1",
				MaxConns: 4,
			},
		},
		LMTP: LMTPConfig{
			Addr:           ":24",
			Mode:           "lmtp",
			Domain:         "localhost",
			MaxMessageSize: "1MiB",
			MaxRecipients:  50,
			ReadTimeout:    "5m",
		},
		AdminAPI: AdminAPIConfig{
			Addr: "127.0.0.1:8081",
		},
	}
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, value)
	}
	return d, nil
}

func parseSize(name, value string, fallback int64) (int64, error) {
	if value == "" {
		return fallback, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return int64(n), nil
}

// GetMaxRequestSize returns the largest accepted request body in bytes.
func (c *ServerConfig) GetMaxRequestSize() (int64, error) {
	return parseSize("max_request_size", c.MaxRequestSize, 1<<20)
}

// GetIdleTimeout returns the per-request read deadline, 0 when disabled.
func (c *ServerConfig) GetIdleTimeout() (time.Duration, error) {
	return parseDuration("idle_timeout", c.IdleTimeout, 0)
}

func (c *BlacklistConfig) GetWindow() (time.Duration, error) {
	return parseDuration("blacklist window", c.Window, 60*time.Second)
}

func (c *BlacklistConfig) GetSweepInterval() (time.Duration, error) {
	return parseDuration("blacklist sweep_interval", c.SweepInterval, 30*time.Second)
}

func (c *AuthConfig) GetTimeout() (time.Duration, error) {
	return parseDuration("auth timeout", c.Timeout, 10*time.Second)
}

func (c *AuthConfig) GetCacheTTL() (time.Duration, error) {
	return parseDuration("auth cache_ttl", c.CacheTTL, 0)
}

func (c *LMTPConfig) GetMaxMessageSize() (int64, error) {
	return parseSize("lmtp max_message_size", c.MaxMessageSize, 1<<20)
}

func (c *LMTPConfig) GetReadTimeout() (time.Duration, error) {
	return parseDuration("lmtp read_timeout", c.ReadTimeout, 5*time.Minute)
}

// Validate checks values that cannot be caught by TOML decoding.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.MaxLoginAttempts <= 0 {
		return fmt.Errorf("server.max_login_attempts must be positive, got %d", c.Server.MaxLoginAttempts)
	}
	if c.Server.MaxLineLength <= 0 {
		return fmt.Errorf("server.max_line_length must be positive, got %d", c.Server.MaxLineLength)
	}
	if size, err := c.Server.GetMaxRequestSize(); err != nil {
		return err
	} else if size <= 0 {
		return fmt.Errorf("server.max_request_size must be positive")
	}
	if _, err := c.Server.GetIdleTimeout(); err != nil {
		return err
	}
	if c.Storage.MailDir == "" {
		return fmt.Errorf("storage.mail_dir must be set")
	}

	switch c.Blacklist.Backend {
	case "memory":
	case "sqlite":
		if c.Blacklist.Path == "" {
			return fmt.Errorf("blacklist.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown blacklist.backend %q (expected memory or sqlite)", c.Blacklist.Backend)
	}
	if w, err := c.Blacklist.GetWindow(); err != nil {
		return err
	} else if w == 0 {
		return fmt.Errorf("blacklist.window must be positive")
	}
	if _, err := c.Blacklist.GetSweepInterval(); err != nil {
		return err
	}

	switch c.Auth.Type {
	case "ldap":
		if c.Auth.LDAP.URL == "" || !strings.Contains(c.Auth.LDAP.BindDNTemplate, "%s") {
			return fmt.Errorf("auth.ldap requires url and a bind_dn_template containing %%s")
		}
	case "file":
		if c.Auth.File.Path == "" {
			return fmt.Errorf("auth.file.path must be set")
		}
	case "postgres":
		if c.Auth.Postgres.DSN == "" {
			return fmt.Errorf("auth.postgres.dsn must be set")
		}
	default:
		return fmt.Errorf("unknown auth.type %q (expected ldap, file, or postgres)", c.Auth.Type)
	}
	if _, err := c.Auth.GetTimeout(); err != nil {
		return err
	}
	if _, err := c.Auth.GetCacheTTL(); err != nil {
		return err
	}

	if c.LMTP.Enabled {
		if c.LMTP.Mode != "lmtp" && c.LMTP.Mode != "submission" {
			return fmt.Errorf("unknown lmtp.mode %q (expected lmtp or submission)", c.LMTP.Mode)
		}
		if _, err := c.LMTP.GetMaxMessageSize(); err != nil {
			return err
		}
		if _, err := c.LMTP.GetReadTimeout(); err != nil {
			return err
		}
	}

	if c.AdminAPI.Enabled && c.AdminAPI.APIKey == "" {
		return fmt.Errorf("admin_api.api_key must be set when the admin API is enabled")
	}
	return nil
}

// ApplyEnv overrides secrets from the environment. Variables that are unset
// or empty leave the file value alone.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TWMAILER_ADMIN_API_KEY"); v != "" {
		c.AdminAPI.APIKey = v
	}
	if v := os.Getenv("TWMAILER_AUTH_POSTGRES_DSN"); v != "" {
		c.Auth.Postgres.DSN = v
	}
	if v := os.Getenv("TWMAILER_AUTH_LDAP_URL"); v != "" {
		c.Auth.LDAP.URL = v
	}
}

// LoadConfigFromFile decodes configPath over cfg, so defaults already set in
// cfg survive for keys the file does not mention.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("failed to parse %s: %s", configPath, perr.ErrorWithPosition())
		}
		return fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
