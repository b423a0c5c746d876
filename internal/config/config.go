package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/enrollment-mailer/internal/template"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig          `yaml:"server"`
	Database     DatabaseConfig        `yaml:"database"`
	Redis        RedisConfig           `yaml:"redis"`
	SendGrid     SendGridConfig        `yaml:"sendgrid"`
	SES          SESConfig             `yaml:"ses"`
	Sending      SendingConfig         `yaml:"sending"`
	Contacts     ContactsConfig        `yaml:"contacts"`
	RulesPath    string                `yaml:"rules_path"`
	Organization template.Organization `yaml:"organization"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings for distributed batch locks
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SendGridConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendingConfig holds send pipeline behavior
type SendingConfig struct {
	TestSending              *bool    `yaml:"test_sending_enabled"`
	ProductionSendingEnabled bool     `yaml:"production_sending_enabled"`
	DryRun                   *bool    `yaml:"dry_run"`
	TestEmails               []string `yaml:"test_emails"`
	DelayMS                  int      `yaml:"delay_ms"`
	ChunkSize                int      `yaml:"chunk_size"`
	StatusStaleMinutes       int      `yaml:"status_stale_minutes"`
	DeliveredGraceHours      int      `yaml:"delivered_grace_hours"`
}

// TestSendingEnabled defaults to true when the config file is silent; test
// mode is the normal operating state.
func (c SendingConfig) TestSendingEnabled() bool {
	if c.TestSending == nil {
		return true
	}
	return *c.TestSending
}

// DryRunEnabled defaults to true when the config file is silent, so a fresh
// deployment cannot send real mail by accident.
func (c SendingConfig) DryRunEnabled() bool {
	if c.DryRun == nil {
		return true
	}
	return *c.DryRun
}

// Delay returns the pause between sends within a chunk
func (c SendingConfig) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}

// ContactsConfig selects where contacts are loaded from
type ContactsConfig struct {
	Source string `yaml:"source"` // "file" or "database"
	Path   string `yaml:"path"`
	OrgID  int    `yaml:"org_id"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SendGrid.TimeoutSeconds == 0 {
		cfg.SendGrid.TimeoutSeconds = 15
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 15
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Sending.DelayMS == 0 {
		cfg.Sending.DelayMS = 500
	}
	if cfg.Sending.ChunkSize == 0 {
		cfg.Sending.ChunkSize = 100
	}
	if cfg.Sending.StatusStaleMinutes == 0 {
		cfg.Sending.StatusStaleMinutes = 10
	}
	if cfg.Sending.DeliveredGraceHours == 0 {
		cfg.Sending.DeliveredGraceHours = 24
	}
	if cfg.Contacts.Source == "" {
		cfg.Contacts.Source = "file"
	}
	if cfg.Contacts.OrgID == 0 {
		cfg.Contacts.OrgID = 1
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		cfg.SendGrid.APIKey = apiKey
		cfg.SendGrid.Enabled = true
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("EMAIL_DRY_RUN"); v != "" {
		b := parseBool(v)
		cfg.Sending.DryRun = &b
	}
	if v := os.Getenv("TEST_SENDING_ENABLED"); v != "" {
		b := parseBool(v)
		cfg.Sending.TestSending = &b
	}
	if v := os.Getenv("PRODUCTION_SENDING_ENABLED"); v != "" {
		cfg.Sending.ProductionSendingEnabled = parseBool(v)
	}
	if v := os.Getenv("TEST_EMAILS"); v != "" {
		cfg.Sending.TestEmails = splitList(v)
	}
	if v := os.Getenv("RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}

	return cfg, nil
}

// Validate rejects configurations that cannot send safely.
func (c *Config) Validate() error {
	sendingOn := c.Sending.TestSendingEnabled() || c.Sending.ProductionSendingEnabled
	if sendingOn && !c.Sending.DryRunEnabled() && !c.SendGrid.Enabled && !c.SES.Enabled {
		// With dry-run off, real mail moves; a gateway must exist up front.
		return fmt.Errorf("dry-run is off but no gateway is configured")
	}
	if c.SendGrid.Enabled && c.SendGrid.APIKey == "" {
		return fmt.Errorf("sendgrid enabled without an api key")
	}
	if c.SES.Enabled && (c.SES.AccessKey == "" || c.SES.SecretKey == "") {
		return fmt.Errorf("ses enabled without credentials")
	}
	if c.Sending.TestSendingEnabled() && !c.Sending.DryRunEnabled() && len(c.Sending.TestEmails) == 0 {
		return fmt.Errorf("test sending enabled without test emails")
	}
	switch c.Contacts.Source {
	case "file":
		if c.Contacts.Path == "" {
			return fmt.Errorf("contacts source is file but no path is set")
		}
	case "database":
		if c.Database.URL == "" {
			return fmt.Errorf("contacts source is database but no database url is set")
		}
	default:
		return fmt.Errorf("unknown contacts source %q", c.Contacts.Source)
	}
	return nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
