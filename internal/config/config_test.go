package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/mailer?sslmode=disable"
  max_open_conns: 10

sendgrid:
  api_key: "test-api-key"
  timeout_seconds: 45
  enabled: true

sending:
  test_sending_enabled: true
  dry_run: true
  test_emails:
    - "qa1@example.com"
    - "qa2@example.com"
  delay_ms: 250
  chunk_size: 50

contacts:
  source: "file"
  path: "./contacts.json"
  org_id: 7

rules_path: "./contact_rules.yaml"

organization:
  name: "Acme Benefits"
  agent_name: "Pat Smith"
  from_email: "pat@acme.example.com"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "postgres://localhost/mailer?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, 10, cfg.Database.MaxOpenConns)

	assert.Equal(t, "test-api-key", cfg.SendGrid.APIKey)
	assert.Equal(t, 45, cfg.SendGrid.TimeoutSeconds)
	assert.True(t, cfg.SendGrid.Enabled)

	assert.True(t, cfg.Sending.TestSendingEnabled())
	assert.True(t, cfg.Sending.DryRunEnabled())
	assert.Equal(t, []string{"qa1@example.com", "qa2@example.com"}, cfg.Sending.TestEmails)
	assert.Equal(t, 250, cfg.Sending.DelayMS)
	assert.Equal(t, 50, cfg.Sending.ChunkSize)

	assert.Equal(t, "file", cfg.Contacts.Source)
	assert.Equal(t, 7, cfg.Contacts.OrgID)
	assert.Equal(t, "./contact_rules.yaml", cfg.RulesPath)
	assert.Equal(t, "Acme Benefits", cfg.Organization.Name)
	assert.Equal(t, "pat@acme.example.com", cfg.Organization.FromEmail)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sendgrid:
  api_key: "test-key"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 15, cfg.SendGrid.TimeoutSeconds)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, 500, cfg.Sending.DelayMS)
	assert.Equal(t, 100, cfg.Sending.ChunkSize)
	assert.Equal(t, 10, cfg.Sending.StatusStaleMinutes)
	assert.Equal(t, 24, cfg.Sending.DeliveredGraceHours)
	assert.Equal(t, "file", cfg.Contacts.Source)
	assert.Equal(t, 1, cfg.Contacts.OrgID)
	assert.True(t, cfg.Sending.DryRunEnabled(), "dry-run defaults on when unset")
	assert.True(t, cfg.Sending.TestSendingEnabled(), "test sending defaults on when unset")
	assert.False(t, cfg.Sending.ProductionSendingEnabled, "production sending defaults off")
}

func TestTestSendingCanBeDisabled(t *testing.T) {
	path := writeConfig(t, `
sending:
  test_sending_enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Sending.TestSendingEnabled())

	t.Setenv("TEST_SENDING_ENABLED", "true")
	cfg, err = LoadFromEnv(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sending.TestSendingEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `
sendgrid:
  api_key: "file-key"
sending:
  dry_run: true
`)

	t.Setenv("SENDGRID_API_KEY", "env-key")
	t.Setenv("DATABASE_URL", "postgres://env-host/mailer")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("EMAIL_DRY_RUN", "false")
	t.Setenv("TEST_EMAILS", "a@example.com, b@example.com,")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.SendGrid.APIKey)
	assert.True(t, cfg.SendGrid.Enabled)
	assert.Equal(t, "postgres://env-host/mailer", cfg.Database.URL)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Sending.DryRunEnabled())
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Sending.TestEmails)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	cfg := SendGridConfig{TimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, cfg.Timeout())
}

func boolPtr(b bool) *bool { return &b }

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			SendGrid: SendGridConfig{APIKey: "k", Enabled: true},
			Sending: SendingConfig{
				TestSending: boolPtr(true),
				DryRun:      boolPtr(true),
			},
			Contacts: ContactsConfig{Source: "file", Path: "./contacts.json"},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.SendGrid.APIKey = ""
	assert.Error(t, c.Validate(), "enabled gateway needs a key")

	c = base()
	c.Sending.DryRun = boolPtr(false)
	assert.Error(t, c.Validate(), "live test sending needs test emails")
	c.Sending.TestEmails = []string{"qa@example.com"}
	assert.NoError(t, c.Validate())

	c = base()
	c.Sending.TestSending = boolPtr(false)
	c.Sending.ProductionSendingEnabled = true
	c.Sending.DryRun = boolPtr(false)
	c.SendGrid.Enabled = false
	assert.Error(t, c.Validate(), "production sending needs a gateway")

	c = base()
	c.Contacts = ContactsConfig{Source: "database"}
	assert.Error(t, c.Validate(), "database source needs a url")
	c.Database.URL = "postgres://localhost/mailer"
	assert.NoError(t, c.Validate())

	c = base()
	c.Contacts.Source = "ldap"
	assert.Error(t, c.Validate())
}

// Any live configuration needs a gateway at startup, not at send time.
func TestValidateLiveSendingRequiresGateway(t *testing.T) {
	c := &Config{
		Sending: SendingConfig{
			TestSending:              boolPtr(true),
			ProductionSendingEnabled: true,
			DryRun:                   boolPtr(false),
			TestEmails:               []string{"qa@example.com"},
		},
		Contacts: ContactsConfig{Source: "file", Path: "./contacts.json"},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gateway")

	c.SendGrid = SendGridConfig{APIKey: "k", Enabled: true}
	assert.NoError(t, c.Validate())

	// Test mode alone still needs one once dry-run is off.
	c.SendGrid = SendGridConfig{}
	c.Sending.ProductionSendingEnabled = false
	assert.Error(t, c.Validate())

	// Dry-run on is fine without any gateway.
	c.Sending.DryRun = boolPtr(true)
	assert.NoError(t, c.Validate())
}
