// ABOUTME: Tests for configuration loading
// ABOUTME: Covers YAML parsing, env var expansion, defaults and validation

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
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
database:
  path: /tmp/test.db
whatsapp:
  verify_token: verify-secret
  access_token: access-secret
  phone_number_id: "123456789"
gemini:
  api_key: gemini-secret
`

func TestLoad_MinimalConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Server.HTTPAddr)
	assert.Equal(t, DefaultInactivityWindow, cfg.Sessions.InactivityWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.Sessions.SweepInterval)
	assert.Equal(t, DefaultHistoryLimit, cfg.Sessions.HistoryLimit)
	assert.Equal(t, DefaultTranscriptLimit, cfg.Sessions.TranscriptLimit)
	assert.Equal(t, DefaultExitCommands, cfg.Sessions.ExitCommands)
	assert.Equal(t, DefaultGeminiModel, cfg.Gemini.Model)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9090"
database:
  path: /tmp/test.db
whatsapp:
  verify_token: verify-secret
  access_token: access-secret
  phone_number_id: "123456789"
gemini:
  api_key: gemini-secret
  model: gemini-1.5-pro
sessions:
  inactivity_window: 45m
  sweep_interval: 5m
  history_limit: 8
  transcript_limit: 30
  exit_commands: ["/chau", "chau"]
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.HTTPAddr)
	assert.Equal(t, 45*time.Minute, cfg.Sessions.InactivityWindow)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, 8, cfg.Sessions.HistoryLimit)
	assert.Equal(t, 30, cfg.Sessions.TranscriptLimit)
	assert.Equal(t, []string{"/chau", "chau"}, cfg.Sessions.ExitCommands)
	assert.Equal(t, "gemini-1.5-pro", cfg.Gemini.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_W2W_GEMINI_KEY", "expanded-secret")

	path := writeConfig(t, `
database:
  path: /tmp/test.db
whatsapp:
  verify_token: verify-secret
  access_token: access-secret
  phone_number_id: "123456789"
gemini:
  api_key: ${TEST_W2W_GEMINI_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.Gemini.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
sessions:
  inactivity_window: soon
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "inactivity_window")
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name: "missing database path",
			config: `
whatsapp:
  verify_token: a
  access_token: b
  phone_number_id: c
gemini:
  api_key: d
`,
			wantErr: "database.path",
		},
		{
			name: "missing verify token",
			config: `
database:
  path: /tmp/test.db
whatsapp:
  access_token: b
  phone_number_id: c
gemini:
  api_key: d
`,
			wantErr: "verify_token",
		},
		{
			name: "missing gemini key",
			config: `
database:
  path: /tmp/test.db
whatsapp:
  verify_token: a
  access_token: b
  phone_number_id: c
`,
			wantErr: "gemini.api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
