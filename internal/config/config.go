// ABOUTME: Configuration loading and parsing for w2w-gateway
// ABOUTME: Supports YAML files with .env loading, env var expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete w2w-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WhatsAppConfig holds WhatsApp Cloud API credentials
type WhatsAppConfig struct {
	VerifyToken   string `yaml:"verify_token"`
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
}

// GeminiConfig holds Gemini API configuration
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SessionsConfig holds the conversation session lifecycle configuration
type SessionsConfig struct {
	InactivityWindow time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InactivityWindowRaw string `yaml:"inactivity_window"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`

	// HistoryLimit is the number of exchanges (user + assistant pairs) fed
	// to the AI as context for a reply.
	HistoryLimit int `yaml:"history_limit"`

	// TranscriptLimit caps the messages rendered into the closing summary.
	TranscriptLimit int `yaml:"transcript_limit"`

	// ExitCommands end a session when sent verbatim (case-insensitive).
	ExitCommands []string `yaml:"exit_commands"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves session tuning unset.
const (
	DefaultInactivityWindow = 30 * time.Minute
	DefaultSweepInterval    = 10 * time.Minute
	DefaultHistoryLimit     = 5
	DefaultTranscriptLimit  = 20
	DefaultGeminiModel      = "gemini-1.5-flash"
)

// DefaultExitCommands end a session when typed by the user.
var DefaultExitCommands = []string{"/salir", "salir", "/exit", "exit"}

// Load reads a configuration file from the given path and returns a parsed
// Config. A .env file next to the process, when present, is loaded first so
// that ${VAR_NAME} references in the YAML can resolve against it.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit env vars still apply
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8000"
	}
	if c.Sessions.InactivityWindow == 0 {
		c.Sessions.InactivityWindow = DefaultInactivityWindow
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Sessions.HistoryLimit == 0 {
		c.Sessions.HistoryLimit = DefaultHistoryLimit
	}
	if c.Sessions.TranscriptLimit == 0 {
		c.Sessions.TranscriptLimit = DefaultTranscriptLimit
	}
	if len(c.Sessions.ExitCommands) == 0 {
		c.Sessions.ExitCommands = DefaultExitCommands
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = DefaultGeminiModel
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("whatsapp.verify_token is required")
	}
	if c.WhatsApp.AccessToken == "" {
		return fmt.Errorf("whatsapp.access_token is required")
	}
	if c.WhatsApp.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp.phone_number_id is required")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key is required")
	}
	if c.Sessions.InactivityWindow < 0 {
		return fmt.Errorf("sessions.inactivity_window must not be negative")
	}
	if c.Sessions.SweepInterval < 0 {
		return fmt.Errorf("sessions.sweep_interval must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.InactivityWindowRaw != "" {
		cfg.Sessions.InactivityWindow, err = time.ParseDuration(cfg.Sessions.InactivityWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_window %q: %w", cfg.Sessions.InactivityWindowRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	return nil
}
