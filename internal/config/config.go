package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/matheus3301/wpparchive/internal/paths"
)

// Config is the daemon configuration. Values come from, in increasing priority:
// built-in defaults, the TOML file, a .env file and the process environment.
type Config struct {
	DataDir  string `toml:"data_dir" env:"WPPARCHIVE_DATA_DIR"`
	Timezone string `toml:"timezone" env:"WPPARCHIVE_TIMEZONE"`

	Storage  StorageConfig  `toml:"storage"`
	HTTP     HTTPConfig     `toml:"http"`
	Log      LogConfig      `toml:"log"`
	Email    EmailConfig    `toml:"email"`
	Report   ReportConfig   `toml:"report"`
	Commands CommandsConfig `toml:"commands"`
}

// StorageConfig overrides the locations derived from DataDir.
type StorageConfig struct {
	SessionDB string `toml:"session_db" env:"WPPARCHIVE_SESSION_DB"`
	ArchiveDB string `toml:"archive_db" env:"WPPARCHIVE_ARCHIVE_DB"`
	MediaDir  string `toml:"media_dir" env:"WPPARCHIVE_MEDIA_DIR"`
}

type HTTPConfig struct {
	Addr        string   `toml:"addr" env:"WPPARCHIVE_HTTP_ADDR" validate:"required"`
	CORSOrigins []string `toml:"cors_origins" env:"WPPARCHIVE_HTTP_CORS_ORIGINS"`
}

type LogConfig struct {
	Level      string `toml:"level" env:"WPPARCHIVE_LOG_LEVEL" validate:"oneof=debug info warn error"`
	MaxSizeMB  int    `toml:"max_size_mb" env:"WPPARCHIVE_LOG_MAX_SIZE_MB" validate:"gte=1"`
	MaxBackups int    `toml:"max_backups" env:"WPPARCHIVE_LOG_MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `toml:"max_age_days" env:"WPPARCHIVE_LOG_MAX_AGE_DAYS" validate:"gte=0"`
}

// EmailConfig selects and configures the outbound email provider.
type EmailConfig struct {
	Provider string `toml:"provider" env:"WPPARCHIVE_EMAIL_PROVIDER" validate:"oneof=none smtp resend"`
	From     string `toml:"from" env:"WPPARCHIVE_EMAIL_FROM"`
	FromName string `toml:"from_name" env:"WPPARCHIVE_EMAIL_FROM_NAME"`
	To       string `toml:"to" env:"WPPARCHIVE_EMAIL_TO"`

	SMTP   SMTPConfig   `toml:"smtp"`
	Resend ResendConfig `toml:"resend"`
}

type SMTPConfig struct {
	Host     string `toml:"host" env:"WPPARCHIVE_SMTP_HOST"`
	Port     int    `toml:"port" env:"WPPARCHIVE_SMTP_PORT"`
	Username string `toml:"username" env:"WPPARCHIVE_SMTP_USERNAME"`
	Password string `toml:"password" env:"WPPARCHIVE_SMTP_PASSWORD"`
	// TLS is "starttls", "tls" or "none".
	TLS string `toml:"tls" env:"WPPARCHIVE_SMTP_TLS" validate:"omitempty,oneof=starttls tls none"`
}

type ResendConfig struct {
	APIKey  string `toml:"api_key" env:"WPPARCHIVE_RESEND_API_KEY"`
	BaseURL string `toml:"base_url" env:"WPPARCHIVE_RESEND_BASE_URL"`
}

// ReportConfig controls the scheduled daily report.
type ReportConfig struct {
	Enabled bool     `toml:"enabled" env:"WPPARCHIVE_REPORT_ENABLED"`
	Hour    int      `toml:"hour" env:"WPPARCHIVE_REPORT_HOUR" validate:"gte=0,lte=23"`
	Minute  int      `toml:"minute" env:"WPPARCHIVE_REPORT_MINUTE" validate:"gte=0,lte=59"`
	Numbers []string `toml:"numbers" env:"WPPARCHIVE_REPORT_NUMBERS"`
}

// CommandsConfig holds the allow-list of numbers that may send commands.
type CommandsConfig struct {
	Numbers []string `toml:"numbers" env:"WPPARCHIVE_COMMAND_NUMBERS"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: paths.BaseDir(),
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:3000",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Email: EmailConfig{
			Provider: "none",
			FromName: "WhatsApp Archive",
			SMTP: SMTPConfig{
				Port: 587,
				TLS:  "starttls",
			},
			Resend: ResendConfig{
				BaseURL: "https://api.resend.com",
			},
		},
		Report: ReportConfig{
			Hour:   20,
			Minute: 0,
		},
	}
}

// Load builds the configuration. A missing file at path is not an error; a
// malformed one is. dotenv names an optional .env file; empty means ".env" in
// the working directory.
func Load(path, dotenv string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if dotenv == "" {
		dotenv = ".env"
	}
	// godotenv never overrides variables already present in the environment.
	if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenv, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

func (c *Config) normalize() {
	c.Email.Provider = strings.ToLower(strings.TrimSpace(c.Email.Provider))
	if c.Email.Provider == "" {
		c.Email.Provider = "none"
	}
	c.Report.Numbers = compact(c.Report.Numbers)
	c.Commands.Numbers = compact(c.Commands.Numbers)
}

func compact(vals []string) []string {
	out := vals[:0]
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Layout resolves on-disk locations, applying storage overrides.
func (c *Config) Layout() paths.Layout {
	l := paths.New(c.DataDir)
	if c.Storage.SessionDB != "" {
		l.SessionDB = c.Storage.SessionDB
	}
	if c.Storage.ArchiveDB != "" {
		l.ArchiveDB = c.Storage.ArchiveDB
	}
	if c.Storage.MediaDir != "" {
		l.MediaDir = c.Storage.MediaDir
	}
	return l
}

// Location returns the configured timezone, defaulting to the process zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Redacted renders cfg as TOML with credentials masked.
func Redacted(cfg *Config) string {
	c := *cfg
	if c.Email.SMTP.Password != "" {
		c.Email.SMTP.Password = "********"
	}
	if c.Email.Resend.APIKey != "" {
		c.Email.Resend.APIKey = "********"
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return fmt.Sprintf("# encode config: %v\n", err)
	}
	return b.String()
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
