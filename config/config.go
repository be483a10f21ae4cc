// Package config loads Primer's runtime configuration from an optional YAML
// file and PRIMER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PRIMER"

type Config struct {
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Session    SessionConfig    `mapstructure:"session"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	Viewport   ViewportConfig   `mapstructure:"viewport"`
	Background BackgroundConfig `mapstructure:"background"`
}

type OpenAIConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	Model              string `mapstructure:"model"`
	Voice              string `mapstructure:"voice"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	ImageModel         string `mapstructure:"image_model"`
}

type SessionConfig struct {
	GraceWindow       time.Duration `mapstructure:"grace_window"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	VADThreshold      float64       `mapstructure:"vad_threshold"`
	PrefixPaddingMs   int           `mapstructure:"prefix_padding_ms"`
	SilenceDurationMs int           `mapstructure:"silence_duration_ms"`
	Greeting          string        `mapstructure:"greeting"`
}

type StoreConfig struct {
	Dir        string `mapstructure:"dir"`
	UseKeyring bool   `mapstructure:"use_keyring"`
}

// LogConfig configures the rotating file logger. An empty File logs to
// stdout instead, mixing with the conversation output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ViewportConfig is the size of the surface backgrounds are generated for.
type ViewportConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type BackgroundConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Dir is the per-user directory holding the config and settings files.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(base, "primer"), nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-realtime")
	v.SetDefault("openai.voice", "alloy")
	v.SetDefault("openai.transcription_model", "gpt-4o-mini-transcribe")
	v.SetDefault("openai.image_model", "dall-e-3")

	v.SetDefault("session.grace_window", 5*time.Second)
	v.SetDefault("session.inactivity_timeout", 15*time.Second)
	v.SetDefault("session.vad_threshold", 0.6)
	v.SetDefault("session.prefix_padding_ms", 500)
	v.SetDefault("session.silence_duration_ms", 1000)
	v.SetDefault("session.greeting", "")

	v.SetDefault("store.dir", dir)
	v.SetDefault("store.use_keyring", false)

	v.SetDefault("log.file", filepath.Join(dir, "primer.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("viewport.width", 1280)
	v.SetDefault("viewport.height", 800)

	v.SetDefault("background.output_dir", filepath.Join(dir, "backgrounds"))
}

// Load reads path, or config.yaml in Dir when path is empty. A missing file
// is fine; every field has a default. Environment variables such as
// PRIMER_SESSION_GRACE_WINDOW override both.
func Load(path string) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v, dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.GraceWindow < 0 {
		return errors.New("session.grace_window must not be negative")
	}
	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session.inactivity_timeout must be positive")
	}
	if c.Session.VADThreshold < 0 || c.Session.VADThreshold > 1 {
		return errors.New("session.vad_threshold must be within [0, 1]")
	}
	if c.Viewport.Width < 0 || c.Viewport.Height < 0 {
		return errors.New("viewport size must not be negative")
	}
	return nil
}
