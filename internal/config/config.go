package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Slack   SlackConfig   `yaml:"slack"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SlackConfig holds the Slack credentials and destination
type SlackConfig struct {
	BotToken      string   `yaml:"bot_token"`
	SigningSecret string   `yaml:"signing_secret"`
	Channel       string   `yaml:"channel"`
	ChannelID     string   `yaml:"channel_id"`
	ChannelTypes  []string `yaml:"channel_types"`
	BotName       string   `yaml:"bot_name"`
	BotIcon       string   `yaml:"bot_icon"`

	// Static context attached to approvals when the pipeline
	// notification omits its own.
	AdditionalInformation string `yaml:"additional_information"`
	ExternalEntityLink    string `yaml:"external_entity_link"`
}

// LimitsConfig holds request throttling and retry configuration
type LimitsConfig struct {
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	UpdateRetries   uint64        `yaml:"update_retries"`
	UpdateRetryBase time.Duration `yaml:"update_retry_base"`
}

var validChannelTypes = map[string]bool{
	"public":  true,
	"private": true,
	"im":      true,
}

// Load loads configuration from an optional YAML file (CONFIG_FILE) with
// environment variables taking precedence
func Load() (*Config, error) {
	cfg := &Config{}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Server = ServerConfig{
		Host:         getEnv("SERVER_HOST", defaultStr(cfg.Server.Host, "0.0.0.0")),
		Port:         getEnv("SERVER_PORT", defaultStr(cfg.Server.Port, "8080")),
		ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", defaultDur(cfg.Server.ReadTimeout, 10*time.Second)),
		WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", defaultDur(cfg.Server.WriteTimeout, 10*time.Second)),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", defaultStr(cfg.Logging.Level, "info")),
		Format: getEnv("LOG_FORMAT", defaultStr(cfg.Logging.Format, "json")),
		Output: getEnv("LOG_OUTPUT", defaultStr(cfg.Logging.Output, "stdout")),
	}

	types := cfg.Slack.ChannelTypes
	if len(types) == 0 {
		types = []string{"public"}
	}
	cfg.Slack = SlackConfig{
		BotToken:              getEnv("SLACK_BOT_TOKEN", cfg.Slack.BotToken),
		SigningSecret:         getEnv("SLACK_SIGNING_SECRET", cfg.Slack.SigningSecret),
		Channel:               getEnv("SLACK_CHANNEL", cfg.Slack.Channel),
		ChannelID:             getEnv("SLACK_CHANNEL_ID", cfg.Slack.ChannelID),
		ChannelTypes:          getEnvSlice("SLACK_CHANNEL_TYPES", types),
		BotName:               getEnv("SLACK_BOT_NAME", cfg.Slack.BotName),
		BotIcon:               getEnv("SLACK_BOT_ICON", cfg.Slack.BotIcon),
		AdditionalInformation: getEnv("ADDITIONAL_INFORMATION", cfg.Slack.AdditionalInformation),
		ExternalEntityLink:    getEnv("EXTERNAL_ENTITY_LINK", cfg.Slack.ExternalEntityLink),
	}

	cfg.Limits = LimitsConfig{
		RateLimit:       getEnvInt("RATE_LIMIT", defaultInt(cfg.Limits.RateLimit, 100)),
		RateWindow:      getEnvDuration("RATE_WINDOW", defaultDur(cfg.Limits.RateWindow, time.Minute)),
		MaxBodyBytes:    int64(getEnvInt("MAX_BODY_BYTES", defaultInt(int(cfg.Limits.MaxBodyBytes), 1<<20))),
		UpdateRetries:   uint64(getEnvInt("UPDATE_RETRIES", defaultInt(int(cfg.Limits.UpdateRetries), 3))),
		UpdateRetryBase: getEnvDuration("UPDATE_RETRY_BASE", defaultDur(cfg.Limits.UpdateRetryBase, 500*time.Millisecond)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that must never reach request
// handling
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("missing configuration: SLACK_BOT_TOKEN is required")
	}
	if c.Slack.SigningSecret == "" {
		return fmt.Errorf("missing configuration: SLACK_SIGNING_SECRET is required")
	}
	if c.Slack.Channel != "" && c.Slack.ChannelID != "" {
		return fmt.Errorf("redundant configuration: set the Slack channel by id (SLACK_CHANNEL_ID) or name (SLACK_CHANNEL), not both")
	}
	if c.Slack.Channel == "" && c.Slack.ChannelID == "" {
		return fmt.Errorf("missing configuration: set the Slack channel by id (SLACK_CHANNEL_ID) or name (SLACK_CHANNEL)")
	}
	for _, t := range c.Slack.ChannelTypes {
		if !validChannelTypes[t] {
			return fmt.Errorf("invalid channel type %q (must be public, private or im)", t)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return defaultValue
	}
	return parts
}

func defaultStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func defaultInt(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func defaultDur(v, fallback time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return fallback
}
