package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "TACMAP"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultLogLevel    = "info"

	defaultTickHz           = 5
	defaultMaxPlayers       = 32
	defaultRetentionHours   = 24
	defaultPositionPerSec   = 10
	defaultChatPerMinute    = 30
	defaultSendQueueSize    = 64
	defaultHeartbeatSeconds = 20
)

// AppConfig captures runtime configuration for the session server.
type AppConfig struct {
	HTTPAddress   string
	LogLevel      string
	SigningSecret string

	// ArchivePath is the SQLite file backing the session archive. Empty
	// disables archiving.
	ArchivePath string

	TickHz            int
	MaxPlayers        int
	SessionRetention  time.Duration
	PositionPerSecond int
	ChatPerMinute     int
	SendQueueSize     int
	HeartbeatInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("archive.path", "")
	configViper.SetDefault("session.tick_hz", defaultTickHz)
	configViper.SetDefault("session.max_players", defaultMaxPlayers)
	configViper.SetDefault("session.retention_hours", defaultRetentionHours)
	configViper.SetDefault("limits.position_per_second", defaultPositionPerSec)
	configViper.SetDefault("limits.chat_per_minute", defaultChatPerMinute)
	configViper.SetDefault("connection.send_queue_size", defaultSendQueueSize)
	configViper.SetDefault("connection.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		ArchivePath:       configViper.GetString("archive.path"),
		TickHz:            configViper.GetInt("session.tick_hz"),
		MaxPlayers:        configViper.GetInt("session.max_players"),
		SessionRetention:  time.Duration(configViper.GetInt("session.retention_hours")) * time.Hour,
		PositionPerSecond: configViper.GetInt("limits.position_per_second"),
		ChatPerMinute:     configViper.GetInt("limits.chat_per_minute"),
		SendQueueSize:     configViper.GetInt("connection.send_queue_size"),
		HeartbeatInterval: time.Duration(configViper.GetInt("connection.heartbeat_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TickHz < 1 || c.TickHz > 60 {
		return fmt.Errorf("session.tick_hz must be between 1 and 60, got %d", c.TickHz)
	}
	if c.MaxPlayers < 2 {
		return fmt.Errorf("session.max_players must be at least 2, got %d", c.MaxPlayers)
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("session.retention_hours must be positive")
	}
	if c.PositionPerSecond < 1 {
		return fmt.Errorf("limits.position_per_second must be at least 1")
	}
	if c.ChatPerMinute < 1 {
		return fmt.Errorf("limits.chat_per_minute must be at least 1")
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("connection.send_queue_size must be at least 1")
	}
	return nil
}
