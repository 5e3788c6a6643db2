package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "MERIDIAN"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "meridian.db"
	defaultLogLevel     = "info"

	defaultRotationMaxMessages   = 1000
	defaultRotationMaxAgeSeconds = 7 * 24 * 60 * 60
	defaultQueueTTLSeconds       = 7 * 24 * 60 * 60
	defaultQueueSweepSeconds     = 60 * 60

	masterKeyHexLength = 64
)

// AppConfig captures runtime configuration for the E2EE service.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// MasterKeyHex is the hex-encoded 256-bit key sealing everything at
	// rest. Supplied via MERIDIAN_E2EE_MASTER_KEY.
	MasterKeyHex string

	RotationMaxMessages int
	RotationMaxAge      time.Duration

	QueueTTL           time.Duration
	QueueSweepInterval time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("rotation.max_messages", defaultRotationMaxMessages)
	configViper.SetDefault("rotation.max_age_seconds", defaultRotationMaxAgeSeconds)
	configViper.SetDefault("todevice.ttl_seconds", defaultQueueTTLSeconds)
	configViper.SetDefault("todevice.sweep_seconds", defaultQueueSweepSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		MasterKeyHex:        configViper.GetString("e2ee.master_key"),
		RotationMaxMessages: configViper.GetInt("rotation.max_messages"),
		RotationMaxAge:      time.Duration(configViper.GetInt("rotation.max_age_seconds")) * time.Second,
		QueueTTL:            time.Duration(configViper.GetInt("todevice.ttl_seconds")) * time.Second,
		QueueSweepInterval:  time.Duration(configViper.GetInt("todevice.sweep_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	key := strings.TrimSpace(c.MasterKeyHex)
	if key == "" {
		return fmt.Errorf("e2ee.master_key is required")
	}
	if len(key) != masterKeyHexLength {
		return fmt.Errorf("e2ee.master_key must be %d hex characters", masterKeyHexLength)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("e2ee.master_key must be hex encoded: %w", err)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RotationMaxMessages <= 0 {
		return fmt.Errorf("rotation.max_messages must be positive")
	}
	if c.RotationMaxAge <= 0 {
		return fmt.Errorf("rotation.max_age_seconds must be positive")
	}
	return nil
}
