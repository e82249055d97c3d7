package config

import (
	"fmt"
	"os"

	"go-replicate-studio/internal/models"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultReplicateBaseURL = "https://api.replicate.com/v1"
	DefaultPollIntervalMs   = 2000
	DefaultRetentionMinutes = 60
	DefaultSweepIntervalSec = 60
	DefaultMaxValueSizeKB   = 32 * 1024
	DefaultApiTimeoutSec    = 60
	DefaultServeAddr        = "127.0.0.1:8787"
	DefaultTelemetrySalt    = "replicate-studio"
)

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml")
// and fills credentials from the environment (optionally via a .env file).
// A missing config file is not an error; defaults and environment values are used.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using process environment")
	}

	var cfg models.Config
	if _, statErr := os.Stat(configFilePath); statErr == nil {
		if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
			return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Infof("Configuration loaded from %s", configFilePath)
	} else if !os.IsNotExist(statErr) {
		return models.Config{}, fmt.Errorf("error reading config file %s: %w", configFilePath, statErr)
	} else {
		log.Debugf("Config file %s not found, using defaults", configFilePath)
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	if cfg.ApiKey == "" {
		log.Warn("Warning: ApiKey is not set (config.toml or REPLICATE_API_TOKEN)")
	}
	return cfg, nil
}

// applyEnv fills empty credential fields from environment variables.
func applyEnv(cfg *models.Config) {
	if cfg.ApiKey == "" {
		cfg.ApiKey = os.Getenv("REPLICATE_API_TOKEN")
	}
	if cfg.PexelsApiKey == "" {
		cfg.PexelsApiKey = os.Getenv("PEXELS_API_KEY")
	}
	if cfg.TelemetrySalt == "" {
		cfg.TelemetrySalt = os.Getenv("STUDIO_TELEMETRY_SALT")
	}
}

// ApplyDefaults sets sane values for anything left at its zero value.
func ApplyDefaults(cfg *models.Config) {
	if cfg.ReplicateBaseURL == "" {
		cfg.ReplicateBaseURL = DefaultReplicateBaseURL
	}
	if cfg.TelemetrySalt == "" {
		cfg.TelemetrySalt = DefaultTelemetrySalt
	}
	if cfg.SavePath == "" {
		cfg.SavePath = "studio-data"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = cfg.SavePath + "/studio.db"
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = cfg.SavePath + "/prompts.bleve"
	}
	if cfg.TelemetryDBPath == "" {
		cfg.TelemetryDBPath = cfg.SavePath + "/telemetry.sqlite"
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.RetentionMinutes <= 0 {
		cfg.RetentionMinutes = DefaultRetentionMinutes
	}
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if cfg.MaxValueSizeKB <= 0 {
		cfg.MaxValueSizeKB = DefaultMaxValueSizeKB
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = DefaultApiTimeoutSec
	}
	if cfg.ServeAddr == "" {
		cfg.ServeAddr = DefaultServeAddr
	}
}
