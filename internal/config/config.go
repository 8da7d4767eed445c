// Package config loads the daemon's static configuration. Same
// viper-based file-then-env-then-validate shape as the teacher's
// internal/config/config.go, adapted in place: worker/orchestrator
// fields are replaced with the daemon's own listen address, persistence
// root, sidecar engine URLs, and scheduling defaults (spec.md §6
// "Environment & CLI").
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"subtitler/pkg/models"
)

// Config holds all static configuration required by cmd/subtitlerd.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	RootPath string `mapstructure:"root_path"`
	InputDir string `mapstructure:"input_dir"`

	HeartbeatGrace     time.Duration `mapstructure:"heartbeat_grace"`
	MaxMediaWorkers    int64         `mapstructure:"max_media_workers"`
	DefaultQueuePolicy string        `mapstructure:"default_queue_policy"`

	ModelCacheDir string `mapstructure:"model_cache_dir"`
	GPUTierHint   string `mapstructure:"gpu_tier_hint"`

	RecognizerURL         string `mapstructure:"recognizer_url"`
	FallbackRecognizerURL string `mapstructure:"fallback_recognizer_url"`
	AlignerURL            string `mapstructure:"aligner_url"`
	SeparatorURL          string `mapstructure:"separator_url"`

	LogLevel string `mapstructure:"log_level"`
}

// Policy parses DefaultQueuePolicy into a models.PrioritizeMode,
// defaulting to gentle for any unrecognized value.
func (c *Config) Policy() models.PrioritizeMode {
	if c.DefaultQueuePolicy == string(models.PrioritizeForce) {
		return models.PrioritizeForce
	}
	return models.PrioritizeGentle
}

// Load reads configuration from config.yml and environment variables.
// Priority: Env Vars > Config File > Defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("root_path", "./data")
	v.SetDefault("input_dir", "./data/input")
	v.SetDefault("heartbeat_grace", "30s")
	v.SetDefault("max_media_workers", 2)
	v.SetDefault("default_queue_policy", "gentle")
	v.SetDefault("log_level", "info")
	// Empty defaults register the optional keys so AutomaticEnv values
	// for them reach Unmarshal.
	v.SetDefault("model_cache_dir", "")
	v.SetDefault("gpu_tier_hint", "")
	v.SetDefault("recognizer_url", "")
	v.SetDefault("fallback_recognizer_url", "")
	v.SetDefault("aligner_url", "")
	v.SetDefault("separator_url", "")

	// 2. Load from File
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name

	// Look for config in these paths
	v.AddConfigPath(path)       // Custom path provided by caller
	v.AddConfigPath(".")        // Current directory
	v.AddConfigPath("./config") // Config directory

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// It's okay if config file is missing, provided Env Vars are set.
	}

	// 3. Load from Environment Variables
	// Env vars will be uppercase and match the struct fields.
	// Example: root_path becomes SUBTITLER_ROOT_PATH.
	v.SetEnvPrefix("SUBTITLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// 5. Validation & Post-Processing
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.RootPath == "" {
		return errors.New("configuration 'root_path' is required")
	}
	if cfg.InputDir == "" {
		return errors.New("configuration 'input_dir' is required")
	}
	if cfg.DefaultQueuePolicy != "gentle" && cfg.DefaultQueuePolicy != "force" {
		return fmt.Errorf("configuration 'default_queue_policy' must be gentle or force, got %q", cfg.DefaultQueuePolicy)
	}
	if cfg.MaxMediaWorkers < 1 {
		return errors.New("configuration 'max_media_workers' must be >= 1")
	}
	return nil
}
