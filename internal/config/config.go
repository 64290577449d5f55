// Package config loads the daemon configuration from a config file and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all settings of the reporting client.
type Config struct {
	// --- Identity ---

	// UserID is the signed-in user owning the local cache.
	UserID string `mapstructure:"user_id"`
	// PatientName is the display name used in caregiver notifications.
	PatientName string `mapstructure:"patient_name"`

	// --- Local storage ---

	// DBPath is the SQLite database file of the durable store.
	DBPath string `mapstructure:"db_path"`
	// SpoolDir is where captured images land before upload.
	SpoolDir string `mapstructure:"spool_dir"`

	// --- Remote document store ---

	RemoteBaseURL string `mapstructure:"remote_base_url"`
	RemoteAPIKey  string `mapstructure:"remote_api_key"`
	// Offline swaps the remote store for an in-memory one; used for
	// development without a backend.
	Offline bool `mapstructure:"offline"`

	// --- Vision inference ---

	VisionAPIKey string `mapstructure:"vision_api_key"`
	VisionModel  string `mapstructure:"vision_model"`

	// --- Object storage ---

	UploadURL    string `mapstructure:"upload_url"`
	UploadPreset string `mapstructure:"upload_preset"`

	// --- Email notifications ---

	EmailEndpoint string `mapstructure:"email_endpoint"`
	EmailAPIKey   string `mapstructure:"email_api_key"`
	EmailFrom     string `mapstructure:"email_from"`
	EmailFromName string `mapstructure:"email_from_name"`

	// --- Scheduling ---

	SyncPeriod time.Duration `mapstructure:"sync_period"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// --- Logging ---

	// LogFile, when set, routes daemon logs through a size-rotated file.
	LogFile    string `mapstructure:"log_file"`
	LogMaxSize int    `mapstructure:"log_max_size_mb"`
}

// Load reads the configuration from the given file path (optional) and
// the LAPORBOX_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", ".laporbox/laporbox.db")
	v.SetDefault("spool_dir", ".laporbox/spool")
	v.SetDefault("vision_model", "claude-sonnet-4-20250514")
	v.SetDefault("email_from", "laporbox.app@gmail.com")
	v.SetDefault("email_from_name", "LaporBox")
	v.SetDefault("sync_period", 6*time.Hour)
	v.SetDefault("retry_delay", time.Minute)
	v.SetDefault("log_max_size_mb", 20)

	v.SetEnvPrefix("LAPORBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not surface env-only keys through Unmarshal; every
	// key needs an explicit binding.
	for _, key := range []string{
		"user_id", "patient_name",
		"db_path", "spool_dir",
		"remote_base_url", "remote_api_key", "offline",
		"vision_api_key", "vision_model",
		"upload_url", "upload_preset",
		"email_endpoint", "email_api_key", "email_from", "email_from_name",
		"sync_period", "retry_delay",
		"log_file", "log_max_size_mb",
	} {
		v.MustBindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if !c.Offline && c.RemoteBaseURL == "" {
		return fmt.Errorf("remote_base_url is required unless offline mode is set")
	}
	return nil
}
