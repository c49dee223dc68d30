// Package config loads the sync engine's tunables from built-in defaults,
// a config file and environment variables, in that order of increasing
// precedence. An optional .env file is loaded into the environment first;
// it does not replace variables that are already set.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/recordmoney/syncd/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// SyncConfig is the unified set of tunables recognised by the sync engine.
type SyncConfig struct {
	ForegroundIntervalMs      int `mapstructure:"foreground_interval_ms" json:"foreground_interval_ms"`
	BackgroundIntervalMs      int `mapstructure:"background_interval_ms" json:"background_interval_ms"`
	MinBackoffMs              int `mapstructure:"min_backoff_ms" json:"min_backoff_ms"`
	MaxBackoffMs              int `mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
	SessionExpiryMs           int `mapstructure:"session_expiry_ms" json:"session_expiry_ms"`
	PollIntervalMs            int `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	MaxPollAttempts           int `mapstructure:"max_poll_attempts" json:"max_poll_attempts"`
	SignatureValidityWindowMs int `mapstructure:"signature_validity_window_ms" json:"signature_validity_window_ms"`
	EmojiAlphabetSize         int `mapstructure:"emoji_alphabet_size" json:"emoji_alphabet_size"`
	EmojiCodeLength           int `mapstructure:"emoji_code_length" json:"emoji_code_length"`
	ChunkHistoryMax           int `mapstructure:"chunk_history_max" json:"chunk_history_max"`

	StateFile string `mapstructure:"state_file" json:"state_file"`
	LogLevel  string `mapstructure:"log_level" json:"log_level"`
}

// Defaults returns the values spec'd as the engine's built-in defaults.
func Defaults() SyncConfig {
	return SyncConfig{
		ForegroundIntervalMs:      15000,
		BackgroundIntervalMs:      300000,
		MinBackoffMs:              5000,
		MaxBackoffMs:              300000,
		SessionExpiryMs:           600000,
		PollIntervalMs:            2000,
		MaxPollAttempts:           60,
		SignatureValidityWindowMs: 300000,
		EmojiAlphabetSize:         256,
		EmojiCodeLength:           6,
		ChunkHistoryMax:           5,
		StateFile:                "syncd-state.json",
		LogLevel:                 "info",
	}
}

// AppConfig holds the configuration loaded via Load.
var AppConfig = Defaults()

// Load reads config.yaml (if present) from the given paths, merges
// SYNCD_-prefixed environment variables (loading a local .env file first so
// developers can override without exporting shell vars), and unmarshals the
// result into AppConfig.
//
// A missing config file is not an error: the built-in defaults stand in for
// it, and env vars still apply on top.
func Load(configPaths ...string) (*SyncConfig, error) {
	if err := godotenv.Load(); err != nil && !isNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	v := viper.New()
	d := Defaults()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	if len(configPaths) == 0 {
		v.AddConfigPath(".")
	}
	setDefaults(v, d)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "read config file")
		}
	}

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

func setDefaults(v *viper.Viper, d SyncConfig) {
	v.SetDefault("foreground_interval_ms", d.ForegroundIntervalMs)
	v.SetDefault("background_interval_ms", d.BackgroundIntervalMs)
	v.SetDefault("min_backoff_ms", d.MinBackoffMs)
	v.SetDefault("max_backoff_ms", d.MaxBackoffMs)
	v.SetDefault("session_expiry_ms", d.SessionExpiryMs)
	v.SetDefault("poll_interval_ms", d.PollIntervalMs)
	v.SetDefault("max_poll_attempts", d.MaxPollAttempts)
	v.SetDefault("signature_validity_window_ms", d.SignatureValidityWindowMs)
	v.SetDefault("emoji_alphabet_size", d.EmojiAlphabetSize)
	v.SetDefault("emoji_code_length", d.EmojiCodeLength)
	v.SetDefault("chunk_history_max", d.ChunkHistoryMax)
	v.SetDefault("state_file", d.StateFile)
	v.SetDefault("log_level", d.LogLevel)
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory") || strings.Contains(err.Error(), "cannot find the file")
}

// ForegroundInterval is SyncConfig.ForegroundIntervalMs as a time.Duration.
func (c SyncConfig) ForegroundInterval() time.Duration {
	return time.Duration(c.ForegroundIntervalMs) * time.Millisecond
}

// BackgroundInterval is SyncConfig.BackgroundIntervalMs as a time.Duration.
func (c SyncConfig) BackgroundInterval() time.Duration {
	return time.Duration(c.BackgroundIntervalMs) * time.Millisecond
}

// MinBackoff is SyncConfig.MinBackoffMs as a time.Duration.
func (c SyncConfig) MinBackoff() time.Duration { return time.Duration(c.MinBackoffMs) * time.Millisecond }

// MaxBackoff is SyncConfig.MaxBackoffMs as a time.Duration.
func (c SyncConfig) MaxBackoff() time.Duration { return time.Duration(c.MaxBackoffMs) * time.Millisecond }

// SessionExpiry is SyncConfig.SessionExpiryMs as a time.Duration.
func (c SyncConfig) SessionExpiry() time.Duration {
	return time.Duration(c.SessionExpiryMs) * time.Millisecond
}

// PollInterval is SyncConfig.PollIntervalMs as a time.Duration.
func (c SyncConfig) PollInterval() time.Duration { return time.Duration(c.PollIntervalMs) * time.Millisecond }

// SignatureValidityWindow is SyncConfig.SignatureValidityWindowMs as a time.Duration.
func (c SyncConfig) SignatureValidityWindow() time.Duration {
	return time.Duration(c.SignatureValidityWindowMs) * time.Millisecond
}

// String renders the config for diagnostics.
func (c SyncConfig) String() string {
	return fmt.Sprintf("SyncConfig{fg=%dms bg=%dms backoff=[%d,%d]ms state=%q log=%q}",
		c.ForegroundIntervalMs, c.BackgroundIntervalMs, c.MinBackoffMs, c.MaxBackoffMs, c.StateFile, c.LogLevel)
}
