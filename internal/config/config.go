// Package config is the bridge's configuration surface: load via
// spf13/viper (JSON file, environment overrides, explicit flags),
// validate, and persist as plain JSON.
//
// Grounded on the teacher's internal/client/config package: a flat
// Config struct with mapstructure tags, a Validate() that resolves and
// checks paths, and a Save() that writes stdlib encoding/json rather
// than delegating back to viper (the teacher's own config.Save() does
// the same — viper is for loading layered config, not persisting it).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	homeDir, _        = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(homeDir, ".cachebridge", "config.json")
	DefaultLocalPath  = filepath.Join(homeDir, "CacheBridge", "local")
	DefaultWorkPath   = filepath.Join(homeDir, "CacheBridge", "work")
)

var ErrEmptyPath = errors.New("config: path cannot be empty")

// Config is the bridge's full set of tunables, per the core's
// configuration keys and the Processor's own knobs.
type Config struct {
	// LocalPath is the root of the local cached content (the
	// "local.path").
	LocalPath string `json:"local_path" mapstructure:"local_path"`
	// WorkPath holds the queue database and, depending on deployment,
	// sidecars ("work.path").
	WorkPath string `json:"work_path" mapstructure:"work_path"`
	// RemoteURL is the base URL of the remote content repository.
	RemoteURL string `json:"remote_url" mapstructure:"remote_url"`
	// RemoteAuthToken authenticates against RemoteURL. Never persisted.
	RemoteAuthToken string `json:"-" mapstructure:"remote_auth_token"`

	// ModifiedThresholdMillis is the tolerance used by the alternative
	// canDelete formulation comparing lastModified-lastSynced. Unused by
	// the precise canDelete this module implements; kept for parity with
	// the source's compatibility flag.
	ModifiedThresholdMillis int64 `json:"modified_threshold_millis" mapstructure:"modified_threshold_millis"`
	// NoUnicodeNormalize disables NFKC normalization at the remote
	// boundary.
	NoUnicodeNormalize bool `json:"no_unicode_normalize" mapstructure:"no_unicode_normalize"`
	// NoProcessor disables starting the background Processor.
	NoProcessor bool `json:"no_processor" mapstructure:"no_processor"`
	// ListCacheTTLMillis is the directory-listing cache TTL.
	ListCacheTTLMillis int64 `json:"list_cache_ttl_millis" mapstructure:"list_cache_ttl_millis"`
	// PrewarmRootQueue enables RQTree.Exists's optional getRequests("/")
	// pre-warm call. Off by default; it's a performance wart, not a
	// correctness requirement.
	PrewarmRootQueue bool `json:"prewarm_root_queue" mapstructure:"prewarm_root_queue"`

	// ExpirationMillis is how old a queued record must be before the
	// Processor considers it eligible for replay.
	ExpirationMillis int64 `json:"expiration_millis" mapstructure:"expiration_millis"`
	// MaxRetries bounds replay attempts before a record is purge-eligible.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
	// RetryDelayMillis is the Processor's base backoff delay.
	RetryDelayMillis int64 `json:"retry_delay_millis" mapstructure:"retry_delay_millis"`
	// FrequencyMillis is the Processor's poll interval.
	FrequencyMillis int64 `json:"frequency_millis" mapstructure:"frequency_millis"`
	// PurgeFailedMillis is the interval between purgeFailedRequests sweeps.
	PurgeFailedMillis int64 `json:"purge_failed_millis" mapstructure:"purge_failed_millis"`

	// ControlAddr is the local control-plane API's listen address.
	ControlAddr string `json:"control_addr" mapstructure:"control_addr"`

	Path string `json:"-" mapstructure:"config_path"`
}

// ListCacheTTL is ListCacheTTLMillis as a time.Duration.
func (c *Config) ListCacheTTL() time.Duration { return time.Duration(c.ListCacheTTLMillis) * time.Millisecond }

// Expiration is ExpirationMillis as a time.Duration.
func (c *Config) Expiration() time.Duration { return time.Duration(c.ExpirationMillis) * time.Millisecond }

// RetryDelay is RetryDelayMillis as a time.Duration.
func (c *Config) RetryDelay() time.Duration { return time.Duration(c.RetryDelayMillis) * time.Millisecond }

// Frequency is FrequencyMillis as a time.Duration.
func (c *Config) Frequency() time.Duration { return time.Duration(c.FrequencyMillis) * time.Millisecond }

// PurgeInterval is PurgeFailedMillis as a time.Duration.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeFailedMillis) * time.Millisecond
}

// Default returns a Config populated with the bridge's defaults.
func Default() *Config {
	return &Config{
		LocalPath:          DefaultLocalPath,
		WorkPath:           DefaultWorkPath,
		ListCacheTTLMillis: 2_000,
		ExpirationMillis:   500,
		MaxRetries:         5,
		RetryDelayMillis:   5_000,
		FrequencyMillis:    2_000,
		PurgeFailedMillis:  60_000,
		ControlAddr:        "127.0.0.1:7938",
		Path:               DefaultConfigPath,
	}
}

// Validate resolves relative/`~`-prefixed paths to absolute ones and
// checks that the required fields are present.
func (c *Config) Validate() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}

	var err error
	if c.LocalPath, err = resolvePath(c.LocalPath); err != nil {
		return fmt.Errorf("local path: %w", err)
	}
	if c.WorkPath, err = resolvePath(c.WorkPath); err != nil {
		return fmt.Errorf("work path: %w", err)
	}
	if c.RemoteURL == "" {
		return errors.New("config: remote url is required")
	}
	if c.MaxRetries <= 0 {
		return errors.New("config: max retries must be positive")
	}
	return nil
}

// Save persists c as JSON at c.Path, the way the teacher's own
// Config.Save writes stdlib JSON rather than delegating to viper.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o644)
}

// Load reads configuration from path (if it exists), layering
// environment variable overrides (prefix CACHEBRIDGE_) on top via viper.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(resolved)
	v.SetConfigType("json")
	v.SetEnvPrefix("cachebridge")
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("local_path", def.LocalPath)
	v.SetDefault("work_path", def.WorkPath)
	v.SetDefault("list_cache_ttl_millis", def.ListCacheTTLMillis)
	v.SetDefault("expiration_millis", def.ExpirationMillis)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_delay_millis", def.RetryDelayMillis)
	v.SetDefault("frequency_millis", def.FrequencyMillis)
	v.SetDefault("purge_failed_millis", def.PurgeFailedMillis)
	v.SetDefault("control_addr", def.ControlAddr)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Path = resolved
	return &cfg, nil
}

func resolvePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(path, "~") {
		if homeDir == "" {
			return "", errors.New("config: cannot resolve home directory")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
