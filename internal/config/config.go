package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DOJOSYNC"
	defaultHTTPAddress    = "127.0.0.1:8787"
	defaultDatabasePath   = "dojosync.db"
	defaultLogLevel       = "info"
	defaultMediaDir       = "media-cache"
	defaultMediaBudget    = 512 << 20
	defaultSyncInterval   = 30 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultQueueLimit     = 1000
	defaultRetryBudget    = 8
	defaultRealtimePath   = "/realtime/v1/ws"
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	RemoteURL      string
	RemoteAPIKey   string
	AccessToken    string
	RealtimePath   string
	MediaDir       string
	MediaBudget    int64
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	QueueLimit     int
	RetryBudget    int
	PrefetchImages bool
	UnmeteredLink  bool
	LogLevel       string
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
	configViper.SetDefault("remote.realtime_path", defaultRealtimePath)
	configViper.SetDefault("media.dir", defaultMediaDir)
	configViper.SetDefault("media.max_bytes", defaultMediaBudget)
	configViper.SetDefault("media.prefetch_images", true)
	configViper.SetDefault("sync.interval_seconds", int(defaultSyncInterval/time.Second))
	configViper.SetDefault("sync.request_timeout_seconds", int(defaultRequestTimeout/time.Second))
	configViper.SetDefault("sync.queue_limit", defaultQueueLimit)
	configViper.SetDefault("sync.retry_budget", defaultRetryBudget)
	configViper.SetDefault("network.unmetered", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		RemoteURL:      configViper.GetString("remote.url"),
		RemoteAPIKey:   configViper.GetString("remote.api_key"),
		AccessToken:    configViper.GetString("remote.access_token"),
		RealtimePath:   configViper.GetString("remote.realtime_path"),
		MediaDir:       configViper.GetString("media.dir"),
		MediaBudget:    configViper.GetInt64("media.max_bytes"),
		SyncInterval:   time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		RequestTimeout: time.Duration(configViper.GetInt("sync.request_timeout_seconds")) * time.Second,
		QueueLimit:     configViper.GetInt("sync.queue_limit"),
		RetryBudget:    configViper.GetInt("sync.retry_budget"),
		PrefetchImages: configViper.GetBool("media.prefetch_images"),
		UnmeteredLink:  configViper.GetBool("network.unmetered"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if strings.TrimSpace(c.RemoteAPIKey) == "" {
		return fmt.Errorf("remote.api_key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MediaDir) == "" {
		return fmt.Errorf("media.dir is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout_seconds must be positive")
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("sync.queue_limit must be positive")
	}
	if c.RetryBudget <= 0 {
		return fmt.Errorf("sync.retry_budget must be positive")
	}
	return nil
}
