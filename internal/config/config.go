// Package config handles livecast configuration loading and management.
//
// livecast uses a single JSON configuration file that can be edited
// manually and hot-reloaded with SIGHUP.
//
// Default location: ./livecast.json (override with LIVECAST_CONFIG or -config)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gocast/livecast/internal/stream"
)

// EnvConfigPath names the environment variable holding the config path
const EnvConfigPath = "LIVECAST_CONFIG"

// DefaultConfigPath is used when neither the flag nor the environment
// variable is set.
const DefaultConfigPath = "livecast.json"

// ErrInvalidThresholds is returned when a discard target exceeds its maximum
var ErrInvalidThresholds = stream.ErrInvalidThresholds

// ErrInvalidConfig wraps every other validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete livecast server configuration
type Config struct {
	// Version for config file format migrations
	Version int `json:"version"`

	// LastModified timestamp
	LastModified time.Time `json:"last_modified"`

	Server       ServerConfig       `json:"server"`
	SSL          SSLConfig          `json:"ssl"`
	Limits       LimitsConfig       `json:"limits"`
	Distribution DistributionConfig `json:"distribution"`
	Cache        CacheConfig        `json:"cache"`
	Auth         AuthConfig         `json:"auth"`
	Logging      LoggingConfig      `json:"logging"`
	Events       EventsConfig       `json:"events"`
	Admin        AdminConfig        `json:"admin"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Hostname      string `json:"hostname"`
	ListenAddress string `json:"listen_address"`
	AdminPort     int    `json:"admin_port"`
	ServerID      string `json:"server_id"`
}

// SSLConfig contains SSL/TLS settings for the admin API
type SSLConfig struct {
	Enabled      bool   `json:"enabled"`
	Port         int    `json:"port"`
	AutoSSL      bool   `json:"auto_ssl"`
	AutoSSLEmail string `json:"auto_ssl_email,omitempty"`
	CertPath     string `json:"cert_path,omitempty"`
	KeyPath      string `json:"key_path,omitempty"`
	CacheDir     string `json:"cache_dir,omitempty"`
}

// LimitsConfig contains resource limits
type LimitsConfig struct {
	MaxStreams              int           `json:"max_streams"`
	MaxSubscribersPerStream int           `json:"max_subscribers_per_stream"`
	HeaderTimeout           time.Duration `json:"-"`
	HeaderTimeoutSeconds    int           `json:"header_timeout"`
	WriteTimeout            time.Duration `json:"-"`
	WriteTimeoutSeconds     int           `json:"write_timeout"`
}

// DistributionConfig holds the per-subscriber discard thresholds
type DistributionConfig struct {
	MaxOutstandingSize     int64 `json:"max_outstanding_size"`
	MaxOutstandingCount    int   `json:"max_outstanding_count"`
	TargetOutstandingSize  int64 `json:"target_outstanding_size"`
	TargetOutstandingCount int   `json:"target_outstanding_count"`
	MaxWriteFailures       int   `json:"max_write_failures"`
}

// CacheConfig bounds the group-of-pictures cache
type CacheConfig struct {
	GOPCache      bool  `json:"gop_cache"`
	MaxGOPPackets int   `json:"max_gop_packets"`
	MaxGOPBytes   int64 `json:"max_gop_bytes"`
}

// AuthConfig holds stream keys. PublishKeys maps a stream path (or an
// application prefix such as "/live") to the key a publisher must present.
type AuthConfig struct {
	PublishKeys    map[string]string `json:"publish_keys,omitempty"`
	SubscribeKeys  map[string]string `json:"subscribe_keys,omitempty"`
	MaxAttempts    int               `json:"max_attempts"`
	Lockout        time.Duration     `json:"-"`
	LockoutSeconds int               `json:"lockout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogSize   int    `json:"log_size"`
}

// EventsConfig configures the lifecycle event sinks
type EventsConfig struct {
	BusBuffer int         `json:"bus_buffer"`
	Redis     RedisConfig `json:"redis"`
}

// RedisConfig configures the Redis event sink. An empty Addr disables it.
type RedisConfig struct {
	Addr      string `json:"addr,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db"`
	Stream    string `json:"stream"`
	MaxLen    int64  `json:"max_len"`
	CountsKey string `json:"counts_key"`
}

// AdminConfig contains admin interface settings
type AdminConfig struct {
	Enabled  bool   `json:"enabled"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	policy := stream.DefaultDiscardPolicy()
	cache := stream.DefaultCacheLimits()

	return &Config{
		Version:      1,
		LastModified: time.Now(),
		Server: ServerConfig{
			Hostname:      "localhost",
			ListenAddress: "0.0.0.0",
			AdminPort:     8090,
			ServerID:      "livecast",
		},
		SSL: SSLConfig{
			Enabled: false,
			Port:    8443,
		},
		Limits: LimitsConfig{
			MaxStreams:              100,
			MaxSubscribersPerStream: 1000,
			HeaderTimeout:           5 * time.Second,
			HeaderTimeoutSeconds:    5,
			WriteTimeout:            10 * time.Second,
			WriteTimeoutSeconds:     10,
		},
		Distribution: DistributionConfig{
			MaxOutstandingSize:     policy.MaxSize,
			MaxOutstandingCount:    policy.MaxCount,
			TargetOutstandingSize:  policy.TargetSize,
			TargetOutstandingCount: policy.TargetCount,
			MaxWriteFailures:       stream.DefaultMaxWriteFailures,
		},
		Cache: CacheConfig{
			GOPCache:      cache.GroupOfPictures,
			MaxGOPPackets: cache.MaxPackets,
			MaxGOPBytes:   cache.MaxBytes,
		},
		Auth: AuthConfig{
			PublishKeys:    map[string]string{},
			SubscribeKeys:  map[string]string{},
			MaxAttempts:    5,
			Lockout:        5 * time.Minute,
			LockoutSeconds: 300,
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "text",
			LogSize:   10000,
		},
		Events: EventsConfig{
			BusBuffer: 256,
			Redis: RedisConfig{
				Stream:    "livecast:events",
				MaxLen:    10000,
				CountsKey: "livecast:streams",
			},
		},
		Admin: AdminConfig{
			Enabled:  true,
			User:     "admin",
			Password: "",
		},
	}
}

// Load reads and parses a config file on top of the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.normalizeDurations()

	return cfg, nil
}

// Save writes the config atomically
func (c *Config) Save(filename string) error {
	c.LastModified = time.Now()

	c.normalizeSeconds()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

func (c *Config) normalizeDurations() {
	if c.Limits.HeaderTimeoutSeconds > 0 {
		c.Limits.HeaderTimeout = time.Duration(c.Limits.HeaderTimeoutSeconds) * time.Second
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		c.Limits.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Auth.LockoutSeconds > 0 {
		c.Auth.Lockout = time.Duration(c.Auth.LockoutSeconds) * time.Second
	}
}

func (c *Config) normalizeSeconds() {
	c.Limits.HeaderTimeoutSeconds = int(c.Limits.HeaderTimeout.Seconds())
	c.Limits.WriteTimeoutSeconds = int(c.Limits.WriteTimeout.Seconds())
	c.Auth.LockoutSeconds = int(c.Auth.Lockout.Seconds())
}

// DiscardPolicy converts the distribution section
func (c *Config) DiscardPolicy() stream.DiscardPolicy {
	return stream.DiscardPolicy{
		MaxSize:     c.Distribution.MaxOutstandingSize,
		MaxCount:    c.Distribution.MaxOutstandingCount,
		TargetSize:  c.Distribution.TargetOutstandingSize,
		TargetCount: c.Distribution.TargetOutstandingCount,
	}
}

// CacheLimits converts the cache section
func (c *Config) CacheLimits() stream.CacheLimits {
	return stream.CacheLimits{
		GroupOfPictures: c.Cache.GOPCache,
		MaxPackets:      c.Cache.MaxGOPPackets,
		MaxBytes:        c.Cache.MaxGOPBytes,
	}
}

// DistributorConfig returns the settings of the distribution pipeline
func (c *Config) DistributorConfig() stream.DistributorConfig {
	return stream.DistributorConfig{
		Policy:           c.DiscardPolicy(),
		MaxWriteFailures: c.Distribution.MaxWriteFailures,
		WriteTimeout:     c.Limits.WriteTimeout,
	}
}

// Validate checks the configuration. Discard thresholds with a target above
// the maximum wrap ErrInvalidThresholds.
func (c *Config) Validate() error {
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("%w: invalid admin port: %d", ErrInvalidConfig, c.Server.AdminPort)
	}

	if c.SSL.Enabled && !c.SSL.AutoSSL {
		if c.SSL.CertPath == "" {
			return fmt.Errorf("%w: SSL enabled but no certificate path specified (use auto_ssl for automatic certificates)", ErrInvalidConfig)
		}
		if c.SSL.KeyPath == "" {
			return fmt.Errorf("%w: SSL enabled but no key path specified (use auto_ssl for automatic certificates)", ErrInvalidConfig)
		}
	}

	if c.SSL.AutoSSL {
		if c.Server.Hostname == "" || c.Server.Hostname == "localhost" {
			return fmt.Errorf("%w: auto_ssl requires a valid public hostname (not localhost)", ErrInvalidConfig)
		}
	}

	if c.SSL.Port <= 0 || c.SSL.Port > 65535 {
		return fmt.Errorf("%w: invalid SSL port: %d", ErrInvalidConfig, c.SSL.Port)
	}

	if c.Limits.MaxStreams < 0 || c.Limits.MaxSubscribersPerStream < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig)
	}

	if err := c.DiscardPolicy().Validate(); err != nil {
		return fmt.Errorf("distribution: %w", err)
	}

	if c.Cache.MaxGOPPackets < 0 || c.Cache.MaxGOPBytes < 0 {
		return fmt.Errorf("%w: cache limits must not be negative", ErrInvalidConfig)
	}

	switch c.Logging.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.LogLevel)
	}

	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	clone.normalizeDurations()
	return clone
}
