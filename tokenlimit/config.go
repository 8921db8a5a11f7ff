/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-tokenlimit/config"
)

const cfgDefaultKeyPrefix = "tokenLimit"

const (
	cfgKeyLimit           = "limit"
	cfgKeyIdleTimeout     = "idleTimeout"
	cfgKeyMaxKeys         = "maxKeys"
	cfgKeyCleanupInterval = "cleanupInterval"
	cfgKeyHeader          = "header"
)

// Default values.
const (
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// Config represents a set of configuration parameters for per-credential concurrency limiting.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Limit is the maximum number of concurrently in-flight requests per credential.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`

	// IdleTimeout is the period after which an unused credential's pool is dropped.
	IdleTimeout config.TimeDuration `mapstructure:"idleTimeout" yaml:"idleTimeout" json:"idleTimeout"`

	// MaxKeys is a soft limit of tracked credentials, 0 means no limit.
	// Pools with held permits are never dropped to satisfy it.
	MaxKeys int `mapstructure:"maxKeys" yaml:"maxKeys" json:"maxKeys"`

	// CleanupInterval is the interval of the background sweep of idle pools (see NewCleanupWorker), 0 disables it.
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`

	// Header is the name of the HTTP header which holds the credential.
	Header string `mapstructure:"header" yaml:"header" json:"header"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	cfg := NewConfig(options...)
	cfg.Limit = DefaultLimit
	cfg.IdleTimeout = config.TimeDuration(DefaultIdleTimeout)
	cfg.CleanupInterval = config.TimeDuration(DefaultCleanupInterval)
	cfg.Header = DefaultHeader
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyLimit, DefaultLimit)
	dp.SetDefault(cfgKeyIdleTimeout, DefaultIdleTimeout.String())
	dp.SetDefault(cfgKeyMaxKeys, 0)
	dp.SetDefault(cfgKeyCleanupInterval, DefaultCleanupInterval.String())
	dp.SetDefault(cfgKeyHeader, DefaultHeader)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Limit, err = dp.GetInt(cfgKeyLimit); err != nil {
		return err
	}
	if c.Limit <= 0 {
		return config.WrapKeyErr(cfgKeyLimit, fmt.Errorf("must be positive"))
	}

	var idleTimeout time.Duration
	if idleTimeout, err = dp.GetDuration(cfgKeyIdleTimeout); err != nil {
		return err
	}
	if idleTimeout <= 0 {
		return config.WrapKeyErr(cfgKeyIdleTimeout, fmt.Errorf("must be positive"))
	}
	c.IdleTimeout = config.TimeDuration(idleTimeout)

	if c.MaxKeys, err = dp.GetInt(cfgKeyMaxKeys); err != nil {
		return err
	}
	if c.MaxKeys < 0 {
		return config.WrapKeyErr(cfgKeyMaxKeys, fmt.Errorf("must be >= 0"))
	}

	var cleanupInterval time.Duration
	if cleanupInterval, err = dp.GetDuration(cfgKeyCleanupInterval); err != nil {
		return err
	}
	if cleanupInterval < 0 {
		return config.WrapKeyErr(cfgKeyCleanupInterval, fmt.Errorf("must be >= 0"))
	}
	c.CleanupInterval = config.TimeDuration(cleanupInterval)

	if c.Header, err = dp.GetString(cfgKeyHeader); err != nil {
		return err
	}
	if c.Header == "" {
		return config.WrapKeyErr(cfgKeyHeader, fmt.Errorf("cannot be empty"))
	}
	return nil
}

// RegistryOpts returns options for NewRegistry.
func (c *Config) RegistryOpts() RegistryOpts {
	return RegistryOpts{
		Limit:       c.Limit,
		IdleTimeout: time.Duration(c.IdleTimeout),
		MaxKeys:     c.MaxKeys,
	}
}
