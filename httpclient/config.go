/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"fmt"
	"time"

	"github.com/acronis/go-tokenlimit/config"
	"github.com/acronis/go-tokenlimit/retry"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

const cfgDefaultKeyPrefix = "httpClient"

// Default values.
const (
	// DefaultClientWaitTimeout is a default timeout for a client to wait for a request.
	DefaultClientWaitTimeout = 10 * time.Second

	DefaultRetriesMaxAttempts      = 3
	DefaultConstantBackoffInterval = 2 * time.Second
)

// Retry policy strategies.
const (
	RetryPolicyExponential = "exponential"
	RetryPolicyConstant    = "constant"
)

const (
	cfgKeyTimeout = "timeout"

	cfgKeyTokenLimits        = "tokenLimits"
	cfgKeyTokenLimitsEnabled = "tokenLimits.enabled"

	cfgKeyRetriesEnabled                          = "retries.enabled"
	cfgKeyRetriesMaxAttempts                      = "retries.maxAttempts"
	cfgKeyRetriesPolicyStrategy                   = "retries.policy.strategy"
	cfgKeyRetriesPolicyExponentialInitialInterval = "retries.policy.exponentialBackoffInitialInterval"
	cfgKeyRetriesPolicyExponentialMultiplier      = "retries.policy.exponentialBackoffMultiplier"
	cfgKeyRetriesPolicyConstantInterval           = "retries.policy.constantBackoffInterval"

	cfgKeyLoggerEnabled              = "logger.enabled"
	cfgKeyLoggerMode                 = "logger.mode"
	cfgKeyLoggerSlowRequestThreshold = "logger.slowRequestThreshold"
)

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// TokenLimitsConfig represents configuration options for per-credential concurrency limiting of outgoing requests.
type TokenLimitsConfig struct {
	// Enabled is a flag that enables limiting.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	tokenlimit.Config `mapstructure:",squash" yaml:",inline"`
}

// PolicyConfig represents configuration options for policy retry.
type PolicyConfig struct {
	// Strategy is a strategy for retry policy: [exponential, constant].
	Strategy string `mapstructure:"strategy" yaml:"strategy" json:"strategy"`

	ExponentialBackoffInitialInterval config.TimeDuration `mapstructure:"exponentialBackoffInitialInterval" yaml:"exponentialBackoffInitialInterval" json:"exponentialBackoffInitialInterval"` //nolint:lll
	ExponentialBackoffMultiplier      float64             `mapstructure:"exponentialBackoffMultiplier" yaml:"exponentialBackoffMultiplier" json:"exponentialBackoffMultiplier"`                //nolint:lll
	ConstantBackoffInterval           config.TimeDuration `mapstructure:"constantBackoffInterval" yaml:"constantBackoffInterval" json:"constantBackoffInterval"`                               //nolint:lll
}

// RetriesConfig represents configuration options for HTTP client retries policy.
type RetriesConfig struct {
	// Enabled is a flag that enables retries.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// MaxAttempts is the maximum number of attempts to retry the request.
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`

	// Policy of a retry.
	Policy PolicyConfig `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// GetPolicy returns a retry policy based on strategy or nil if none is provided.
func (c *RetriesConfig) GetPolicy() retry.Policy {
	switch c.Policy.Strategy {
	case RetryPolicyExponential:
		return retry.ExponentialBackoffPolicy{
			InitialInterval: time.Duration(c.Policy.ExponentialBackoffInitialInterval),
			Multiplier:      c.Policy.ExponentialBackoffMultiplier,
		}
	case RetryPolicyConstant:
		return retry.ConstantBackoffPolicy{Interval: time.Duration(c.Policy.ConstantBackoffInterval)}
	}
	return nil
}

// TransportOpts returns transport options.
func (c *RetriesConfig) TransportOpts() RetryableRoundTripperOpts {
	return RetryableRoundTripperOpts{MaxRetryAttempts: c.MaxAttempts, BackoffPolicy: c.GetPolicy()}
}

// LoggerConfig represents configuration options for HTTP client logs.
type LoggerConfig struct {
	// Enabled is a flag that enables logging.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// SlowRequestThreshold is a threshold for slow requests.
	SlowRequestThreshold config.TimeDuration `mapstructure:"slowRequestThreshold" yaml:"slowRequestThreshold" json:"slowRequestThreshold"`

	// Mode of logging: [none, all, failed].
	Mode LoggingMode `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// TransportOpts returns transport options.
func (c *LoggerConfig) TransportOpts() LoggingRoundTripperOpts {
	return LoggingRoundTripperOpts{Mode: c.Mode, SlowRequestThreshold: time.Duration(c.SlowRequestThreshold)}
}

// Config represents options for HTTP client configuration.
type Config struct {
	// Timeout is the maximum time to wait for a request to be made.
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// TokenLimits is a configuration for per-credential concurrency limiting.
	TokenLimits TokenLimitsConfig `mapstructure:"tokenLimits" yaml:"tokenLimits" json:"tokenLimits"`

	// Retries is a configuration for HTTP client retries policy.
	Retries RetriesConfig `mapstructure:"retries" yaml:"retries" json:"retries"`

	// Logger is a configuration for HTTP client logs.
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger" json:"logger"`

	keyPrefix string
}

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
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
	cfg.Timeout = config.TimeDuration(DefaultClientWaitTimeout)
	cfg.TokenLimits.Enabled = true
	cfg.TokenLimits.Limit = tokenlimit.DefaultLimit
	cfg.TokenLimits.IdleTimeout = config.TimeDuration(tokenlimit.DefaultIdleTimeout)
	cfg.TokenLimits.CleanupInterval = config.TimeDuration(tokenlimit.DefaultCleanupInterval)
	cfg.TokenLimits.Header = tokenlimit.DefaultHeader
	cfg.Retries = RetriesConfig{
		Enabled:     true,
		MaxAttempts: DefaultRetriesMaxAttempts,
		Policy: PolicyConfig{
			Strategy:                          RetryPolicyExponential,
			ExponentialBackoffInitialInterval: config.TimeDuration(DefaultExponentialBackoffInitialInterval),
			ExponentialBackoffMultiplier:      float64(DefaultExponentialBackoffMultiplier),
			ConstantBackoffInterval:           config.TimeDuration(DefaultConstantBackoffInterval),
		},
	}
	cfg.Logger = LoggerConfig{Enabled: true, Mode: LoggingModeAll}
	return cfg
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyTimeout, DefaultClientWaitTimeout.String())

	dp.SetDefault(cfgKeyTokenLimitsEnabled, true)
	c.TokenLimits.Config.SetProviderDefaults(config.NewKeyPrefixedDataProvider(dp, cfgKeyTokenLimits))

	dp.SetDefault(cfgKeyRetriesEnabled, true)
	dp.SetDefault(cfgKeyRetriesMaxAttempts, DefaultRetriesMaxAttempts)
	dp.SetDefault(cfgKeyRetriesPolicyStrategy, RetryPolicyExponential)
	dp.SetDefault(cfgKeyRetriesPolicyExponentialInitialInterval, DefaultExponentialBackoffInitialInterval.String())
	dp.SetDefault(cfgKeyRetriesPolicyExponentialMultiplier, float64(DefaultExponentialBackoffMultiplier))
	dp.SetDefault(cfgKeyRetriesPolicyConstantInterval, DefaultConstantBackoffInterval.String())

	dp.SetDefault(cfgKeyLoggerEnabled, true)
	dp.SetDefault(cfgKeyLoggerMode, string(LoggingModeAll))
	dp.SetDefault(cfgKeyLoggerSlowRequestThreshold, "0s")
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	timeout, err := dp.GetDuration(cfgKeyTimeout)
	if err != nil {
		return err
	}
	if timeout < 0 {
		return config.WrapKeyErr(cfgKeyTimeout, fmt.Errorf("cannot be negative"))
	}
	c.Timeout = config.TimeDuration(timeout)

	if err = c.setTokenLimits(dp); err != nil {
		return err
	}
	if err = c.setRetries(dp); err != nil {
		return err
	}
	return c.setLogger(dp)
}

func (c *Config) setTokenLimits(dp config.DataProvider) error {
	var err error
	if c.TokenLimits.Enabled, err = dp.GetBool(cfgKeyTokenLimitsEnabled); err != nil {
		return err
	}
	if !c.TokenLimits.Enabled {
		return nil
	}
	return c.TokenLimits.Config.Set(config.NewKeyPrefixedDataProvider(dp, cfgKeyTokenLimits))
}

func (c *Config) setRetries(dp config.DataProvider) error {
	var err error
	if c.Retries.Enabled, err = dp.GetBool(cfgKeyRetriesEnabled); err != nil {
		return err
	}
	if !c.Retries.Enabled {
		return nil
	}

	if c.Retries.MaxAttempts, err = dp.GetInt(cfgKeyRetriesMaxAttempts); err != nil {
		return err
	}
	if c.Retries.MaxAttempts < 0 {
		return config.WrapKeyErr(cfgKeyRetriesMaxAttempts, fmt.Errorf("cannot be negative"))
	}

	policy := &c.Retries.Policy
	if policy.Strategy, err = dp.GetString(cfgKeyRetriesPolicyStrategy); err != nil {
		return err
	}
	switch policy.Strategy {
	case "", RetryPolicyExponential, RetryPolicyConstant:
	default:
		return config.WrapKeyErr(cfgKeyRetriesPolicyStrategy, fmt.Errorf("must be one of: [%s, %s]",
			RetryPolicyExponential, RetryPolicyConstant))
	}

	var interval time.Duration
	if interval, err = dp.GetDuration(cfgKeyRetriesPolicyExponentialInitialInterval); err != nil {
		return err
	}
	if interval < 0 {
		return config.WrapKeyErr(cfgKeyRetriesPolicyExponentialInitialInterval, fmt.Errorf("cannot be negative"))
	}
	policy.ExponentialBackoffInitialInterval = config.TimeDuration(interval)

	if policy.ExponentialBackoffMultiplier, err = dp.GetFloat64(cfgKeyRetriesPolicyExponentialMultiplier); err != nil {
		return err
	}
	if policy.ExponentialBackoffMultiplier <= 1 {
		return config.WrapKeyErr(cfgKeyRetriesPolicyExponentialMultiplier, fmt.Errorf("must be greater than 1"))
	}

	if interval, err = dp.GetDuration(cfgKeyRetriesPolicyConstantInterval); err != nil {
		return err
	}
	if interval < 0 {
		return config.WrapKeyErr(cfgKeyRetriesPolicyConstantInterval, fmt.Errorf("cannot be negative"))
	}
	policy.ConstantBackoffInterval = config.TimeDuration(interval)
	return nil
}

func (c *Config) setLogger(dp config.DataProvider) error {
	var err error
	if c.Logger.Enabled, err = dp.GetBool(cfgKeyLoggerEnabled); err != nil {
		return err
	}
	if !c.Logger.Enabled {
		return nil
	}

	var threshold time.Duration
	if threshold, err = dp.GetDuration(cfgKeyLoggerSlowRequestThreshold); err != nil {
		return err
	}
	if threshold < 0 {
		return config.WrapKeyErr(cfgKeyLoggerSlowRequestThreshold, fmt.Errorf("cannot be negative"))
	}
	c.Logger.SlowRequestThreshold = config.TimeDuration(threshold)

	var mode string
	if mode, err = dp.GetString(cfgKeyLoggerMode); err != nil {
		return err
	}
	if !LoggingMode(mode).IsValid() {
		return config.WrapKeyErr(cfgKeyLoggerMode, fmt.Errorf("must be one of: [%s, %s, %s]",
			LoggingModeNone, LoggingModeAll, LoggingModeFailed))
	}
	c.Logger.Mode = LoggingMode(mode)
	return nil
}
