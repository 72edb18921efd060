/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "concurrencyGate"

const (
	cfgKeyCapacity       = "capacity"
	cfgKeyAcquireTimeout = "acquireTimeout"
	cfgKeyDryRun         = "dryRun"
)

// DefaultCapacity is a default maximum number of concurrent admissions.
const DefaultCapacity = 2

// Config represents a set of configuration parameters for the Gate.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Capacity is the maximum number of concurrent admissions,
	// chosen to match the downstream resource's safe concurrency ceiling.
	Capacity int `mapstructure:"capacity" yaml:"capacity" json:"capacity"`

	// AcquireTimeout determines how long callers wait for a free slot before rejection.
	AcquireTimeout config.TimeDuration `mapstructure:"acquireTimeout" yaml:"acquireTimeout" json:"acquireTimeout"`

	// DryRun enables checking admission without enforcing it.
	// Collaborator surfaces (HTTP middleware, gRPC interceptors) serve requests
	// over capacity in this mode and only log the would-be rejections.
	DryRun bool `mapstructure:"dryRun" yaml:"dryRun" json:"dryRun"`

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
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix:      opts.keyPrefix,
		Capacity:       DefaultCapacity,
		AcquireTimeout: config.TimeDuration(DefaultAcquireTimeout),
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the Gate in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyCapacity, DefaultCapacity)
	dp.SetDefault(cfgKeyAcquireTimeout, DefaultAcquireTimeout.String())
	dp.SetDefault(cfgKeyDryRun, false)
}

// Set sets Gate configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Capacity, err = dp.GetInt(cfgKeyCapacity); err != nil {
		return err
	}
	if c.Capacity <= 0 {
		return dp.WrapKeyErr(cfgKeyCapacity, fmt.Errorf("should be positive, got %d", c.Capacity))
	}

	var acquireTimeout time.Duration
	if acquireTimeout, err = dp.GetDuration(cfgKeyAcquireTimeout); err != nil {
		return err
	}
	if acquireTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyAcquireTimeout, fmt.Errorf("should not be negative, got %s", acquireTimeout))
	}
	c.AcquireTimeout = config.TimeDuration(acquireTimeout)

	if c.DryRun, err = dp.GetBool(cfgKeyDryRun); err != nil {
		return err
	}

	return nil
}

// TimeoutOrDefault returns the configured acquire timeout
// or DefaultAcquireTimeout if it is not set.
func (c *Config) TimeoutOrDefault() time.Duration {
	if c.AcquireTimeout == 0 {
		return DefaultAcquireTimeout
	}
	return time.Duration(c.AcquireTimeout)
}
