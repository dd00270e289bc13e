package logging

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sgl-project/sft-agent/pkg/constants"
)

// ConfigKey is the root configuration key (in Viper) for this module.
var ConfigKey = "logging"

// Config holds the configuration for logging.
type Config struct {
	// Debug forces debug level and the console encoder; Level is ignored.
	// Use "debug=false, level=debug" for JSON debug logs.
	Debug bool `mapstructure:"debug"`

	// Level defaults to INFO.
	Level Level `mapstructure:"level"`

	// EncodeTimeAsRFC3339Nano serializes timestamps as RFC3339Nano instead of
	// the encoder default (ISO8601 in debug mode, epoch otherwise).
	EncodeTimeAsRFC3339Nano bool `mapstructure:"encodeTimeAsRFC3339Nano"`

	// DisableConsoleOutput stops writing to stdout. Only the file in Filename,
	// if any, receives records.
	DisableConsoleOutput bool `mapstructure:"disableConsoleOutput"`

	// Rank tags every record with the training process rank. When unset it is
	// taken from the RANK environment variable, if present.
	Rank *int `mapstructure:"rank"`

	// Logger configures file rotation; no file is written when Filename is empty.
	lumberjack.Logger `mapstructure:",squash"`
}

// Option is a configuration option for logging.
type Option func(*Config) error

// Validate ensures the logging Config is valid.
func (c *Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("maxsize must be >= 0, not %d", c.MaxSize)
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("maxbackups must be >= 0, not %d", c.MaxBackups)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("maxage days must be >= 0, not %d", c.MaxAge)
	}
	if c.Rank != nil && *c.Rank < 0 {
		return fmt.Errorf("rank must be >= 0, not %d", *c.Rank)
	}
	if err := c.Level.Validate(); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	return nil
}

// WithViper applies the configuration under the "logging" key.
func WithViper(v *viper.Viper) Option {
	return WithViperKey(v, ConfigKey)
}

// WithViperKey applies the configuration under configKey.
func WithViperKey(v *viper.Viper, configKey string) Option {
	return func(c *Config) error {
		if v == nil {
			return errors.New("nil Viper")
		}
		// UnmarshalKey skips flags bound to nested keys such as logging.debug;
		// AllSettings resolves every key through flags, env and file.
		settings, ok := v.AllSettings()[configKey].(map[string]interface{})
		if !ok {
			return nil
		}
		sub := viper.New()
		if err := sub.MergeConfigMap(settings); err != nil {
			return err
		}
		return sub.Unmarshal(c)
	}
}

// WithRankFromEnv sets Rank from the RANK environment variable when it is not
// configured. Unparseable values are ignored.
func WithRankFromEnv() Option {
	return func(c *Config) error {
		if c.Rank != nil {
			return nil
		}
		raw, ok := os.LookupEnv(constants.WorldRankEnvVarKey)
		if !ok {
			return nil
		}
		if rank, err := strconv.Atoi(raw); err == nil {
			c.Rank = &rank
		}
		return nil
	}
}

// Apply takes the supplied options and applies them to the configuration.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// NewConfig creates a new logging config with the given options.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{}
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}
