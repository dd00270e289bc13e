package configutils

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// ProvideViperFromFile provides a *viper.Viper reading configFilePath, the
// environment under envPrefix, and the flags named in flagKeys (flag name to
// config key). Flags missing from pflags are skipped.
func ProvideViperFromFile(envPrefix string, pflags *pflag.FlagSet, flagKeys map[string]string, configFilePath string) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		return NewViperFromFile(envPrefix, pflags, flagKeys, configFilePath)
	})
}

// NewViperFromFile builds the Viper ProvideViperFromFile provides.
func NewViperFromFile(envPrefix string, pflags *pflag.FlagSet, flagKeys map[string]string, configFilePath string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFilePath == "" {
		return nil, errors.New("no config file provided")
	}

	if pflags != nil {
		names := make([]string, 0, len(flagKeys))
		for name := range flagKeys {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			flag := pflags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(flagKeys[name], flag); err != nil {
				return nil, fmt.Errorf("can't bind %s flag: %w", name, err)
			}
		}
	}

	if err := ResolveAndMergeFile(v, configFilePath); err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	// UnmarshalKey ignores AutomaticEnv, so pin every resolved value.
	for _, key := range v.AllKeys() {
		v.Set(key, v.Get(key))
	}
	return v, nil
}
