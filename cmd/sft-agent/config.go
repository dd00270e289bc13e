package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/sgl-project/sft-agent/pkg/configutils"
	"github.com/sgl-project/sft-agent/pkg/constants"
)

// flagKeys maps command flags onto the config keys they override.
var flagKeys = map[string]string{
	"debug":        "logging.debug",
	"exp-metadata": "exp_metadata",
	"peft-method":  "peft_method",
}

// configProvider is called after flag parsing, so configFilePath is set.
func configProvider(cli *cobra.Command, _ AgentModule) fx.Option {
	return configutils.ProvideViperFromFile(constants.AgentAppName, cli.Flags(), flagKeys, configFilePath)
}
