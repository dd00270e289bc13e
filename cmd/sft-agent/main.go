package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgl-project/sft-agent/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "sft-agent",
	Short:   "Run SFT Agent",
	Long:    "SFT Agent prepares and supervises supervised fine-tuning runs of causal language models.",
	Version: version.String(),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(CreateAgentCommand(NewTrainAgent()))
}
