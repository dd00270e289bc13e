package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	sftAgent "github.com/sgl-project/sft-agent/internal/sft-agent"
	sftafero "github.com/sgl-project/sft-agent/pkg/afero"
	"github.com/sgl-project/sft-agent/pkg/logging"
)

// TrainAgent implements AgentModule for a single fine-tuning job.
type TrainAgent struct {
	orchestrator *sftAgent.Orchestrator

	expMetadata string
	peftMethod  string
}

func (t *TrainAgent) Name() string {
	return "train"
}

func (t *TrainAgent) ShortDescription() string {
	return "Run a supervised fine-tuning job"
}

func (t *TrainAgent) LongDescription() string {
	return "Validates the job configuration, loads the model and tokenizer, formats the datasets, " +
		"selects the collation policy and hands the prepared run to the training runtime, " +
		"recording training metrics to training_logs.jsonl in the output directory."
}

func (t *TrainAgent) ConfigureCommand(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.expMetadata, "exp-metadata", "", "experiment metadata as a JSON object string")
	cmd.Flags().StringVar(&t.peftMethod, "peft-method", "", "tuning method: none, lora or pt")

	cmd.Run = func(cmd *cobra.Command, args []string) {
		runAgentCommand(cmd, t, t.Start)
	}
}

func (t *TrainAgent) FxModules() []fx.Option {
	return []fx.Option{
		sftafero.Module,
		logging.Module,
		logging.ModuleNamed("another_log"),
		logging.UseLoggingInterface,
		sftAgent.Module,
		fx.Populate(&t.orchestrator),
	}
}

func (t *TrainAgent) Start(ctx context.Context) error {
	return t.orchestrator.Run(ctx)
}

func NewTrainAgent() *TrainAgent {
	return &TrainAgent{}
}
