package constants

import "time"

// Agent identity
const (
	AgentAppName = "SFT_AGENT"
	AgentName    = "sft-agent"
)

// Training output
const (
	TrainingLogsFilename = "training_logs.jsonl"

	// FormattedDataDirectoryName holds the materialized, formatted datasets under the output dir.
	FormattedDataDirectoryName = ".sft-data"
)

// Special token defaults used when a tokenizer lacks one.
const (
	DefaultPadToken = "<PAD>"
	DefaultEOSToken = "</s>"
	DefaultBOSToken = "<s>"
	DefaultUNKToken = "<unk>"
)

// DefaultDatasetTextField is formatted when packing is on and no field is configured.
const DefaultDatasetTextField = "text"

// IgnoreIndex is the label value excluded from the loss.
const IgnoreIndex = -100

// CausalLMTaskType is the only task type this agent tunes.
const CausalLMTaskType = "CAUSAL_LM"

// Flash attention implementation name understood by the training runtime.
const FlashAttentionImplementation = "flash_attention_2"

// Distributed environment
const (
	WorldRankEnvVarKey = "RANK"
	LocalRankEnvVarKey = "LOCAL_RANK"
)

// Training runtime
const (
	DefaultTrainingRuntimeEndpoint = "http://localhost:8000"
	DefaultRuntimePollInterval     = 30 * time.Second
	DefaultRuntimeStartupTimeout   = 10 * time.Minute
	PeftDataErrorMessagePrefix     = "Data error"
	TerminationLogPath             = "/dev/termination-log"
)

// Experiment metadata parameter name sent to trackers.
const (
	ExperimentMetadataParamName = "experiment_metadata"
	AdditionalMetricsStage      = "additional_metrics"
	ModelLoadTimeMetricName     = "model_load_time"
)
