package sft_agent

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sgl-project/sft-agent/pkg/configutils"
	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/collator"
	"github.com/sgl-project/sft-agent/pkg/tuning/peft"
	"github.com/sgl-project/sft-agent/pkg/tuning/tracker"
	"github.com/sgl-project/sft-agent/pkg/tuning/trainer"
)

// ConfigError is a fatal pre-flight failure. Nothing has been loaded or
// written when one is returned.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type ModelConfig struct {
	ModelNameOrPath string `mapstructure:"model_name_or_path" validate:"required"`
	TorchDtype      string `mapstructure:"torch_dtype"`
	UseFlashAttn    bool   `mapstructure:"use_flash_attn"`
}

type DataConfig struct {
	TrainingDataPath      string  `mapstructure:"training_data_path" validate:"required"`
	ValidationDataPath    string  `mapstructure:"validation_data_path"`
	DatasetTextField      *string `mapstructure:"dataset_text_field"`
	ResponseTemplate      *string `mapstructure:"response_template"`
	ResponseTemplateMatch string  `mapstructure:"response_template_match" validate:"omitempty,oneof=subsequence strip_leading"`
	// StagingDir, when set, receives a copy of the source files before they are read.
	StagingDir string `mapstructure:"staging_dir"`
}

type TrainingConfig struct {
	OutputDir                 string  `mapstructure:"output_dir" validate:"required"`
	CacheDir                  string  `mapstructure:"cache_dir"`
	NumTrainEpochs            float64 `mapstructure:"num_train_epochs"`
	GradientAccumulationSteps int     `mapstructure:"gradient_accumulation_steps"`
	MaxSeqLength              int     `mapstructure:"max_seq_length" validate:"gt=0"`
	Packing                   bool    `mapstructure:"packing"`
	FSDP                      string  `mapstructure:"fsdp"`
	ProcessIndex              int     `mapstructure:"process_index" validate:"gte=0"`
	LocalProcessIndex         int     `mapstructure:"local_process_index" validate:"gte=0"`
	Tracker                   string  `mapstructure:"tracker"`
	LearningRate              float64 `mapstructure:"learning_rate" validate:"gte=0"`
	PerDeviceTrainBatchSize   int     `mapstructure:"per_device_train_batch_size" validate:"gte=0"`
}

type TrainerControllerConfig struct {
	ConfigFile string `mapstructure:"trainer_controller_config_file"`
}

type Config struct {
	AnotherLogger logging.Interface

	Model             ModelConfig             `mapstructure:"model"`
	Data              DataConfig              `mapstructure:"data"`
	Training          TrainingConfig          `mapstructure:"training"`
	TrainerController TrainerControllerConfig `mapstructure:"trainer_controller"`

	PeftMethod   string                  `mapstructure:"peft_method"`
	Lora         peft.LoraConfig         `mapstructure:"lora"`
	PromptTuning peft.PromptTuningConfig `mapstructure:"prompt_tuning"`

	Trackers tracker.Configs       `mapstructure:"trackers"`
	Runtime  trainer.RuntimeConfig `mapstructure:"runtime"`

	// ExpMetadata is a JSON object string forwarded to the tracker.
	ExpMetadata string `mapstructure:"exp_metadata"`
}

// Option represents a configuration option.
type Option func(*Config) error

// Apply applies the given options to the configuration.
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

// NewConfig builds a configuration from defaults and the given options.
func NewConfig(opts ...Option) (*Config, error) {
	c := defaultConfig()
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}

func defaultConfig() *Config {
	return &Config{
		Model: ModelConfig{TorchDtype: "bfloat16"},
		Training: TrainingConfig{
			NumTrainEpochs:            1,
			GradientAccumulationSteps: 1,
			MaxSeqLength:              4096,
			ProcessIndex:              rankFromEnv(constants.WorldRankEnvVarKey),
			LocalProcessIndex:         rankFromEnv(constants.LocalRankEnvVarKey),
		},
		PeftMethod:   string(peft.MethodNone),
		Lora:         peft.DefaultLoraConfig(),
		PromptTuning: peft.DefaultPromptTuningConfig(),
		Trackers: tracker.Configs{
			Prometheus: tracker.PrometheusConfig{Job: constants.AgentName},
		},
		Runtime: trainer.DefaultRuntimeConfig(),
	}
}

func rankFromEnv(key string) int {
	rank, err := strconv.Atoi(os.Getenv(key))
	if err != nil || rank < 0 {
		return 0
	}
	return rank
}

// WithAnotherLog sets the logger for the configuration.
func WithAnotherLog(logger logging.Interface) Option {
	return func(c *Config) error {
		c.AnotherLogger = logger
		return nil
	}
}

// WithViper sets the viper for the configuration.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
			return fmt.Errorf("error occurred when binding environment variables: %+v", err)
		}

		if err := v.Unmarshal(c); err != nil {
			return fmt.Errorf("error occurred when unmarshalling config: %+v", err)
		}
		return nil
	}
}

// Validate runs the pre-flight checks. Every failure is a *ConfigError.
func (c *Config) Validate() error {
	if c.Training.NumTrainEpochs <= 0 {
		return &ConfigError{
			Field: "num_train_epochs",
			Err:   fmt.Errorf("number of epochs must be a float greater than 0, got %v", c.Training.NumTrainEpochs),
		}
	}
	if c.Training.GradientAccumulationSteps <= 0 {
		return &ConfigError{
			Field: "gradient_accumulation_steps",
			Err:   fmt.Errorf("gradient accumulation steps must be an integer greater than 0, got %d", c.Training.GradientAccumulationSteps),
		}
	}

	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{Err: err}
	}

	if err := collator.CheckPreconditions(c.CollationInput()); err != nil {
		return &ConfigError{Field: "data", Err: err}
	}
	if _, err := NormalizeTorchDtype(c.Model.TorchDtype); err != nil {
		return &ConfigError{Field: "torch_dtype", Err: err}
	}
	method, err := peft.ParseMethod(c.PeftMethod)
	if err != nil {
		return &ConfigError{Field: "peft_method", Err: err}
	}
	if method == peft.MethodPromptTuning {
		if err := c.PromptTuning.Validate(); err != nil {
			return &ConfigError{Field: "prompt_tuning_init_text", Err: err}
		}
	}
	return nil
}

// CollationInput is the part of the configuration the collation policy depends on.
func (c *Config) CollationInput() collator.Input {
	return collator.Input{
		Packing:          c.Training.Packing,
		ResponseTemplate: c.Data.ResponseTemplate,
		TextField:        c.Data.DatasetTextField,
		Matching:         collator.TemplateMatching(c.Data.ResponseTemplateMatch),
	}
}

// TextField is the field the formatter terminates.
func (c *Config) TextField() string {
	if c.Data.DatasetTextField != nil && *c.Data.DatasetTextField != "" {
		return *c.Data.DatasetTextField
	}
	return constants.DefaultDatasetTextField
}

// AttnImplementation is the attention implementation requested from the runtime.
func (c *Config) AttnImplementation() string {
	if c.Model.UseFlashAttn {
		return constants.FlashAttentionImplementation
	}
	return ""
}

var torchDtypes = map[string]string{
	"bfloat16": "bfloat16",
	"bf16":     "bfloat16",
	"float16":  "float16",
	"fp16":     "float16",
	"half":     "float16",
	"float32":  "float32",
	"fp32":     "float32",
	"float":    "float32",
}

// NormalizeTorchDtype maps precision aliases to their canonical dtype name.
// An empty value is left empty, the runtime then uses the checkpoint's dtype.
func NormalizeTorchDtype(dtype string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(dtype, "torch.")))
	if d == "" {
		return "", nil
	}
	canonical, ok := torchDtypes[d]
	if !ok {
		return "", errors.New("unsupported torch_dtype " + dtype + ", expected one of bfloat16, float16, float32")
	}
	return canonical, nil
}
