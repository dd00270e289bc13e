// Package peft builds parameter-efficient tuning configurations.
package peft

import (
	"fmt"
	"strings"
)

// Method selects the tuning method.
type Method string

const (
	MethodNone         Method = "none"
	MethodLora         Method = "lora"
	MethodPromptTuning Method = "pt"
)

// ParseMethod accepts none, lora and pt in any case. An empty value means none.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MethodNone:
		return MethodNone, nil
	case MethodLora, MethodPromptTuning:
		return m, nil
	default:
		return "", fmt.Errorf("unknown peft method %q, expected one of none, lora, pt", s)
	}
}

type Type string

const (
	TypeLora         Type = "LORA"
	TypePromptTuning Type = "PROMPT_TUNING"
)

type PromptTuningInit string

const (
	InitText   PromptTuningInit = "TEXT"
	InitRandom PromptTuningInit = "RANDOM"
)

type LoraConfig struct {
	R             int      `mapstructure:"r" json:"r" validate:"gt=0"`
	LoraAlpha     int      `mapstructure:"lora_alpha" json:"lora_alpha" validate:"gt=0"`
	LoraDropout   float64  `mapstructure:"lora_dropout" json:"lora_dropout" validate:"gte=0,lt=1"`
	TargetModules []string `mapstructure:"target_modules" json:"target_modules" validate:"min=1"`
	Bias          string   `mapstructure:"bias" json:"bias" validate:"oneof=none all lora_only"`
}

// DefaultLoraConfig returns r=8, alpha=32, dropout=0.05 over q_proj and v_proj.
func DefaultLoraConfig() LoraConfig {
	return LoraConfig{
		R:             8,
		LoraAlpha:     32,
		LoraDropout:   0.05,
		TargetModules: []string{"q_proj", "v_proj"},
		Bias:          "none",
	}
}

type PromptTuningConfig struct {
	PromptTuningInit     PromptTuningInit `mapstructure:"prompt_tuning_init" json:"prompt_tuning_init" validate:"oneof=TEXT RANDOM"`
	NumVirtualTokens     int              `mapstructure:"num_virtual_tokens" json:"num_virtual_tokens" validate:"gt=0"`
	PromptTuningInitText string           `mapstructure:"prompt_tuning_init_text" json:"prompt_tuning_init_text,omitempty"`
	TokenizerNameOrPath  string           `mapstructure:"tokenizer_name_or_path" json:"tokenizer_name_or_path,omitempty"`
}

func DefaultPromptTuningConfig() PromptTuningConfig {
	return PromptTuningConfig{
		PromptTuningInit:     InitText,
		NumVirtualTokens:     8,
		PromptTuningInitText: "Classify if the tweet is a complaint or not:",
	}
}

// Config is the tuning configuration handed to the trainer. Exactly one of Lora and
// PromptTuning is set.
type Config struct {
	PeftType     Type                `json:"peft_type"`
	TaskType     string              `json:"task_type"`
	Lora         *LoraConfig         `json:"lora,omitempty"`
	PromptTuning *PromptTuningConfig `json:"prompt_tuning,omitempty"`
}

// Validate checks the fields that depend on each other. It needs no model, so
// it runs with the rest of the configuration checks.
func (c PromptTuningConfig) Validate() error {
	if c.PromptTuningInit == InitText && c.PromptTuningInitText == "" {
		return fmt.Errorf("prompt_tuning_init_text is required when prompt_tuning_init is %s", InitText)
	}
	return nil
}

// Build returns the tuning configuration for method, or nil for a full fine-tune.
// The prompt tuning tokenizer defaults to modelRef when unset.
func Build(taskType string, method Method, lora LoraConfig, pt PromptTuningConfig, modelRef string) (*Config, error) {
	switch method {
	case "", MethodNone:
		return nil, nil
	case MethodLora:
		l := lora
		l.TargetModules = append([]string(nil), lora.TargetModules...)
		if l.Bias == "" {
			l.Bias = "none"
		}
		return &Config{PeftType: TypeLora, TaskType: taskType, Lora: &l}, nil
	case MethodPromptTuning:
		p := pt
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.TokenizerNameOrPath == "" {
			p.TokenizerNameOrPath = modelRef
		}
		return &Config{PeftType: TypePromptTuning, TaskType: taskType, PromptTuning: &p}, nil
	default:
		return nil, fmt.Errorf("unknown peft method %q", method)
	}
}
