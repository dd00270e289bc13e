// Package trainer defines the trainer abstraction the orchestrator hands a fully
// prepared run to, and a trainer that drives an HTTP training runtime.
package trainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
	"github.com/sgl-project/sft-agent/pkg/tuning/collator"
	"github.com/sgl-project/sft-agent/pkg/tuning/dataset"
	"github.com/sgl-project/sft-agent/pkg/tuning/peft"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

// Model is a loaded causal LM as far as the trainer is concerned.
type Model interface {
	tokenizer.Model

	Ref() string
	// NoSplitModules names the layer classes sharding must keep whole.
	NoSplitModules() []string
}

// Hyperparameters carries the training arguments that are passed through untouched.
type Hyperparameters struct {
	LearningRate            float64
	PerDeviceTrainBatchSize int
	TorchDtype              string
	AttnImplementation      string
	// FSDP holds the sharding options, e.g. "full_shard auto_wrap". Empty disables FSDP.
	FSDP              string
	ProcessIndex      int
	LocalProcessIndex int
}

// Spec is everything a trainer needs for one run.
type Spec struct {
	Model      Model
	Tokenizer  tokenizer.Tokenizer
	Train      *dataset.Dataset
	Validation *dataset.Dataset
	TextField  string
	Policy     *collator.Policy
	Args       callback.RunArgs
	Hyper      Hyperparameters
	Callbacks  *callback.Chain
	Peft       *peft.Config
}

func (s *Spec) validate() error {
	switch {
	case s.Model == nil:
		return errors.New("trainer spec has no model")
	case s.Tokenizer == nil:
		return errors.New("trainer spec has no tokenizer")
	case s.Train == nil:
		return errors.New("trainer spec has no training dataset")
	case s.Policy == nil:
		return errors.New("trainer spec has no collation policy")
	case s.Callbacks == nil:
		return errors.New("trainer spec has no callback chain")
	}
	return nil
}

// Trainer runs the optimization loop, invoking the spec's callbacks.
type Trainer interface {
	IsWorldProcessZero() bool
	IsFSDPEnabled() bool
	SetAutoWrapPolicy(policy *AutoWrapPolicy)
	// Train blocks until the run ends or ctx is cancelled.
	Train(ctx context.Context) error
}

// Factory constructs a Trainer for a spec.
type Factory interface {
	New(spec *Spec) (Trainer, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec *Spec) (Trainer, error)

func (f FactoryFunc) New(spec *Spec) (Trainer, error) { return f(spec) }

// peftModuleClasses are the modules parameter-efficient methods add; they hold the
// only trainable weights besides adapter leaves and are always wrapped on their own.
var peftModuleClasses = []string{"PrefixEncoder", "PromptEncoder", "PromptEmbedding"}

// AutoWrapPolicy tells FSDP which modules become their own shard unit.
type AutoWrapPolicy struct {
	TransformerLayerClasses []string `json:"transformer_layer_cls_to_wrap"`
	// WrapTrainableLeaves wraps every leaf module whose weights require grad, so
	// frozen and trainable parameters never share a flat parameter.
	WrapTrainableLeaves bool `json:"wrap_trainable_leaves"`
}

// DeriveAutoWrapPolicy builds the wrap policy for a partially frozen model: the
// model's decoder layers, the tuning method's own modules, and trainable leaves.
func DeriveAutoWrapPolicy(model Model, cfg *peft.Config) (*AutoWrapPolicy, error) {
	if cfg == nil {
		return nil, errors.New("auto wrap policy needs a peft config")
	}
	layers := model.NoSplitModules()
	if len(layers) == 0 {
		return nil, fmt.Errorf("model %s declares no layer classes to wrap", model.Ref())
	}
	classes := append([]string{}, peftModuleClasses...)
	classes = append(classes, layers...)
	return &AutoWrapPolicy{TransformerLayerClasses: classes, WrapTrainableLeaves: true}, nil
}
