package sft_agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
	"github.com/sgl-project/sft-agent/pkg/tuning/collator"
	"github.com/sgl-project/sft-agent/pkg/tuning/controller"
	"github.com/sgl-project/sft-agent/pkg/tuning/dataset"
	"github.com/sgl-project/sft-agent/pkg/tuning/metricslog"
	"github.com/sgl-project/sft-agent/pkg/tuning/peft"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
	"github.com/sgl-project/sft-agent/pkg/tuning/tracker"
	"github.com/sgl-project/sft-agent/pkg/tuning/trainer"
)

// State is a stage of a training job.
type State string

const (
	StateValidating          State = "Validating"
	StateLoading             State = "Loading"
	StateNormalizing         State = "Normalizing"
	StateFormatting          State = "Formatting"
	StateCollating           State = "Collating"
	StateCallbackAssembly    State = "CallbackAssembly"
	StateTrainerConstruction State = "TrainerConstruction"
	StateMetadataTracking    State = "MetadataTracking"
	StateTraining            State = "Training"
	StateDone                State = "Done"
	StateFailed              State = "Failed"
)

// Loader loads a model and its tokenizer by reference.
type Loader interface {
	Load(ref, cacheDir string) (tokenizer.Tokenizer, trainer.Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ref, cacheDir string) (tokenizer.Tokenizer, trainer.Model, error)

func (f LoaderFunc) Load(ref, cacheDir string) (tokenizer.Tokenizer, trainer.Model, error) {
	return f(ref, cacheDir)
}

// Orchestrator turns a Config into a fully specified run and hands it to a trainer.
// An Orchestrator runs one job.
type Orchestrator struct {
	config   *Config
	fs       afero.Fs
	loader   Loader
	trainers trainer.Factory
	logger   logging.Interface
	now      func() time.Time
	trackers func(name string, configs tracker.Configs, logger logging.Interface) (tracker.Tracker, error)

	mu     sync.Mutex
	state  State
	custom []callback.Callback
}

func NewOrchestrator(config *Config, fs afero.Fs, loader Loader, trainers trainer.Factory) *Orchestrator {
	logger := config.AnotherLogger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		config:   config,
		fs:       fs,
		loader:   loader,
		trainers: trainers,
		logger:   logger,
		now:      time.Now,
		trackers: tracker.Get,
		state:    StateValidating,
	}
}

// AddCallback appends a caller supplied callback after the built-in ones.
func (o *Orchestrator) AddCallback(cb callback.Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.custom = append(o.custom, cb)
}

// State returns the stage the job is in, or the terminal state once Run returns.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) enter(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debugf("Entering %s", s)
}

// Run executes the job. It blocks for the duration of training; cancellation
// is whatever ctx carries.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.run(ctx)
	if err != nil {
		o.enter(StateFailed)
		return err
	}
	o.enter(StateDone)
	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	cfg := o.config

	o.enter(StateValidating)
	if err := cfg.Validate(); err != nil {
		return err
	}
	dtype, _ := NormalizeTorchDtype(cfg.Model.TorchDtype)
	method, _ := peft.ParseMethod(cfg.PeftMethod)
	trk, err := o.trackers(cfg.Training.Tracker, cfg.Trackers, o.logger)
	if err != nil {
		return &ConfigError{Field: "tracker", Err: err}
	}
	ctrl, err := o.loadController()
	if err != nil {
		return err
	}

	o.enter(StateLoading)
	start := o.now()
	tok, model, err := o.loader.Load(cfg.Model.ModelNameOrPath, cfg.Training.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", cfg.Model.ModelNameOrPath, err)
	}
	loadTime := o.now().Sub(start).Seconds()
	o.logger.Infof("Model %s loaded in %.2fs", cfg.Model.ModelNameOrPath, loadTime)

	o.enter(StateNormalizing)
	normalized, err := tokenizer.NewNormalizer(o.logger).Normalize(tok, model)
	if err != nil {
		return fmt.Errorf("failed to normalize tokenizer: %w", err)
	}
	maxSeqLength := tokenizer.ClampMaxSeqLength(cfg.Training.MaxSeqLength, tok, o.logger)

	o.enter(StateFormatting)
	splits, err := o.formatDatasets(normalized.SpecialTokens.EOS)
	if err != nil {
		return err
	}

	o.enter(StateCollating)
	policy, err := collator.NewSelector(o.logger).Select(cfg.CollationInput(), tok)
	if err != nil {
		if errors.Is(err, collator.ErrMissingResponseTemplate) || errors.Is(err, collator.ErrMissingTextField) {
			return &ConfigError{Field: "data", Err: err}
		}
		return fmt.Errorf("failed to select collation policy: %w", err)
	}
	o.checkTemplate(policy, splits.Train, tok)

	o.enter(StateCallbackAssembly)
	chain, err := o.assembleCallbacks(trk, ctrl)
	if err != nil {
		return err
	}

	o.enter(StateTrainerConstruction)
	peftConfig, err := peft.Build(constants.CausalLMTaskType, method, cfg.Lora, cfg.PromptTuning, cfg.Model.ModelNameOrPath)
	if err != nil {
		return &ConfigError{Field: "peft_method", Err: err}
	}
	tr, err := o.trainers.New(&trainer.Spec{
		Model:      model,
		Tokenizer:  tok,
		Train:      splits.Train,
		Validation: splits.Validation,
		TextField:  cfg.TextField(),
		Policy:     policy,
		Args: callback.RunArgs{
			OutputDir:                 cfg.Training.OutputDir,
			NumTrainEpochs:            cfg.Training.NumTrainEpochs,
			GradientAccumulationSteps: cfg.Training.GradientAccumulationSteps,
			MaxSeqLength:              maxSeqLength,
		},
		Hyper: trainer.Hyperparameters{
			LearningRate:            cfg.Training.LearningRate,
			PerDeviceTrainBatchSize: cfg.Training.PerDeviceTrainBatchSize,
			TorchDtype:              dtype,
			AttnImplementation:      cfg.AttnImplementation(),
			FSDP:                    cfg.Training.FSDP,
			ProcessIndex:            cfg.Training.ProcessIndex,
			LocalProcessIndex:       cfg.Training.LocalProcessIndex,
		},
		Callbacks: chain,
		Peft:      peftConfig,
	})
	if err != nil {
		return fmt.Errorf("failed to construct trainer: %w", err)
	}

	o.enter(StateMetadataTracking)
	if tr.IsWorldProcessZero() {
		o.trackMetadata(trk, loadTime)
	}

	o.enter(StateTraining)
	if tr.IsFSDPEnabled() && peftConfig != nil {
		policy, err := trainer.DeriveAutoWrapPolicy(model, peftConfig)
		if err != nil {
			return fmt.Errorf("failed to derive FSDP auto wrap policy: %w", err)
		}
		tr.SetAutoWrapPolicy(policy)
	}
	if err := tr.Train(ctx); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) formatDatasets(eos string) (*dataset.Splits, error) {
	cfg := o.config
	files := dataset.Files{Train: cfg.Data.TrainingDataPath, Validation: cfg.Data.ValidationDataPath}
	if cfg.Data.StagingDir != "" {
		staged, err := dataset.Stage(files, cfg.Data.StagingDir, o.logger)
		if err != nil {
			return nil, err
		}
		files = staged
	}

	formatter, err := dataset.NewFormatter(o.fs, o.logger, cfg.TextField(), eos)
	if err != nil {
		return nil, err
	}
	return formatter.Format(files)
}

// checkTemplate masks the first formatted training example and warns when the
// response template is not in it. Such examples contribute nothing to the loss.
func (o *Orchestrator) checkTemplate(policy *collator.Policy, train *dataset.Dataset, enc tokenizer.Encoder) {
	c := policy.Collator()
	if c == nil || train == nil {
		return
	}
	field := o.config.TextField()
	err := train.Iterate(func(index int, ex dataset.Example) error {
		text, _ := ex[field].(string)
		ids, err := enc.Encode(text, true)
		if err != nil {
			return err
		}
		if _, found := c.Labels(ids); !found {
			o.logger.Warnf("Response template %q not found in training example %d, its labels are all masked", policy.ResponseTemplate, index)
		}
		return dataset.ErrStop
	})
	if err != nil {
		o.logger.WithError(err).Warn("Could not check the response template against the training data")
	}
}

// loadController compiles the trainer controller rules, if configured, so a bad
// rule file fails the job before the model is loaded.
func (o *Orchestrator) loadController() (*controller.Controller, error) {
	path := o.config.TrainerController.ConfigFile
	if path == "" {
		return nil, nil
	}
	ctrl, err := controller.NewFromFile(o.fs, path, o.logger)
	if err != nil {
		return nil, &ConfigError{Field: "trainer_controller_config_file", Err: err}
	}
	return ctrl, nil
}

// assembleCallbacks orders the chain as file logging, controller, tracker, then
// the caller's callbacks.
func (o *Orchestrator) assembleCallbacks(trk tracker.Tracker, ctrl *controller.Controller) (*callback.Chain, error) {
	chain := callback.NewChain(o.logger)
	if err := chain.Register(callback.SlotLogging, metricslog.NewFileLoggingCallback(o.fs, o.logger)); err != nil {
		return nil, err
	}

	if ctrl != nil {
		if err := chain.Register(callback.SlotController, ctrl); err != nil {
			return nil, err
		}
	}

	if err := chain.Register(callback.SlotTracker, trk.Callback()); err != nil {
		return nil, err
	}

	o.mu.Lock()
	custom := append([]callback.Callback(nil), o.custom...)
	o.mu.Unlock()
	for _, cb := range custom {
		if err := chain.Register(callback.SlotCustom, cb); err != nil {
			return nil, err
		}
	}
	o.logger.Infof("Callbacks: %v", chain.Names())
	return chain, nil
}

// trackMetadata reports the model load time and experiment metadata. Tracker
// failures are logged and never abort the run.
func (o *Orchestrator) trackMetadata(trk tracker.Tracker, loadTime float64) {
	if err := trk.Track(loadTime, constants.ModelLoadTimeMetricName, constants.AdditionalMetricsStage); err != nil {
		o.logger.WithError(err).Warn("Exception while saving additional metrics")
	}

	metadata := ParseExperimentMetadata(o.config.ExpMetadata, o.logger)
	if len(metadata) == 0 {
		return
	}
	if err := trk.SetParams(metadata, constants.ExperimentMetadataParamName); err != nil {
		o.logger.WithError(err).Warn("Exception while saving additional metadata")
	}
}
