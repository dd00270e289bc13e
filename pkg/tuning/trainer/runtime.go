package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	sftafero "github.com/sgl-project/sft-agent/pkg/afero"
	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
	"github.com/sgl-project/sft-agent/pkg/tuning/collator"
	"github.com/sgl-project/sft-agent/pkg/tuning/dataset"
	"github.com/sgl-project/sft-agent/pkg/tuning/peft"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

// RuntimeConfig points the trainer at the training runtime.
type RuntimeConfig struct {
	Endpoint       string        `mapstructure:"endpoint" validate:"required,url"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"gt=0"`
	// TerminationLogPath receives data errors reported by the runtime. Empty disables it.
	TerminationLogPath string `mapstructure:"termination_log_path"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Endpoint:           constants.DefaultTrainingRuntimeEndpoint,
		PollInterval:       constants.DefaultRuntimePollInterval,
		StartupTimeout:     constants.DefaultRuntimeStartupTimeout,
		TerminationLogPath: constants.TerminationLogPath,
	}
}

// Payload is the body of POST /finetune.
type Payload struct {
	RunID                     string                    `json:"run_id"`
	ModelNameOrPath           string                    `json:"model_name_or_path"`
	TorchDtype                string                    `json:"torch_dtype,omitempty"`
	AttnImplementation        string                    `json:"attn_implementation,omitempty"`
	SpecialTokens             tokenizer.SpecialTokenSet `json:"special_tokens"`
	SpecialTokenIDs           map[string]int            `json:"special_token_ids,omitempty"`
	VocabSize                 int                       `json:"vocab_size"`
	EmbeddingRows             int                       `json:"embedding_rows"`
	EmbeddingInit             tokenizer.EmbeddingInit   `json:"embedding_init"`
	TrainDatasetFile          string                    `json:"train_dataset_file"`
	ValidationDatasetFile     string                    `json:"validation_dataset_file,omitempty"`
	DatasetTextField          string                    `json:"dataset_text_field"`
	Collation                 *collator.Policy          `json:"collation"`
	MaxSeqLength              int                       `json:"max_seq_length"`
	OutputDir                 string                    `json:"output_dir"`
	NumTrainEpochs            float64                   `json:"num_train_epochs"`
	GradientAccumulationSteps int                       `json:"gradient_accumulation_steps"`
	LearningRate              float64                   `json:"learning_rate,omitempty"`
	PerDeviceTrainBatchSize   int                       `json:"per_device_train_batch_size,omitempty"`
	FSDP                      string                    `json:"fsdp,omitempty"`
	AutoWrapPolicy            *AutoWrapPolicy           `json:"auto_wrap_policy,omitempty"`
	Peft                      *peft.Config              `json:"peft_config,omitempty"`
	ProcessIndex              int                       `json:"process_index"`
}

type specialTokenIDer interface {
	SpecialTokenIDs() map[string]int
}

// RuntimeTrainer hands a prepared run to an HTTP training runtime and replays
// the runtime's lifecycle events through the callback chain.
type RuntimeTrainer struct {
	spec   *Spec
	config RuntimeConfig
	client *Client
	fs     afero.Fs
	logger logging.Interface

	runID  string
	wrap   *AutoWrapPolicy
	cursor int
}

// NewRuntimeFactory returns a Factory producing RuntimeTrainers that share one HTTP client.
func NewRuntimeFactory(cfg RuntimeConfig, fs afero.Fs, httpClient *http.Client, logger logging.Interface) (Factory, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("training runtime endpoint is required")
	}
	if cfg.PollInterval <= 0 || cfg.StartupTimeout <= 0 {
		return nil, fmt.Errorf("invalid runtime timings: poll interval %s, startup timeout %s", cfg.PollInterval, cfg.StartupTimeout)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	client := NewClient(strings.TrimRight(cfg.Endpoint, "/"), httpClient)

	return FactoryFunc(func(spec *Spec) (Trainer, error) {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		runID := uuid.NewString()
		return &RuntimeTrainer{
			spec:   spec,
			config: cfg,
			client: client,
			fs:     fs,
			logger: logger.WithField("run_id", runID),
			runID:  runID,
		}, nil
	}), nil
}

func (t *RuntimeTrainer) RunID() string { return t.runID }

func (t *RuntimeTrainer) IsWorldProcessZero() bool { return t.spec.Hyper.ProcessIndex == 0 }

func (t *RuntimeTrainer) IsFSDPEnabled() bool { return strings.TrimSpace(t.spec.Hyper.FSDP) != "" }

func (t *RuntimeTrainer) SetAutoWrapPolicy(policy *AutoWrapPolicy) { t.wrap = policy }

func (t *RuntimeTrainer) Train(ctx context.Context) error {
	payload, err := t.buildPayload()
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal finetune payload: %w", err)
	}

	if err := t.startTraining(ctx, body); err != nil {
		return err
	}

	args := &t.spec.Args
	state := &callback.TrainerState{
		IsWorldProcessZero: t.IsWorldProcessZero(),
		IsLocalProcessZero: t.spec.Hyper.LocalProcessIndex == 0,
	}
	control := &callback.TrainerControl{}
	chain := t.spec.Callbacks

	_ = chain.OnTrainBegin(args, state, control)
	runErr := t.monitorTraining(ctx, args, state, control)
	_ = chain.OnTrainEnd(args, state, control)
	return runErr
}

// buildPayload writes the formatted datasets where the runtime can read them
// and describes the run.
func (t *RuntimeTrainer) buildPayload() (*Payload, error) {
	s := t.spec
	dataDir := filepath.Join(s.Args.OutputDir, constants.FormattedDataDirectoryName, t.runID)

	trainFile := filepath.Join(dataDir, dataset.TrainSplit+".jsonl")
	if err := dataset.Materialize(t.fs, s.Train, trainFile); err != nil {
		return nil, err
	}
	var validationFile string
	if s.Validation != nil {
		validationFile = filepath.Join(dataDir, dataset.ValidationSplit+".jsonl")
		if err := dataset.Materialize(t.fs, s.Validation, validationFile); err != nil {
			return nil, err
		}
	}

	p := &Payload{
		RunID:                     t.runID,
		ModelNameOrPath:           s.Model.Ref(),
		TorchDtype:                s.Hyper.TorchDtype,
		AttnImplementation:        s.Hyper.AttnImplementation,
		SpecialTokens:             s.Tokenizer.SpecialTokens(),
		VocabSize:                 s.Tokenizer.VocabSize(),
		EmbeddingRows:             s.Model.EmbeddingRows(),
		EmbeddingInit:             tokenizer.EmbeddingInitMean,
		TrainDatasetFile:          trainFile,
		ValidationDatasetFile:     validationFile,
		DatasetTextField:          s.TextField,
		Collation:                 s.Policy,
		MaxSeqLength:              s.Args.MaxSeqLength,
		OutputDir:                 s.Args.OutputDir,
		NumTrainEpochs:            s.Args.NumTrainEpochs,
		GradientAccumulationSteps: s.Args.GradientAccumulationSteps,
		LearningRate:              s.Hyper.LearningRate,
		PerDeviceTrainBatchSize:   s.Hyper.PerDeviceTrainBatchSize,
		Peft:                      s.Peft,
		ProcessIndex:              s.Hyper.ProcessIndex,
	}
	if ids, ok := s.Tokenizer.(specialTokenIDer); ok {
		p.SpecialTokenIDs = ids.SpecialTokenIDs()
	}
	if t.IsFSDPEnabled() {
		p.FSDP = s.Hyper.FSDP
		p.AutoWrapPolicy = t.wrap
	}
	return p, nil
}

// startTraining retries POST /finetune until the runtime accepts the run or the
// startup timeout passes.
func (t *RuntimeTrainer) startTraining(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.config.StartupTimeout)
	defer cancel()

	for {
		resp, err := t.client.PostFineTune(ctx, body)
		if err == nil {
			t.logger.Infof("Training runtime accepted the run: %s", resp.Status)
			return nil
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity {
			t.handleDataError(httpErr.Body)
			return fmt.Errorf("training runtime rejected the run: %w", err)
		}
		t.logger.WithError(err).Infof("Training runtime not ready, retrying in %s", t.config.PollInterval)

		select {
		case <-ctx.Done():
			return fmt.Errorf("training runtime did not accept the run within %s: %w", t.config.StartupTimeout, err)
		case <-time.After(t.config.PollInterval):
		}
	}
}

// maxEventReadFailures bounds consecutive failed event reads before the run is
// abandoned. Failed reads leave the cursor in place, so retries lose nothing.
const maxEventReadFailures = 5

func (t *RuntimeTrainer) monitorTraining(ctx context.Context, args *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl) error {
	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		stopped, err := t.replayEvents(ctx, args, state, control)
		switch {
		case err != nil && ctx.Err() != nil:
			t.terminate()
			return ctx.Err()
		case err != nil:
			failures++
			if failures >= maxEventReadFailures {
				t.terminate()
				return fmt.Errorf("giving up after %d consecutive failures: %w", failures, err)
			}
			t.logger.WithError(err).Warnf("Failed to read training events, retrying in %s", t.config.PollInterval)
		case stopped:
			t.logger.Infof("Training stop requested at step %d", state.GlobalStep)
			t.terminate()
			return nil
		default:
			failures = 0
			done, err := t.checkStatus(ctx, args, state, control)
			if done || err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			t.terminate()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkStatus polls the runtime once. It reports done when the run finished and
// every event has been replayed, or returns the error that ended the run.
func (t *RuntimeTrainer) checkStatus(ctx context.Context, args *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl) (bool, error) {
	status, err := t.client.GetStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			t.terminate()
			return true, ctx.Err()
		}
		t.logger.WithError(err).Warn("Failed to get training status")
		return false, nil
	}

	switch status.Status {
	case StatusFinished:
		// Events logged between the last poll and completion.
		if _, err := t.replayEvents(ctx, args, state, control); err != nil {
			t.logger.WithError(err).Warn("Failed to read final training events, retrying")
			return false, nil
		}
		t.logger.Info("Training finished")
		return true, nil
	case StatusRunning, StatusReady:
		t.logger.Debugf("Training status: %s", status.Status)
		return false, nil
	default:
		t.handleDataError([]byte(status.Message))
		t.terminate()
		return true, fmt.Errorf("training failed with status %s: %s", status.Status, status.Message)
	}
}

// replayEvents dispatches every event since the cursor and reports whether a
// callback asked for training to stop. Other control flags are forwarded.
func (t *RuntimeTrainer) replayEvents(ctx context.Context, args *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl) (bool, error) {
	resp, err := t.client.GetEvents(ctx, t.cursor)
	if err != nil {
		return false, fmt.Errorf("failed to read training events: %w", err)
	}
	if resp.MaxSteps > 0 {
		state.MaxSteps = resp.MaxSteps
	}

	chain := t.spec.Callbacks
	for _, ev := range resp.Events {
		t.cursor++
		state.GlobalStep = ev.Step
		state.Epoch = ev.Epoch

		switch ev.Kind {
		case EventLog:
			_ = chain.OnLog(args, state, control, callback.Logs(ev.Logs))
		case EventEvaluate:
			_ = chain.OnEvaluate(args, state, control, callback.Logs(ev.Logs))
		case EventStepEnd:
			_ = chain.OnStepEnd(args, state, control)
		case EventEpochBegin:
			_ = chain.OnEpochBegin(args, state, control)
		case EventEpochEnd:
			_ = chain.OnEpochEnd(args, state, control)
		case EventSave:
			_ = chain.OnSave(args, state, control)
		default:
			t.logger.Debugf("Ignoring unknown training event %q", ev.Kind)
		}

		if control.ShouldTrainingStop {
			return true, nil
		}
	}
	if resp.Next > t.cursor {
		t.cursor = resp.Next
	}

	if control.ShouldEpochStop || control.ShouldSave || control.ShouldEvaluate || control.ShouldLog {
		fwd := Control{
			ShouldEpochStop: control.ShouldEpochStop,
			ShouldSave:      control.ShouldSave,
			ShouldEvaluate:  control.ShouldEvaluate,
			ShouldLog:       control.ShouldLog,
		}
		if err := t.client.PostControl(ctx, fwd); err != nil {
			t.logger.WithError(err).Warn("Failed to forward training control flags")
		}
		control.ShouldEpochStop = false
		control.ShouldSave = false
		control.ShouldEvaluate = false
		control.ShouldLog = false
	}
	return false, nil
}

// terminate uses its own context so a cancelled run still reaches the runtime.
func (t *RuntimeTrainer) terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.PollInterval+5*time.Second)
	defer cancel()
	if err := t.client.PostTerminate(ctx); err != nil {
		t.logger.WithError(err).Warn("Failed to terminate training runtime")
	}
}

// handleDataError surfaces data errors in the termination log so the failure
// reason is visible on the pod.
func (t *RuntimeTrainer) handleDataError(body []byte) {
	message := string(body)
	var resp Response
	if err := json.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		message = resp.Message
	}
	if !strings.HasPrefix(message, constants.PeftDataErrorMessagePrefix) {
		return
	}
	t.logger.Errorf("Training data error: %s", message)
	if t.config.TerminationLogPath == "" {
		return
	}
	if err := sftafero.WriteFileAtomic(t.fs, t.config.TerminationLogPath, []byte(message), 0o644, t.logger); err != nil {
		t.logger.WithError(err).Warnf("Failed to write termination log %s", t.config.TerminationLogPath)
	}
}
