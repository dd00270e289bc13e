package sft_agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	testingPkg "github.com/sgl-project/sft-agent/pkg/testing"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
	"github.com/sgl-project/sft-agent/pkg/tuning/collator"
	"github.com/sgl-project/sft-agent/pkg/tuning/dataset"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
	"github.com/sgl-project/sft-agent/pkg/tuning/tracker"
	"github.com/sgl-project/sft-agent/pkg/tuning/trainer"
)

// wordTokenizer maps whitespace separated words to ids, unknown words to unk.
type wordTokenizer struct {
	special tokenizer.SpecialTokenSet
	vocab   map[string]int
	maxLen  int
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{
		special: tokenizer.SpecialTokenSet{BOS: "<s>", EOS: "</s>", UNK: "<unk>"},
		vocab:   map[string]int{"<s>": 0, "</s>": 1, "<unk>": 2, "###": 3, "Response:": 4},
		maxLen:  2048,
	}
}

func (w *wordTokenizer) Encode(text string, _ bool) ([]int, error) {
	var ids []int
	for _, word := range strings.Fields(text) {
		id, ok := w.vocab[word]
		if !ok {
			id = w.vocab[w.special.UNK]
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *wordTokenizer) Family() tokenizer.Family                 { return tokenizer.FamilyLlama }
func (w *wordTokenizer) SpecialTokens() tokenizer.SpecialTokenSet { return w.special }
func (w *wordTokenizer) VocabSize() int                           { return len(w.vocab) }
func (w *wordTokenizer) ModelMaxLength() int                      { return w.maxLen }

func (w *wordTokenizer) AddSpecialTokens(tokens tokenizer.Additions) (int, error) {
	added := 0
	for _, role := range tokens.Roles() {
		literal := tokens[role]
		w.special = w.special.With(role, literal)
		if _, ok := w.vocab[literal]; !ok {
			w.vocab[literal] = len(w.vocab)
			added++
		}
	}
	return added, nil
}

type stubModel struct {
	rows int
}

func (m *stubModel) EmbeddingRows() int { return m.rows }
func (m *stubModel) ResizeTokenEmbeddings(size int, _ tokenizer.EmbeddingInit) error {
	m.rows = size
	return nil
}
func (m *stubModel) Ref() string              { return "org/tiny-llama" }
func (m *stubModel) NoSplitModules() []string { return []string{"LlamaDecoderLayer"} }

type countingLoader struct {
	loads int
	tok   *wordTokenizer
	model *stubModel
}

func (l *countingLoader) Load(string, string) (tokenizer.Tokenizer, trainer.Model, error) {
	l.loads++
	return l.tok, l.model, nil
}

// stubTrainer replays a scripted set of log events through the chain.
type stubTrainer struct {
	spec       *trainer.Spec
	worldZero  bool
	fsdp       bool
	wrap       *trainer.AutoWrapPolicy
	trained    bool
	logs       []callback.Logs
	lastSignal callback.TrainerControl
}

func (s *stubTrainer) IsWorldProcessZero() bool                         { return s.worldZero }
func (s *stubTrainer) IsFSDPEnabled() bool                              { return s.fsdp }
func (s *stubTrainer) SetAutoWrapPolicy(policy *trainer.AutoWrapPolicy) { s.wrap = policy }

func (s *stubTrainer) Train(context.Context) error {
	s.trained = true
	state := &callback.TrainerState{IsWorldProcessZero: s.worldZero, IsLocalProcessZero: true}
	control := &callback.TrainerControl{}
	_ = s.spec.Callbacks.OnTrainBegin(&s.spec.Args, state, control)
	for i, logs := range s.logs {
		state.GlobalStep = i + 1
		_ = s.spec.Callbacks.OnLog(&s.spec.Args, state, control, logs)
	}
	_ = s.spec.Callbacks.OnTrainEnd(&s.spec.Args, state, control)
	s.lastSignal = *control
	return nil
}

type stubFactory struct {
	calls   int
	trainer *stubTrainer
}

func (f *stubFactory) New(spec *trainer.Spec) (trainer.Trainer, error) {
	f.calls++
	f.trainer.spec = spec
	return f.trainer, nil
}

type recordingTracker struct {
	tracked  []string
	params   []map[string]interface{}
	paramErr error
}

func (r *recordingTracker) Track(_ float64, name, stage string) error {
	r.tracked = append(r.tracked, name+"/"+stage)
	return nil
}

func (r *recordingTracker) SetParams(params map[string]interface{}, _ string) error {
	r.params = append(r.params, params)
	return r.paramErr
}

func (r *recordingTracker) Callback() callback.Callback { return nil }

type fixture struct {
	fs      afero.Fs
	config  *Config
	loader  *countingLoader
	factory *stubFactory
	tracker *recordingTracker
	logger  *testingPkg.MockLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/train.jsonl",
		[]byte(`{"text":"hello ### Response: world"}`+"\n"+`{"text":"bye ### Response: now"}`+"\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/validation.jsonl",
		[]byte(`{"text":"eval ### Response: ok"}`+"\n"), 0o644))

	logger := testingPkg.SetupMockLogger()
	config, err := NewConfig(WithAnotherLog(logger))
	require.NoError(t, err)
	config.Model.ModelNameOrPath = "org/tiny-llama"
	config.Data.TrainingDataPath = "/data/train.jsonl"
	config.Data.ValidationDataPath = "/data/validation.jsonl"
	config.Data.DatasetTextField = testingPkg.StringPtr("text")
	config.Data.ResponseTemplate = testingPkg.StringPtr("### Response:")
	config.Training.OutputDir = "/out"
	config.Training.ProcessIndex = 0

	return &fixture{
		fs:      fs,
		config:  config,
		loader:  &countingLoader{tok: newWordTokenizer(), model: &stubModel{rows: 5}},
		factory: &stubFactory{trainer: &stubTrainer{worldZero: true}},
		tracker: &recordingTracker{},
		logger:  logger,
	}
}

func (f *fixture) orchestrator() *Orchestrator {
	o := NewOrchestrator(f.config, f.fs, f.loader, f.factory)
	o.trackers = func(string, tracker.Configs, logging.Interface) (tracker.Tracker, error) {
		return f.tracker, nil
	}
	return o
}

func TestOrchestrator_RunTemplateMasked(t *testing.T) {
	f := newFixture(t)
	f.config.Training.MaxSeqLength = 100000
	f.factory.trainer.logs = []callback.Logs{
		{"loss": 0.523456, "epoch": 1.004},
		{"loss": 0.5},
		{"eval_loss": 0.4, "epoch": 2},
	}

	o := f.orchestrator()
	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, 1, f.loader.loads)
	assert.Equal(t, 1, f.factory.calls)

	spec := f.factory.trainer.spec
	assert.Equal(t, "<pad>", f.loader.tok.SpecialTokens().PAD)
	assert.GreaterOrEqual(t, f.loader.model.EmbeddingRows(), f.loader.tok.VocabSize())
	assert.Equal(t, 2048, spec.Args.MaxSeqLength, "clamped to the tokenizer maximum")
	assert.Equal(t, "bfloat16", spec.Hyper.TorchDtype)
	assert.Nil(t, spec.Peft)

	require.NotNil(t, spec.Policy)
	assert.Equal(t, collator.TemplateMasked, spec.Policy.Kind)
	assert.NotEmpty(t, spec.Policy.ResponseTemplateIDs)

	var texts []string
	require.NoError(t, spec.Train.Iterate(func(_ int, ex dataset.Example) error {
		texts = append(texts, ex["text"].(string))
		return nil
	}))
	assert.Equal(t, []string{"hello ### Response: world</s>", "bye ### Response: now</s>"}, texts)
	require.NotNil(t, spec.Validation)

	assert.Equal(t, []string{"file_logging"}, spec.Callbacks.Names())

	raw, err := afero.ReadFile(f.fs, "/out/"+constants.TrainingLogsFilename)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2, "the event without an epoch is skipped")

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "training_loss", first["name"])
	data := first["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["epoch"])
	assert.Equal(t, 1.0, data["step"])
	assert.Equal(t, 0.523456, data["value"])

	assert.Equal(t, []string{constants.ModelLoadTimeMetricName + "/" + constants.AdditionalMetricsStage}, f.tracker.tracked)
	assert.Empty(t, f.tracker.params)
}

func TestOrchestrator_TemplateMissingFromFirstExample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "/data/train.jsonl",
		[]byte(`{"text":"hello world"}`+"\n"+`{"text":"bye ### Response: now"}`+"\n"), 0o644))

	require.NoError(t, f.orchestrator().Run(context.Background()))
	assert.Contains(t, f.logger.MessagesFor("Warnf"), "Response template %q not found in training example %d, its labels are all masked")
	assert.Equal(t, 1, f.factory.calls, "a missing template does not fail the job")
}

func TestOrchestrator_TemplateFoundInFirstExample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orchestrator().Run(context.Background()))
	assert.NotContains(t, f.logger.MessagesFor("Warnf"), "Response template %q not found in training example %d, its labels are all masked")
}

func TestOrchestrator_InvalidHyperparametersFailBeforeLoad(t *testing.T) {
	tests := []struct {
		name   string
		epochs float64
		steps  int
		field  string
	}{
		{name: "zero epochs", epochs: 0, steps: 1, field: "num_train_epochs"},
		{name: "negative epochs", epochs: -1.5, steps: 1, field: "num_train_epochs"},
		{name: "zero accumulation steps", epochs: 1, steps: 0, field: "gradient_accumulation_steps"},
		{name: "negative accumulation steps", epochs: 1, steps: -2, field: "gradient_accumulation_steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.config.Training.NumTrainEpochs = tt.epochs
			f.config.Training.GradientAccumulationSteps = tt.steps

			o := f.orchestrator()
			err := o.Run(context.Background())

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected a ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, 0, f.loader.loads)
			assert.Equal(t, 0, f.factory.calls)
			assert.Equal(t, StateFailed, o.State())
		})
	}
}

func TestOrchestrator_PromptTuningInitTextFailsBeforeLoad(t *testing.T) {
	f := newFixture(t)
	f.config.PeftMethod = "pt"
	f.config.PromptTuning.PromptTuningInit = "TEXT"
	f.config.PromptTuning.PromptTuningInitText = ""

	o := f.orchestrator()
	err := o.Run(context.Background())

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected a ConfigError, got %v", err)
	assert.Equal(t, "prompt_tuning_init_text", cfgErr.Field)
	assert.Equal(t, 0, f.loader.loads)
	assert.Equal(t, StateFailed, o.State())
}

func TestOrchestrator_MissingTemplateOrFieldWithoutPacking(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:    "no response template",
			mutate:  func(c *Config) { c.Data.ResponseTemplate = nil },
			wantErr: collator.ErrMissingResponseTemplate,
		},
		{
			name:    "no text field",
			mutate:  func(c *Config) { c.Data.DatasetTextField = nil },
			wantErr: collator.ErrMissingTextField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f.config)

			err := f.orchestrator().Run(context.Background())
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.factory.calls, "no trainer is constructed")
			assert.Equal(t, 0, f.loader.loads)
		})
	}
}

func TestOrchestrator_PackingNeedsNoTemplate(t *testing.T) {
	f := newFixture(t)
	f.config.Training.Packing = true
	f.config.Data.ResponseTemplate = nil
	f.config.Data.DatasetTextField = nil

	require.NoError(t, f.orchestrator().Run(context.Background()))
	spec := f.factory.trainer.spec
	assert.Equal(t, collator.Packed, spec.Policy.Kind)
	assert.Nil(t, spec.Policy.Collator())
	assert.Equal(t, constants.DefaultDatasetTextField, spec.TextField)
}

func TestOrchestrator_MalformedMetadataStillTrains(t *testing.T) {
	f := newFixture(t)
	f.config.ExpMetadata = "{not json"

	o := f.orchestrator()
	require.NoError(t, o.Run(context.Background()))
	assert.True(t, f.factory.trainer.trained)
	assert.Empty(t, f.tracker.params)
	assert.NotEmpty(t, f.logger.MessagesFor("Errorf"))
}

func TestOrchestrator_MetadataTracking(t *testing.T) {
	f := newFixture(t)
	f.config.ExpMetadata = `{"team": "nlp", "trial": 3}`
	f.tracker.paramErr = tracker.ErrInvalidValue

	require.NoError(t, f.orchestrator().Run(context.Background()), "tracker failures never abort the run")
	require.Len(t, f.tracker.params, 1)
	assert.Equal(t, "nlp", f.tracker.params[0]["team"])
	assert.Equal(t, json.Number("3"), f.tracker.params[0]["trial"])
	assert.Contains(t, f.logger.MessagesFor("Warn"), "Exception while saving additional metadata")
}

func TestOrchestrator_OnlyWorldProcessZeroReports(t *testing.T) {
	f := newFixture(t)
	f.config.ExpMetadata = `{"team": "nlp"}`
	f.factory.trainer.worldZero = false
	f.factory.trainer.logs = []callback.Logs{{"loss": 1, "epoch": 1}}

	require.NoError(t, f.orchestrator().Run(context.Background()))
	assert.Empty(t, f.tracker.tracked)
	assert.Empty(t, f.tracker.params)
	exists, err := afero.Exists(f.fs, "/out/"+constants.TrainingLogsFilename)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOrchestrator_FSDPWithPeftDerivesWrapPolicy(t *testing.T) {
	f := newFixture(t)
	f.config.PeftMethod = "lora"
	f.factory.trainer.fsdp = true

	require.NoError(t, f.orchestrator().Run(context.Background()))
	tr := f.factory.trainer
	require.NotNil(t, tr.spec.Peft)
	require.NotNil(t, tr.wrap)
	assert.Contains(t, tr.wrap.TransformerLayerClasses, "LlamaDecoderLayer")

	f = newFixture(t)
	f.factory.trainer.fsdp = true
	require.NoError(t, f.orchestrator().Run(context.Background()))
	assert.Nil(t, f.factory.trainer.wrap, "full fine-tuning keeps the default policy")
}

func TestOrchestrator_ControllerCallback(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "/cfg/controller.yaml", []byte(`
controllers:
  - name: loss-threshold
    triggers: [on_log]
    rule: 'metrics["loss"] < 0.1'
    operations: [should_training_stop]
`), 0o644))
	f.config.TrainerController.ConfigFile = "/cfg/controller.yaml"
	f.factory.trainer.logs = []callback.Logs{{"loss": 0.05, "epoch": 1}}

	custom := &namedCallback{name: "custom"}
	o := f.orchestrator()
	o.AddCallback(custom)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, []string{"file_logging", "trainer_controller", "custom"}, f.factory.trainer.spec.Callbacks.Names())
	assert.True(t, f.factory.trainer.lastSignal.ShouldTrainingStop)
}

func TestOrchestrator_BadControllerConfig(t *testing.T) {
	f := newFixture(t)
	f.config.TrainerController.ConfigFile = "/missing.yaml"

	err := f.orchestrator().Run(context.Background())
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "trainer_controller_config_file", cfgErr.Field)
	assert.Equal(t, 0, f.loader.loads, "rules are compiled before the model is loaded")
	assert.Equal(t, 0, f.factory.calls)
}

func TestOrchestrator_UnknownTracker(t *testing.T) {
	f := newFixture(t)
	f.config.Training.Tracker = "aim"

	o := NewOrchestrator(f.config, f.fs, f.loader, f.factory)
	err := o.Run(context.Background())
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "tracker", cfgErr.Field)
	assert.Equal(t, 0, f.loader.loads)
}

type namedCallback struct {
	callback.Base
	name string
}

func (n *namedCallback) Name() string { return n.name }
