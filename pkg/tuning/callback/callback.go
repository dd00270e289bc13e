// Package callback defines the lifecycle hooks a trainer invokes during a run and
// the ordered chain the orchestrator assembles from them.
package callback

// Logs is one scalar log event emitted by the trainer, e.g. {"loss": 0.52, "epoch": 1.0}.
type Logs map[string]float64

// Get returns the value stored under key and whether it was present.
func (l Logs) Get(key string) (float64, bool) {
	if l == nil {
		return 0, false
	}
	v, ok := l[key]
	return v, ok
}

// RunArgs is the subset of training arguments visible to callbacks.
type RunArgs struct {
	OutputDir                 string
	NumTrainEpochs            float64
	GradientAccumulationSteps int
	MaxSeqLength              int
}

// TrainerState mirrors the trainer's view of the run at the time of an event.
type TrainerState struct {
	Epoch      float64
	GlobalStep int
	MaxSteps   int

	// IsWorldProcessZero is true only on the participant designated as the
	// single writer for file logging and tracker pushes.
	IsWorldProcessZero bool
	IsLocalProcessZero bool
}

// TrainerControl carries the flags callbacks may set to steer the training loop.
// The trainer reads them after every dispatch.
type TrainerControl struct {
	ShouldTrainingStop bool
	ShouldEpochStop    bool
	ShouldSave         bool
	ShouldEvaluate     bool
	ShouldLog          bool
}

// Callback is an observer of the training loop. Implementations usually embed
// Base and override the hooks they care about.
type Callback interface {
	Name() string

	OnTrainBegin(args *RunArgs, state *TrainerState, control *TrainerControl) error
	OnTrainEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error
	OnEpochBegin(args *RunArgs, state *TrainerState, control *TrainerControl) error
	OnEpochEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error
	OnStepEnd(args *RunArgs, state *TrainerState, control *TrainerControl) error
	OnLog(args *RunArgs, state *TrainerState, control *TrainerControl, logs Logs) error
	OnEvaluate(args *RunArgs, state *TrainerState, control *TrainerControl, metrics Logs) error
	OnSave(args *RunArgs, state *TrainerState, control *TrainerControl) error
}

// Base implements every hook as a no-op.
type Base struct{}

func (Base) OnTrainBegin(*RunArgs, *TrainerState, *TrainerControl) error { return nil }
func (Base) OnTrainEnd(*RunArgs, *TrainerState, *TrainerControl) error   { return nil }
func (Base) OnEpochBegin(*RunArgs, *TrainerState, *TrainerControl) error { return nil }
func (Base) OnEpochEnd(*RunArgs, *TrainerState, *TrainerControl) error   { return nil }
func (Base) OnStepEnd(*RunArgs, *TrainerState, *TrainerControl) error    { return nil }
func (Base) OnSave(*RunArgs, *TrainerState, *TrainerControl) error       { return nil }

func (Base) OnLog(*RunArgs, *TrainerState, *TrainerControl, Logs) error      { return nil }
func (Base) OnEvaluate(*RunArgs, *TrainerState, *TrainerControl, Logs) error { return nil }
