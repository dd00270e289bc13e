package controller

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
)

type compiledRule struct {
	name       string
	expr       string
	operations []Operation
	triggers   map[Trigger]struct{}
	program    cel.Program
}

// Controller is a callback that evaluates its rules on every matching event.
// Rules see the latest value of every scalar logged so far as `metrics` and the
// trainer position as `state` (epoch, global_step, max_steps).
type Controller struct {
	callback.Base

	rules   []compiledRule
	metrics map[string]float64
	logger  logging.Interface
}

// newEnv declares the rule variables. Comparisons may mix int and double
// literals (`metrics.loss < 1`); arithmetic still needs matching types.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
}

// New compiles every rule of cfg. A rule that does not compile to a boolean
// expression is a configuration error.
func New(cfg *Config, logger logging.Interface) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating rule environment: %w", err)
	}

	rules := make([]compiledRule, 0, len(cfg.Controllers))
	for _, r := range cfg.Controllers {
		ast, iss := env.Compile(r.Rule)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("controller %s: compiling rule %q: %w", r.Name, r.Rule, iss.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("controller %s: rule %q must evaluate to a bool, not %s", r.Name, r.Rule, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("controller %s: building rule program: %w", r.Name, err)
		}

		triggers := make(map[Trigger]struct{}, len(r.Triggers))
		for _, t := range r.Triggers {
			triggers[t] = struct{}{}
		}
		rules = append(rules, compiledRule{
			name:       r.Name,
			expr:       r.Rule,
			operations: append([]Operation(nil), r.Operations...),
			triggers:   triggers,
			program:    prg,
		})
	}

	return &Controller{rules: rules, metrics: map[string]float64{}, logger: logger}, nil
}

// NewFromFile loads the config at path and compiles it.
func NewFromFile(fs afero.Fs, path string, logger logging.Interface) (*Controller, error) {
	cfg, err := LoadConfig(fs, path)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger)
}

func (c *Controller) Name() string { return "trainer_controller" }

func (c *Controller) OnLog(_ *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl, logs callback.Logs) error {
	c.observe(logs)
	c.evaluate(OnLog, state, control)
	return nil
}

func (c *Controller) OnEvaluate(_ *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl, metrics callback.Logs) error {
	c.observe(metrics)
	c.evaluate(OnEvaluate, state, control)
	return nil
}

func (c *Controller) OnStepEnd(_ *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl) error {
	c.evaluate(OnStepEnd, state, control)
	return nil
}

func (c *Controller) OnEpochEnd(_ *callback.RunArgs, state *callback.TrainerState, control *callback.TrainerControl) error {
	c.evaluate(OnEpochEnd, state, control)
	return nil
}

func (c *Controller) observe(logs callback.Logs) {
	for k, v := range logs {
		c.metrics[k] = v
	}
}

// evaluate runs every rule bound to trigger. A rule that fails to evaluate, for
// instance because it reads a metric that has not been logged yet, does not fire.
func (c *Controller) evaluate(trigger Trigger, state *callback.TrainerState, control *callback.TrainerControl) {
	activation := map[string]interface{}{
		"metrics": c.metrics,
		"state": map[string]interface{}{
			"epoch":       state.Epoch,
			"global_step": int64(state.GlobalStep),
			"max_steps":   int64(state.MaxSteps),
		},
	}

	for _, r := range c.rules {
		if _, ok := r.triggers[trigger]; !ok {
			continue
		}
		out, _, err := r.program.Eval(activation)
		if err != nil {
			c.logger.WithField("controller", r.name).Debugf("rule %q not evaluated: %v", r.expr, err)
			continue
		}
		fired, ok := out.Value().(bool)
		if !ok || !fired {
			continue
		}
		c.logger.WithField("controller", r.name).
			WithField("trigger", string(trigger)).
			Infof("rule %q fired at step %d, applying %v", r.expr, state.GlobalStep, r.operations)
		for _, op := range r.operations {
			apply(op, control)
		}
	}
}

func apply(op Operation, control *callback.TrainerControl) {
	switch op {
	case ShouldTrainingStop:
		control.ShouldTrainingStop = true
	case ShouldEpochStop:
		control.ShouldEpochStop = true
	case ShouldSave:
		control.ShouldSave = true
	case ShouldEvaluate:
		control.ShouldEvaluate = true
	case ShouldLog:
		control.ShouldLog = true
	}
}
