// Package controller steers a training run with user supplied rules. Each rule is
// a CEL expression evaluated on selected trainer events; when it holds, the
// rule's operations set the matching trainer control flags.
package controller

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

type Trigger string

const (
	OnLog      Trigger = "on_log"
	OnStepEnd  Trigger = "on_step_end"
	OnEpochEnd Trigger = "on_epoch_end"
	OnEvaluate Trigger = "on_evaluate"
)

var knownTriggers = map[Trigger]struct{}{
	OnLog: {}, OnStepEnd: {}, OnEpochEnd: {}, OnEvaluate: {},
}

type Operation string

const (
	ShouldTrainingStop Operation = "should_training_stop"
	ShouldEpochStop    Operation = "should_epoch_stop"
	ShouldSave         Operation = "should_save"
	ShouldEvaluate     Operation = "should_evaluate"
	ShouldLog          Operation = "should_log"
)

var knownOperations = map[Operation]struct{}{
	ShouldTrainingStop: {}, ShouldEpochStop: {}, ShouldSave: {}, ShouldEvaluate: {}, ShouldLog: {},
}

// Rule is one controller entry of the config file.
type Rule struct {
	Name       string      `json:"name"`
	Triggers   []Trigger   `json:"triggers"`
	Rule       string      `json:"rule"`
	Operations []Operation `json:"operations"`
}

// Config is the trainer controller config file, e.g.
//
//	controllers:
//	  - name: loss-floor
//	    triggers: [on_log]
//	    rule: metrics.loss < 0.05
//	    operations: [should_training_stop]
type Config struct {
	Controllers []Rule `json:"controllers"`
}

// ParseConfig decodes a YAML or JSON document. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing trainer controller config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses path from fs.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading trainer controller config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate reports every problem in the config at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	if len(c.Controllers) == 0 {
		result = multierror.Append(result, fmt.Errorf("no controllers defined"))
	}

	seen := map[string]struct{}{}
	for i, r := range c.Controllers {
		label := fmt.Sprintf("controllers[%d]", i)
		if r.Name == "" {
			result = multierror.Append(result, fmt.Errorf("%s: name is required", label))
		} else {
			label = fmt.Sprintf("%s (%s)", label, r.Name)
			if _, dup := seen[r.Name]; dup {
				result = multierror.Append(result, fmt.Errorf("%s: duplicate name", label))
			}
			seen[r.Name] = struct{}{}
		}
		if r.Rule == "" {
			result = multierror.Append(result, fmt.Errorf("%s: rule is required", label))
		}
		if len(r.Triggers) == 0 {
			result = multierror.Append(result, fmt.Errorf("%s: at least one trigger is required", label))
		}
		for _, t := range r.Triggers {
			if _, ok := knownTriggers[t]; !ok {
				result = multierror.Append(result, fmt.Errorf("%s: unknown trigger %q", label, t))
			}
		}
		if len(r.Operations) == 0 {
			result = multierror.Append(result, fmt.Errorf("%s: at least one operation is required", label))
		}
		for _, op := range r.Operations {
			if _, ok := knownOperations[op]; !ok {
				result = multierror.Append(result, fmt.Errorf("%s: unknown operation %q", label, op))
			}
		}
	}
	return result.ErrorOrNil()
}
