// Package tracker provides experiment-tracking backends that record scalar
// metrics and run parameters.
package tracker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
)

// ErrInvalidValue is returned when a metric or parameter cannot be recorded.
// Callers treat it as non-fatal.
var ErrInvalidValue = errors.New("invalid tracker value")

// Tracker records metrics and parameters for one run.
type Tracker interface {
	Track(metric float64, name, stage string) error
	SetParams(params map[string]interface{}, name string) error

	// Callback returns the hook that feeds training logs into the backend, or nil
	// when the backend has none.
	Callback() callback.Callback
}

const (
	NameNone       = "none"
	NamePrometheus = "prometheus"
)

// Configs holds the backend specific configuration for every known tracker.
type Configs struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// Get returns the tracker registered under name. An empty name selects the noop tracker.
func Get(name string, configs Configs, logger logging.Interface) (Tracker, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	switch strings.ToLower(name) {
	case "", NameNone:
		return Noop{}, nil
	case NamePrometheus:
		t, err := NewPrometheusTracker(configs.Prometheus, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown tracker %q, expected one of %s, %s", name, NameNone, NamePrometheus)
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) Track(float64, string, string) error            { return nil }
func (Noop) SetParams(map[string]interface{}, string) error { return nil }
func (Noop) Callback() callback.Callback                    { return nil }
