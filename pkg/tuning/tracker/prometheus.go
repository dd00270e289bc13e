package tracker

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
)

type PrometheusConfig struct {
	// PushgatewayURL is optional. When set, the registry is pushed after every
	// Track and SetParams call and at the end of training.
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	Job            string `mapstructure:"job" validate:"required"`
	Namespace      string `mapstructure:"namespace"`
}

// PrometheusTracker keeps run metrics in its own registry.
type PrometheusTracker struct {
	config   PrometheusConfig
	logger   logging.Interface
	registry *prometheus.Registry

	trainingMetric   *prometheus.GaugeVec
	additionalMetric *prometheus.GaugeVec
	experimentParam  *prometheus.GaugeVec
}

func NewPrometheusTracker(config PrometheusConfig, logger logging.Interface) (*PrometheusTracker, error) {
	if config.Job == "" {
		config.Job = "sft-agent"
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid prometheus tracker config: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &PrometheusTracker{
		config:   config,
		logger:   logger,
		registry: registry,
		trainingMetric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "sft_training_metric",
			Help:      "Latest value of a scalar reported by the trainer",
		}, []string{"name"}),
		additionalMetric: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "sft_additional_metric",
			Help:      "Metric recorded outside the training loop",
		}, []string{"name", "stage"}),
		experimentParam: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "sft_experiment_param",
			Help:      "Experiment parameter, always 1, the value is carried as a label",
		}, []string{"name", "key", "value"}),
	}, nil
}

// Registry exposes the tracker's registry, e.g. for a scrape handler.
func (p *PrometheusTracker) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusTracker) Track(metric float64, name, stage string) error {
	if name == "" {
		return fmt.Errorf("%w: metric name is empty", ErrInvalidValue)
	}
	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return fmt.Errorf("%w: metric %s is %v", ErrInvalidValue, name, metric)
	}
	p.additionalMetric.WithLabelValues(name, stage).Set(metric)
	return p.push()
}

// SetParams records every key of params. Values must be scalars; nothing is
// recorded when any value is not.
func (p *PrometheusTracker) SetParams(params map[string]interface{}, name string) error {
	keys := make([]string, 0, len(params))
	values := make(map[string]string, len(params))
	for k, v := range params {
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("%w: param %s: %v", ErrInvalidValue, k, err)
		}
		keys = append(keys, k)
		values[k] = s
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.experimentParam.WithLabelValues(name, k, values[k]).Set(1)
	}
	return p.push()
}

func (p *PrometheusTracker) Callback() callback.Callback {
	return &prometheusCallback{tracker: p}
}

func (p *PrometheusTracker) push() error {
	if p.config.PushgatewayURL == "" {
		return nil
	}
	if err := push.New(p.config.PushgatewayURL, p.config.Job).Gatherer(p.registry).Push(); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", p.config.PushgatewayURL, err)
	}
	return nil
}

func scalarString(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("null value")
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case json.Number:
		return val.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

type prometheusCallback struct {
	callback.Base
	tracker *PrometheusTracker
}

func (c *prometheusCallback) Name() string { return "prometheus_tracker" }

func (c *prometheusCallback) OnLog(_ *callback.RunArgs, state *callback.TrainerState, _ *callback.TrainerControl, logs callback.Logs) error {
	if !state.IsWorldProcessZero {
		return nil
	}
	for k, v := range logs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		c.tracker.trainingMetric.WithLabelValues(k).Set(v)
	}
	return nil
}

func (c *prometheusCallback) OnTrainEnd(_ *callback.RunArgs, state *callback.TrainerState, _ *callback.TrainerControl) error {
	if !state.IsWorldProcessZero {
		return nil
	}
	return c.tracker.push()
}
