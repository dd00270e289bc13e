// Package metricslog exports scalar training metrics to an append-only JSON lines
// file in the run's output directory.
package metricslog

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/callback"
)

// TimestampLayout is ISO-8601 with microseconds and no zone, the format the
// downstream log consumers already parse.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// RecordData is the payload of one record. Fields are declared in key order so the
// encoded line has sorted keys.
type RecordData struct {
	Epoch     float64 `json:"epoch"`
	Step      int     `json:"step"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Record is one line of training_logs.jsonl.
type Record struct {
	Data RecordData `json:"data"`
	Name string     `json:"name"`
}

// shape maps a log key holding the loss to the record name it is exported under.
type shape struct {
	lossKey string
	name    string
}

var shapes = []shape{
	{lossKey: "loss", name: "training_loss"},
	{lossKey: "eval_loss", name: "validation_loss"},
}

var _ callback.Callback = &FileLoggingCallback{}

// FileLoggingCallback appends a Record for every training or validation loss event.
// Only world process zero writes; the file is opened and closed on every event.
type FileLoggingCallback struct {
	callback.Base

	fs     afero.Fs
	logger logging.Interface
	now    func() time.Time
}

// Option customises a FileLoggingCallback.
type Option func(*FileLoggingCallback)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *FileLoggingCallback) { f.now = now }
}

// NewFileLoggingCallback creates the callback writing through fs.
func NewFileLoggingCallback(fs afero.Fs, logger logging.Interface, opts ...Option) *FileLoggingCallback {
	if logger == nil {
		logger = logging.Discard()
	}
	f := &FileLoggingCallback{fs: fs, logger: logger, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *FileLoggingCallback) Name() string { return "file_logging" }

// OnLog writes one record if logs matches a known shape. Events missing either
// the loss key or the epoch are skipped without logging.
func (f *FileLoggingCallback) OnLog(args *callback.RunArgs, state *callback.TrainerState, _ *callback.TrainerControl, logs callback.Logs) error {
	if !state.IsWorldProcessZero {
		return nil
	}

	epoch, ok := logs.Get("epoch")
	if !ok {
		return nil
	}
	for _, s := range shapes {
		value, ok := logs.Get(s.lossKey)
		if !ok {
			continue
		}
		record := Record{
			Name: s.name,
			Data: RecordData{
				Epoch:     roundTo(epoch, 2),
				Step:      state.GlobalStep,
				Value:     value,
				Timestamp: f.now().Format(TimestampLayout),
			},
		}
		return f.appendRecord(filepath.Join(args.OutputDir, constants.TrainingLogsFilename), record)
	}
	return nil
}

func (f *FileLoggingCallback) appendRecord(path string, record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", record.Name, err)
	}
	line = append(line, '\n')

	if err := f.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory for %s: %w", path, err)
	}

	file, err := f.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	f.logger.Debugf("appended %s at step %d to %s", record.Name, record.Data.Step, path)
	return nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
