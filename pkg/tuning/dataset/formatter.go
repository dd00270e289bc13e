package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/spf13/afero"

	"github.com/sgl-project/sft-agent/pkg/logging"
)

const (
	TrainSplit      = "train"
	ValidationSplit = "validation"
)

// Files names the source JSON lines files. Validation is optional.
type Files struct {
	Train      string
	Validation string
}

// Splits holds the prepared datasets. Validation is nil when no file was given.
type Splits struct {
	Train      *Dataset
	Validation *Dataset
}

// Formatter appends the end-of-sequence marker to the text field of every example.
type Formatter struct {
	fs        afero.Fs
	logger    logging.Interface
	textField string
	eos       string
}

// NewFormatter creates a Formatter for textField terminated by eos.
func NewFormatter(fs afero.Fs, logger logging.Interface, textField, eos string) (*Formatter, error) {
	if textField == "" {
		return nil, errors.New("dataset text field is required")
	}
	if eos == "" {
		return nil, errors.New("end of sequence marker is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Formatter{fs: fs, logger: logger, textField: textField, eos: eos}, nil
}

// FormatExample returns a copy of ex whose text field ends with the marker exactly
// once. Other fields are passed through untouched.
func (f *Formatter) FormatExample(ex Example) (Example, error) {
	raw, ok := ex[f.textField]
	if !ok {
		return nil, fmt.Errorf("record has no %q field", f.textField)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("field %q is %T, expected a string", f.textField, raw)
	}

	out := make(Example, len(ex))
	for k, v := range ex {
		out[k] = v
	}
	if !strings.HasSuffix(text, f.eos) {
		text += f.eos
	}
	out[f.textField] = text
	return out, nil
}

// Format opens the train split and, when given, the validation split. Record counts
// are logged; they are informational only.
func (f *Formatter) Format(files Files) (*Splits, error) {
	if files.Train == "" {
		return nil, errors.New("training data path is required")
	}

	splits := &Splits{Train: Open(f.fs, TrainSplit, files.Train, f.FormatExample)}
	n, err := splits.Train.Len()
	if err != nil {
		return nil, err
	}
	f.logger.Infof("Training dataset length is %d", n)

	if files.Validation != "" {
		splits.Validation = Open(f.fs, ValidationSplit, files.Validation, f.FormatExample)
		n, err := splits.Validation.Len()
		if err != nil {
			return nil, err
		}
		f.logger.Infof("Validation dataset length is %d", n)
	}
	return splits, nil
}

// Stage copies the source files into stagingDir and returns the staged paths, so
// later reads never touch the originals. It works on the host filesystem.
func Stage(files Files, stagingDir string, logger logging.Interface) (Files, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return Files{}, fmt.Errorf("creating staging directory %s: %w", stagingDir, err)
	}

	stageOne := func(split, src string) (string, error) {
		if src == "" {
			return "", nil
		}
		dst := filepath.Join(stagingDir, split+"-"+filepath.Base(src))
		if err := copy.Copy(src, dst, copy.Options{PreserveTimes: true}); err != nil {
			return "", fmt.Errorf("staging %s dataset %s: %w", split, src, err)
		}
		logger.Infof("Staged %s dataset %s to %s", split, src, dst)
		return dst, nil
	}

	train, err := stageOne(TrainSplit, files.Train)
	if err != nil {
		return Files{}, err
	}
	validation, err := stageOne(ValidationSplit, files.Validation)
	if err != nil {
		return Files{}, err
	}
	return Files{Train: train, Validation: validation}, nil
}

// Materialize writes the prepared split as JSON lines to path on fs.
func Materialize(fs afero.Fs, d *Dataset, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	file, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := d.WriteTo(file); err != nil {
		_ = file.Close()
		return fmt.Errorf("writing %s dataset to %s: %w", d.Split, path, err)
	}
	return file.Close()
}
