// Package dataset loads JSON lines training data and prepares every example for
// causal LM fine-tuning.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// Example is one JSON object from a dataset file. Numbers are kept as json.Number
// so fields pass through unchanged.
type Example map[string]interface{}

// Transform rewrites one example.
type Transform func(Example) (Example, error)

// ErrStop can be returned from an iteration callback to stop early without error.
var ErrStop = errors.New("stop iteration")

const maxLineBytes = 64 * 1024 * 1024

// Dataset is a lazy, re-iterable view over a JSON lines file. Every iteration
// re-reads the file and applies the transform; the file is never written.
type Dataset struct {
	Split     string
	Path      string
	fs        afero.Fs
	transform Transform
}

// Open creates a Dataset for path without reading it.
func Open(fs afero.Fs, split, path string, transform Transform) *Dataset {
	return &Dataset{Split: split, Path: path, fs: fs, transform: transform}
}

// Iterate calls fn for every example in file order. Blank lines are skipped.
func (d *Dataset) Iterate(fn func(index int, ex Example) error) error {
	f, err := d.fs.Open(d.Path)
	if err != nil {
		return fmt.Errorf("opening %s dataset %s: %w", d.Split, d.Path, err)
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)
	index, lineNo := 0, 0
	for {
		line, readErr := readLine(reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("reading %s dataset %s: %w", d.Split, d.Path, readErr)
		}
		lineNo++
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			ex, err := decodeExample(trimmed)
			if err != nil {
				return fmt.Errorf("%s dataset %s line %d: %w", d.Split, d.Path, lineNo, err)
			}
			if d.transform != nil {
				if ex, err = d.transform(ex); err != nil {
					return fmt.Errorf("%s dataset %s line %d: %w", d.Split, d.Path, lineNo, err)
				}
			}
			if err := fn(index, ex); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
			index++
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
	}
}

// Len counts the examples, applying the transform to each.
func (d *Dataset) Len() (int, error) {
	n := 0
	err := d.Iterate(func(int, Example) error {
		n++
		return nil
	})
	return n, err
}

// WriteTo encodes every prepared example as one JSON line into w.
func (d *Dataset) WriteTo(w io.Writer) (int64, error) {
	var written int64
	err := d.Iterate(func(_ int, ex Example) error {
		line, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		n, err := w.Write(append(line, '\n'))
		written += int64(n)
		return err
	})
	return written, err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("line longer than %d bytes", maxLineBytes)
		}
		if err != nil {
			return line, err
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func decodeExample(line []byte) (Example, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var ex Example
	if err := dec.Decode(&ex); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if ex == nil {
		return nil, errors.New("record is not a JSON object")
	}
	return ex, nil
}
