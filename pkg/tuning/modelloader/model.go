package modelloader

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

var _ tokenizer.Model = &HFModel{}

// Resize records one embedding resize for the training runtime to replay.
type Resize struct {
	From int                     `json:"from"`
	To   int                     `json:"to"`
	Init tokenizer.EmbeddingInit `json:"init"`
}

// HFModel describes a model directory. Embedding resizes are recorded rather
// than applied since weights live in the training runtime.
type HFModel struct {
	mu sync.Mutex

	ref     string
	dir     string
	config  ModelConfig
	rows    int
	resizes []Resize
}

func newHFModel(ref, dir string, cfg *ModelConfig) *HFModel {
	return &HFModel{ref: ref, dir: dir, config: *cfg, rows: cfg.VocabSize}
}

// Ref is the reference the model was loaded by.
func (m *HFModel) Ref() string { return m.ref }

// Dir is the resolved model directory.
func (m *HFModel) Dir() string { return m.dir }

func (m *HFModel) Config() ModelConfig { return m.config }

// NoSplitModules lists the layer classes an FSDP wrap policy must keep whole.
func (m *HFModel) NoSplitModules() []string {
	mt, ok := modelTypes[m.config.ModelType]
	if !ok {
		return nil
	}
	return append([]string(nil), mt.noSplit...)
}

func (m *HFModel) EmbeddingRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

// ResizeTokenEmbeddings grows the input and output embedding tables to size rows.
func (m *HFModel) ResizeTokenEmbeddings(size int, init tokenizer.EmbeddingInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < m.rows {
		return errors.Errorf("refusing to shrink embeddings from %d to %d rows", m.rows, size)
	}
	if size == m.rows {
		return nil
	}
	m.resizes = append(m.resizes, Resize{From: m.rows, To: size, Init: init})
	m.rows = size
	return nil
}

// Resizes returns the recorded resizes in order.
func (m *HFModel) Resizes() []Resize {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Resize(nil), m.resizes...)
}
