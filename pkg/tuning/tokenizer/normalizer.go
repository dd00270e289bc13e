package tokenizer

import (
	"errors"
	"fmt"

	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
)

// FamilyConventions lists, per family, the special tokens that family uses by
// convention. They are applied for missing roles before generic defaults.
var FamilyConventions = map[Family]Additions{
	FamilyLlama: {
		BOS: "<s>",
		EOS: "</s>",
		UNK: "<unk>",
		PAD: "<pad>",
	},
	FamilyGPT2: {
		PAD: "<pad>",
	},
	FamilyGPTNeoX: {
		PAD: "<pad>",
	},
}

// DefaultSpecialTokens are used for any role still missing after family conventions.
var DefaultSpecialTokens = Additions{
	PAD: constants.DefaultPadToken,
	EOS: constants.DefaultEOSToken,
	BOS: constants.DefaultBOSToken,
	UNK: constants.DefaultUNKToken,
}

// Result describes what Normalize changed.
type Result struct {
	Added         Additions
	NewTokens     int
	VocabSize     int
	EmbeddingRows int
	SpecialTokens SpecialTokenSet
}

// Normalizer fills in missing special tokens and resizes model embeddings.
type Normalizer struct {
	logger logging.Interface
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(logger logging.Interface) *Normalizer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Normalizer{logger: logger}
}

// Normalize detects missing special tokens, adds them to tok and grows the model's
// embedding tables to the new vocabulary size. It must run before any text is
// tokenized for training.
func (n *Normalizer) Normalize(tok Tokenizer, model Model) (*Result, error) {
	if tok == nil || model == nil {
		return nil, errors.New("tokenizer and model are required")
	}

	current := tok.SpecialTokens()
	additions := Additions{}

	conventions := FamilyConventions[tok.Family()]
	for _, role := range current.Missing() {
		if literal, ok := conventions[role]; ok {
			additions[role] = literal
			current = current.With(role, literal)
		}
	}
	for _, role := range current.Missing() {
		n.logger.Warnf("%s set to default, missing in tokenizer", role)
		additions[role] = DefaultSpecialTokens[role]
		current = current.With(role, DefaultSpecialTokens[role])
	}

	added := 0
	if len(additions) > 0 {
		var err error
		added, err = tok.AddSpecialTokens(additions)
		if err != nil {
			return nil, fmt.Errorf("adding special tokens %v: %w", additions.Roles(), err)
		}
		n.logger.Infof("added special tokens %v to %s tokenizer (%d new vocabulary entries)", additions.Roles(), tok.Family(), added)
	}

	if !tok.SpecialTokens().Complete() {
		return nil, fmt.Errorf("tokenizer still missing special tokens %v after normalization", tok.SpecialTokens().Missing())
	}

	vocab := tok.VocabSize()
	if model.EmbeddingRows() < vocab {
		if err := model.ResizeTokenEmbeddings(vocab, EmbeddingInitMean); err != nil {
			return nil, fmt.Errorf("resizing token embeddings to %d: %w", vocab, err)
		}
		n.logger.Infof("resized token embeddings to %d rows", vocab)
	}

	return &Result{
		Added:         additions,
		NewTokens:     added,
		VocabSize:     vocab,
		EmbeddingRows: model.EmbeddingRows(),
		SpecialTokens: tok.SpecialTokens(),
	}, nil
}

// ClampMaxSeqLength limits requested to the tokenizer's maximum, warning when it has to.
func ClampMaxSeqLength(requested int, tok Tokenizer, logger logging.Interface) int {
	if logger == nil {
		logger = logging.Discard()
	}
	limit := tok.ModelMaxLength()
	effective := requested
	if limit > 0 && requested > limit {
		logger.Warnf("max_seq_length %d exceeds tokenizer.model_max_length %d, using tokenizer.model_max_length %d",
			requested, limit, limit)
		effective = limit
	}
	logger.Infof("Max sequence length is %d", effective)
	return effective
}
