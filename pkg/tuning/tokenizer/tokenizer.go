// Package tokenizer makes sure a tokenizer carries the four special tokens a causal
// LM fine-tune needs and that the model's embeddings cover them.
package tokenizer

import "sort"

// Family tags a tokenizer implementation so defaults can be looked up instead of
// branching on concrete types.
type Family string

const (
	FamilyLlama   Family = "llama"
	FamilyGPT2    Family = "gpt2"
	FamilyGPTNeoX Family = "gpt_neox"
	FamilyGeneric Family = "generic"
)

// SpecialToken names one of the four special token roles.
type SpecialToken string

const (
	BOS SpecialToken = "bos_token"
	EOS SpecialToken = "eos_token"
	UNK SpecialToken = "unk_token"
	PAD SpecialToken = "pad_token"
)

// AllSpecialTokens lists the roles in the order they are checked.
var AllSpecialTokens = []SpecialToken{PAD, EOS, BOS, UNK}

// SpecialTokenSet holds the special tokens of a tokenizer. An empty string means absent.
type SpecialTokenSet struct {
	BOS string `json:"bos_token,omitempty"`
	EOS string `json:"eos_token,omitempty"`
	UNK string `json:"unk_token,omitempty"`
	PAD string `json:"pad_token,omitempty"`
}

// Get returns the token for role.
func (s SpecialTokenSet) Get(role SpecialToken) string {
	switch role {
	case BOS:
		return s.BOS
	case EOS:
		return s.EOS
	case UNK:
		return s.UNK
	case PAD:
		return s.PAD
	}
	return ""
}

// With returns a copy of s with role set to token.
func (s SpecialTokenSet) With(role SpecialToken, token string) SpecialTokenSet {
	switch role {
	case BOS:
		s.BOS = token
	case EOS:
		s.EOS = token
	case UNK:
		s.UNK = token
	case PAD:
		s.PAD = token
	}
	return s
}

// Missing returns the roles that are unset.
func (s SpecialTokenSet) Missing() []SpecialToken {
	var missing []SpecialToken
	for _, role := range AllSpecialTokens {
		if s.Get(role) == "" {
			missing = append(missing, role)
		}
	}
	return missing
}

// Complete reports whether all four roles are set.
func (s SpecialTokenSet) Complete() bool { return len(s.Missing()) == 0 }

// Additions maps special token roles to the literal being added.
type Additions map[SpecialToken]string

// Roles returns the roles in a stable order.
func (a Additions) Roles() []SpecialToken {
	roles := make([]SpecialToken, 0, len(a))
	for r := range a {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(text string, addSpecialTokens bool) ([]int, error)
}

// Approximator is implemented by encoders whose ids may differ from those the
// model's reference tokenizer produces for the same text.
type Approximator interface {
	Approximate() bool
}

// Tokenizer is the capability set the orchestration relies on. Loading a concrete
// tokenizer is the job of the model loader.
type Tokenizer interface {
	Encoder

	Family() Family
	SpecialTokens() SpecialTokenSet
	// AddSpecialTokens registers the tokens, extending the vocabulary for any literal
	// not already in it, and returns how many vocabulary entries were added.
	AddSpecialTokens(tokens Additions) (int, error)
	// VocabSize is the full vocabulary size including added tokens.
	VocabSize() int
	ModelMaxLength() int
}

// EmbeddingInit selects how rows added by a resize are initialised.
type EmbeddingInit string

const (
	// EmbeddingInitMean sets new rows to the mean of the existing rows.
	EmbeddingInitMean EmbeddingInit = "mean"
)

// Model is the part of a causal LM the normalizer touches.
type Model interface {
	EmbeddingRows() int
	ResizeTokenEmbeddings(size int, init EmbeddingInit) error
}
