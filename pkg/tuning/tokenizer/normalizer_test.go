package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingPkg "github.com/sgl-project/sft-agent/pkg/testing"
)

type fakeTokenizer struct {
	family    Family
	special   SpecialTokenSet
	vocab     map[string]int
	maxLength int
	addErr    error
}

func newFakeTokenizer(family Family, special SpecialTokenSet, vocab ...string) *fakeTokenizer {
	f := &fakeTokenizer{family: family, special: special, vocab: map[string]int{}, maxLength: 2048}
	for _, v := range vocab {
		f.vocab[v] = len(f.vocab)
	}
	return f
}

func (f *fakeTokenizer) Encode(text string, _ bool) ([]int, error) {
	if id, ok := f.vocab[text]; ok {
		return []int{id}, nil
	}
	return nil, errors.New("unknown")
}
func (f *fakeTokenizer) Family() Family                 { return f.family }
func (f *fakeTokenizer) SpecialTokens() SpecialTokenSet { return f.special }
func (f *fakeTokenizer) VocabSize() int                 { return len(f.vocab) }
func (f *fakeTokenizer) ModelMaxLength() int            { return f.maxLength }
func (f *fakeTokenizer) AddSpecialTokens(tokens Additions) (int, error) {
	if f.addErr != nil {
		return 0, f.addErr
	}
	added := 0
	for role, literal := range tokens {
		f.special = f.special.With(role, literal)
		if _, ok := f.vocab[literal]; !ok {
			f.vocab[literal] = len(f.vocab)
			added++
		}
	}
	return added, nil
}

type fakeModel struct {
	rows    int
	resizes int
	init    EmbeddingInit
}

func (m *fakeModel) EmbeddingRows() int { return m.rows }
func (m *fakeModel) ResizeTokenEmbeddings(size int, init EmbeddingInit) error {
	m.rows = size
	m.init = init
	m.resizes++
	return nil
}

func TestNormalize_AllMissingCounts(t *testing.T) {
	full := SpecialTokenSet{BOS: "[B]", EOS: "[E]", UNK: "[U]", PAD: "[P]"}
	roles := AllSpecialTokens

	// every subset of missing roles, for a generic family
	for mask := 0; mask < 1<<len(roles); mask++ {
		special := full
		for i, role := range roles {
			if mask&(1<<i) != 0 {
				special = special.With(role, "")
			}
		}
		tok := newFakeTokenizer(FamilyGeneric, special, "a", "b", "[B]", "[E]", "[U]", "[P]")
		model := &fakeModel{rows: tok.VocabSize()}

		result, err := NewNormalizer(nil).Normalize(tok, model)
		require.NoError(t, err)
		assert.True(t, tok.SpecialTokens().Complete(), "mask %b", mask)
		assert.GreaterOrEqual(t, model.EmbeddingRows(), tok.VocabSize(), "mask %b", mask)
		assert.Len(t, result.Added, len(special.Missing()))
	}
}

func TestNormalize_GenericDefaults(t *testing.T) {
	tok := newFakeTokenizer(FamilyGeneric, SpecialTokenSet{}, "hello", "world")
	model := &fakeModel{rows: 2}

	result, err := NewNormalizer(testingPkg.SetupMockLogger()).Normalize(tok, model)
	require.NoError(t, err)

	assert.Equal(t, SpecialTokenSet{BOS: "<s>", EOS: "</s>", UNK: "<unk>", PAD: "<PAD>"}, result.SpecialTokens)
	assert.Equal(t, 4, result.NewTokens)
	assert.Equal(t, 6, model.rows)
	assert.Equal(t, EmbeddingInitMean, model.init)
}

func TestNormalize_FamilyConventions(t *testing.T) {
	tests := []struct {
		name    string
		family  Family
		special SpecialTokenSet
		want    Additions
	}{
		{
			name:    "gpt2 only lacks pad",
			family:  FamilyGPT2,
			special: SpecialTokenSet{BOS: "<|endoftext|>", EOS: "<|endoftext|>", UNK: "<|endoftext|>"},
			want:    Additions{PAD: "<pad>"},
		},
		{
			name:    "neox only lacks pad",
			family:  FamilyGPTNeoX,
			special: SpecialTokenSet{BOS: "<|endoftext|>", EOS: "<|endoftext|>", UNK: "<|endoftext|>"},
			want:    Additions{PAD: "<pad>"},
		},
		{
			name:    "llama conventions fill every missing role",
			family:  FamilyLlama,
			special: SpecialTokenSet{BOS: "<s>"},
			want:    Additions{EOS: "</s>", UNK: "<unk>", PAD: "<pad>"},
		},
		{
			name:    "gpt2 missing eos falls back to default",
			family:  FamilyGPT2,
			special: SpecialTokenSet{BOS: "<|endoftext|>", UNK: "<|endoftext|>"},
			want:    Additions{PAD: "<pad>", EOS: "</s>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := newFakeTokenizer(tt.family, tt.special, "<|endoftext|>", "<s>")
			model := &fakeModel{rows: 100}

			result, err := NewNormalizer(nil).Normalize(tok, model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Added)
			assert.True(t, result.SpecialTokens.Complete())
		})
	}
}

func TestNormalize_NothingMissing(t *testing.T) {
	special := SpecialTokenSet{BOS: "<s>", EOS: "</s>", UNK: "<unk>", PAD: "<pad>"}
	tok := newFakeTokenizer(FamilyLlama, special, "<s>", "</s>", "<unk>", "<pad>")
	model := &fakeModel{rows: 4}

	result, err := NewNormalizer(nil).Normalize(tok, model)
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Equal(t, 0, model.resizes)
}

func TestNormalize_LargerModelIsNotShrunk(t *testing.T) {
	tok := newFakeTokenizer(FamilyGeneric, SpecialTokenSet{}, "a")
	model := &fakeModel{rows: 32000}

	_, err := NewNormalizer(nil).Normalize(tok, model)
	require.NoError(t, err)
	assert.Equal(t, 32000, model.rows)
	assert.Equal(t, 0, model.resizes)
}

func TestNormalize_Errors(t *testing.T) {
	_, err := NewNormalizer(nil).Normalize(nil, &fakeModel{})
	assert.Error(t, err)

	tok := newFakeTokenizer(FamilyGeneric, SpecialTokenSet{})
	tok.addErr = errors.New("frozen vocabulary")
	_, err = NewNormalizer(nil).Normalize(tok, &fakeModel{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen vocabulary")
}

func TestClampMaxSeqLength(t *testing.T) {
	tok := newFakeTokenizer(FamilyGeneric, SpecialTokenSet{})
	tok.maxLength = 1024

	assert.Equal(t, 512, ClampMaxSeqLength(512, tok, nil))
	assert.Equal(t, 1024, ClampMaxSeqLength(4096, tok, nil))

	tok.maxLength = 0
	assert.Equal(t, 4096, ClampMaxSeqLength(4096, tok, nil))
}
