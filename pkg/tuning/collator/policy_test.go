package collator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingPkg "github.com/sgl-project/sft-agent/pkg/testing"
)

// wordEncoder encodes each whitespace separated word as its index in vocab and
// prefixes every encoding with two marker ids, the way a leading newline does.
type wordEncoder struct {
	vocab  map[string]int
	prefix []int
	calls  int
	err    error
}

func (w *wordEncoder) Encode(text string, _ bool) ([]int, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	ids := append([]int{}, w.prefix...)
	for _, word := range strings.Fields(text) {
		id, ok := w.vocab[word]
		if !ok {
			return nil, errors.New("unknown word " + word)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newWordEncoder(prefix ...int) *wordEncoder {
	return &wordEncoder{
		vocab:  map[string]int{"###": 10, "Response:": 11, "hi": 12, "there": 13},
		prefix: prefix,
	}
}

func TestSelect_PackingNeverNeedsTemplate(t *testing.T) {
	inputs := []Input{
		{Packing: true},
		{Packing: true, TextField: testingPkg.StringPtr("text")},
		{Packing: true, ResponseTemplate: testingPkg.StringPtr("")},
		{Packing: true, ResponseTemplate: testingPkg.StringPtr("### Response:"), TextField: testingPkg.StringPtr("text")},
	}
	for _, in := range inputs {
		enc := newWordEncoder()
		policy, err := NewSelector(nil).Select(in, enc)
		require.NoError(t, err)
		assert.Equal(t, Packed, policy.Kind)
		assert.True(t, policy.Packing())
		assert.Nil(t, policy.Collator())
		assert.Equal(t, 0, enc.calls, "packed policy must not encode the template")
	}
}

func TestSelect_TemplateMaskedPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		wantErr []error
	}{
		{
			name:    "missing template",
			in:      Input{TextField: testingPkg.StringPtr("text")},
			wantErr: []error{ErrMissingResponseTemplate},
		},
		{
			name:    "missing text field",
			in:      Input{ResponseTemplate: testingPkg.StringPtr("### Response:")},
			wantErr: []error{ErrMissingTextField},
		},
		{
			name:    "both missing",
			in:      Input{},
			wantErr: []error{ErrMissingResponseTemplate, ErrMissingTextField},
		},
		{
			name:    "empty strings count as missing",
			in:      Input{ResponseTemplate: testingPkg.StringPtr(""), TextField: testingPkg.StringPtr("")},
			wantErr: []error{ErrMissingResponseTemplate, ErrMissingTextField},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := newWordEncoder()
			policy, err := NewSelector(nil).Select(tt.in, enc)
			require.Error(t, err)
			assert.Nil(t, policy)
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
			assert.Equal(t, 0, enc.calls)
			assert.Equal(t, err.Error(), CheckPreconditions(tt.in).Error())
		})
	}
}

func TestSelect_TemplateMasked(t *testing.T) {
	in := Input{ResponseTemplate: testingPkg.StringPtr("### Response:"), TextField: testingPkg.StringPtr("text")}

	policy, err := NewSelector(testingPkg.SetupMockLogger()).Select(in, newWordEncoder())
	require.NoError(t, err)
	assert.Equal(t, TemplateMasked, policy.Kind)
	assert.False(t, policy.Packing())
	assert.Equal(t, []int{10, 11}, policy.ResponseTemplateIDs)
	assert.Equal(t, MatchSubsequence, policy.Matching)
	assert.Equal(t, -100, policy.IgnoreIndex)
	assert.False(t, policy.TemplateIDsAdvisory)
	require.NotNil(t, policy.Collator())
}

// greedyEncoder reports that its ids only approximate the model tokenizer.
type greedyEncoder struct {
	*wordEncoder
}

func (greedyEncoder) Approximate() bool { return true }

func TestSelect_ApproximateEncoderMarksIDsAdvisory(t *testing.T) {
	in := Input{ResponseTemplate: testingPkg.StringPtr("### Response:"), TextField: testingPkg.StringPtr("text")}

	policy, err := NewSelector(nil).Select(in, greedyEncoder{newWordEncoder()})
	require.NoError(t, err)
	assert.True(t, policy.TemplateIDsAdvisory)
	assert.Equal(t, "### Response:", policy.ResponseTemplate, "kept for the runtime to re-encode")
	assert.Equal(t, []int{10, 11}, policy.ResponseTemplateIDs)

	raw, err := json.Marshal(policy)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"template_ids_advisory":true`)
}

func TestSelect_StripLeading(t *testing.T) {
	in := Input{
		ResponseTemplate: testingPkg.StringPtr("### Response:"),
		TextField:        testingPkg.StringPtr("text"),
		Matching:         MatchStripLeading,
	}

	policy, err := NewSelector(nil).Select(in, newWordEncoder(29871, 13))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, policy.ResponseTemplateIDs)

	_, err = NewSelector(nil).Select(in, newWordEncoder())
	assert.ErrorIs(t, err, ErrEmptyTemplateIDs)
}

func TestSelect_EncodeFailure(t *testing.T) {
	enc := newWordEncoder()
	enc.err = errors.New("tokenizer exploded")
	in := Input{ResponseTemplate: testingPkg.StringPtr("### Response:"), TextField: testingPkg.StringPtr("text")}

	_, err := NewSelector(nil).Select(in, enc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenizer exploded")
}

func TestCheckPreconditions_UnknownMatching(t *testing.T) {
	err := CheckPreconditions(Input{
		ResponseTemplate: testingPkg.StringPtr("x"),
		TextField:        testingPkg.StringPtr("text"),
		Matching:         "fuzzy",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fuzzy")
}
