// Package modelloader reads a Hugging Face style model directory (config.json,
// tokenizer.json, tokenizer_config.json) into the tokenizer and model handles the
// orchestration works with. Weights are never read; the training runtime loads them.
package modelloader

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

const (
	ConfigFile          = "config.json"
	TokenizerFile       = "tokenizer.json"
	TokenizerConfigFile = "tokenizer_config.json"
	SpecialTokensFile   = "special_tokens_map.json"
)

// ModelConfig is the subset of config.json the agent reads.
type ModelConfig struct {
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures"`
	TorchDtype            string   `json:"torch_dtype"`
	VocabSize             int      `json:"vocab_size"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	// NPositions is the gpt2 spelling of MaxPositionEmbeddings.
	NPositions int `json:"n_positions"`
}

// ContextLength returns the longest sequence the model was configured for.
func (c *ModelConfig) ContextLength() int {
	if c.MaxPositionEmbeddings > 0 {
		return c.MaxPositionEmbeddings
	}
	return c.NPositions
}

func (c *ModelConfig) Architecture() string {
	if len(c.Architectures) > 0 {
		return c.Architectures[0]
	}
	return ""
}

func parseModelConfig(data []byte) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse model config")
	}
	if cfg.ModelType == "" {
		return nil, errors.New("model config has no model_type")
	}
	if cfg.VocabSize <= 0 {
		return nil, errors.Errorf("model config has invalid vocab_size %d", cfg.VocabSize)
	}
	return &cfg, nil
}

// modelTypes maps config.json model_type to the tokenizer family and the
// decoder layer class that must not be split when sharding.
var modelTypes = map[string]struct {
	family  tokenizer.Family
	noSplit []string
}{
	"llama":    {family: tokenizer.FamilyLlama, noSplit: []string{"LlamaDecoderLayer"}},
	"mistral":  {family: tokenizer.FamilyLlama, noSplit: []string{"MistralDecoderLayer"}},
	"gpt2":     {family: tokenizer.FamilyGPT2, noSplit: []string{"GPT2Block"}},
	"gpt_neox": {family: tokenizer.FamilyGPTNeoX, noSplit: []string{"GPTNeoXLayer"}},
}

// tokenizerClasses maps tokenizer_class to a family. It takes precedence over model_type.
var tokenizerClasses = map[string]tokenizer.Family{
	"LlamaTokenizer":       tokenizer.FamilyLlama,
	"LlamaTokenizerFast":   tokenizer.FamilyLlama,
	"GPT2Tokenizer":        tokenizer.FamilyGPT2,
	"GPT2TokenizerFast":    tokenizer.FamilyGPT2,
	"GPTNeoXTokenizerFast": tokenizer.FamilyGPTNeoX,
}

func familyFor(tokenizerClass, modelType string) tokenizer.Family {
	if f, ok := tokenizerClasses[tokenizerClass]; ok {
		return f
	}
	if mt, ok := modelTypes[modelType]; ok {
		return mt.family
	}
	return tokenizer.FamilyGeneric
}

// tokenValue decodes a special token entry, either "<s>" or {"content": "<s>", ...}.
type tokenValue string

func (t *tokenValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "special token must be a string or an object with content")
	}
	*t = tokenValue(obj.Content)
	return nil
}

type specialTokensMap struct {
	BOS *tokenValue `json:"bos_token"`
	EOS *tokenValue `json:"eos_token"`
	UNK *tokenValue `json:"unk_token"`
	PAD *tokenValue `json:"pad_token"`
}

func (m specialTokensMap) set() tokenizer.SpecialTokenSet {
	get := func(v *tokenValue) string {
		if v == nil {
			return ""
		}
		return string(*v)
	}
	return tokenizer.SpecialTokenSet{BOS: get(m.BOS), EOS: get(m.EOS), UNK: get(m.UNK), PAD: get(m.PAD)}
}

// merge fills roles unset in s from other.
func merge(s, other tokenizer.SpecialTokenSet) tokenizer.SpecialTokenSet {
	for _, role := range tokenizer.AllSpecialTokens {
		if s.Get(role) == "" {
			s = s.With(role, other.Get(role))
		}
	}
	return s
}

type tokenizerConfig struct {
	specialTokensMap
	TokenizerClass string   `json:"tokenizer_class"`
	ModelMaxLength *float64 `json:"model_max_length"`
	AddBOSToken    *bool    `json:"add_bos_token"`
}

// maxLength returns model_max_length, or 0 when it is unset or is the
// "very large integer" placeholder tokenizers use for no limit.
func (c tokenizerConfig) maxLength() int {
	if c.ModelMaxLength == nil {
		return 0
	}
	v := *c.ModelMaxLength
	if v <= 0 || v >= math.MaxInt32 {
		return 0
	}
	return int(v)
}

type tokenizerFile struct {
	Model struct {
		Type  string         `json:"type"`
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}
