package modelloader

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

var _ tokenizer.Tokenizer = &HFTokenizer{}

// HFTokenizer encodes text by greedy longest match against the vocabulary of a
// tokenizer.json. It is an approximation of the real merge rules, good enough to
// locate a response template and to size the vocabulary.
type HFTokenizer struct {
	mu sync.RWMutex

	family    tokenizer.Family
	special   tokenizer.SpecialTokenSet
	vocab     map[string]int
	nextID    int
	maxPiece  int
	maxLength int
	addBOS    bool

	// specials holds added and special token literals, longest first, so they are
	// matched whole before any vocabulary piece.
	specials []string
}

func newHFTokenizer(family tokenizer.Family, special tokenizer.SpecialTokenSet, tf *tokenizerFile, maxLength int, addBOS bool) *HFTokenizer {
	t := &HFTokenizer{
		family:    family,
		special:   special,
		vocab:     make(map[string]int, len(tf.Model.Vocab)+len(tf.AddedTokens)),
		maxLength: maxLength,
		addBOS:    addBOS,
	}
	for piece, id := range tf.Model.Vocab {
		t.insert(piece, id)
	}
	for _, added := range tf.AddedTokens {
		t.insert(added.Content, added.ID)
		t.specials = append(t.specials, added.Content)
	}
	t.sortSpecials()
	return t
}

func (t *HFTokenizer) insert(piece string, id int) {
	t.vocab[piece] = id
	if id >= t.nextID {
		t.nextID = id + 1
	}
	if len(piece) > t.maxPiece {
		t.maxPiece = len(piece)
	}
}

func (t *HFTokenizer) sortSpecials() {
	sort.SliceStable(t.specials, func(i, j int) bool { return len(t.specials[i]) > len(t.specials[j]) })
}

func (t *HFTokenizer) Family() tokenizer.Family { return t.family }

func (t *HFTokenizer) SpecialTokens() tokenizer.SpecialTokenSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.special
}

func (t *HFTokenizer) VocabSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

func (t *HFTokenizer) ModelMaxLength() int { return t.maxLength }

// AddSpecialTokens assigns each role and appends literals missing from the
// vocabulary at the end of it.
func (t *HFTokenizer) AddSpecialTokens(tokens tokenizer.Additions) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, role := range tokens.Roles() {
		literal := tokens[role]
		if literal == "" {
			return added, errors.Errorf("empty literal for %s", role)
		}
		t.special = t.special.With(role, literal)
		if _, ok := t.vocab[literal]; !ok {
			t.insert(literal, t.nextID)
			added++
		}
		t.specials = append(t.specials, literal)
	}
	t.sortSpecials()
	return added, nil
}

// SpecialTokenIDs maps every special token literal to its id.
func (t *HFTokenizer) SpecialTokenIDs() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[string]int{}
	for _, role := range tokenizer.AllSpecialTokens {
		if literal := t.special.Get(role); literal != "" {
			if id, ok := t.vocab[literal]; ok {
				out[literal] = id
			}
		}
	}
	return out
}

// Approximate reports true: Encode is a greedy longest match over the vocabulary
// and does not apply the model's merge rules.
func (t *HFTokenizer) Approximate() bool { return true }

func (t *HFTokenizer) Encode(text string, addSpecialTokens bool) ([]int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []int
	if addSpecialTokens && t.addBOS && t.special.BOS != "" {
		if id, ok := t.vocab[t.special.BOS]; ok {
			ids = append(ids, id)
		}
	}

	first := true
	for len(text) > 0 {
		if lit := t.specialAt(text); lit != "" {
			ids = append(ids, t.vocab[lit])
			text = text[len(lit):]
			first = false
			continue
		}
		end := t.nextSpecial(text)
		var err error
		if ids, err = t.encodeSegment(ids, t.pretokenize(text[:end], first)); err != nil {
			return nil, err
		}
		text = text[end:]
		first = false
	}
	return ids, nil
}

func (t *HFTokenizer) specialAt(text string) string {
	for _, lit := range t.specials {
		if lit != "" && strings.HasPrefix(text, lit) {
			return lit
		}
	}
	return ""
}

func (t *HFTokenizer) nextSpecial(text string) int {
	end := len(text)
	for _, lit := range t.specials {
		if lit == "" {
			continue
		}
		if i := strings.Index(text, lit); i > 0 && i < end {
			end = i
		}
	}
	return end
}

// pretokenize applies the family's whitespace markers.
func (t *HFTokenizer) pretokenize(s string, first bool) string {
	switch t.family {
	case tokenizer.FamilyLlama:
		s = strings.ReplaceAll(s, " ", "▁")
		if first {
			s = "▁" + s
		}
	case tokenizer.FamilyGPT2, tokenizer.FamilyGPTNeoX:
		s = strings.NewReplacer(" ", "Ġ", "\n", "Ċ", "\t", "ĉ").Replace(s)
	}
	return s
}

func (t *HFTokenizer) encodeSegment(ids []int, s string) ([]int, error) {
	for len(s) > 0 {
		n := t.maxPiece
		if n > len(s) {
			n = len(s)
		}
		matched := false
		for ; n > 0; n-- {
			if id, ok := t.vocab[s[:n]]; ok {
				ids = append(ids, id)
				s = s[n:]
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		_, size := utf8.DecodeRuneInString(s)
		unk, ok := t.vocab[t.special.UNK]
		if t.special.UNK == "" || !ok {
			return nil, errors.Errorf("cannot encode %q: not in vocabulary and no unk token", s[:size])
		}
		ids = append(ids, unk)
		s = s[size:]
	}
	return ids, nil
}
