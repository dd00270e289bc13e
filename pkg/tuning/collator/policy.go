// Package collator selects how training examples are batched: packed into full
// length sequences, or masked so only the response after a template contributes
// to the loss.
package collator

import (
	"errors"
	"fmt"

	"github.com/sgl-project/sft-agent/pkg/constants"
	"github.com/sgl-project/sft-agent/pkg/logging"
	"github.com/sgl-project/sft-agent/pkg/tuning/tokenizer"
)

var (
	ErrMissingResponseTemplate = errors.New("response template is not set, it is required when packing is disabled")
	ErrMissingTextField        = errors.New("dataset text field is not set, it is required when packing is disabled")
	ErrEmptyTemplateIDs        = errors.New("response template encodes to no tokens")
)

// Kind is the active collation policy.
type Kind string

const (
	// Packed concatenates examples up to the max sequence length; no collator is used.
	Packed Kind = "packed"
	// TemplateMasked masks every token up to the end of the response template.
	TemplateMasked Kind = "template_masked"
)

// TemplateMatching selects how the response template is located in a sequence.
type TemplateMatching string

const (
	// MatchSubsequence searches for the full encoded template at any position.
	MatchSubsequence TemplateMatching = "subsequence"
	// MatchStripLeading drops the first two encoded template tokens before searching.
	// Templates usually start with a newline whose leading fragment only appears when
	// the template is encoded on its own. Tokenizer family dependent.
	MatchStripLeading TemplateMatching = "strip_leading"
)

// Input is the configuration the selector reads.
type Input struct {
	Packing          bool
	ResponseTemplate *string
	TextField        *string
	Matching         TemplateMatching
}

// Policy is the selected collation strategy for one job.
//
// ResponseTemplateIDs are the ids the agent's encoder produced. When
// TemplateIDsAdvisory is set that encoder only approximates the model's
// tokenizer, and the runtime re-encodes ResponseTemplate with the real one and
// applies Matching to the result. The ids are then a hint for logging and for
// the agent's own sanity check.
type Policy struct {
	Kind Kind `json:"kind"`

	ResponseTemplate    string           `json:"response_template,omitempty"`
	ResponseTemplateIDs []int            `json:"response_template_ids,omitempty"`
	TemplateIDsAdvisory bool             `json:"template_ids_advisory,omitempty"`
	Matching            TemplateMatching `json:"matching,omitempty"`
	IgnoreIndex         int              `json:"ignore_index"`
}

// Packing reports whether the trainer should pack examples.
func (p *Policy) Packing() bool { return p.Kind == Packed }

// Collator returns the masking collator, or nil for the packed policy.
func (p *Policy) Collator() *CompletionOnlyCollator {
	if p.Kind != TemplateMasked {
		return nil
	}
	return &CompletionOnlyCollator{TemplateIDs: p.ResponseTemplateIDs, IgnoreIndex: p.IgnoreIndex}
}

// CheckPreconditions validates the configuration for the policy it selects without
// touching a tokenizer, so it can run before any model is loaded.
func CheckPreconditions(in Input) error {
	if in.Packing {
		return nil
	}
	var errs []error
	if in.ResponseTemplate == nil || *in.ResponseTemplate == "" {
		errs = append(errs, ErrMissingResponseTemplate)
	}
	if in.TextField == nil || *in.TextField == "" {
		errs = append(errs, ErrMissingTextField)
	}
	switch in.Matching {
	case "", MatchSubsequence, MatchStripLeading:
	default:
		errs = append(errs, fmt.Errorf("unknown response template matching %q", in.Matching))
	}
	return errors.Join(errs...)
}

// Selector picks exactly one Policy for a job.
type Selector struct {
	logger logging.Interface
}

// NewSelector creates a Selector.
func NewSelector(logger logging.Interface) *Selector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Selector{logger: logger}
}

// Select returns the policy for in. For TemplateMasked the template is encoded
// with enc, which must already have its special tokens normalized.
func (s *Selector) Select(in Input, enc tokenizer.Encoder) (*Policy, error) {
	if err := CheckPreconditions(in); err != nil {
		return nil, err
	}

	if in.Packing {
		s.logger.Info("Packing is set to True")
		return &Policy{Kind: Packed, IgnoreIndex: constants.IgnoreIndex}, nil
	}
	s.logger.Info("Packing is set to False")

	matching := in.Matching
	if matching == "" {
		matching = MatchSubsequence
	}

	ids, err := enc.Encode(*in.ResponseTemplate, false)
	if err != nil {
		return nil, fmt.Errorf("encoding response template %q: %w", *in.ResponseTemplate, err)
	}
	if matching == MatchStripLeading {
		if len(ids) <= 2 {
			return nil, fmt.Errorf("%w: %q has %d tokens, strip_leading needs more than 2", ErrEmptyTemplateIDs, *in.ResponseTemplate, len(ids))
		}
		ids = ids[2:]
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyTemplateIDs, *in.ResponseTemplate)
	}

	advisory := false
	if a, ok := enc.(tokenizer.Approximator); ok && a.Approximate() {
		advisory = true
	}

	s.logger.Debugf("response template %q encoded to %v (%s, advisory=%t)", *in.ResponseTemplate, ids, matching, advisory)
	return &Policy{
		Kind:                TemplateMasked,
		ResponseTemplate:    *in.ResponseTemplate,
		ResponseTemplateIDs: ids,
		TemplateIDsAdvisory: advisory,
		Matching:            matching,
		IgnoreIndex:         constants.IgnoreIndex,
	}, nil
}
