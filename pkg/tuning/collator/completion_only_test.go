package collator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompletionOnlyCollator_Labels(t *testing.T) {
	c := &CompletionOnlyCollator{TemplateIDs: []int{10, 11}, IgnoreIndex: -100}

	tests := []struct {
		name       string
		input      []int
		wantLabels []int
		wantFound  bool
	}{
		{
			name:       "template mid sequence",
			input:      []int{1, 5, 6, 10, 11, 7, 8, 2},
			wantLabels: []int{-100, -100, -100, -100, -100, 7, 8, 2},
			wantFound:  true,
		},
		{
			name:       "partial template is not a match",
			input:      []int{1, 10, 5, 11, 7},
			wantLabels: []int{-100, -100, -100, -100, -100},
			wantFound:  false,
		},
		{
			name:       "first occurrence wins",
			input:      []int{10, 11, 3, 10, 11, 4},
			wantLabels: []int{-100, -100, 3, 10, 11, 4},
			wantFound:  true,
		},
		{
			name:       "template at the very end",
			input:      []int{1, 10, 11},
			wantLabels: []int{-100, -100, -100},
			wantFound:  true,
		},
		{
			name:       "shorter than template",
			input:      []int{10},
			wantLabels: []int{-100},
			wantFound:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels, found := c.Labels(tt.input)
			assert.Equal(t, tt.wantLabels, labels)
			assert.Equal(t, tt.wantFound, found)
		})
	}
}

func TestCompletionOnlyCollator_EmptyTemplate(t *testing.T) {
	c := &CompletionOnlyCollator{IgnoreIndex: -100}
	assert.Equal(t, -1, c.FindTemplate([]int{1, 2, 3}))
}
