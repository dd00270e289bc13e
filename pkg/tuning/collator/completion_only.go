package collator

// CompletionOnlyCollator builds labels that ignore every token up to and including
// the response template, so only response tokens contribute to the loss.
type CompletionOnlyCollator struct {
	TemplateIDs []int
	IgnoreIndex int
}

// FindTemplate returns the index just past the first occurrence of the template in
// inputIDs, or -1 when the template does not occur.
func (c *CompletionOnlyCollator) FindTemplate(inputIDs []int) int {
	n := len(c.TemplateIDs)
	if n == 0 || n > len(inputIDs) {
		return -1
	}
outer:
	for i := 0; i+n <= len(inputIDs); i++ {
		for j := 0; j < n; j++ {
			if inputIDs[i+j] != c.TemplateIDs[j] {
				continue outer
			}
		}
		return i + n
	}
	return -1
}

// Labels returns the labels for one example. When the template is missing every
// label is ignored and found is false, matching how such an example is dropped
// from the loss.
func (c *CompletionOnlyCollator) Labels(inputIDs []int) (labels []int, found bool) {
	labels = make([]int, len(inputIDs))
	end := c.FindTemplate(inputIDs)
	for i, id := range inputIDs {
		if end < 0 || i < end {
			labels[i] = c.IgnoreIndex
			continue
		}
		labels[i] = id
	}
	return labels, end >= 0
}
