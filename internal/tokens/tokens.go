// Package tokens estimates token counts for summarization budgeting.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens of text for a given model's tokenizer.
type Counter struct {
	model string

	mu  sync.Mutex
	enc *tiktoken.Tiktoken
	// encErr is sticky: once the encoding fails to load we stay on the
	// heuristic instead of retrying on every call.
	encErr error
}

// NewCounter returns a counter for the given model. The tokenizer is
// loaded lazily on first use; if loading fails the counter falls back to
// a character heuristic.
func NewCounter(model string) *Counter {
	if model == "" {
		model = "gpt-4o"
	}
	return &Counter{model: model}
}

func (c *Counter) encoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil && c.encErr == nil {
		c.enc, c.encErr = tiktoken.EncodingForModel(c.model)
	}
	return c.enc
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

// CountAll returns the summed token count of texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// heuristic approximates tokens as max(chars/4, words*4/3), the usual
// English-text rule of thumb.
func heuristic(text string) int {
	chars := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	byChars := (chars + 3) / 4
	byWords := words * 4 / 3
	if byWords > byChars {
		return byWords
	}
	return byChars
}
