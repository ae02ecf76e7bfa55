package generator

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Budget bounds prompt context by token count.
type Budget struct {
	codec tokenizer.Codec
	max   int
}

// NewBudget returns a Budget of maxTokens measured with the GPT-4 encoding.
// maxTokens <= 0 disables truncation.
func NewBudget(maxTokens int) (*Budget, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	return &Budget{codec: codec, max: maxTokens}, nil
}

// Count returns the token count of text, or an estimate when encoding fails.
func (b *Budget) Count(text string) int {
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate cuts text to the budget. The second result reports whether
// anything was cut.
func (b *Budget) Truncate(text string) (string, bool) {
	if b == nil || b.max <= 0 || text == "" {
		return text, false
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil || len(ids) <= b.max {
		return text, false
	}
	out, err := b.codec.Decode(ids[:b.max])
	if err != nil {
		return text, false
	}
	// A cut token boundary can split a multi-byte rune.
	return strings.ToValidUTF8(out, ""), true
}
