// Package tokenizer estimates token counts for budget enforcement.
package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

const DefaultEncoding = "cl100k_base"

type Counter interface {
	Count(text string) int
}

// Tiktoken counts BPE tokens with an OpenAI encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates tokens as runes divided by CharsPerToken, rounded up.
type Heuristic struct {
	CharsPerToken int
}

func (h Heuristic) Count(text string) int {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + cpt - 1) / cpt
}

// New returns a tiktoken counter, falling back to the heuristic when the
// encoding cannot be loaded (tiktoken fetches BPE ranks on first use).
func New(encoding string) Counter {
	tok, err := NewTiktoken(encoding)
	if err != nil {
		log.Warn().Err(err).Msg("tokenizer: falling back to heuristic counter")
		return Heuristic{}
	}
	return tok
}
