package metrics

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Tokenizer estimates token counts with a tiktoken encoding. When the
// encoding cannot be loaded (unknown name, no BPE cache offline) it falls
// back to a character heuristic. It satisfies lifecycle.TokenCounter.
type Tokenizer struct {
	encoding string

	once    sync.Once
	encoder *tiktoken.Tiktoken
	err     error
}

// NewTokenizer returns a Tokenizer for encoding. The encoding is loaded on
// first use.
func NewTokenizer(encoding string) *Tokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Tokenizer{encoding: encoding}
}

func (t *Tokenizer) init() {
	t.once.Do(func() {
		t.encoder, t.err = tiktoken.GetEncoding(t.encoding)
	})
}

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.err != nil || t.encoder == nil {
		return heuristicTokens(text)
	}
	return len(t.encoder.Encode(text, nil, nil))
}

// Precise reports whether counts come from the encoding rather than the
// heuristic.
func (t *Tokenizer) Precise() bool {
	t.init()
	return t.err == nil && t.encoder != nil
}

// Encoding returns the configured encoding name.
func (t *Tokenizer) Encoding() string { return t.encoding }

// heuristicTokens assumes about four characters per token for Latin text and
// one and a half tokens per CJK character.
func heuristicTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)*1.5 + float64(other)*0.25)
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
