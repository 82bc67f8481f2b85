package tokenizer

import (
	"math"
	"unicode"
)

// Estimate approximates the token cost of text the way chat-completion
// providers bill it: CJK codepoints weigh roughly 1.5 tokens each, every
// other character roughly a quarter token (4 chars per token). The result
// is an upper-ish bound suitable for quota pre-checks, not an exact
// tokenizer.
func Estimate(text string) int {
	var dense, other int
	for _, r := range text {
		if isDense(r) {
			dense++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(dense)*1.5 + float64(other)*0.25))
}

func isDense(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
