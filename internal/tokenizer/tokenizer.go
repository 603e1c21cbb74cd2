// Package tokenizer provides word-boundary tokenization and token counting.
//
// The chunker, token ledger, and reranker all share this definition of a
// token: one unicode word (letters, digits, underscore). This is an
// approximation of model tokenization, but it is deterministic and cheap,
// which matters more for budget accounting than exactness.
package tokenizer

import "unicode"

// Span is a token occurrence within a larger text, with byte offsets.
type Span struct {
	// Text is the token itself.
	Text string

	// Start is the byte offset of the first byte of the token.
	Start int

	// End is the byte offset one past the last byte of the token.
	End int
}

// CountTokens returns the number of word tokens in text.
func CountTokens(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		if isWordRune(r) {
			if !inWord {
				count++
				inWord = true
			}
		} else {
			inWord = false
		}
	}
	return count
}

// Words returns the word tokens of text in order.
func Words(text string) []string {
	spans := Fields(text)
	words := make([]string, len(spans))
	for i, s := range spans {
		words[i] = s.Text
	}
	return words
}

// Fields returns the word tokens of text with their byte offsets.
// Offsets index into the original string, so callers can map token
// positions back to content positions.
func Fields(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
		} else if start >= 0 {
			spans = append(spans, Span{Text: text[start:i], Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Text: text[start:], Start: start, End: len(text)})
	}
	return spans
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
