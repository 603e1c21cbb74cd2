package tokenizer_test

import (
	"testing"

	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
	"github.com/stretchr/testify/assert"
)

func TestCountTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "whitespace only", text: "  \n\t ", want: 0},
		{name: "single word", text: "hello", want: 1},
		{name: "sentence", text: "The quick brown fox jumps.", want: 5},
		{name: "punctuation separated", text: "foo,bar;baz", want: 3},
		{name: "underscore is part of word", text: "snake_case name", want: 2},
		{name: "digits", text: "port 8080 open", want: 3},
		{name: "unicode", text: "héllo wörld", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenizer.CountTokens(tt.text))
		})
	}
}

func TestFields_Offsets(t *testing.T) {
	text := "one, two\nthree"
	spans := tokenizer.Fields(text)

	assert.Len(t, spans, 3)
	for _, s := range spans {
		assert.Equal(t, s.Text, text[s.Start:s.End])
	}
	assert.Equal(t, "one", spans[0].Text)
	assert.Equal(t, 0, spans[0].Start)
	assert.Equal(t, "three", spans[2].Text)
	assert.Equal(t, len(text), spans[2].End)
}

func TestFields_TrailingWord(t *testing.T) {
	spans := tokenizer.Fields("tail")
	assert.Len(t, spans, 1)
	assert.Equal(t, tokenizer.Span{Text: "tail", Start: 0, End: 4}, spans[0])
}

func TestWords_MatchesCount(t *testing.T) {
	text := "alpha beta gamma delta"
	assert.Len(t, tokenizer.Words(text), tokenizer.CountTokens(text))
}
