package splitter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTrimPromptEmpty(t *testing.T) {
	assert.Equal(t, "", TrimPrompt("", 100))
}

func TestTrimPromptWithinBudget(t *testing.T) {
	prompt := "Solid-state batteries replace the liquid electrolyte with a solid one."
	assert.Equal(t, prompt, TrimPrompt(prompt, 1000))
}

func TestTrimPromptShrinksToBudget(t *testing.T) {
	paragraph := "The quick brown fox jumps over the lazy dog near the riverbank at dawn. "
	prompt := strings.Repeat(paragraph+"\n\n", 400)

	got := TrimPrompt(prompt, 200)

	assert.NotEmpty(t, got)
	assert.Less(t, len(got), len(prompt))
	assert.LessOrEqual(t, CountTokens(got), 200)
	assert.True(t, strings.HasPrefix(prompt, got), "trimmed prompt should be a prefix of the input")
}

func TestTrimPromptTinyBudgetCutsToMinChunk(t *testing.T) {
	prompt := strings.Repeat("word ", 2000)

	got := TrimPrompt(prompt, 1)

	assert.NotEmpty(t, got)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MinChunkSize)
	assert.True(t, strings.HasPrefix(prompt, got))
}

func TestTrimPromptKeepsValidUTF8(t *testing.T) {
	prompt := strings.Repeat("研究结果表明，固态电池的能量密度更高。", 500)

	got := TrimPrompt(prompt, 50)

	assert.True(t, utf8.ValidString(got))
	assert.Less(t, len(got), len(prompt))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"whitespace", "   ", 0},
		{"single short word", "hi", 1},
		{"words dominate", "a b c d e f", 6},
		{"runes dominate", strings.Repeat("x", 40), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.in))
		})
	}
}
