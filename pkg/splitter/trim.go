package splitter

import "unicode/utf8"

// MinChunkSize is the shortest prefix TrimPrompt will cut a prompt down to.
const MinChunkSize = 140

// TrimPrompt shrinks prompt until it fits into contextSize tokens. It
// prefers cutting on the recursive splitter's boundaries and falls back to
// a hard cut when the splitter cannot make progress.
func TrimPrompt(prompt string, contextSize int) string {
	if prompt == "" {
		return ""
	}

	length := CountTokens(prompt)
	if length <= contextSize {
		return prompt
	}

	runes := []rune(prompt)
	overflow := length - contextSize
	// roughly 3 characters per token
	chunkSize := len(runes) - overflow*3
	if chunkSize < MinChunkSize {
		return string(runes[:min(MinChunkSize, len(runes))])
	}

	var trimmed string
	chunks, err := NewRecursiveCharacterTextSplitter(chunkSize, 0).SplitText(prompt)
	if err == nil && len(chunks) > 0 {
		trimmed = chunks[0]
	}

	n := utf8.RuneCountInString(trimmed)
	if n == 0 || n >= len(runes) {
		return TrimPrompt(string(runes[:chunkSize]), contextSize)
	}

	return TrimPrompt(trimmed, contextSize)
}
