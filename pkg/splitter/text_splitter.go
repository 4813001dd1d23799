// Package splitter counts tokens and trims oversized prompt material so it
// fits into a model's context window.
package splitter

import (
	"github.com/tmc/langchaingo/textsplitter"
)

// markdownSeparators prefers breaking scraped markdown on section and
// paragraph boundaries before falling back to lines, words and runes.
var markdownSeparators = []string{"\n## ", "\n### ", "\n\n", "\n", " ", ""}

// TextSplitter wraps the langchaingo text splitter
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

// NewRecursiveCharacterTextSplitter creates a recursive character text
// splitter tuned for markdown content. Sizes are measured in runes.
func NewRecursiveCharacterTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(markdownSeparators),
	)

	return &TextSplitter{splitter: ts}
}

// SplitText splits text into chunks
func (ts *TextSplitter) SplitText(text string) ([]string, error) {
	return ts.splitter.SplitText(text)
}
