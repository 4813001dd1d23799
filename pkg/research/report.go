package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const DefaultReportContextSize = 150_000

// ReportWriter turns the learnings of a run into a markdown report.
type ReportWriter struct {
	Generator   *llm.Generator
	ContextSize int
	Logger      *slog.Logger
}

func NewReportWriter(g *llm.Generator, contextSize int, logger *slog.Logger) *ReportWriter {
	if contextSize <= 0 {
		contextSize = DefaultReportContextSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportWriter{Generator: g, ContextSize: contextSize, Logger: logger}
}

type reportResponse struct {
	ReportMarkdown string `json:"reportMarkdown"`
}

func reportSchema() *jsonschema.Schema {
	return llm.Object(map[string]*jsonschema.Schema{
		"reportMarkdown": llm.String("Final report on the topic in Markdown"),
	})
}

// WriteFinalReport asks the model for a detailed report and appends a
// Sources section listing every visited URL.
func (w *ReportWriter) WriteFinalReport(ctx context.Context, prompt string, learnings, visitedURLs []string) (string, error) {
	contextSize := w.ContextSize
	if contextSize <= 0 {
		contextSize = DefaultReportContextSize
	}

	wrapped := make([]string, len(learnings))
	for i, l := range learnings {
		wrapped[i] = "<learning>\n" + l + "\n</learning>"
	}
	learningsString := splitter.TrimPrompt(strings.Join(wrapped, "\n"), contextSize)

	resp, err := llm.GenerateObject[reportResponse](ctx, w.Generator, llm.Request{
		System: systemPrompt(),
		Prompt: fmt.Sprintf("Given the following prompt from the user, write a final report on the topic using the learnings from research. "+
			"Make it as detailed as possible, aim for 3 or more pages, include ALL the learnings from research:\n\n"+
			"<prompt>%s</prompt>\n\n"+
			"Here are all the learnings from previous research:\n\n<learnings>\n%s\n</learnings>", prompt, learningsString),
		Schema: reportSchema(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to write final report: %w", err)
	}

	w.logger().Info("Generated final report", "length", len(resp.ReportMarkdown), "sources", len(visitedURLs))
	return resp.ReportMarkdown + sourcesSection(visitedURLs), nil
}

func sourcesSection(urls []string) string {
	lines := make([]string, len(urls))
	for i, u := range urls {
		lines[i] = "- " + u
	}
	return "\n\n## Sources\n\n" + strings.Join(lines, "\n")
}

func (w *ReportWriter) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
