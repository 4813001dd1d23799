package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
	"github.com/mikeboe/deep-research/pkg/splitter"
)

const (
	DefaultContentContextSize = 25_000
	DefaultDistillTimeout     = 60 * time.Second
	DefaultNumLearnings       = 3
)

// Distiller extracts learnings and follow-up questions from search results.
type Distiller struct {
	Generator *llm.Generator
	// ContextSize is the token budget for each content item.
	ContextSize int
	Timeout     time.Duration
	Logger      *slog.Logger
}

func NewDistiller(g *llm.Generator, contextSize int, logger *slog.Logger) *Distiller {
	if contextSize <= 0 {
		contextSize = DefaultContentContextSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Distiller{
		Generator:   g,
		ContextSize: contextSize,
		Timeout:     DefaultDistillTimeout,
		Logger:      logger,
	}
}

func distillationSchema(maxLearnings, maxFollowUps int) *jsonschema.Schema {
	return llm.Object(map[string]*jsonschema.Schema{
		"learnings": llm.Array(llm.String("A single learning"),
			fmt.Sprintf("List of learnings, max of %d", maxLearnings)),
		"followUpQuestions": llm.Array(llm.String("A follow-up question"),
			fmt.Sprintf("List of follow-up questions to research the topic further, max of %d", maxFollowUps)),
	})
}

// Distill summarizes results into at most maxLearnings learnings and
// maxFollowUps follow-up questions. Results without content are skipped, and
// the model is asked even when none are left. A timeout is reported as
// llm.ErrTimeout.
func (d *Distiller) Distill(ctx context.Context, query string, results []search.Result, maxLearnings, maxFollowUps int) (Distillation, error) {
	if maxLearnings <= 0 {
		maxLearnings = DefaultNumLearnings
	}
	if maxFollowUps < 0 {
		maxFollowUps = 0
	}

	var contents []string
	for _, r := range results {
		if strings.TrimSpace(r.Markdown) == "" {
			continue
		}
		contents = append(contents, splitter.TrimPrompt(r.Markdown, d.ContextSize))
	}
	d.Logger.Info("Ran query", "query", query, "contents", len(contents))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Given the following contents from a SERP search for the query <query>%s</query>, generate a list of learnings from the contents. "+
		"Return a maximum of %d learnings, but feel free to return less if the contents are clear. "+
		"Make sure each learning is unique and not similar to each other. "+
		"The learnings should be concise and to the point, as detailed and information dense as possible. "+
		"Make sure to include any entities like people, places, companies, products, things, etc in the learnings, as well as any exact metrics, numbers, or dates. "+
		"The learnings will be used to research the topic further.\n\n<contents>", query, maxLearnings)
	for i, c := range contents {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("<content>\n")
		sb.WriteString(c)
		sb.WriteString("\n</content>")
	}
	sb.WriteString("</contents>")

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDistillTimeout
	}

	out, err := llm.GenerateObject[Distillation](ctx, d.Generator, llm.Request{
		System:  systemPrompt(),
		Prompt:  sb.String(),
		Schema:  distillationSchema(maxLearnings, maxFollowUps),
		Timeout: timeout,
	})
	if err != nil {
		if errors.Is(err, llm.ErrTimeout) {
			return Distillation{}, fmt.Errorf("distilling %q: %w", query, err)
		}
		return Distillation{}, fmt.Errorf("failed to distill results for %q: %w", query, err)
	}

	out.Learnings = truncate(out.Learnings, maxLearnings)
	out.FollowUpQuestions = truncate(out.FollowUpQuestions, maxFollowUps)

	d.Logger.Info("Created learnings", "query", query, "count", len(out.Learnings))
	return out, nil
}

func truncate(list []string, n int) []string {
	if list == nil {
		return []string{}
	}
	if len(list) > n {
		return list[:n]
	}
	return list
}
