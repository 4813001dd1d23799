package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/llm"
)

// Planner turns a topic and prior learnings into search queries.
type Planner struct {
	Generator *llm.Generator
	Logger    *slog.Logger
}

func NewPlanner(g *llm.Generator, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{Generator: g, Logger: logger}
}

type serpQueryResponse struct {
	Queries []SerpQuery `json:"queries"`
}

func serpQuerySchema(numQueries int) *jsonschema.Schema {
	return llm.Object(map[string]*jsonschema.Schema{
		"queries": llm.Array(
			llm.Object(map[string]*jsonschema.Schema{
				"query": llm.String("The SERP query"),
				"researchGoal": llm.String("First state the goal of the research this query is meant to accomplish, " +
					"then explain how to advance the research once results are found and list additional research directions. " +
					"Be as specific as possible, especially for the additional research directions."),
			}),
			fmt.Sprintf("List of SERP queries, max of %d", numQueries),
		),
	})
}

// GenerateSerpQueries returns at most numQueries queries for query. Errors
// from the model are returned as is.
func (p *Planner) GenerateSerpQueries(ctx context.Context, query string, numQueries int, learnings []string) ([]SerpQuery, error) {
	if numQueries <= 0 {
		numQueries = 3
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Given the following prompt from the user, generate a list of SERP queries to research the topic. "+
		"Return a maximum of %d queries, but feel free to return less if the original prompt is clear. "+
		"Make sure each query is unique and not similar to each other: <prompt>%s</prompt>", numQueries, query)
	if len(learnings) > 0 {
		sb.WriteString("\n\nHere are some learnings from previous research, use them to generate more specific queries: ")
		sb.WriteString(strings.Join(learnings, "\n"))
	}

	resp, err := llm.GenerateObject[serpQueryResponse](ctx, p.Generator, llm.Request{
		System: systemPrompt(),
		Prompt: sb.String(),
		Schema: serpQuerySchema(numQueries),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate serp queries: %w", err)
	}

	queries := resp.Queries
	if len(queries) > numQueries {
		queries = queries[:numQueries]
	}

	p.Logger.Info("Generated queries", "count", len(queries), "queries", queries)
	return queries, nil
}
