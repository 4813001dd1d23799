// Package knowledge indexes the learnings of finished research jobs and
// exposes them as retrieval tools.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Store is the learnings collection the toolset reads and writes.
type Store interface {
	AddLearnings(ctx context.Context, learnings []vectorstore.Learning) error
	DeleteByJob(ctx context.Context, jobID string) (int64, error)
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, sourceFilter string) ([]vectorstore.Match, error)
	GetBySource(ctx context.Context, source string) ([]vectorstore.Learning, error)
	GetByMetadata(ctx context.Context, filter map[string]any) ([]vectorstore.Learning, error)
}

type Toolset struct {
	Store    Store
	Embedder embeddings.Embedder
	Logger   *slog.Logger
}

func NewToolset(store Store, embedder embeddings.Embedder, logger *slog.Logger) *Toolset {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolset{Store: store, Embedder: embedder, Logger: logger}
}

// IndexLearnings embeds learnings and stores them tagged with the job. Any
// learnings previously indexed for the job are replaced.
func (t *Toolset) IndexLearnings(ctx context.Context, jobID, topic string, learnings, visitedURLs []string) (int, error) {
	if _, err := t.Store.DeleteByJob(ctx, jobID); err != nil {
		return 0, err
	}
	if len(learnings) == 0 {
		return 0, nil
	}

	vecs, err := t.Embedder.EmbedTexts(ctx, learnings)
	if err != nil {
		return 0, fmt.Errorf("failed to embed learnings: %w", err)
	}

	sources := visitedURLs
	if sources == nil {
		sources = []string{}
	}
	docs := make([]vectorstore.Learning, len(learnings))
	for i, l := range learnings {
		docs[i] = vectorstore.Learning{
			Content: l,
			Metadata: map[string]any{
				"job_id":       jobID,
				"topic":        topic,
				"source":       topic,
				"visited_urls": sources,
			},
			Embedding: vecs[i],
		}
	}

	if err := t.Store.AddLearnings(ctx, docs); err != nil {
		return 0, err
	}
	t.Logger.Info("Indexed learnings", "job_id", jobID, "count", len(docs))
	return len(docs), nil
}

type SearchLearningsArgs struct {
	Query  string `json:"query"`
	TopK   int    `json:"topK,omitempty"`
	Source string `json:"source,omitempty"`
}

type FindSourceArgs struct {
	Source string `json:"source"`
}

type FindMetadataArgs struct {
	Filter map[string]any `json:"filter"`
}

// SearchLearnings runs a semantic search over indexed learnings.
func (t *Toolset) SearchLearnings(ctx context.Context, args SearchLearningsArgs) (string, error) {
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}

	t.Logger.Info("Search learnings", "query", args.Query, "topK", args.TopK, "source", args.Source)

	queryEmbedding, err := t.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("failed to generate query embedding: %w", err)
	}

	matches, err := t.Store.SimilaritySearch(ctx, queryEmbedding, args.TopK, args.Source)
	if err != nil {
		return "", fmt.Errorf("failed to search: %w", err)
	}

	formatted := make([]string, len(matches))
	for i, m := range matches {
		formatted[i] = formatLearning(m.Learning, fmt.Sprintf("[Score]: %.3f", m.Score))
	}
	return strings.Join(formatted, "\n\n"), nil
}

// FindLearningsBySource lists every learning recorded under a source.
func (t *Toolset) FindLearningsBySource(ctx context.Context, args FindSourceArgs) (string, error) {
	if args.Source == "" {
		return "", fmt.Errorf("%w: source is required", ErrInvalidArguments)
	}

	learnings, err := t.Store.GetBySource(ctx, args.Source)
	if err != nil {
		return "", fmt.Errorf("failed to find learnings: %w", err)
	}

	contents := make([]string, len(learnings))
	for i, l := range learnings {
		contents[i] = l.Content
	}
	return strings.Join(contents, "\n\n"), nil
}

// FindLearningsByMetadata lists learnings matching a metadata filter.
func (t *Toolset) FindLearningsByMetadata(ctx context.Context, args FindMetadataArgs) (string, error) {
	if args.Filter == nil {
		return "", fmt.Errorf("%w: filter is required", ErrInvalidArguments)
	}

	learnings, err := t.Store.GetByMetadata(ctx, args.Filter)
	if err != nil {
		return "", fmt.Errorf("failed to find learnings: %w", err)
	}

	formatted := make([]string, len(learnings))
	for i, l := range learnings {
		formatted[i] = formatLearning(l, "")
	}
	return strings.Join(formatted, "\n\n"), nil
}

// formatLearning renders a learning and its metadata, keys sorted.
func formatLearning(l vectorstore.Learning, header string) string {
	var sb strings.Builder
	if header != "" {
		sb.WriteString(header)
		sb.WriteString("\n")
	}
	source := "unknown"
	if s, ok := l.Metadata["source"].(string); ok {
		source = s
	}
	fmt.Fprintf(&sb, "[Source]: %s\n[Content]: %s", source, l.Content)

	keys := make([]string, 0, len(l.Metadata))
	for k := range l.Metadata {
		if k != "source" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "\n[%s]: %v", k, l.Metadata[k])
	}
	return sb.String()
}

// Tool describes one callable tool.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// Tools lists the retrieval tools in a stable order.
func (t *Toolset) Tools() []Tool {
	return []Tool{
		{
			Name:        "search_learnings",
			Description: "Search learnings from past research jobs using semantic search.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query":  {Type: "string", Description: "The search query."},
					"topK":   {Type: "integer", Description: "The number of top results to return.", Default: json.RawMessage("5")},
					"source": {Type: "string", Description: "Only return learnings from this source (the research topic)."},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "find_learnings_by_source",
			Description: "Find all learnings recorded for a specific source.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"source": {Type: "string", Description: "The source to find learnings for."},
				},
				Required: []string{"source"},
			},
		},
		{
			Name:        "find_learnings_by_metadata",
			Description: "Find learnings using logical filters on metadata such as job_id or topic.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"filter": {Type: "object", Description: "JSON filter object with logical operators ($and, $or, $not)"},
				},
				Required: []string{"filter"},
			},
		},
	}
}

// Call decodes arguments for the named tool and runs it.
func (t *Toolset) Call(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	switch name {
	case "search_learnings":
		var args SearchLearningsArgs
		if err := decodeArgs(arguments, &args); err != nil {
			return "", err
		}
		return t.SearchLearnings(ctx, args)
	case "find_learnings_by_source":
		var args FindSourceArgs
		if err := decodeArgs(arguments, &args); err != nil {
			return "", err
		}
		return t.FindLearningsBySource(ctx, args)
	case "find_learnings_by_metadata":
		var args FindMetadataArgs
		if err := decodeArgs(arguments, &args); err != nil {
			return "", err
		}
		return t.FindLearningsByMetadata(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
