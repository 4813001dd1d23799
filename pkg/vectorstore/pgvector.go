// Package vectorstore keeps research learnings and their embeddings in a
// pgvector-backed table.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// Pool is the part of a pgx pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Learning is a stored research learning.
type Learning struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// Match is a similarity search hit.
type Match struct {
	Learning Learning `json:"learning"`
	Score    float64  `json:"score"`
}

// PGVectorStore stores learnings in one collection table.
type PGVectorStore struct {
	pool      Pool
	tableName string
}

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

// isValidTableName rejects anything but a plain lower-case-led identifier
// of at most 63 characters.
func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// NewPGVectorStore creates a new PGVector store
func NewPGVectorStore(pool Pool, tableName string) (*PGVectorStore, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name %q: must contain only alphanumeric characters and underscores, start with a letter or underscore, and be 1-63 characters long", tableName)
	}
	return &PGVectorStore{
		pool:      pool,
		tableName: tableName,
	}, nil
}

func (vs *PGVectorStore) table() string {
	return pgx.Identifier{vs.tableName}.Sanitize()
}

// AddLearnings inserts learnings in a single batch.
func (vs *PGVectorStore) AddLearnings(ctx context.Context, learnings []Learning) error {
	if len(learnings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (content, metadata, embedding)
		VALUES ($1, $2, $3)
	`, vs.table())

	batch := &pgx.Batch{}
	for _, l := range learnings {
		metadataJSON, err := json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(query, l.Content, metadataJSON, pgvector.NewVector(l.Embedding))
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range learnings {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert learning: %w", err)
		}
	}

	return nil
}

// DeleteByJob removes every learning indexed for jobID and returns how many
// rows were deleted.
func (vs *PGVectorStore) DeleteByJob(ctx context.Context, jobID string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE metadata->>'job_id' = $1`, vs.table())

	tag, err := vs.pool.Exec(ctx, query, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete learnings for job %s: %w", jobID, err)
	}
	return tag.RowsAffected(), nil
}

const learningColumns = "id, content, metadata"

// SimilaritySearch returns the topK learnings closest to queryEmbedding by
// cosine distance, optionally restricted to one source.
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, sourceFilter string) ([]Match, error) {
	args := []any{pgvector.NewVector(queryEmbedding)}
	where := "TRUE"
	if sourceFilter != "" {
		args = append(args, sourceFilter)
		where = fmt.Sprintf("metadata->>'source' = $%d", len(args))
	}
	args = append(args, topK)

	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, learningColumns, vs.table(), where, len(args))

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var m Match
		var metadataJSON []byte
		if err := row.Scan(&m.Learning.ID, &m.Learning.Content, &metadataJSON, &m.Score); err != nil {
			return m, err
		}
		return m, unmarshalMetadata(metadataJSON, &m.Learning)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read similarity results: %w", err)
	}
	return matches, nil
}

// GetBySource returns every learning recorded for source, oldest first.
func (vs *PGVectorStore) GetBySource(ctx context.Context, source string) ([]Learning, error) {
	return vs.queryLearnings(ctx, "metadata->>'source' = $1", source)
}

// GetByMetadata returns learnings matching a JSON filter. Keys are matched
// by containment; $and, $or and $not combine sub-filters.
func (vs *PGVectorStore) GetByMetadata(ctx context.Context, filter map[string]any) ([]Learning, error) {
	var args []any
	where, err := metadataClause(filter, &args)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata query: %w", err)
	}
	return vs.queryLearnings(ctx, where, args...)
}

func (vs *PGVectorStore) queryLearnings(ctx context.Context, where string, args ...any) ([]Learning, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY created_at ASC
	`, learningColumns, vs.table(), where)

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	learnings, err := pgx.CollectRows(rows, scanLearning)
	if err != nil {
		return nil, fmt.Errorf("failed to read learnings: %w", err)
	}
	return learnings, nil
}

func scanLearning(row pgx.CollectableRow) (Learning, error) {
	var l Learning
	var metadataJSON []byte
	if err := row.Scan(&l.ID, &l.Content, &metadataJSON); err != nil {
		return l, err
	}
	return l, unmarshalMetadata(metadataJSON, &l)
}

func unmarshalMetadata(data []byte, l *Learning) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &l.Metadata); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}

// metadataClause turns filter into a WHERE clause, appending the JSON
// fragments it binds to args. Keys are visited in sorted order so the
// placeholders are numbered deterministically.
func metadataClause(filter map[string]any, args *[]any) (string, error) {
	var conditions []string

	for _, key := range slices.Sorted(maps.Keys(filter)) {
		value := filter[key]
		switch key {
		case "$and", "$or":
			list, ok := value.([]any)
			if !ok {
				return "", fmt.Errorf("value for %s must be a list of conditions", key)
			}
			var parts []string
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("item in %s list must be a JSON object", key)
				}
				clause, err := metadataClause(sub, args)
				if err != nil {
					return "", err
				}
				parts = append(parts, "("+clause+")")
			}
			if len(parts) == 0 {
				continue
			}
			op := " AND "
			if key == "$or" {
				op = " OR "
			}
			conditions = append(conditions, "("+strings.Join(parts, op)+")")

		case "$not":
			sub, ok := value.(map[string]any)
			if !ok {
				return "", errors.New("value for $not must be a JSON object")
			}
			clause, err := metadataClause(sub, args)
			if err != nil {
				return "", err
			}
			conditions = append(conditions, "NOT ("+clause+")")

		default:
			fragment, err := json.Marshal(map[string]any{key: value})
			if err != nil {
				return "", fmt.Errorf("failed to marshal metadata pair: %w", err)
			}
			*args = append(*args, fragment)
			conditions = append(conditions, fmt.Sprintf("metadata @> $%d", len(*args)))
		}
	}

	if len(conditions) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conditions, " AND "), nil
}
