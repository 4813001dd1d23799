package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidInput = errors.New("invalid job request")
)

// SessionFactory builds a fresh research session that logs to logger.
type SessionFactory func(logger *slog.Logger) *research.Session

// Indexer stores the learnings of a finished job for later retrieval.
type Indexer interface {
	IndexLearnings(ctx context.Context, jobID, topic string, learnings, visitedURLs []string) (int, error)
}

type Service struct {
	DB         *database.PostgresDB
	NewSession SessionFactory
	Index      Indexer
	// LogHandler builds the handler a job's logger writes to. Defaults to a
	// DBLogHandler teeing to the default logger.
	LogHandler func(jobID uuid.UUID) slog.Handler
	// ProgressInterval is how often a running job's progress snapshot is
	// written. Zero means DefaultProgressInterval.
	ProgressInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(db *database.PostgresDB, newSession SessionFactory, index Indexer) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		DB:         db,
		NewSession: newSession,
		Index:      index,
		ctx:        ctx,
		cancel:     cancel,
	}
}

type Job struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	Breadth     int             `json:"breadth"`
	Depth       int             `json:"depth"`
	Status      string          `json:"status"`
	Report      *string         `json:"report,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Learnings   json.RawMessage `json:"learnings,omitempty"`
	VisitedURLs json.RawMessage `json:"visited_urls,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Config      json.RawMessage `json:"config,omitempty"`
}

type CreateJobRequest struct {
	Topic   string `json:"topic"`
	Breadth int    `json:"breadth,omitempty"`
	Depth   int    `json:"depth,omitempty"`
}

func (r *CreateJobRequest) normalize() error {
	if r.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidInput)
	}
	if r.Breadth < 0 || r.Depth < 0 {
		return fmt.Errorf("%w: breadth and depth must be positive", ErrInvalidInput)
	}
	if r.Breadth == 0 {
		r.Breadth = research.DefaultBreadth
	}
	if r.Depth == 0 {
		r.Depth = research.DefaultDepth
	}
	return nil
}

func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(map[string]any{
		"breadth": req.Breadth,
		"depth":   req.Depth,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode job config: %w", err)
	}

	jobID := uuid.New()
	query := `
		INSERT INTO research_jobs (id, topic, breadth, depth, status, config)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		RETURNING id, topic, breadth, depth, status, created_at, updated_at
	`

	job := &Job{}
	err = s.DB.Pool.QueryRow(ctx, query, jobID, req.Topic, req.Breadth, req.Depth, configJSON).Scan(
		&job.ID, &job.Topic, &job.Breadth, &job.Depth, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	// Start background worker
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(s.ctx, job.ID, req)
	}()

	return job, nil
}

// Wait blocks until every started job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running jobs and waits for their workers to return.
func (s *Service) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

const jobColumns = `id, topic, breadth, depth, status, report, state, learnings, visited_urls, created_at, updated_at, config`

// Ping checks that the database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.DB.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.Topic, &job.Breadth, &job.Depth, &job.Status, &job.Report,
		&job.State, &job.Learnings, &job.VisitedURLs, &job.CreatedAt, &job.UpdatedAt, &job.Config,
	)
	return job, err
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1`

	job, err := scanJob(s.DB.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs ORDER BY created_at DESC LIMIT 50`

	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	return logs, nil
}

func (s *Service) logHandler(jobID uuid.UUID) slog.Handler {
	if s.LogHandler != nil {
		return s.LogHandler(jobID)
	}
	return NewDBLogHandler(s.DB, jobID, slog.Default().Handler())
}

func (s *Service) runWorker(ctx context.Context, jobID uuid.UUID, req CreateJobRequest) {
	logger := slog.New(s.logHandler(jobID)).With("job_id", jobID.String())

	if _, err := s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = 'running', updated_at = NOW() WHERE id = $1", jobID); err != nil {
		logger.Error("Failed to mark job as running", "error", err)
	}

	if s.NewSession == nil {
		s.failJob(ctx, jobID, logger, "No research session configured")
		return
	}
	sess := s.NewSession(logger)

	progress := newProgressWriter(s.DB, jobID, logger)
	progress.start(ctx, s.ProgressInterval)
	sess.Engine.OnProgress = progress.publish

	out, err := sess.RunWithInput(ctx, research.Input{
		Query:        req.Topic,
		Breadth:      req.Breadth,
		Depth:        req.Depth,
		SkipFeedback: true,
	})
	stateJSON := progress.close()
	if err != nil {
		s.failJob(ctx, jobID, logger, fmt.Sprintf("Research failed: %v", err))
		return
	}

	learningsJSON, err := json.Marshal(out.Result.Learnings)
	if err != nil {
		s.failJob(ctx, jobID, logger, fmt.Sprintf("Failed to marshal learnings: %v", err))
		return
	}
	urlsJSON, err := json.Marshal(out.Result.VisitedURLs)
	if err != nil {
		s.failJob(ctx, jobID, logger, fmt.Sprintf("Failed to marshal visited urls: %v", err))
		return
	}

	if _, err := s.DB.Pool.Exec(ctx,
		`UPDATE research_jobs
		 SET status = 'completed', report = $2, learnings = $3, visited_urls = $4,
		     state = COALESCE($5, state), updated_at = NOW()
		 WHERE id = $1`,
		jobID, out.Report, learningsJSON, urlsJSON, stateJSON); err != nil {
		logger.Error("Failed to save final report to DB", "error", err)
		return
	}
	logger.Info("Research completed", "learnings", len(out.Result.Learnings), "urls", len(out.Result.VisitedURLs))

	if s.Index == nil {
		return
	}
	if _, err := s.Index.IndexLearnings(ctx, jobID.String(), req.Topic, out.Result.Learnings, out.Result.VisitedURLs); err != nil {
		logger.Error("Failed to index learnings", "error", err)
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, logger *slog.Logger, reason string) {
	logger.Error(reason)

	// The job must be marked failed even when it was cancelled.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = 'failed', updated_at = NOW() WHERE id = $1", jobID); err != nil {
		logger.Error("Failed to mark job as failed", "error", err)
	}
}
