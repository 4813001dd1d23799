package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
)

// DefaultProgressInterval is how often a running job's progress is written.
const DefaultProgressInterval = 2 * time.Second

// progressWriter keeps the newest progress snapshot of a job and writes it
// to research_jobs.state from its own goroutine. Snapshots published between
// two writes replace each other.
type progressWriter struct {
	db     *database.PostgresDB
	jobID  uuid.UUID
	logger *slog.Logger

	mu      sync.Mutex
	pending *research.Progress
	latest  *research.Progress

	stop chan struct{}
	done chan struct{}
}

func newProgressWriter(db *database.PostgresDB, jobID uuid.UUID, logger *slog.Logger) *progressWriter {
	return &progressWriter{
		db:     db,
		jobID:  jobID,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// publish records p. It never blocks on the database.
func (w *progressWriter) publish(p research.Progress) {
	w.mu.Lock()
	w.pending = &p
	w.latest = &p
	w.mu.Unlock()
}

func (w *progressWriter) start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.flush(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// close stops the writer and returns the last published snapshot encoded as
// JSON, or nil when nothing was published.
func (w *progressWriter) close() []byte {
	close(w.stop)
	<-w.done

	w.mu.Lock()
	latest := w.latest
	w.mu.Unlock()
	if latest == nil {
		return nil
	}
	stateJSON, err := json.Marshal(latest)
	if err != nil {
		w.logger.Error("Failed to marshal progress", "error", err)
		return nil
	}
	return stateJSON
}

// flush writes the pending snapshot, if any.
func (w *progressWriter) flush(ctx context.Context) {
	w.mu.Lock()
	p := w.pending
	w.pending = nil
	w.mu.Unlock()
	if p == nil {
		return
	}

	stateJSON, err := json.Marshal(p)
	if err != nil {
		w.logger.Error("Failed to marshal progress", "error", err)
		return
	}
	if _, err := w.db.Pool.Exec(ctx,
		"UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1",
		w.jobID, stateJSON); err != nil {
		w.logger.Error("Failed to save progress to DB", "error", err)
	}
}
