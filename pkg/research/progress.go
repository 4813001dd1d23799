package research

import (
	"log/slog"
	"sync"
)

// progressTracker owns the Progress snapshot of one run. Every level of the
// research tree reports through the same tracker.
type progressTracker struct {
	mu     sync.Mutex
	state  Progress
	sink   func(Progress)
	logger *slog.Logger
}

func newProgressTracker(breadth, depth int, sink func(Progress), logger *slog.Logger) *progressTracker {
	return &progressTracker{
		state: Progress{
			CurrentDepth:   depth,
			TotalDepth:     depth,
			CurrentBreadth: breadth,
			TotalBreadth:   breadth,
		},
		sink:   sink,
		logger: logger,
	}
}

// planned records a freshly planned level of n queries.
func (t *progressTracker) planned(depth, breadth, n int, query string) {
	t.update(func(p *Progress) {
		p.CurrentDepth = depth
		p.CurrentBreadth = breadth
		p.TotalQueries += n
		p.CurrentQuery = query
	})
}

// completed records one finished query branch.
func (t *progressTracker) completed(depth, breadth int, query string) {
	t.update(func(p *Progress) {
		p.CurrentDepth = depth
		p.CurrentBreadth = breadth
		p.CurrentQuery = query
		p.CompletedQueries++
	})
}

func (t *progressTracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *progressTracker) update(fn func(*Progress)) {
	t.mu.Lock()
	fn(&t.state)
	snap := t.state
	t.mu.Unlock()

	t.emit(snap)
}

func (t *progressTracker) emit(p Progress) {
	if t.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Progress callback panicked", "panic", r)
		}
	}()
	t.sink(p)
}
