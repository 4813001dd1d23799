// Package research implements the recursive deep-research pipeline: query
// planning, search, distillation and report synthesis.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
)

const DefaultConcurrencyLimit = 2

// ErrFatal marks failures that abort the whole run instead of only the
// branch they occurred in.
var ErrFatal = errors.New("research aborted")

// IsFatal reports whether err must abort a research run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, search.ErrUnauthorized)
}

// QueryPlanner proposes search queries for a topic.
type QueryPlanner interface {
	GenerateSerpQueries(ctx context.Context, query string, numQueries int, learnings []string) ([]SerpQuery, error)
}

// ContentDistiller condenses search results into learnings.
type ContentDistiller interface {
	Distill(ctx context.Context, query string, results []search.Result, maxLearnings, maxFollowUps int) (Distillation, error)
}

type Engine struct {
	Planner   QueryPlanner
	Distiller ContentDistiller
	Search    search.Provider

	SearchOptions search.Options
	// ConcurrencyLimit bounds in-flight query branches across the whole tree.
	ConcurrencyLimit int
	NumLearnings     int

	Logger     *slog.Logger
	OnProgress func(Progress)
}

func NewEngine(planner QueryPlanner, distiller ContentDistiller, provider search.Provider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Planner:          planner,
		Distiller:        distiller,
		Search:           provider,
		SearchOptions:    search.DefaultOptions(),
		ConcurrencyLimit: DefaultConcurrencyLimit,
		NumLearnings:     DefaultNumLearnings,
		Logger:           logger,
	}
}

// run is the state shared by every level of one DeepResearch call.
type run struct {
	sem      *semaphore.Weighted
	progress *progressTracker
}

// DeepResearch explores query breadth queries wide and depth levels deep and
// returns every learning and URL found along the way. Failures in a single
// branch only drop that branch's contribution.
func (e *Engine) DeepResearch(ctx context.Context, query string, breadth, depth int) (Result, error) {
	if breadth < 1 || depth < 1 {
		return Result{}, fmt.Errorf("breadth and depth must be at least 1, got breadth=%d depth=%d", breadth, depth)
	}
	if e.Planner == nil || e.Distiller == nil || e.Search == nil {
		return Result{}, errors.New("research engine is missing a planner, distiller or search provider")
	}

	limit := e.ConcurrencyLimit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}
	r := &run{
		sem:      semaphore.NewWeighted(int64(limit)),
		progress: newProgressTracker(breadth, depth, e.OnProgress, e.logger()),
	}

	e.logger().Info("Starting deep research", "query", query, "breadth", breadth, "depth", depth)
	res, err := e.research(ctx, r, Task{Query: query, Breadth: breadth, Depth: depth})
	if err != nil {
		return Result{}, err
	}
	e.logger().Info("Deep research finished", "learnings", len(res.Learnings), "urls", len(res.VisitedURLs))
	return res, nil
}

func (e *Engine) research(ctx context.Context, r *run, task Task) (Result, error) {
	queries, err := e.Planner.GenerateSerpQueries(ctx, task.Query, task.Breadth, task.Learnings)
	if err != nil {
		return Result{}, err
	}
	if len(queries) == 0 {
		return Result{Learnings: []string{}, VisitedURLs: []string{}}, nil
	}

	r.progress.planned(task.Depth, task.Breadth, len(queries), queries[0].Query)

	contributions := make([]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			res, err := e.runBranch(gctx, r, task, q)
			if err != nil {
				return err
			}
			contributions[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return mergeResults(contributions...), nil
}

// runBranch executes one planned query and everything below it. Only fatal
// errors are returned; any other failure yields an empty contribution.
func (e *Engine) runBranch(ctx context.Context, r *run, task Task, q SerpQuery) (Result, error) {
	newBreadth := nextBreadth(task.Breadth)
	newDepth := task.Depth - 1

	distilled, urls, err := e.searchAndDistill(ctx, r, q, newBreadth)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if IsFatal(err) {
			return Result{}, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		e.logBranchError(q.Query, err)
		r.progress.completed(newDepth, newBreadth, q.Query)
		return emptyResult(), nil
	}

	acc := Task{
		Learnings:   concat(task.Learnings, distilled.Learnings),
		VisitedURLs: concat(task.VisitedURLs, urls),
	}

	if newDepth <= 0 {
		r.progress.completed(0, newBreadth, q.Query)
		return Result{Learnings: acc.Learnings, VisitedURLs: acc.VisitedURLs}, nil
	}

	e.logger().Info("Researching deeper", "breadth", newBreadth, "depth", newDepth)
	r.progress.completed(newDepth, newBreadth, q.Query)

	res, err := e.research(ctx, r, Task{
		Query:       nextQuery(q.ResearchGoal, distilled.FollowUpQuestions),
		Breadth:     newBreadth,
		Depth:       newDepth,
		Learnings:   acc.Learnings,
		VisitedURLs: acc.VisitedURLs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if IsFatal(err) {
			return Result{}, err
		}
		e.logger().Error("Error planning follow-up research", "query", q.Query, "error", err)
		return emptyResult(), nil
	}
	return res, nil
}

// searchAndDistill holds a concurrency slot while talking to the search
// provider and the model. The slot is released before recursing.
func (e *Engine) searchAndDistill(ctx context.Context, r *run, q SerpQuery, newBreadth int) (Distillation, []string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Distillation{}, nil, err
	}
	defer r.sem.Release(1)

	resp, err := e.Search.Search(ctx, q.Query, e.searchOptions())
	if err != nil {
		return Distillation{}, nil, fmt.Errorf("search %q: %w", q.Query, err)
	}

	var results []search.Result
	var urls []string
	if resp != nil {
		results = resp.Results
		for _, res := range resp.Results {
			if res.URL != "" {
				urls = append(urls, res.URL)
			}
		}
	}

	numLearnings := e.NumLearnings
	if numLearnings <= 0 {
		numLearnings = DefaultNumLearnings
	}
	distilled, err := e.Distiller.Distill(ctx, q.Query, results, numLearnings, newBreadth)
	if err != nil {
		return Distillation{}, nil, err
	}
	return distilled, urls, nil
}

func (e *Engine) logBranchError(query string, err error) {
	switch {
	case errors.Is(err, search.ErrTimeout):
		e.logger().Warn("Timeout error running query", "query", query, "error", err)
	case errors.Is(err, llm.ErrTimeout):
		e.logger().Warn("Timeout error distilling results", "query", query, "error", err)
	default:
		e.logger().Error("Error running query", "query", query, "error", err)
	}
}

func (e *Engine) searchOptions() search.Options {
	opts := e.SearchOptions
	def := search.DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if len(opts.Formats) == 0 {
		opts.Formats = def.Formats
	}
	return opts
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// nextBreadth halves breadth, rounding up, and never drops below one.
func nextBreadth(breadth int) int {
	return max(1, (breadth+1)/2)
}

func nextQuery(goal string, followUps []string) string {
	var sb strings.Builder
	sb.WriteString("Previous research goal: ")
	sb.WriteString(goal)
	sb.WriteString("\nFollow-up research directions: ")
	for _, q := range followUps {
		sb.WriteString("\n")
		sb.WriteString(q)
	}
	return strings.TrimSpace(sb.String())
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func emptyResult() Result {
	return Result{Learnings: []string{}, VisitedURLs: []string{}}
}
