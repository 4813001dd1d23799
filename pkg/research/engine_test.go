package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
)

type plannerCall struct {
	Query      string
	NumQueries int
	Learnings  []string
}

type fakePlanner struct {
	mu    sync.Mutex
	calls []plannerCall
	plan  func(call plannerCall) ([]SerpQuery, error)
}

func (p *fakePlanner) GenerateSerpQueries(_ context.Context, query string, numQueries int, learnings []string) ([]SerpQuery, error) {
	call := plannerCall{Query: query, NumQueries: numQueries, Learnings: append([]string(nil), learnings...)}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	return p.plan(call)
}

func (p *fakePlanner) Calls() []plannerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]plannerCall(nil), p.calls...)
}

type fakeDistiller struct {
	mu           sync.Mutex
	maxFollowUps []int
	distill      func(query string, results []search.Result) (Distillation, error)
}

func (d *fakeDistiller) Distill(_ context.Context, query string, results []search.Result, _ int, maxFollowUps int) (Distillation, error) {
	d.mu.Lock()
	d.maxFollowUps = append(d.maxFollowUps, maxFollowUps)
	d.mu.Unlock()
	return d.distill(query, results)
}

// numbered plans n queries named prefix-0..prefix-n-1.
func numbered(prefix string) func(plannerCall) ([]SerpQuery, error) {
	return func(c plannerCall) ([]SerpQuery, error) {
		qs := make([]SerpQuery, c.NumQueries)
		for i := range qs {
			qs[i] = SerpQuery{Query: fmt.Sprintf("%s-%d", prefix, i), ResearchGoal: "goal"}
		}
		return qs, nil
	}
}

func fixed(queries ...string) func(plannerCall) ([]SerpQuery, error) {
	return func(plannerCall) ([]SerpQuery, error) {
		qs := make([]SerpQuery, len(queries))
		for i, q := range queries {
			qs[i] = SerpQuery{Query: q, ResearchGoal: "goal " + q}
		}
		return qs, nil
	}
}

func pageSearch() search.Provider {
	return search.ProviderFunc(func(_ context.Context, query string, _ search.Options) (*search.Response, error) {
		return &search.Response{Results: []search.Result{{URL: "https://example.com/" + query, Markdown: "content for " + query}}}, nil
	})
}

func learningPerQuery() *fakeDistiller {
	return &fakeDistiller{distill: func(query string, _ []search.Result) (Distillation, error) {
		return Distillation{Learnings: []string{"learned " + query}, FollowUpQuestions: []string{"follow " + query}}, nil
	}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(p QueryPlanner, d ContentDistiller, s search.Provider) *Engine {
	return NewEngine(p, d, s, quietLogger())
}

func TestDeepResearchBreadthTwoDepthOne(t *testing.T) {
	planner := &fakePlanner{plan: fixed("A", "B")}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	res, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"learned A", "learned B"}, res.Learnings)
	assert.ElementsMatch(t, []string{"https://example.com/A", "https://example.com/B"}, res.VisitedURLs)
	assert.Len(t, planner.Calls(), 1)
}

func TestDeepResearchBreadthOneDepthTwoPlansTwice(t *testing.T) {
	planner := &fakePlanner{plan: numbered("q")}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	_, err := engine.DeepResearch(context.Background(), "topic", 1, 2)

	require.NoError(t, err)
	assert.Len(t, planner.Calls(), 2)
}

func TestDeepResearchDepthChainAccumulatesLearnings(t *testing.T) {
	var level atomic.Int32
	planner := &fakePlanner{plan: func(c plannerCall) ([]SerpQuery, error) {
		n := level.Add(1)
		return []SerpQuery{{Query: fmt.Sprintf("level-%d", n), ResearchGoal: "goal"}}, nil
	}}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	res, err := engine.DeepResearch(context.Background(), "topic", 1, 3)

	require.NoError(t, err)
	calls := planner.Calls()
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].Learnings)
	assert.Equal(t, []string{"learned level-1"}, calls[1].Learnings)
	assert.Equal(t, []string{"learned level-1", "learned level-2"}, calls[2].Learnings)
	assert.Equal(t, []string{"learned level-1", "learned level-2", "learned level-3"}, res.Learnings)
	assert.Len(t, res.VisitedURLs, 3)
}

func TestDeepResearchHalvesBreadth(t *testing.T) {
	planner := &fakePlanner{plan: numbered("q")}
	distiller := learningPerQuery()
	engine := newTestEngine(planner, distiller, pageSearch())

	_, err := engine.DeepResearch(context.Background(), "topic", 4, 2)

	require.NoError(t, err)
	calls := planner.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, 4, calls[0].NumQueries)
	for _, c := range calls[1:] {
		assert.Equal(t, 2, c.NumQueries)
	}
	counts := map[int]int{}
	for _, n := range distiller.maxFollowUps {
		counts[n]++
	}
	assert.Equal(t, map[int]int{2: 4, 1: 8}, counts)
}

func TestNextBreadth(t *testing.T) {
	tests := []struct {
		breadth int
		want    int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{10, 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("breadth=%d", tt.breadth), func(t *testing.T) {
			assert.Equal(t, tt.want, nextBreadth(tt.breadth))
		})
	}
}

func TestNextQueryFormat(t *testing.T) {
	got := nextQuery("find the origin", []string{"who built it?", "when?"})
	assert.Equal(t, "Previous research goal: find the origin\nFollow-up research directions: \nwho built it?\nwhen?", got)

	assert.Equal(t, "Previous research goal: g\nFollow-up research directions:", nextQuery("g", nil))
}

func TestDeepResearchPassesSynthesizedQueryToNextLevel(t *testing.T) {
	planner := &fakePlanner{plan: func(c plannerCall) ([]SerpQuery, error) {
		return []SerpQuery{{Query: "only", ResearchGoal: "the goal"}}, nil
	}}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	_, err := engine.DeepResearch(context.Background(), "topic", 1, 2)

	require.NoError(t, err)
	calls := planner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "topic", calls[0].Query)
	assert.Equal(t, "Previous research goal: the goal\nFollow-up research directions: \nfollow only", calls[1].Query)
}

func TestDeepResearchDeduplicatesURLs(t *testing.T) {
	planner := &fakePlanner{plan: fixed("A", "B")}
	provider := search.ProviderFunc(func(_ context.Context, query string, _ search.Options) (*search.Response, error) {
		return &search.Response{Results: []search.Result{{URL: "https://example.com/same", Markdown: "x"}}}, nil
	})
	distiller := &fakeDistiller{distill: func(string, []search.Result) (Distillation, error) {
		return Distillation{Learnings: []string{"shared"}}, nil
	}}
	engine := newTestEngine(planner, distiller, provider)

	res, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/same"}, res.VisitedURLs)
	assert.Equal(t, []string{"shared"}, res.Learnings)
}

func TestDeepResearchDropsResultsWithoutURL(t *testing.T) {
	planner := &fakePlanner{plan: fixed("A")}
	provider := search.ProviderFunc(func(context.Context, string, search.Options) (*search.Response, error) {
		return &search.Response{Results: []search.Result{{Markdown: "no url"}, {URL: "https://example.com/a", Markdown: "a"}}}, nil
	})
	engine := newTestEngine(planner, learningPerQuery(), provider)

	res, err := engine.DeepResearch(context.Background(), "topic", 1, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a"}, res.VisitedURLs)
}

func TestDeepResearchIsolatesSearchFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"error", errors.New("upstream exploded")},
		{"timeout", errors.Join(search.ErrTimeout, context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			planner := &fakePlanner{plan: fixed("A", "B")}
			provider := search.ProviderFunc(func(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
				if query == "A" {
					return nil, tt.err
				}
				return pageSearch().Search(ctx, query, opts)
			})
			engine := newTestEngine(planner, learningPerQuery(), provider)

			res, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

			require.NoError(t, err)
			assert.Equal(t, []string{"learned B"}, res.Learnings)
			assert.Equal(t, []string{"https://example.com/B"}, res.VisitedURLs)
		})
	}
}

func TestDeepResearchIsolatesDistillFailures(t *testing.T) {
	planner := &fakePlanner{plan: fixed("A", "B")}
	distiller := &fakeDistiller{distill: func(query string, _ []search.Result) (Distillation, error) {
		if query == "A" {
			return Distillation{}, fmt.Errorf("distilling: %w", llm.ErrTimeout)
		}
		return Distillation{Learnings: []string{"learned " + query}}, nil
	}}
	engine := newTestEngine(planner, distiller, pageSearch())

	res, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"learned B"}, res.Learnings)
	assert.Equal(t, []string{"https://example.com/B"}, res.VisitedURLs)
}

func TestDeepResearchNestedPlanningFailureIsIsolated(t *testing.T) {
	planner := &fakePlanner{plan: func(c plannerCall) ([]SerpQuery, error) {
		if c.Query != "topic" {
			return nil, errors.New("planner down")
		}
		return []SerpQuery{{Query: "A", ResearchGoal: "g"}, {Query: "B", ResearchGoal: "g"}}, nil
	}}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	res, err := engine.DeepResearch(context.Background(), "topic", 2, 2)

	require.NoError(t, err)
	assert.Empty(t, res.Learnings)
	assert.Empty(t, res.VisitedURLs)
}

func TestDeepResearchRootPlanningFailurePropagates(t *testing.T) {
	planner := &fakePlanner{plan: func(plannerCall) ([]SerpQuery, error) {
		return nil, &llm.ParseError{Raw: "nope", Err: errors.New("bad")}
	}}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	_, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrSchemaMismatch)
}

func TestDeepResearchUnauthorizedIsFatal(t *testing.T) {
	planner := &fakePlanner{plan: fixed("A", "B")}
	provider := search.ProviderFunc(func(context.Context, string, search.Options) (*search.Response, error) {
		return nil, search.ErrUnauthorized
	})
	engine := newTestEngine(planner, learningPerQuery(), provider)

	_, err := engine.DeepResearch(context.Background(), "topic", 2, 2)

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, search.ErrUnauthorized)
}

func TestDeepResearchZeroQueries(t *testing.T) {
	planner := &fakePlanner{plan: func(plannerCall) ([]SerpQuery, error) { return nil, nil }}
	engine := newTestEngine(planner, learningPerQuery(), pageSearch())

	res, err := engine.DeepResearch(context.Background(), "topic", 3, 2)

	require.NoError(t, err)
	assert.Empty(t, res.Learnings)
	assert.Empty(t, res.VisitedURLs)
}

func TestDeepResearchRejectsInvalidBounds(t *testing.T) {
	engine := newTestEngine(&fakePlanner{plan: numbered("q")}, learningPerQuery(), pageSearch())

	_, err := engine.DeepResearch(context.Background(), "topic", 0, 1)
	assert.Error(t, err)

	_, err = engine.DeepResearch(context.Background(), "topic", 1, 0)
	assert.Error(t, err)
}

func TestDeepResearchBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	provider := search.ProviderFunc(func(_ context.Context, query string, _ search.Options) (*search.Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &search.Response{Results: []search.Result{{URL: "https://example.com/" + query, Markdown: "x"}}}, nil
	})
	planner := &fakePlanner{plan: numbered("q")}
	engine := newTestEngine(planner, learningPerQuery(), provider)

	res, err := engine.DeepResearch(context.Background(), "topic", 5, 2)

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
	assert.NotEmpty(t, res.Learnings)
}

func TestDeepResearchStopsOnCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := search.ProviderFunc(func(ctx context.Context, query string, _ search.Options) (*search.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	engine := newTestEngine(&fakePlanner{plan: fixed("A", "B")}, learningPerQuery(), provider)

	_, err := engine.DeepResearch(ctx, "topic", 2, 1)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeepResearchReportsProgress(t *testing.T) {
	var mu sync.Mutex
	var updates []Progress
	engine := newTestEngine(&fakePlanner{plan: numbered("q")}, learningPerQuery(), pageSearch())
	engine.OnProgress = func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}

	_, err := engine.DeepResearch(context.Background(), "topic", 2, 2)

	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)

	var last Progress
	for _, u := range updates {
		assert.Equal(t, 2, u.TotalDepth)
		assert.Equal(t, 2, u.TotalBreadth)
		if u.CompletedQueries >= last.CompletedQueries {
			last = u
		}
	}
	// Two root queries, each with one follow-up query.
	assert.Equal(t, 4, last.TotalQueries)
	assert.Equal(t, 4, last.CompletedQueries)
}

func TestDeepResearchSurvivesPanickingProgressSink(t *testing.T) {
	engine := newTestEngine(&fakePlanner{plan: fixed("A", "B")}, learningPerQuery(), pageSearch())
	engine.OnProgress = func(Progress) { panic("sink broke") }

	res, err := engine.DeepResearch(context.Background(), "topic", 2, 1)

	require.NoError(t, err)
	assert.Len(t, res.Learnings, 2)
}

func TestMergeResultsKeepsFirstOccurrence(t *testing.T) {
	got := mergeResults(
		Result{Learnings: []string{"a", "b"}, VisitedURLs: []string{"u1"}},
		Result{Learnings: []string{"b", "c"}, VisitedURLs: []string{"u1", "u2"}},
	)

	assert.Equal(t, []string{"a", "b", "c"}, got.Learnings)
	assert.Equal(t, []string{"u1", "u2"}, got.VisitedURLs)
	assert.NotNil(t, mergeResults().Learnings)
}
