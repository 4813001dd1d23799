package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/search"
)

const (
	DefaultBreadth = 4
	DefaultDepth   = 2
)

// AskFunc asks the user a question and returns the answer.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// LogFunc shows a line of progress output to the user.
type LogFunc func(msg string)

// WriteFileFunc persists a named document.
type WriteFileFunc func(ctx context.Context, name, content string) error

type FeedbackGenerator interface {
	GenerateFeedback(ctx context.Context, query string, numQuestions int) ([]string, error)
}

type ReportSynthesizer interface {
	WriteFinalReport(ctx context.Context, prompt string, learnings, visitedURLs []string) (string, error)
}

// Input is everything a session needs to run without prompting.
type Input struct {
	Query   string
	Breadth int
	Depth   int
	// Answers to the clarifying questions, in order. When nil and Ask is
	// set, the questions are asked interactively.
	Answers []string
	// SkipFeedback disables clarifying questions entirely.
	SkipFeedback bool
}

type Outcome struct {
	Query    string
	Result   Result
	Report   string
	FileName string
}

// Session drives one research run from topic to saved report.
type Session struct {
	Engine   *Engine
	Feedback FeedbackGenerator
	Reporter ReportSynthesizer

	Ask       AskFunc
	Log       LogFunc
	WriteFile WriteFileFunc
	Now       func() time.Time
	Logger    *slog.Logger
}

// New wires a session from configuration, a model and a search provider.
func New(cfg *config.Config, model llms.Model, provider search.Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	gen := llm.New(model, llm.WithAttempts(cfg.LLMMaxAttempts), llm.WithLogger(logger))

	engine := NewEngine(NewPlanner(gen, logger), NewDistiller(gen, cfg.ContextSize, logger), provider, logger)
	if cfg.ConcurrencyLimit > 0 {
		engine.ConcurrencyLimit = cfg.ConcurrencyLimit
	}

	return &Session{
		Engine:   engine,
		Feedback: &Feedback{Generator: gen},
		Reporter: NewReportWriter(gen, cfg.ReportContextSize, logger),
		Logger:   logger,
	}
}

// Run asks for the topic, breadth and depth and then researches it.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	if s.Ask == nil {
		return nil, errors.New("interactive session requires an ask function")
	}

	query, err := s.Ask(ctx, "What would you like to research? ")
	if err != nil {
		return nil, err
	}
	breadthAnswer, err := s.Ask(ctx, "Enter research breadth (recommended 2-10, default 4): ")
	if err != nil {
		return nil, err
	}
	depthAnswer, err := s.Ask(ctx, "Enter research depth (recommended 1-5, default 2): ")
	if err != nil {
		return nil, err
	}

	return s.RunWithInput(ctx, Input{
		Query:   query,
		Breadth: parsePositive(breadthAnswer, DefaultBreadth),
		Depth:   parsePositive(depthAnswer, DefaultDepth),
	})
}

// RunWithInput researches in.Query and writes the final report.
func (s *Session) RunWithInput(ctx context.Context, in Input) (*Outcome, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("research query is empty")
	}
	if in.Breadth <= 0 {
		in.Breadth = DefaultBreadth
	}
	if in.Depth <= 0 {
		in.Depth = DefaultDepth
	}

	s.log("Creating research plan...")

	combined := in.Query
	if !in.SkipFeedback && s.Feedback != nil {
		q, err := s.clarify(ctx, in)
		if err != nil {
			return nil, err
		}
		combined = q
	}

	s.log("\nResearching your topic...")
	res, err := s.Engine.DeepResearch(ctx, combined, in.Breadth, in.Depth)
	if err != nil {
		return nil, err
	}

	s.log(fmt.Sprintf("\n\nLearnings:\n\n%s", strings.Join(res.Learnings, "\n")))
	s.log(fmt.Sprintf("\n\nVisited URLs (%d):\n\n%s", len(res.VisitedURLs), strings.Join(res.VisitedURLs, "\n")))
	s.log("Writing final report...")

	report, err := s.Reporter.WriteFinalReport(ctx, combined, res.Learnings, res.VisitedURLs)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Query: combined, Result: res, Report: report}
	if s.WriteFile != nil {
		out.FileName = fmt.Sprintf("output%d.md", s.now().UnixMilli())
		if err := s.WriteFile(ctx, out.FileName, report); err != nil {
			return out, fmt.Errorf("failed to save report: %w", err)
		}
		s.log("\nReport has been saved to " + out.FileName)
	}
	return out, nil
}

// clarify collects answers to the model's follow-up questions and folds them
// into the query.
func (s *Session) clarify(ctx context.Context, in Input) (string, error) {
	questions, err := s.Feedback.GenerateFeedback(ctx, in.Query, DefaultNumQuestions)
	if err != nil {
		return "", err
	}
	if len(questions) == 0 {
		return in.Query, nil
	}

	answers := in.Answers
	if answers == nil && s.Ask != nil {
		s.log("\nTo better understand your research needs, please answer these follow-up questions:")
		for _, q := range questions {
			a, err := s.Ask(ctx, "\n"+q+"\nYour answer: ")
			if err != nil {
				return "", err
			}
			answers = append(answers, a)
		}
	}

	return combineQuery(in.Query, questions, answers), nil
}

func combineQuery(query string, questions, answers []string) string {
	qa := make([]string, len(questions))
	for i, q := range questions {
		a := ""
		if i < len(answers) {
			a = answers[i]
		}
		qa[i] = "Q: " + q + "\nA: " + a
	}
	return "Initial Query: " + query + "\nFollow-up Questions and Answers:\n" + strings.Join(qa, "\n")
}

func parsePositive(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Session) log(msg string) {
	if s.Log != nil {
		s.Log(msg)
	}
	if s.Logger != nil {
		s.Logger.Debug(strings.TrimSpace(msg))
	}
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
