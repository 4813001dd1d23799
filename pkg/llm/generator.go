// Package llm turns a langchaingo model into a structured-output service:
// a JSON schema goes in with the prompt, a typed value comes out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tmc/langchaingo/llms"
)

var (
	// ErrSchemaMismatch is wrapped by every ParseError.
	ErrSchemaMismatch = errors.New("llm output does not match schema")
	// ErrTimeout reports that Request.Timeout elapsed before the model answered.
	ErrTimeout = errors.New("llm generation timed out")
	// ErrEmptyResponse is returned when the model produced no choices.
	ErrEmptyResponse = errors.New("llm returned no choices")
)

// ParseError carries the raw model output that could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %v", ErrSchemaMismatch, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrSchemaMismatch, e.Err}
}

// Request describes a single generation call.
type Request struct {
	System string
	Prompt string
	// Schema is required for GenerateObject and ignored by GenerateText.
	Schema *jsonschema.Schema
	// Timeout bounds the whole call including retries. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
}

type Generator struct {
	Model    llms.Model
	Attempts int
	Logger   *slog.Logger
}

type Option func(*Generator)

// WithAttempts sets how many times a failed call is issued before giving up.
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.Attempts = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.Logger = l
		}
	}
}

func New(model llms.Model, opts ...Option) *Generator {
	g := &Generator{
		Model:    model,
		Attempts: 1,
		Logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateText returns the model's free-form answer.
func (g *Generator) GenerateText(ctx context.Context, req Request) (string, error) {
	return g.generate(ctx, req, nil, func(string) error { return nil })
}

// GenerateObject asks the model for a JSON document matching req.Schema and
// decodes it into T. Output that cannot be parsed or validated yields a
// *ParseError.
func GenerateObject[T any](ctx context.Context, g *Generator, req Request) (T, error) {
	var out T
	if req.Schema == nil {
		return out, errors.New("llm: GenerateObject requires a schema")
	}

	resolved, err := req.Schema.Resolve(nil)
	if err != nil {
		return out, fmt.Errorf("failed to resolve schema: %w", err)
	}
	rendered, err := renderSchema(req.Schema)
	if err != nil {
		return out, err
	}

	req.System += "\n\n# Response Format:\n" + rendered
	_, err = g.generate(ctx, req, []llms.CallOption{llms.WithJSONMode()}, func(content string) error {
		// Reset for retry
		out = *new(T)
		decoded, err := decode[T](content, resolved)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	if err != nil {
		return *new(T), err
	}
	return out, nil
}

// generate issues the request up to g.Attempts times. The validator decides
// whether a response is usable.
func (g *Generator) generate(ctx context.Context, req Request, opts []llms.CallOption, validator func(string) error) (string, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := max(g.Attempts, 1)

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-callCtx.Done():
				return "", g.wrapContextErr(ctx, callCtx, req.Timeout, lastErr)
			case <-time.After(time.Second * time.Duration(i)): // Linear backoff
			}
		}

		resp, err := g.Model.GenerateContent(callCtx, messages, opts...)
		if err != nil {
			if callCtx.Err() != nil {
				return "", g.wrapContextErr(ctx, callCtx, req.Timeout, err)
			}
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = ErrEmptyResponse
			continue
		}

		content := resp.Choices[0].Content
		if err := validator(content); err != nil {
			lastErr = err
			continue
		}
		return content, nil
	}

	if attempts == 1 {
		return "", lastErr
	}
	return "", fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// wrapContextErr tells a local timeout apart from the caller going away.
func (g *Generator) wrapContextErr(parent, call context.Context, timeout time.Duration, cause error) error {
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, call.Err())
	}
	if cause != nil {
		return fmt.Errorf("llm generation aborted: %w: %w", call.Err(), cause)
	}
	return call.Err()
}
