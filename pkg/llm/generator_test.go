package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// scriptedModel replays canned responses in order.
type scriptedModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	delay     time.Duration
	calls     int
	messages  [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.messages = append(m.messages, msgs)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}

	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	content := ""
	if i < len(m.responses) {
		content = m.responses[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

type queries struct {
	Queries []string `json:"queries"`
}

func queriesSchema() *jsonschema.Schema {
	return Object(map[string]*jsonschema.Schema{
		"queries": Array(String("a query"), "list of queries"),
	})
}

func textOf(t *testing.T, msg llms.MessageContent) string {
	t.Helper()
	require.NotEmpty(t, msg.Parts)
	part, ok := msg.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestGenerateObjectDecodes(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"queries": ["a", "b"]}`}}
	g := New(model)

	got, err := GenerateObject[queries](context.Background(), g, Request{
		System: "You are a planner.",
		Prompt: "Plan something",
		Schema: queriesSchema(),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Queries)

	require.Len(t, model.messages, 1)
	require.Len(t, model.messages[0], 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0][0].Role)
	assert.Contains(t, textOf(t, model.messages[0][0]), "# Response Format:")
	assert.Contains(t, textOf(t, model.messages[0][0]), `"queries"`)
	assert.Equal(t, "Plan something", textOf(t, model.messages[0][1]))
}

func TestGenerateObjectStripsFences(t *testing.T) {
	model := &scriptedModel{responses: []string{"Sure!\n```json\n{\"queries\": [\"x\"]}\n```"}}

	got, err := GenerateObject[queries](context.Background(), New(model), Request{Prompt: "p", Schema: queriesSchema()})

	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got.Queries)
}

func TestGenerateObjectRepairsJSON(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"queries": ["x", "y",]}`}}

	got, err := GenerateObject[queries](context.Background(), New(model), Request{Prompt: "p", Schema: queriesSchema()})

	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got.Queries)
}

func TestGenerateObjectSchemaMismatch(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"queries": "not a list"}`}}

	_, err := GenerateObject[queries](context.Background(), New(model), Request{Prompt: "p", Schema: queriesSchema()})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, `{"queries": "not a list"}`, perr.Raw)
}

func TestGenerateObjectMissingRequiredField(t *testing.T) {
	model := &scriptedModel{responses: []string{`{"other": []}`}}

	_, err := GenerateObject[queries](context.Background(), New(model), Request{Prompt: "p", Schema: queriesSchema()})

	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestGenerateObjectRequiresSchema(t *testing.T) {
	_, err := GenerateObject[queries](context.Background(), New(&scriptedModel{}), Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestGenerateSingleAttemptByDefault(t *testing.T) {
	model := &scriptedModel{errs: []error{errors.New("boom")}, responses: []string{"", "ok"}}

	_, err := New(model).GenerateText(context.Background(), Request{Prompt: "p"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, model.calls)
}

func TestGenerateRetriesWhenConfigured(t *testing.T) {
	model := &scriptedModel{
		responses: []string{`not json at all`, `{"queries": ["retry"]}`},
	}
	g := New(model, WithAttempts(2))

	got, err := GenerateObject[queries](context.Background(), g, Request{Prompt: "p", Schema: queriesSchema()})

	require.NoError(t, err)
	assert.Equal(t, []string{"retry"}, got.Queries)
	assert.Equal(t, 2, model.calls)
}

func TestGenerateTimeoutIsDistinguished(t *testing.T) {
	model := &scriptedModel{delay: time.Second, responses: []string{"late"}}

	_, err := New(model).GenerateText(context.Background(), Request{Prompt: "p", Timeout: 20 * time.Millisecond})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateCallerCancellationIsNotTimeout(t *testing.T) {
	model := &scriptedModel{delay: time.Second, responses: []string{"late"}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := New(model).GenerateText(ctx, Request{Prompt: "p", Timeout: time.Minute})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateEmptyChoices(t *testing.T) {
	g := New(emptyModel{})

	_, err := g.GenerateText(context.Background(), Request{Prompt: "p"})

	assert.ErrorIs(t, err, ErrEmptyResponse)
}

type emptyModel struct{}

func (emptyModel) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{}, nil
}

func (emptyModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", nil
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Here you go: {"a":1} hope it helps`, `{"a":1}`},
		{"no object", `just text`, `just text`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}
