package research

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/mikeboe/deep-research/pkg/llm"
)

const DefaultNumQuestions = 3

// Feedback asks the model which details of a research topic are unclear.
type Feedback struct {
	Generator *llm.Generator
}

type feedbackResponse struct {
	Questions []string `json:"questions"`
}

// GenerateFeedback returns at most numQuestions clarifying questions for
// query.
func (f *Feedback) GenerateFeedback(ctx context.Context, query string, numQuestions int) ([]string, error) {
	if numQuestions <= 0 {
		numQuestions = DefaultNumQuestions
	}

	resp, err := llm.GenerateObject[feedbackResponse](ctx, f.Generator, llm.Request{
		System: systemPrompt(),
		Prompt: fmt.Sprintf("Given the following query from the user, ask some follow up questions to clarify the research direction. "+
			"Return a maximum of %d questions, but feel free to return less if the original query is clear: <query>%s</query>", numQuestions, query),
		Schema: llm.Object(map[string]*jsonschema.Schema{
			"questions": llm.Array(llm.String("A clarifying question"),
				fmt.Sprintf("Follow up questions to clarify the research direction, max of %d", numQuestions)),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate feedback questions: %w", err)
	}

	return truncate(resp.Questions, numQuestions), nil
}
