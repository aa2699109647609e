package responder

import (
	"context"
	"fmt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of the conversation history handed to a model.
type Turn struct {
	Role    string
	Content string
}

// Completion is a model answer with the tokens it consumed.
type Completion struct {
	Text   string
	Model  string
	Tokens int
}

// Generator produces a reply for a conversation. Implementations talk to a
// single LLM vendor.
type Generator interface {
	Complete(ctx context.Context, system string, turns []Turn) (*Completion, error)
	Model() string
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("responder: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}
