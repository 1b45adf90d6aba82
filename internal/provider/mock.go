package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no upstream is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req CompletionRequest,
	onDelta DeltaHandler,
) (CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return CompletionResponse{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return CompletionResponse{}, err
		}
	}
	return CompletionResponse{Text: text}, nil
}

func buildMockReply(req CompletionRequest) string {
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = strings.TrimSpace(m.Content)
		}
	}
	if last == "" {
		return "I am listening."
	}
	if len(req.Messages) > 1 {
		return fmt.Sprintf("You said: %s (turn %d of this conversation)", last, (len(req.Messages)+1)/2)
	}
	return fmt.Sprintf("You said: %s", last)
}
