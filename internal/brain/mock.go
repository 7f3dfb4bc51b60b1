package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no model backend is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Complete(ctx context.Context, msgs []Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			last = strings.TrimSpace(msgs[i].Content)
			break
		}
	}
	if last == "" {
		return "I'm here whenever you want to keep learning.", nil
	}
	return fmt.Sprintf("Let's dig into that. You said: %s", last), nil
}
