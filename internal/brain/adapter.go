package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prompt turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Adapter is the opaque text-completion capability. One shot, no retries;
// callers supply their own timeout via ctx.
type Adapter interface {
	Complete(ctx context.Context, msgs []Message) (string, error)
}

// Config controls adapter construction.
type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
	Model   string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
		}
		return NewMockAdapter(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain mode %q", cfg.Mode)
	}
}
