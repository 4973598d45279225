package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kratos/kratos/v2/log"
)

// LocalModelProvider is a Phase 1 stand-in for the real model provider:
// it answers locally so the resilience layer can be exercised end to
// end without upstream credentials. Phase 2 swaps in the HTTP client.
type LocalModelProvider struct {
	logger *log.Helper
}

// NewModelProvider creates the model provider implementation.
func NewModelProvider(logger log.Logger) *LocalModelProvider {
	return &LocalModelProvider{
		logger: log.NewHelper(logger),
	}
}

// Complete produces a canned completion.
func (p *LocalModelProvider) Complete(ctx context.Context, userID, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.logger.Debugw("local completion served",
		"user_id", userID,
		"prompt_chars", len(prompt))
	return fmt.Sprintf("echo(%d chars): %s", len(prompt), truncatePrompt(prompt)), nil
}

// EstimateCost prices a call at one credit per started KiB of prompt.
func (p *LocalModelProvider) EstimateCost(prompt string) int64 {
	cost := int64(len(prompt)/1024) + 1
	return cost
}

func truncatePrompt(prompt string) string {
	const max = 120
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "..."
}
