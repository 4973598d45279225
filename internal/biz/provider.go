package biz

import "context"

// ModelProvider is the upstream AI model dependency the chat path calls
// through its breaker. Implementations live in the data layer.
type ModelProvider interface {
	// Complete produces a completion for prompt. EstimateCost reports
	// the credit price of the call before it is made.
	Complete(ctx context.Context, userID, prompt string) (string, error)
	EstimateCost(prompt string) int64
}
