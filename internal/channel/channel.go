// Package channel adapts messaging providers to the send capability the
// engine consumes: one message, one destination, a definitive result.
package channel

import (
	"context"

	"outreach/internal/retry"
)

// Result is the outcome of one send. Category is optional; when empty the
// engine classifies Reason heuristically.
type Result struct {
	Success       bool
	Reason        string
	Category      retry.Category
	ProviderMsgID string
}

func OK(providerMsgID string) Result { return Result{Success: true, ProviderMsgID: providerMsgID} }

func Fail(reason string, cat retry.Category) Result {
	return Result{Reason: reason, Category: cat}
}

type Sender interface {
	SendText(ctx context.Context, destination, content string) Result
	SendMedia(ctx context.Context, destination, mediaURL, content string) Result
	SendSticker(ctx context.Context, destination, mediaURL string) Result
}
