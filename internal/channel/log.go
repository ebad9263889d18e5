package channel

import (
	"context"
	"log/slog"

	"outreach/internal/util"
)

// Log accepts every message and only logs it. Used for dry runs and local
// development without provider credentials.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) SendText(ctx context.Context, destination, content string) Result {
	return l.accept(ctx, "text", destination, "", content)
}

func (l Log) SendMedia(ctx context.Context, destination, mediaURL, content string) Result {
	return l.accept(ctx, "media", destination, mediaURL, content)
}

func (l Log) SendSticker(ctx context.Context, destination, mediaURL string) Result {
	return l.accept(ctx, "sticker", destination, mediaURL, "")
}

func (l Log) accept(ctx context.Context, kind, destination, mediaURL, content string) Result {
	id := "LOG" + util.NewUnitID()
	l.logger().InfoContext(ctx, "dry-run send", "kind", kind, "to", destination, "media_url", mediaURL, "chars", len(content), "provider_msg_id", id)
	return OK(id)
}
