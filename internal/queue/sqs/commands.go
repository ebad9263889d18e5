package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"outreach/internal/domain"
)

const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
	ActionRetry  = "retry"
)

// Command is an external trigger for a lifecycle operation.
type Command struct {
	CampaignID string   `json:"campaignId"`
	Action     string   `json:"action"`
	UnitIDs    []string `json:"unitIds,omitempty"`
}

type Commander interface {
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	RetryFailed(ctx context.Context, id string, unitIDs []string) (int, error)
}

// Apply runs cmd against the engine. Refusals that a redelivery cannot fix
// (unknown campaign, wrong state, closed window, exhausted cap) are logged
// and swallowed so the message is deleted; anything else is returned and the
// message is left for SQS to redrive.
func Apply(ctx context.Context, c Commander, cmd Command) error {
	if cmd.CampaignID == "" {
		slog.Warn("command without campaign id dropped", "action", cmd.Action)
		return nil
	}
	var err error
	switch cmd.Action {
	case ActionStart:
		err = c.Start(ctx, cmd.CampaignID)
	case ActionPause:
		err = c.Pause(ctx, cmd.CampaignID)
	case ActionResume:
		err = c.Resume(ctx, cmd.CampaignID)
	case ActionStop:
		err = c.Stop(ctx, cmd.CampaignID)
	case ActionRetry:
		var n int
		n, err = c.RetryFailed(ctx, cmd.CampaignID, cmd.UnitIDs)
		if err == nil {
			slog.Info("command retry applied", "campaign_id", cmd.CampaignID, "units", n)
		}
	default:
		slog.Warn("unknown command action dropped", "action", cmd.Action, "campaign_id", cmd.CampaignID)
		return nil
	}
	if err == nil {
		slog.Info("command applied", "action", cmd.Action, "campaign_id", cmd.CampaignID)
		return nil
	}
	if permanent(err) {
		slog.Warn("command refused", "action", cmd.Action, "campaign_id", cmd.CampaignID, "err", err)
		return nil
	}
	return fmt.Errorf("%s %s: %w", cmd.Action, cmd.CampaignID, err)
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrQuietHours) ||
		errors.Is(err, domain.ErrDailyCapReached) ||
		errors.Is(err, domain.ErrConfiguration)
}
