package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
	"outreach/internal/retry"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func sample() *domain.Campaign {
	end := start.Add(10 * time.Minute)
	c := &domain.Campaign{
		ID: "c1", Name: "open house", Type: domain.TypeText, Status: domain.StatusCompleted,
		StartedAt: &start, CompletedAt: &end,
		Policy: domain.SendingPolicy{AutoRescheduling: domain.AutoRescheduling{Enabled: true, MaxRetryAttempts: 2}},
		Ledger: []domain.SendUnit{
			{ID: "u0", Index: 0, Destination: "+1", Status: domain.UnitSent},
			{ID: "u1", Index: 1, Destination: "+1", Status: domain.UnitSent},
			{ID: "u2", Index: 2, Destination: "+2", Status: domain.UnitFailed, FailureReason: "dial tcp: connection reset", RetryCount: 2, Attempts: 3},
			{ID: "u3", Index: 3, Destination: "+3", Status: domain.UnitFailed, FailureReason: "whatever", FailureCategory: string(retry.CategoryInvalidNumber), Attempts: 1},
			{ID: "u4", Index: 4, Destination: "+3", Status: domain.UnitSent},
		},
	}
	c.Stats.TotalBatches = 1
	c.Stats.CurrentBatch = 1
	c.Recount()
	return c
}

func TestBuild(t *testing.T) {
	r := Build(sample(), 0.01, start.Add(time.Hour))

	require.Equal(t, Totals{Total: 5, Sent: 3, Failed: 2}, r.Totals)
	require.InDelta(t, 60.0, r.SuccessRate, 0.001)
	require.Equal(t, 600.0, r.DurationSeconds)
	require.InDelta(t, 0.03, r.Cost.Total, 1e-9)

	require.True(t, r.Delivery.Estimated)
	require.Equal(t, 2, r.Delivery.Delivered) // floor(3 * 0.95)
	require.Equal(t, 2, r.Delivery.Read)      // floor(3 * 0.70)

	require.Equal(t, 3, r.Recipients.Total)
	require.Equal(t, 2, r.Recipients.Successful)
	require.Equal(t, 2, r.Recipients.Failed)
	require.Equal(t, []string{"+2", "+3"}, r.Recipients.FailedDestinations)

	require.Equal(t, 1, r.FailureBreakdown[retry.CategoryNetwork])
	require.Equal(t, 1, r.FailureBreakdown[retry.CategoryInvalidNumber])
	require.Equal(t, 0, r.FailureBreakdown[retry.CategoryAPI])

	require.Len(t, r.FailedUnits, 2)
	require.False(t, r.FailedUnits[0].RetryEligible, "retries exhausted")
	require.False(t, r.FailedUnits[1].RetryEligible, "run is over")
}

func TestRetryEligibleFollowsCampaignStatus(t *testing.T) {
	for _, tc := range []struct {
		status   domain.CampaignStatus
		eligible bool
	}{
		{domain.StatusRunning, true},
		{domain.StatusPaused, true},
		{domain.StatusCompleted, false},
		{domain.StatusCancelled, false},
	} {
		t.Run(string(tc.status), func(t *testing.T) {
			c := sample()
			c.Status = tc.status
			r := Build(c, 0, start.Add(time.Hour))
			require.False(t, r.FailedUnits[0].RetryEligible)
			require.Equal(t, tc.eligible, r.FailedUnits[1].RetryEligible)
		})
	}
}

func TestBuildUsesReceiptsWhenPresent(t *testing.T) {
	c := sample()
	c.Ledger[0].Receipt = domain.ReceiptRead
	c.Ledger[1].Receipt = domain.ReceiptDelivered

	r := Build(c, 0, start)
	require.False(t, r.Delivery.Estimated)
	require.Equal(t, 2, r.Delivery.Delivered)
	require.Equal(t, 1, r.Delivery.Read)
}

func TestLive(t *testing.T) {
	c := sample()
	c.Status = domain.StatusRunning
	c.CompletedAt = nil

	p := Live(c, domain.Progress{Active: true, Processed: 6}, start.Add(3*time.Minute))
	require.Equal(t, 180.0, p.ElapsedSeconds)
	require.Equal(t, 30.0, p.AverageMessageSecs)
	require.Equal(t, 2.0, p.MessagesPerMinute)
	require.Equal(t, 5, p.Stats.TotalMessages)
}

func TestLiveInactiveUsesLedger(t *testing.T) {
	p := Live(sample(), domain.Progress{}, start.Add(time.Hour))
	require.Equal(t, 5, p.Processed)
	require.Equal(t, 3, p.Succeeded)
	require.Equal(t, 600.0, p.ElapsedSeconds)
}

func TestElapsedBeforeStart(t *testing.T) {
	c := &domain.Campaign{Status: domain.StatusDraft}
	require.Zero(t, Elapsed(c, start))
}
