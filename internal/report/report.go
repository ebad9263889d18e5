// Package report derives live progress figures and the final campaign report
// from a campaign snapshot.
package report

import (
	"slices"
	"time"

	"outreach/internal/domain"
	"outreach/internal/retry"
)

// Without provider receipts delivery and read counts are estimated from sends.
const (
	EstimatedDeliveredRatio = 0.95
	EstimatedReadRatio      = 0.70
)

type Totals struct {
	Total   int `json:"totalMessages"`
	Sent    int `json:"sentMessages"`
	Failed  int `json:"failedMessages"`
	Pending int `json:"pendingMessages"`
	Paused  int `json:"pausedMessages"`
}

type Delivery struct {
	Delivered int  `json:"delivered"`
	Read      int  `json:"read"`
	Estimated bool `json:"estimated"`
}

type Cost struct {
	PerMessage float64 `json:"perMessage"`
	Total      float64 `json:"total"`
}

type Recipients struct {
	Total              int      `json:"total"`
	Successful         int      `json:"successful"`
	Failed             int      `json:"failed"`
	FailedDestinations []string `json:"failedDestinations,omitempty"`
}

type FailedUnit struct {
	UnitID        string     `json:"unitId"`
	Index         int        `json:"index"`
	Recipient     string     `json:"recipient"`
	Destination   string     `json:"destination"`
	Reason        string     `json:"reason"`
	Category      string     `json:"category"`
	Attempts      int        `json:"attempts"`
	RetryCount    int        `json:"retryCount"`
	RetryEligible bool       `json:"retryEligible"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
}

type Report struct {
	CampaignID       string                 `json:"campaignId"`
	Name             string                 `json:"name"`
	Type             domain.CampaignType    `json:"type"`
	Status           domain.CampaignStatus  `json:"status"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	DurationSeconds  float64                `json:"durationSeconds"`
	Totals           Totals                 `json:"totals"`
	SuccessRate      float64                `json:"successRate"`
	Delivery         Delivery               `json:"delivery"`
	Cost             Cost                   `json:"cost"`
	Recipients       Recipients             `json:"recipients"`
	FailureBreakdown map[retry.Category]int `json:"failureBreakdown"`
	FailedUnits      []FailedUnit           `json:"failedUnits"`
	GeneratedAt      time.Time              `json:"generatedAt"`
}

// Elapsed is the run time so far, frozen at completion.
func Elapsed(c *domain.Campaign, now time.Time) time.Duration {
	if c.StartedAt == nil {
		return 0
	}
	end := now
	if c.Status.Terminal() && c.CompletedAt != nil {
		end = *c.CompletedAt
	}
	if end.Before(*c.StartedAt) {
		return 0
	}
	return end.Sub(*c.StartedAt)
}

// Live fills the derived figures of a progress snapshot.
func Live(c *domain.Campaign, p domain.Progress, now time.Time) domain.Progress {
	p.CampaignID = c.ID
	p.Status = c.Status
	p.Stats = c.Stats
	p.TotalBatches = c.Stats.TotalBatches
	p.CurrentBatch = c.Stats.CurrentBatch
	if !p.Active {
		p.Processed = c.Stats.SentMessages + c.Stats.FailedMessages
		p.Succeeded = c.Stats.SentMessages
		p.Failed = c.Stats.FailedMessages
	}

	elapsed := Elapsed(c, now)
	p.ElapsedSeconds = elapsed.Seconds()
	if p.Processed > 0 {
		p.AverageMessageSecs = elapsed.Seconds() / float64(p.Processed)
	}
	if elapsed > 0 {
		p.MessagesPerMinute = float64(p.Processed) / elapsed.Minutes()
	}
	return p
}

// Build compiles the campaign report.
func Build(c *domain.Campaign, costPerMessage float64, now time.Time) Report {
	r := Report{
		CampaignID:       c.ID,
		Name:             c.Name,
		Type:             c.Type,
		Status:           c.Status,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
		DurationSeconds:  Elapsed(c, now).Seconds(),
		SuccessRate:      c.Stats.SuccessRate,
		FailureBreakdown: make(map[retry.Category]int, len(retry.Categories)),
		FailedUnits:      []FailedUnit{},
		GeneratedAt:      now,
		Totals: Totals{
			Total:   c.Stats.TotalMessages,
			Sent:    c.Stats.SentMessages,
			Failed:  c.Stats.FailedMessages,
			Pending: c.Stats.PendingMessages + c.Stats.SendingMessages,
			Paused:  c.Stats.PausedMessages,
		},
	}
	for _, cat := range retry.Categories {
		r.FailureBreakdown[cat] = 0
	}

	okDest := map[string]bool{}
	failDest := map[string]bool{}
	allDest := map[string]bool{}
	receipts, delivered, read := 0, 0, 0

	for _, u := range c.Ledger {
		allDest[u.Destination] = true
		switch u.Receipt {
		case domain.ReceiptDelivered:
			receipts++
			delivered++
		case domain.ReceiptRead:
			receipts++
			delivered++
			read++
		case domain.ReceiptFailed:
			receipts++
		}

		switch u.Status {
		case domain.UnitSent:
			okDest[u.Destination] = true
		case domain.UnitFailed:
			failDest[u.Destination] = true
			cat := retry.Classify(retry.Category(u.FailureCategory), u.FailureReason)
			r.FailureBreakdown[cat]++
			r.FailedUnits = append(r.FailedUnits, FailedUnit{
				UnitID:        u.ID,
				Index:         u.Index,
				Recipient:     u.RecipientName,
				Destination:   u.Destination,
				Reason:        u.FailureReason,
				Category:      string(cat),
				Attempts:      u.Attempts,
				RetryCount:    u.RetryCount,
				RetryEligible: !c.Status.Terminal() && retry.Eligible(c.Policy.AutoRescheduling, u),
				NextRetryAt:   u.NextRetryAt,
			})
		}
	}

	if receipts > 0 {
		r.Delivery = Delivery{Delivered: delivered, Read: read}
	} else {
		r.Delivery = Delivery{
			Delivered: int(float64(r.Totals.Sent) * EstimatedDeliveredRatio),
			Read:      int(float64(r.Totals.Sent) * EstimatedReadRatio),
			Estimated: true,
		}
	}

	r.Cost = Cost{PerMessage: costPerMessage, Total: costPerMessage * float64(r.Totals.Sent)}

	r.Recipients = Recipients{Total: len(allDest), Successful: len(okDest), Failed: len(failDest)}
	for d := range failDest {
		r.Recipients.FailedDestinations = append(r.Recipients.FailedDestinations, d)
	}
	slices.Sort(r.Recipients.FailedDestinations)
	return r
}
