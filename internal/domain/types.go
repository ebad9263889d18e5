package domain

import "time"

type CampaignType string

const (
	TypeText    CampaignType = "text"
	TypeMedia   CampaignType = "media"
	TypeSticker CampaignType = "sticker"
)

func (t CampaignType) Valid() bool {
	switch t {
	case TypeText, TypeMedia, TypeSticker:
		return true
	}
	return false
}

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled" // reserved
	StatusRunning   CampaignStatus = "running"
	StatusPaused    CampaignStatus = "paused"
	StatusCompleted CampaignStatus = "completed"
	StatusFailed    CampaignStatus = "failed" // reserved
	StatusCancelled CampaignStatus = "cancelled"
)

func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type UnitStatus string

const (
	UnitPending UnitStatus = "pending"
	UnitSending UnitStatus = "sending"
	UnitSent    UnitStatus = "sent"
	UnitFailed  UnitStatus = "failed"
	UnitPaused  UnitStatus = "paused"
)

// Receipt is an opportunistic delivery report from the channel provider.
type Receipt string

const (
	ReceiptNone      Receipt = ""
	ReceiptDelivered Receipt = "delivered"
	ReceiptRead      Receipt = "read"
	ReceiptFailed    Receipt = "undelivered"
)

type MessageVariant struct {
	Content  string `json:"content"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type Recipient struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Company string `json:"company,omitempty"`
	Email   string `json:"email,omitempty"`
}

// SendUnit is one (recipient, variant) pair in the ledger.
type SendUnit struct {
	ID                string     `json:"id"`
	Index             int        `json:"index"`
	RecipientName     string     `json:"recipientName"`
	Destination       string     `json:"destination"`
	VariantIndex      int        `json:"variantIndex"`
	Content           string     `json:"content"`
	MediaURL          string     `json:"mediaUrl,omitempty"`
	Status            UnitStatus `json:"status"`
	Attempts          int        `json:"attempts"`
	RetryCount        int        `json:"retryCount"`
	FailureReason     string     `json:"failureReason,omitempty"`
	FailureCategory   string     `json:"failureCategory,omitempty"`
	ProviderMsgID     string     `json:"providerMsgId,omitempty"`
	Receipt           Receipt    `json:"receipt,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	EstimatedSendTime *time.Time `json:"estimatedSendTime,omitempty"`
	NextRetryAt       *time.Time `json:"nextRetryAt,omitempty"`
}

type CampaignStats struct {
	TotalMessages   int     `json:"totalMessages"`
	PendingMessages int     `json:"pendingMessages"`
	SendingMessages int     `json:"sendingMessages"`
	SentMessages    int     `json:"sentMessages"`
	FailedMessages  int     `json:"failedMessages"`
	PausedMessages  int     `json:"pausedMessages"`
	TotalBatches    int     `json:"totalBatches"`
	CurrentBatch    int     `json:"currentBatch"`
	SuccessRate     float64 `json:"successRate"`
}

type Campaign struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Type        CampaignType     `json:"type"`
	Status      CampaignStatus   `json:"status"`
	Messages    []MessageVariant `json:"messages"`
	Recipients  []Recipient      `json:"recipients"`
	Policy      SendingPolicy    `json:"config"`
	Ledger      []SendUnit       `json:"ledger"`
	Stats       CampaignStats    `json:"stats"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	// PauseReason and PauseUntil describe the current pause; an automatic
	// pause carries the time its run resumes.
	PauseReason string     `json:"pauseReason,omitempty"`
	PauseUntil  *time.Time `json:"pauseUntil,omitempty"`
	Version     int64      `json:"version"`
}

// Recount rebuilds the ledger-derived counters. Batch fields are left alone.
func (c *Campaign) Recount() {
	s := CampaignStats{
		TotalMessages: len(c.Ledger),
		TotalBatches:  c.Stats.TotalBatches,
		CurrentBatch:  c.Stats.CurrentBatch,
	}
	for i := range c.Ledger {
		switch c.Ledger[i].Status {
		case UnitPending:
			s.PendingMessages++
		case UnitSending:
			s.SendingMessages++
		case UnitSent:
			s.SentMessages++
		case UnitFailed:
			s.FailedMessages++
		case UnitPaused:
			s.PausedMessages++
		}
	}
	if attempted := s.SentMessages + s.FailedMessages; attempted > 0 {
		s.SuccessRate = float64(s.SentMessages) / float64(attempted) * 100
	}
	c.Stats = s
}

// Clone returns a deep copy safe to hand to callers outside the store.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.Messages = append([]MessageVariant(nil), c.Messages...)
	out.Recipients = append([]Recipient(nil), c.Recipients...)
	out.Ledger = make([]SendUnit, len(c.Ledger))
	for i, u := range c.Ledger {
		u.SentAt = cloneTime(u.SentAt)
		u.EstimatedSendTime = cloneTime(u.EstimatedSendTime)
		u.NextRetryAt = cloneTime(u.NextRetryAt)
		out.Ledger[i] = u
	}
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	out.PauseUntil = cloneTime(c.PauseUntil)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Progress is the live, non-persisted view of an active run.
type Progress struct {
	CampaignID         string         `json:"campaignId"`
	Status             CampaignStatus `json:"status"`
	Active             bool           `json:"active"`
	Processed          int            `json:"processed"`
	Succeeded          int            `json:"succeeded"`
	Failed             int            `json:"failed"`
	CurrentBatch       int            `json:"currentBatch"`
	TotalBatches       int            `json:"totalBatches"`
	PauseReason        string         `json:"pauseReason,omitempty"`
	PauseUntil         *time.Time     `json:"pauseUntil,omitempty"`
	NextSendAt         *time.Time     `json:"nextSendAt,omitempty"`
	Stats              CampaignStats  `json:"stats"`
	ElapsedSeconds     float64        `json:"elapsedSeconds"`
	AverageMessageSecs float64        `json:"averageMessageSeconds"`
	MessagesPerMinute  float64        `json:"messagesPerMinute"`
}

type CreateCampaignRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Type        CampaignType     `json:"type"`
	Messages    []MessageVariant `json:"messages"`
	Recipients  []Recipient      `json:"recipients"`
	Policy      *SendingPolicy   `json:"config,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.Name == "" {
		return &ConfigError{Field: "name", Reason: "required"}
	}
	if !r.Type.Valid() {
		return &ConfigError{Field: "type", Reason: "must be text, media or sticker"}
	}
	if len(r.Messages) == 0 {
		return &ConfigError{Field: "messages", Reason: "at least one message is required"}
	}
	if len(r.Recipients) == 0 {
		return &ConfigError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	for i, m := range r.Messages {
		if r.Type != TypeText && m.MediaURL == "" {
			return &ConfigError{Field: "messages", Reason: "media reference required for " + string(r.Type) + " variant " + itoa(i)}
		}
		if r.Type != TypeSticker && m.Content == "" {
			return &ConfigError{Field: "messages", Reason: "empty content in variant " + itoa(i)}
		}
	}
	for i, rc := range r.Recipients {
		if rc.Address == "" {
			return &ConfigError{Field: "recipients", Reason: "missing address for recipient " + itoa(i)}
		}
	}
	return nil
}
