package store

import "time"

// DeliveryEvent is one provider status callback, kept as an audit trail next
// to the receipt applied to the in-memory ledger.
type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	CampaignID    string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

