// Package campaign owns campaign and ledger state. It applies mutations but
// makes no policy decisions; the engine decides, the store records.
package campaign

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"outreach/internal/domain"
	"outreach/internal/pacing"
	"outreach/internal/util"
)

type unitRef struct {
	campaignID string
	index      int
}

// Store is an in-memory campaign store. Callers get clones; nothing outside
// the store holds a pointer into the ledger.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]*domain.Campaign
	byProvID  map[string]unitRef

	NewCampaignID func() string
	NewUnitID     func() string
}

func NewStore() *Store {
	return &Store{
		campaigns:     make(map[string]*domain.Campaign),
		byProvID:      make(map[string]unitRef),
		NewCampaignID: util.NewCampaignID,
		NewUnitID:     util.NewUnitID,
	}
}

// Create expands messages x recipients into the ledger, recipients outer and
// variants inner, and stores the campaign as draft.
func (s *Store) Create(req domain.CreateCampaignRequest, policy domain.SendingPolicy, now time.Time) (*domain.Campaign, error) {
	c := &domain.Campaign{
		ID:          s.NewCampaignID(),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Status:      domain.StatusDraft,
		Messages:    append([]domain.MessageVariant(nil), req.Messages...),
		Recipients:  append([]domain.Recipient(nil), req.Recipients...),
		Policy:      policy,
		CreatedAt:   now,
		Version:     1,
	}
	c.Ledger = make([]domain.SendUnit, 0, len(req.Messages)*len(req.Recipients))
	for _, rc := range req.Recipients {
		dest := util.NormalizePhone(rc.Address)
		vars := util.TemplateVars{Name: rc.Name, Company: rc.Company, Phone: dest, Email: rc.Email}
		for vi, m := range req.Messages {
			c.Ledger = append(c.Ledger, domain.SendUnit{
				ID:            s.NewUnitID(),
				Index:         len(c.Ledger),
				RecipientName: rc.Name,
				Destination:   dest,
				VariantIndex:  vi,
				Content:       util.RenderTemplate(m.Content, vars),
				MediaURL:      m.MediaURL,
				Status:        domain.UnitPending,
			})
		}
	}
	c.Stats.TotalBatches = pacing.TotalBatches(len(c.Ledger), policy.BatchSize())
	c.Stats.CurrentBatch = 1
	c.Recount()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.campaigns[c.ID]; exists {
		return nil, fmt.Errorf("campaign with ID %s already exists", c.ID)
	}
	s.campaigns[c.ID] = c
	return c.Clone(), nil
}

// Put inserts or replaces a campaign, used when restoring snapshots.
func (s *Store) Put(c *domain.Campaign) {
	cp := c.Clone()
	cp.Recount()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[cp.ID] = cp
	for i, u := range cp.Ledger {
		if u.ProviderMsgID != "" {
			s.byProvID[u.ProviderMsgID] = unitRef{campaignID: cp.ID, index: i}
		}
	}
}

func (s *Store) Get(id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) Status(id string) (domain.CampaignStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return c.Status, nil
}

// Runtime returns what the dispatcher needs each step without cloning the ledger.
func (s *Store) Runtime(id string) (domain.CampaignStatus, domain.CampaignType, domain.SendingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return "", "", domain.SendingPolicy{}, domain.ErrNotFound
	}
	return c.Status, c.Type, c.Policy, nil
}

// List returns clones ordered by creation time.
func (s *Store) List() []*domain.Campaign {
	s.mu.RLock()
	out := make([]*domain.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *domain.Campaign) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Transition moves the campaign to `to` if its current status is one of
// `from`. It returns the previous status.
func (s *Store) Transition(id, op string, from []domain.CampaignStatus, to domain.CampaignStatus, now time.Time) (domain.CampaignStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	prev := c.Status
	if !slices.Contains(from, prev) {
		return prev, &domain.StateError{Op: op, Status: prev}
	}
	c.Status = to
	c.Version++
	if to != domain.StatusPaused {
		c.PauseReason, c.PauseUntil = "", nil
	}
	switch {
	case to == domain.StatusRunning && c.StartedAt == nil:
		t := now
		c.StartedAt = &t
	case to == domain.StatusRunning:
		c.CompletedAt = nil
	case to.Terminal():
		t := now
		c.CompletedAt = &t
	}
	return prev, nil
}

func (s *Store) mutate(id string, fn func(c *domain.Campaign) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(c); err != nil {
		return err
	}
	c.Recount()
	c.Version++
	return nil
}

func unitAt(c *domain.Campaign, idx int) (*domain.SendUnit, error) {
	if idx < 0 || idx >= len(c.Ledger) {
		return nil, fmt.Errorf("unit %d out of range for campaign %s", idx, c.ID)
	}
	return &c.Ledger[idx], nil
}

// NextPending returns the first pending unit in ledger order.
func (s *Store) NextPending(id string) (domain.SendUnit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.SendUnit{}, false, domain.ErrNotFound
	}
	for _, u := range c.Ledger {
		if u.Status == domain.UnitPending {
			return u, true, nil
		}
	}
	return domain.SendUnit{}, false, nil
}

// MarkSending claims a pending unit. It refuses if another unit of the same
// campaign is already in flight.
func (s *Store) MarkSending(id string, idx int) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		if c.Stats.SendingMessages > 0 {
			return fmt.Errorf("campaign %s already has a unit in flight", id)
		}
		u, err := unitAt(c, idx)
		if err != nil {
			return err
		}
		if u.Status != domain.UnitPending {
			return fmt.Errorf("unit %s is %s, not pending", u.ID, u.Status)
		}
		u.Status = domain.UnitSending
		u.Attempts++
		u.EstimatedSendTime = nil
		return nil
	})
}

func (s *Store) MarkSent(id string, idx int, providerMsgID string, at time.Time) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		u, err := unitAt(c, idx)
		if err != nil {
			return err
		}
		if u.Status != domain.UnitSending {
			return fmt.Errorf("unit %s is %s, not sending", u.ID, u.Status)
		}
		t := at
		u.Status = domain.UnitSent
		u.SentAt = &t
		u.FailureReason = ""
		u.FailureCategory = ""
		u.NextRetryAt = nil
		if providerMsgID != "" {
			u.ProviderMsgID = providerMsgID
			s.byProvID[providerMsgID] = unitRef{campaignID: id, index: idx}
		}
		return nil
	})
}

func (s *Store) MarkFailed(id string, idx int, reason, category string, nextRetryAt *time.Time) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		u, err := unitAt(c, idx)
		if err != nil {
			return err
		}
		if u.Status != domain.UnitSending {
			return fmt.Errorf("unit %s is %s, not sending", u.ID, u.Status)
		}
		u.Status = domain.UnitFailed
		u.FailureReason = reason
		u.FailureCategory = category
		u.NextRetryAt = nextRetryAt
		return nil
	})
}

// Requeue re-offers a failed unit and counts the retry.
func (s *Store) Requeue(id string, idx int) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		u, err := unitAt(c, idx)
		if err != nil {
			return err
		}
		if u.Status != domain.UnitFailed {
			return fmt.Errorf("unit %s is %s, not failed", u.ID, u.Status)
		}
		u.Status = domain.UnitPending
		u.RetryCount++
		u.NextRetryAt = nil
		return nil
	})
}

// ResetFailed returns failed units (all of them when unitIDs is empty) to
// pending with a fresh retry budget. It returns the ledger indexes touched.
func (s *Store) ResetFailed(id string, unitIDs []string) ([]int, error) {
	var touched []int
	err := s.mutate(id, func(c *domain.Campaign) error {
		for i := range c.Ledger {
			u := &c.Ledger[i]
			if u.Status != domain.UnitFailed {
				continue
			}
			if len(unitIDs) > 0 && !slices.Contains(unitIDs, u.ID) {
				continue
			}
			u.Status = domain.UnitPending
			u.RetryCount = 0
			u.FailureReason = ""
			u.FailureCategory = ""
			u.NextRetryAt = nil
			touched = append(touched, i)
		}
		return nil
	})
	return touched, err
}

// PauseRemaining parks every pending unit; used when a run is stopped.
func (s *Store) PauseRemaining(id string) (int, error) {
	n := 0
	err := s.mutate(id, func(c *domain.Campaign) error {
		for i := range c.Ledger {
			u := &c.Ledger[i]
			if u.Status == domain.UnitPending {
				u.Status = domain.UnitPaused
				u.EstimatedSendTime = nil
				n++
			}
			u.NextRetryAt = nil
		}
		return nil
	})
	return n, err
}

// SetPause records why a paused campaign is parked and when it resumes on
// its own, if ever.
func (s *Store) SetPause(id, reason string, until *time.Time) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		if c.Status != domain.StatusPaused {
			return &domain.StateError{Op: "pause", Status: c.Status}
		}
		c.PauseReason = reason
		c.PauseUntil = nil
		if until != nil {
			t := *until
			c.PauseUntil = &t
		}
		return nil
	})
}

// RecoverInFlight puts units left in sending back to pending, after a restart
// or a step that failed mid-send.
func (s *Store) RecoverInFlight(id string) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		for i := range c.Ledger {
			if c.Ledger[i].Status == domain.UnitSending {
				c.Ledger[i].Status = domain.UnitPending
			}
		}
		return nil
	})
}

func (s *Store) SetCurrentBatch(id string, batch int) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		c.Stats.CurrentBatch = batch
		return nil
	})
}

func (s *Store) SetEstimate(id string, idx int, at time.Time) error {
	return s.mutate(id, func(c *domain.Campaign) error {
		u, err := unitAt(c, idx)
		if err != nil {
			return err
		}
		t := at
		u.EstimatedSendTime = &t
		return nil
	})
}

// RecordReceipt applies a provider delivery report. Receipts never move a
// unit backwards: read wins over delivered.
func (s *Store) RecordReceipt(providerMsgID string, r domain.Receipt) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byProvID[providerMsgID]
	if !ok {
		return "", false
	}
	c, ok := s.campaigns[ref.campaignID]
	if !ok || ref.index >= len(c.Ledger) {
		return "", false
	}
	u := &c.Ledger[ref.index]
	if u.Receipt == domain.ReceiptRead {
		return ref.campaignID, true
	}
	if u.Receipt != r {
		u.Receipt = r
		c.Version++
	}
	return ref.campaignID, true
}
