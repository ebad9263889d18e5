// Package engine runs campaigns: it owns the per-campaign control loop, the
// send executor and the lifecycle operations exposed to the API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"outreach/internal/campaign"
	"outreach/internal/channel"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/pacing"
	"outreach/internal/report"
)

// Scheduler runs fn at (or soon after) at. The returned func cancels the
// callback and reports whether it was still pending.
type Scheduler interface {
	Schedule(at time.Time, fn func()) func() bool
}

// DailyCounter is the system-wide count of successful sends per local day.
type DailyCounter interface {
	Count(ctx context.Context, day time.Time) (int, error)
	Increment(ctx context.Context, day time.Time) (int, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type SnapshotSink interface {
	SaveCampaign(ctx context.Context, c *domain.Campaign) error
}

const (
	EventStarted   = "campaign.started"
	EventPaused    = "campaign.paused"
	EventResumed   = "campaign.resumed"
	EventCompleted = "campaign.completed"
	EventCancelled = "campaign.cancelled"
)

// Pause reasons reported in progress and events.
const (
	ReasonManual     = "manual"
	ReasonQuietHours = "quiet_hours"
	ReasonDailyCap   = "daily_cap"
	ReasonBatch      = "batch_pause"
	ReasonRestart    = "restart"
)

type Event struct {
	Type       string                `json:"type"`
	CampaignID string                `json:"campaignId"`
	Status     domain.CampaignStatus `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	ResumeAt   *time.Time            `json:"resumeAt,omitempty"`
	At         time.Time             `json:"at"`
	Report     *report.Report        `json:"report,omitempty"`
}

type Options struct {
	Store     *campaign.Store
	Sender    channel.Sender
	Scheduler Scheduler
	Counter   DailyCounter

	// Optional.
	Events    EventPublisher
	Snapshots SnapshotSink
	Logger    *slog.Logger
	Clock     func() time.Time
	Location  *time.Location
	Rand      pacing.Rand

	DefaultPolicy        *domain.SendingPolicy
	AllowErrorSimulation bool
	CostPerMessage       float64
	SendTimeout          time.Duration
	// CounterRetryDelay is how long the loop waits after the daily counter
	// could not be read.
	CounterRetryDelay time.Duration
}

type Engine struct {
	store     *campaign.Store
	sender    channel.Sender
	sched     Scheduler
	counter   DailyCounter
	events    EventPublisher
	snapshots SnapshotSink
	log       *slog.Logger
	clock     func() time.Time
	loc       *time.Location
	rng       pacing.Rand

	defaultPolicy     domain.SendingPolicy
	allowSim          bool
	cost              float64
	sendTimeout       time.Duration
	counterRetryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner

	// capMu spans count, send and increment for capped steps so concurrent
	// campaigns cannot both take the last slot of the day. Taken after r.mu.
	capMu sync.Mutex
}

// globalRand draws from the runtime's concurrency-safe source.
type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

func New(o Options) (*Engine, error) {
	if o.Store == nil || o.Sender == nil || o.Scheduler == nil || o.Counter == nil {
		return nil, errors.New("engine: store, sender, scheduler and counter are required")
	}
	e := &Engine{
		store:             o.Store,
		sender:            o.Sender,
		sched:             o.Scheduler,
		counter:           o.Counter,
		events:            o.Events,
		snapshots:         o.Snapshots,
		log:               o.Logger,
		clock:             o.Clock,
		loc:               o.Location,
		rng:               o.Rand,
		defaultPolicy:     domain.DefaultPolicy(),
		allowSim:          o.AllowErrorSimulation,
		cost:              o.CostPerMessage,
		sendTimeout:       o.SendTimeout,
		counterRetryDelay: o.CounterRetryDelay,
		runners:           make(map[string]*runner),
	}
	if o.DefaultPolicy != nil {
		if err := o.DefaultPolicy.Validate(o.AllowErrorSimulation); err != nil {
			return nil, fmt.Errorf("default policy: %w", err)
		}
		e.defaultPolicy = *o.DefaultPolicy
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.rng == nil {
		e.rng = globalRand{}
	}
	if e.counterRetryDelay <= 0 {
		e.counterRetryDelay = time.Minute
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) now() time.Time { return e.clock().In(e.loc) }

// DefaultPolicy is applied to campaigns created without a config.
func (e *Engine) DefaultPolicy() domain.SendingPolicy { return e.defaultPolicy }

func (e *Engine) runner(id string) *runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[id]
	if !ok {
		r = newRunner(id)
		e.runners[id] = r
	}
	return r
}

// runnerFor returns the runner of an existing campaign.
func (e *Engine) runnerFor(id string) (*runner, error) {
	if _, err := e.store.Status(id); err != nil {
		return nil, err
	}
	return e.runner(id), nil
}

func (e *Engine) lookup(id string) (*runner, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[id]
	return r, ok
}

// Create validates the request and stores a draft campaign.
func (e *Engine) Create(ctx context.Context, req domain.CreateCampaignRequest) (*domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	policy := e.defaultPolicy
	if req.Policy != nil {
		policy = *req.Policy
	}
	if err := policy.Validate(e.allowSim); err != nil {
		return nil, err
	}
	c, err := e.store.Create(req, policy, e.now())
	if err != nil {
		return nil, err
	}
	e.log.Info("campaign created", "campaign_id", c.ID, "type", c.Type, "units", len(c.Ledger), "batches", c.Stats.TotalBatches)
	e.persist(ctx, c.ID)
	return c, nil
}

func (e *Engine) Get(id string) (*domain.Campaign, error) { return e.store.Get(id) }

func (e *Engine) List() []*domain.Campaign { return e.store.List() }

// Start moves a draft campaign to running and begins its control loop.
func (e *Engine) Start(ctx context.Context, id string) error {
	r, err := e.runnerFor(id)
	if err != nil {
		return err
	}
	var fx effects
	err = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		status, _, policy, err := e.store.Runtime(id)
		if err != nil {
			return err
		}
		if status != domain.StatusDraft {
			return &domain.StateError{Op: "start", Status: status}
		}
		if err := e.checkGates(ctx, policy); err != nil {
			return err
		}
		if err := e.transition(r, "start", []domain.CampaignStatus{domain.StatusDraft}, domain.StatusRunning, "", nil, &fx); err != nil {
			return err
		}
		r.begin()
		e.scheduleStep(r, e.now())
		return nil
	}()
	e.apply(id, fx)
	return err
}

// Pause suspends a running campaign. Pausing a paused or finished campaign is
// a no-op; pausing a campaign that is waiting on an automatic resume turns it
// into a manual pause.
func (e *Engine) Pause(ctx context.Context, id string) error {
	r, err := e.runnerFor(id)
	if err != nil {
		return err
	}
	var fx effects
	err = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		status, err := e.store.Status(id)
		if err != nil {
			return err
		}
		switch {
		case status == domain.StatusRunning:
			r.invalidate()
			r.idle = false
			return e.transition(r, "pause", []domain.CampaignStatus{domain.StatusRunning}, domain.StatusPaused, ReasonManual, nil, &fx)
		case status == domain.StatusPaused:
			if r.invalidate() {
				r.setPause(ReasonManual, nil)
				if err := e.store.SetPause(id, ReasonManual, nil); err != nil {
					return err
				}
				fx.persist = true
				e.log.Info("automatic resume cancelled by manual pause", "campaign_id", id)
			}
			return nil
		case status.Terminal():
			return nil
		default:
			return &domain.StateError{Op: "pause", Status: status}
		}
	}()
	e.apply(id, fx)
	return err
}

// Resume re-enters the control loop of a paused campaign at its current
// ledger position.
func (e *Engine) Resume(ctx context.Context, id string) error {
	r, err := e.runnerFor(id)
	if err != nil {
		return err
	}
	var fx effects
	err = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		status, _, policy, err := e.store.Runtime(id)
		if err != nil {
			return err
		}
		if status != domain.StatusPaused {
			return &domain.StateError{Op: "resume", Status: status}
		}
		if err := e.checkGates(ctx, policy); err != nil {
			return err
		}
		r.invalidate()
		if !r.active() {
			r.begin()
		}
		if err := e.transition(r, "resume", []domain.CampaignStatus{domain.StatusPaused}, domain.StatusRunning, ReasonManual, nil, &fx); err != nil {
			return err
		}
		e.scheduleStep(r, e.now())
		return nil
	}()
	e.apply(id, fx)
	return err
}

// Stop cancels the run. It waits for an in-flight attempt to resolve; once it
// returns no further ledger mutation happens for this run.
func (e *Engine) Stop(ctx context.Context, id string) error {
	r, err := e.runnerFor(id)
	if err != nil {
		return err
	}
	var fx effects
	err = func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		status, err := e.store.Status(id)
		if err != nil {
			return err
		}
		if status != domain.StatusRunning && status != domain.StatusPaused {
			return &domain.StateError{Op: "stop", Status: status}
		}
		r.invalidate()
		r.cancelRetries(nil)
		r.idle = false
		if err := e.transition(r, "stop", []domain.CampaignStatus{domain.StatusRunning, domain.StatusPaused}, domain.StatusCancelled, ReasonManual, nil, &fx); err != nil {
			return err
		}
		n, err := e.store.PauseRemaining(id)
		if err != nil {
			return err
		}
		e.log.Info("campaign stopped", "campaign_id", id, "units_paused", n)
		return nil
	}()
	e.apply(id, fx)
	return err
}

// RetryFailed returns failed units (all of them when unitIDs is empty) to
// pending with a fresh retry budget. A completed campaign is restarted the
// same way start would, including its gates. It returns the number of units
// reset.
func (e *Engine) RetryFailed(ctx context.Context, id string, unitIDs []string) (int, error) {
	r, err := e.runnerFor(id)
	if err != nil {
		return 0, err
	}
	var fx effects
	n, err := func() (int, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		status, _, policy, err := e.store.Runtime(id)
		if err != nil {
			return 0, err
		}
		restart := status == domain.StatusCompleted || status == domain.StatusFailed
		switch {
		case restart:
			if err := e.checkGates(ctx, policy); err != nil {
				return 0, err
			}
		case status == domain.StatusRunning, status == domain.StatusPaused:
		default:
			return 0, &domain.StateError{Op: "retry", Status: status}
		}

		touched, err := e.store.ResetFailed(id, unitIDs)
		if err != nil {
			return 0, err
		}
		if len(touched) == 0 {
			return 0, nil
		}
		r.cancelRetries(touched)
		observability.Retries.WithLabelValues("manual").Add(float64(len(touched)))
		fx.persist = true
		e.log.Info("failed units reset", "campaign_id", id, "units", len(touched), "restart", restart)

		switch {
		case restart:
			if err := e.transition(r, "retry", []domain.CampaignStatus{status}, domain.StatusRunning, "retry", nil, &fx); err != nil {
				return 0, err
			}
			r.begin()
			e.scheduleStep(r, e.now())
		case status == domain.StatusRunning && r.idle:
			r.idle = false
			e.scheduleStep(r, e.now())
		}
		return len(touched), nil
	}()
	e.apply(id, fx)
	return n, err
}

// Progress returns the live view of a campaign.
func (e *Engine) Progress(id string) (domain.Progress, error) {
	c, err := e.store.Get(id)
	if err != nil {
		return domain.Progress{}, err
	}
	var p domain.Progress
	if r, ok := e.lookup(id); ok {
		p = r.snapshot()
	}
	if c.Status != domain.StatusPaused {
		p.PauseReason, p.PauseUntil = "", nil
	}
	return report.Live(c, p, e.now()), nil
}

func (e *Engine) Report(id string) (report.Report, error) {
	c, err := e.store.Get(id)
	if err != nil {
		return report.Report{}, err
	}
	return report.Build(c, e.cost, e.now()), nil
}

// RecordReceipt applies a provider delivery status to the unit that carries
// providerMsgID. Statuses other than delivered/read/failed are ignored.
func (e *Engine) RecordReceipt(ctx context.Context, providerMsgID, status string) bool {
	var rc domain.Receipt
	switch status {
	case "delivered":
		rc = domain.ReceiptDelivered
	case "read":
		rc = domain.ReceiptRead
	case "failed", "undelivered":
		rc = domain.ReceiptFailed
	default:
		return false
	}
	id, ok := e.store.RecordReceipt(providerMsgID, rc)
	if !ok {
		return false
	}
	e.persist(ctx, id)
	return true
}

// Restore loads persisted snapshots. Runs whose continuation chain died with
// the previous process come back paused; units caught mid-send go back to
// pending; automatic resumes and scheduled automatic retries are re-armed.
func (e *Engine) Restore(ctx context.Context, campaigns []*domain.Campaign) error {
	for _, c := range campaigns {
		c = c.Clone()
		wasRunning := c.Status == domain.StatusRunning
		if wasRunning {
			c.Status = domain.StatusPaused
			c.PauseReason, c.PauseUntil = ReasonRestart, nil
			c.Version++
		}
		e.store.Put(c)
		if err := e.store.RecoverInFlight(c.ID); err != nil {
			return fmt.Errorf("restore %s: %w", c.ID, err)
		}

		r := e.runner(c.ID)
		r.mu.Lock()
		if wasRunning {
			observability.Transitions.WithLabelValues(string(domain.StatusPaused), ReasonRestart).Inc()
		}
		if c.Status == domain.StatusPaused {
			if c.PauseUntil != nil {
				at := *c.PauseUntil
				if now := e.now(); at.Before(now) {
					at = now
				}
				r.begin()
				e.scheduleResume(r, at)
			}
			r.setPause(c.PauseReason, c.PauseUntil)
		}
		if c.Status == domain.StatusRunning || c.Status == domain.StatusPaused {
			for _, u := range c.Ledger {
				if u.Status == domain.UnitFailed && u.NextRetryAt != nil {
					e.armRetry(r, u.Index, *u.NextRetryAt)
				}
			}
		}
		r.mu.Unlock()

		e.log.Info("campaign restored", "campaign_id", c.ID, "status", c.Status, "was_running", wasRunning,
			"pause_reason", c.PauseReason, "resume_at", c.PauseUntil)
		e.persist(ctx, c.ID)
	}
	return nil
}

// Shutdown aborts in-flight sends and invalidates every pending continuation.
func (e *Engine) Shutdown() {
	e.cancel()
	e.mu.Lock()
	runners := make([]*runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()
	for _, r := range runners {
		r.mu.Lock()
		r.invalidate()
		r.cancelRetries(nil)
		r.mu.Unlock()
	}
}

// checkGates enforces quiet hours and the daily cap for start-like operations.
func (e *Engine) checkGates(ctx context.Context, policy domain.SendingPolicy) error {
	now := e.now()
	if pacing.InQuietHours(now, policy.DoNotDisturb) {
		return fmt.Errorf("%w until %s", domain.ErrQuietHours, pacing.QuietHoursEnd(now, policy.DoNotDisturb).Format(time.RFC3339))
	}
	if policy.DailyCap.Enabled {
		n, err := e.counter.Count(ctx, now)
		if err != nil {
			return fmt.Errorf("daily counter: %w", err)
		}
		if pacing.CapReached(policy.DailyCap, n) {
			return fmt.Errorf("%w: %d of %d sent today", domain.ErrDailyCapReached, n, policy.DailyCap.MaxPerDay)
		}
	}
	return nil
}

// effects are applied after the runner lock is released.
type effects struct {
	persist bool
	events  []Event
}

func (e *Engine) apply(id string, fx effects) {
	if fx.persist || len(fx.events) > 0 {
		e.persist(e.ctx, id)
	}
	if e.events == nil {
		return
	}
	for _, ev := range fx.events {
		if ev.Type == EventCompleted {
			if c, err := e.store.Get(id); err == nil {
				rep := report.Build(c, e.cost, e.now())
				ev.Report = &rep
			}
		}
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		err := e.events.Publish(ctx, ev)
		cancel()
		if err != nil {
			e.log.Error("publish lifecycle event failed", "err", err, "campaign_id", id, "event", ev.Type)
		}
	}
}

func (e *Engine) persist(ctx context.Context, id string) {
	if e.snapshots == nil {
		return
	}
	c, err := e.store.Get(id)
	if err != nil {
		return
	}
	if err := e.snapshots.SaveCampaign(ctx, c); err != nil {
		e.log.Error("save campaign snapshot failed", "err", err, "campaign_id", id, "version", c.Version)
	}
}

// transition applies a status change and records its side effects. Callers
// hold r.mu.
func (e *Engine) transition(r *runner, op string, from []domain.CampaignStatus, to domain.CampaignStatus, reason string, resumeAt *time.Time, fx *effects) error {
	prev, err := e.store.Transition(r.id, op, from, to, e.now())
	if err != nil {
		return err
	}
	if prev == domain.StatusRunning && to != domain.StatusRunning {
		observability.ActiveCampaigns.Dec()
	}
	if prev != domain.StatusRunning && to == domain.StatusRunning {
		observability.ActiveCampaigns.Inc()
	}
	observability.Transitions.WithLabelValues(string(to), reason).Inc()

	var typ string
	switch to {
	case domain.StatusRunning:
		typ = EventResumed
		if prev == domain.StatusDraft || prev.Terminal() {
			typ = EventStarted
		}
		r.setPause("", nil)
	case domain.StatusPaused:
		typ = EventPaused
		r.setPause(reason, resumeAt)
		if err := e.store.SetPause(r.id, reason, resumeAt); err != nil {
			e.log.Error("record pause failed", "err", err, "campaign_id", r.id, "reason", reason)
		}
	case domain.StatusCompleted:
		typ = EventCompleted
		r.finish()
	case domain.StatusCancelled:
		typ = EventCancelled
		r.finish()
	}
	e.log.Info("campaign transition", "campaign_id", r.id, "from", prev, "to", to, "reason", reason)
	fx.events = append(fx.events, Event{Type: typ, CampaignID: r.id, Status: to, Reason: reason, ResumeAt: resumeAt, At: e.now()})
	return nil
}
