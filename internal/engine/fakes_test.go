package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"outreach/internal/campaign"
	"outreach/internal/channel"
	"outreach/internal/dailycap"
	"outreach/internal/domain"
)

// virtualTime is a clock plus scheduler. Tasks run on the test goroutine in
// (time, registration) order and the clock jumps to each task's time.
type virtualTime struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*vtask
}

type vtask struct {
	at   time.Time
	seq  int
	fn   func()
	done bool
}

func newVirtualTime(start time.Time) *virtualTime { return &virtualTime{now: start} }

func (v *virtualTime) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *virtualTime) Schedule(at time.Time, fn func()) func() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &vtask{at: at, seq: v.seq, fn: fn}
	v.tasks = append(v.tasks, t)
	return func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		return true
	}
}

func (v *virtualTime) pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, t := range v.tasks {
		if !t.done {
			n++
		}
	}
	return n
}

// next pops the earliest live task due at or before limit.
func (v *virtualTime) next(limit time.Time) *vtask {
	v.mu.Lock()
	defer v.mu.Unlock()
	var best *vtask
	for _, t := range v.tasks {
		if t.done || t.at.After(limit) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	best.done = true
	if best.at.After(v.now) {
		v.now = best.at
	}
	return best
}

// runOne fires the next task regardless of its time.
func (v *virtualTime) runOne() bool {
	t := v.next(time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	if t == nil {
		return false
	}
	t.fn()
	return true
}

// drain fires tasks until none remain.
func (v *virtualTime) drain(t *testing.T) {
	t.Helper()
	for i := 0; v.runOne(); i++ {
		if i > 10000 {
			t.Fatalf("scheduler did not settle")
		}
	}
}

// advance fires every task due within d and leaves the clock at now+d.
func (v *virtualTime) advance(d time.Duration) {
	limit := v.Now().Add(d)
	for {
		t := v.next(limit)
		if t == nil {
			break
		}
		t.fn()
	}
	v.mu.Lock()
	if v.now.Before(limit) {
		v.now = limit
	}
	v.mu.Unlock()
}

type sendCall struct {
	Kind        string
	Destination string
	Content     string
	MediaURL    string
	At          time.Time
}

// recordingSender records calls and asserts the single-in-flight invariant on
// every send.
type recordingSender struct {
	t     *testing.T
	clock func() time.Time
	store *campaign.Store

	mu      sync.Mutex
	calls   []sendCall
	outcome func(call sendCall, n int) channel.Result
}

func (s *recordingSender) do(c sendCall) channel.Result {
	c.At = s.clock()
	s.mu.Lock()
	s.calls = append(s.calls, c)
	n := len(s.calls)
	outcome := s.outcome
	s.mu.Unlock()

	for _, cmp := range s.store.List() {
		if cmp.Stats.SendingMessages > 1 {
			s.t.Errorf("campaign %s has %d units in flight", cmp.ID, cmp.Stats.SendingMessages)
		}
	}
	if outcome == nil {
		return channel.OK(fmt.Sprintf("SM%d", n))
	}
	return outcome(c, n)
}

func (s *recordingSender) SendText(_ context.Context, destination, content string) channel.Result {
	return s.do(sendCall{Kind: "text", Destination: destination, Content: content})
}

func (s *recordingSender) SendMedia(_ context.Context, destination, mediaURL, content string) channel.Result {
	return s.do(sendCall{Kind: "media", Destination: destination, Content: content, MediaURL: mediaURL})
}

func (s *recordingSender) SendSticker(_ context.Context, destination, mediaURL string) channel.Result {
	return s.do(sendCall{Kind: "sticker", Destination: destination, MediaURL: mediaURL})
}

func (s *recordingSender) setOutcome(fn func(call sendCall, n int) channel.Result) {
	s.mu.Lock()
	s.outcome = fn
	s.mu.Unlock()
}

func (s *recordingSender) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

func alwaysFail(reason string) func(sendCall, int) channel.Result {
	return func(sendCall, int) channel.Result { return channel.Fail(reason, "") }
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		k := ev.Type
		if ev.Reason != "" && ev.Type == EventPaused {
			k += ":" + ev.Reason
		}
		out = append(out, k)
	}
	return out
}

type recordingSnapshots struct {
	mu       sync.Mutex
	versions map[string][]int64
	last     map[string]*domain.Campaign
}

func (r *recordingSnapshots) SaveCampaign(_ context.Context, c *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions == nil {
		r.versions = map[string][]int64{}
		r.last = map[string]*domain.Campaign{}
	}
	r.versions[c.ID] = append(r.versions[c.ID], c.Version)
	r.last[c.ID] = c
	return nil
}

// flakyCounter fails reads while down is set.
type flakyCounter struct {
	*dailycap.Memory
	mu   sync.Mutex
	down bool
}

func (f *flakyCounter) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyCounter) Count(ctx context.Context, day time.Time) (int, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return 0, fmt.Errorf("redis: connection refused")
	}
	return f.Memory.Count(ctx, day)
}

// fixedRand always draws n, clamped into range.
type fixedRand int

func (f fixedRand) IntN(n int) int {
	if int(f) >= n {
		return n - 1
	}
	return int(f)
}

type harness struct {
	*Engine
	vt        *virtualTime
	store     *campaign.Store
	sender    *recordingSender
	counter   *dailycap.Memory
	events    *recordingEvents
	snapshots *recordingSnapshots
}

var monday9am = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	vt := newVirtualTime(monday9am)
	store := campaign.NewStore()
	sender := &recordingSender{t: t, clock: vt.Now, store: store}
	h := &harness{
		vt:        vt,
		store:     store,
		sender:    sender,
		counter:   dailycap.NewMemory(),
		events:    &recordingEvents{},
		snapshots: &recordingSnapshots{},
	}
	o := Options{
		Store:          store,
		Sender:         sender,
		Scheduler:      vt,
		Counter:        h.counter,
		Events:         h.events,
		Snapshots:      h.snapshots,
		Clock:          vt.Now,
		Location:       time.UTC,
		Rand:           fixedRand(0),
		CostPerMessage: 0.05,
	}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.Engine = e
	t.Cleanup(e.Shutdown)
	return h
}

// quietPolicy sends back to back: no interval jitter, no retries.
func quietPolicy() domain.SendingPolicy {
	p := domain.DefaultPolicy()
	p.MessageInterval.Enabled = false
	p.AutoRescheduling.Enabled = false
	return p
}

func request(messages, recipients int, policy domain.SendingPolicy) domain.CreateCampaignRequest {
	r := domain.CreateCampaignRequest{Name: "new listings", Type: domain.TypeText, Policy: &policy}
	for i := 0; i < messages; i++ {
		r.Messages = append(r.Messages, domain.MessageVariant{Content: fmt.Sprintf("m%d hi {name}", i)})
	}
	for i := 0; i < recipients; i++ {
		r.Recipients = append(r.Recipients, domain.Recipient{Name: fmt.Sprintf("r%d", i), Address: fmt.Sprintf("+1555%07d", i)})
	}
	return r
}

func (h *harness) create(t *testing.T, req domain.CreateCampaignRequest) string {
	t.Helper()
	c, err := h.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c.ID
}

func (h *harness) campaign(t *testing.T, id string) *domain.Campaign {
	t.Helper()
	c, err := h.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sum := c.Stats.PendingMessages + c.Stats.SendingMessages + c.Stats.SentMessages + c.Stats.FailedMessages + c.Stats.PausedMessages; sum != len(c.Ledger) {
		t.Fatalf("ledger counts %d do not add up to %d", sum, len(c.Ledger))
	}
	return c
}
