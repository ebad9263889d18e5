package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"outreach/internal/campaign"
	"outreach/internal/channel"
	"outreach/internal/dailycap"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/providers/twilio"
	"outreach/internal/scheduler"
)

// slowSender holds every send long enough for other campaigns' steps to
// overlap it.
type slowSender struct {
	delay time.Duration

	mu    sync.Mutex
	sends int
}

func (s *slowSender) send() channel.Result {
	s.mu.Lock()
	s.sends++
	n := s.sends
	s.mu.Unlock()

	time.Sleep(s.delay)
	return channel.OK(fmt.Sprintf("SM%d", n))
}

func (s *slowSender) SendText(context.Context, string, string) channel.Result { return s.send() }
func (s *slowSender) SendMedia(context.Context, string, string, string) channel.Result {
	return s.send()
}
func (s *slowSender) SendSticker(context.Context, string, string) channel.Result { return s.send() }

func (s *slowSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func TestDailyCapHoldsAcrossConcurrentCampaigns(t *testing.T) {
	sched := scheduler.New()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(runCtx) }()

	store := campaign.NewStore()
	sender := &slowSender{delay: 50 * time.Millisecond}
	e, err := New(Options{
		Store:     store,
		Sender:    sender,
		Scheduler: sched,
		Counter:   dailycap.NewMemory(),
		Location:  time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Shutdown()
		cancel()
		<-done
	})

	// no quiet hours, so wall-clock time of the run does not matter
	var ids []string
	for i := 0; i < 3; i++ {
		c, err := e.Create(ctx, request(1, 3, capPolicy(1)))
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	for _, id := range ids {
		// a later start may already see the cap spent
		if err := e.Start(ctx, id); err != nil {
			require.ErrorIs(t, err, domain.ErrDailyCapReached)
		}
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if s, _ := store.Status(id); s == domain.StatusRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, sender.total(), "daily cap of 1 overshot")
	sent := 0
	for _, id := range ids {
		c, err := e.Get(id)
		require.NoError(t, err)
		sent += c.Stats.SentMessages
		if c.Status == domain.StatusPaused {
			require.Equal(t, ReasonDailyCap, c.PauseReason)
		}
	}
	require.Equal(t, 1, sent)
}

type okProvider struct {
	mu sync.Mutex
	n  int
}

func (p *okProvider) Send(context.Context, twilio.SendRequest) (twilio.SendResponse, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return twilio.SendResponse{Sid: fmt.Sprintf("SM%d", p.n)}, 201, nil
}

func latencySamples(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, observability.SendLatency.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestSendLatencyObservedOncePerSend(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Sender = &channel.Twilio{API: &okProvider{}} })
	before := latencySamples(t)

	id := h.create(t, request(1, 3, quietPolicy()))
	require.NoError(t, h.Start(ctx, id))
	h.vt.drain(t)

	require.Equal(t, 3, h.campaign(t, id).Stats.SentMessages)
	require.Equal(t, before+3, latencySamples(t))
}
