package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultPolicyValid(t *testing.T) {
	if err := DefaultPolicy().Validate(false); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := map[string]struct {
		mut   func(p *SendingPolicy)
		allow bool
		field string
	}{
		"bad quiet start": {func(p *SendingPolicy) { p.DoNotDisturb.Enabled = true; p.DoNotDisturb.StartTime = "25:00" }, false, "doNotDisturb.startTime"},
		"bad quiet end":   {func(p *SendingPolicy) { p.DoNotDisturb.Enabled = true; p.DoNotDisturb.EndTime = "8am" }, false, "doNotDisturb.endTime"},
		"zero cap":        {func(p *SendingPolicy) { p.DailyCap.Enabled = true; p.DailyCap.MaxPerDay = 0 }, false, "dailyCap.maxPerDay"},
		"negative batch":  {func(p *SendingPolicy) { p.BatchPause.PauseDurationMinutes = -1 }, false, "batchPause"},
		"empty batch":     {func(p *SendingPolicy) { p.BatchPause.Enabled = true; p.BatchPause.MessagesPerBatch = 0 }, false, "batchPause.messagesPerBatch"},
		"random inverted": {func(p *SendingPolicy) { p.MessageInterval.RandomMin = 20 }, false, "messageInterval.randomMin"},
		"unknown type":    {func(p *SendingPolicy) { p.MessageInterval.Type = "poisson" }, false, "messageInterval.type"},
		"negative fixed": {func(p *SendingPolicy) {
			p.MessageInterval.Type = IntervalFixed
			p.MessageInterval.FixedSeconds = -5
		}, false, "messageInterval.fixedSeconds"},
		"negative retries": {func(p *SendingPolicy) { p.AutoRescheduling.MaxRetryAttempts = -1 }, false, "autoRescheduling"},
		"simulation off":   {func(p *SendingPolicy) { p.ErrorSimulation.Enabled = true }, false, "errorSimulation.enabled"},
		"rate too high": {func(p *SendingPolicy) {
			p.ErrorSimulation.Enabled = true
			p.ErrorSimulation.ErrorRatePercent = 101
		}, true, "errorSimulation.errorRatePercent"},
	}
	for name, tc := range cases {
		p := DefaultPolicy()
		tc.mut(&p)
		err := p.Validate(tc.allow)
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("%s: expected ConfigError, got %v", name, err)
		}
		if ce.Field != tc.field {
			t.Fatalf("%s: field %q, want %q", name, ce.Field, tc.field)
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: must unwrap to ErrConfiguration", name)
		}
	}
}

func TestDisabledSectionsAreNotValidated(t *testing.T) {
	p := DefaultPolicy()
	p.DoNotDisturb.StartTime = "garbage"
	p.DailyCap.MaxPerDay = 0
	p.MessageInterval.Enabled = false
	p.MessageInterval.Type = "unknown"
	if err := p.Validate(false); err != nil {
		t.Fatalf("disabled sections should be ignored: %v", err)
	}
}

func TestParseClock(t *testing.T) {
	if m, err := ParseClock(" 07:30 "); err != nil || m != 450 {
		t.Fatalf("got %d, %v", m, err)
	}
	for _, bad := range []string{"", "7", "24:00", "12:60", "ab:cd"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestBatchSize(t *testing.T) {
	p := DefaultPolicy()
	p.BatchPause.MessagesPerBatch = 0
	if p.BatchSize() != DefaultMessagesPerBatch {
		t.Fatalf("batch size = %d", p.BatchSize())
	}
}

func TestRequestValidate(t *testing.T) {
	ok := CreateCampaignRequest{
		Name: "n", Type: TypeMedia,
		Messages:   []MessageVariant{{Content: "c", MediaURL: "https://img"}},
		Recipients: []Recipient{{Address: "+1555"}},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	noMedia := ok
	noMedia.Messages = []MessageVariant{{Content: "c"}}
	if err := noMedia.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("media without url: %v", err)
	}

	sticker := ok
	sticker.Type = TypeSticker
	sticker.Messages = []MessageVariant{{MediaURL: "https://sticker"}}
	if err := sticker.Validate(); err != nil {
		t.Fatalf("sticker needs no content: %v", err)
	}

	noAddr := ok
	noAddr.Recipients = []Recipient{{Name: "x"}}
	if err := noAddr.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("missing address: %v", err)
	}
}

func TestRecountAndClone(t *testing.T) {
	now := time.Now()
	c := &Campaign{
		Stats: CampaignStats{TotalBatches: 2, CurrentBatch: 1},
		Ledger: []SendUnit{
			{Status: UnitSent, SentAt: &now}, {Status: UnitSent}, {Status: UnitFailed}, {Status: UnitPending}, {Status: UnitPaused},
		},
	}
	c.Recount()
	s := c.Stats
	if s.TotalMessages != 5 || s.SentMessages != 2 || s.FailedMessages != 1 || s.PendingMessages != 1 || s.PausedMessages != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.TotalBatches != 2 || s.CurrentBatch != 1 {
		t.Fatalf("batch fields must survive recount")
	}
	if s.SuccessRate < 66.6 || s.SuccessRate > 66.7 {
		t.Fatalf("success rate = %v", s.SuccessRate)
	}

	cp := c.Clone()
	cp.Ledger[0].Status = UnitFailed
	*cp.Ledger[0].SentAt = now.Add(time.Hour)
	if c.Ledger[0].Status != UnitSent || !c.Ledger[0].SentAt.Equal(now) {
		t.Fatalf("clone shares state with the original")
	}
}
