package engine

import (
	"context"
	"time"

	"outreach/internal/channel"
	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/retry"
)

// execute runs one attempt on a pending unit and records the outcome.
// Callers hold r.mu, which keeps the unit the only one in flight.
func (e *Engine) execute(r *runner, typ domain.CampaignType, policy domain.SendingPolicy, u domain.SendUnit, fx *effects) error {
	if err := e.store.MarkSending(r.id, u.Index); err != nil {
		return err
	}
	fx.persist = true

	start := time.Now()
	res := e.attempt(typ, policy, u)
	observability.SendLatency.Observe(time.Since(start).Seconds())
	now := e.now()

	if res.Success {
		observability.Sends.WithLabelValues(string(typ), "ok").Inc()
		if err := e.store.MarkSent(r.id, u.Index, res.ProviderMsgID, now); err != nil {
			return err
		}
		if _, err := e.counter.Increment(e.ctx, now); err != nil {
			e.log.Error("daily counter increment failed", "err", err, "campaign_id", r.id, "unit_id", u.ID)
		}
		r.record(true)
		return nil
	}

	cat := retry.Classify(res.Category, res.Reason)
	observability.Sends.WithLabelValues(string(typ), "failed").Inc()
	e.log.Warn("send failed", "campaign_id", r.id, "unit_id", u.ID, "destination", u.Destination,
		"reason", res.Reason, "category", cat, "attempts", u.Attempts+1, "retry_count", u.RetryCount)

	d := retry.Decide(policy.AutoRescheduling, u.RetryCount)
	var retryAt *time.Time
	if d.Retry && d.After > 0 {
		at := now.Add(d.After)
		retryAt = &at
	}
	if err := e.store.MarkFailed(r.id, u.Index, res.Reason, string(cat), retryAt); err != nil {
		return err
	}
	r.record(false)

	switch {
	case !d.Retry:
	case retryAt == nil:
		if err := e.store.Requeue(r.id, u.Index); err != nil {
			return err
		}
		observability.Retries.WithLabelValues("auto").Inc()
	default:
		e.armRetry(r, u.Index, *retryAt)
	}
	return nil
}

func (e *Engine) attempt(typ domain.CampaignType, policy domain.SendingPolicy, u domain.SendUnit) channel.Result {
	if e.allowSim && policy.ErrorSimulation.Enabled {
		// basis points, so fractional percentages still count
		if e.rng.IntN(10000) < int(policy.ErrorSimulation.ErrorRatePercent*100) {
			observability.Sends.WithLabelValues(string(typ), "simulated").Inc()
			return channel.Fail("simulated failure", retry.CategoryOther)
		}
	}

	ctx := e.ctx
	if e.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
	}
	switch typ {
	case domain.TypeMedia:
		return e.sender.SendMedia(ctx, u.Destination, u.MediaURL, u.Content)
	case domain.TypeSticker:
		return e.sender.SendSticker(ctx, u.Destination, u.MediaURL)
	default:
		return e.sender.SendText(ctx, u.Destination, u.Content)
	}
}

// armRetry schedules the flip of a failed unit back to pending. Callers hold
// r.mu.
func (e *Engine) armRetry(r *runner, idx int, at time.Time) {
	if old, ok := r.retries[idx]; ok {
		old.cancel()
	}
	t := &retryTimer{at: at}
	t.cancel = e.sched.Schedule(at, func() { e.retryDue(r, idx, t) })
	r.retries[idx] = t
}

func (e *Engine) retryDue(r *runner, idx int, t *retryTimer) {
	var fx effects
	r.mu.Lock()
	if r.retries[idx] == t {
		delete(r.retries, idx)
		e.requeueLocked(r, idx, &fx)
	}
	r.mu.Unlock()
	e.apply(r.id, fx)
}

func (e *Engine) requeueLocked(r *runner, idx int, fx *effects) {
	status, err := e.store.Status(r.id)
	if err != nil || status.Terminal() {
		return
	}
	if err := e.store.Requeue(r.id, idx); err != nil {
		e.log.Error("automatic retry failed", "err", err, "campaign_id", r.id, "index", idx)
		return
	}
	observability.Retries.WithLabelValues("auto").Inc()
	fx.persist = true
	if status == domain.StatusRunning && r.idle {
		r.idle = false
		e.scheduleStep(r, e.now())
	}
}
