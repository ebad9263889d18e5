package engine

import (
	"time"

	"outreach/internal/domain"
	"outreach/internal/pacing"
)

// scheduleStep arms the next loop step for the current generation. Callers
// hold r.mu.
func (e *Engine) scheduleStep(r *runner, at time.Time) {
	gen := r.gen
	if r.cancelNext != nil {
		r.cancelNext()
	}
	r.cancelNext = e.sched.Schedule(at, func() { e.step(r, gen) })
}

func (e *Engine) scheduleResume(r *runner, at time.Time) {
	gen := r.gen
	if r.cancelNext != nil {
		r.cancelNext()
	}
	r.cancelNext = e.sched.Schedule(at, func() { e.autoResume(r, gen) })
}

func (e *Engine) step(r *runner, gen uint64) {
	var fx effects
	r.mu.Lock()
	if gen == r.gen {
		r.cancelNext = nil
		e.stepLocked(r, &fx)
	}
	r.mu.Unlock()
	e.apply(r.id, fx)
}

// stepLocked is one pass of the control loop: gates, selection, batch
// boundary, then a single send. Callers hold r.mu.
func (e *Engine) stepLocked(r *runner, fx *effects) {
	status, typ, policy, err := e.store.Runtime(r.id)
	if err != nil || status != domain.StatusRunning {
		return
	}
	now := e.now()

	if pacing.InQuietHours(now, policy.DoNotDisturb) {
		e.autoPause(r, ReasonQuietHours, pacing.QuietHoursEnd(now, policy.DoNotDisturb), fx)
		return
	}

	if policy.DailyCap.Enabled {
		e.capMu.Lock()
		defer e.capMu.Unlock()
		n, err := e.counter.Count(e.ctx, now)
		if err != nil {
			e.log.Error("daily counter unavailable, retrying step", "err", err, "campaign_id", r.id, "retry_in", e.counterRetryDelay)
			e.scheduleStep(r, now.Add(e.counterRetryDelay))
			return
		}
		if pacing.CapReached(policy.DailyCap, n) {
			e.autoPause(r, ReasonDailyCap, pacing.NextMidnight(now), fx)
			return
		}
	}

	unit, ok, err := e.store.NextPending(r.id)
	if err != nil {
		return
	}
	if !ok {
		if len(r.retries) > 0 {
			// woken again by the earliest retry, see retryDue
			r.idle = true
			r.setNext(nil)
			e.log.Debug("waiting on automatic retries", "campaign_id", r.id, "retries", len(r.retries))
			return
		}
		e.complete(r, fx)
		return
	}

	if processed := r.processed(); pacing.BatchBoundary(policy.BatchPause, processed, r.lastBatchPauseAt) {
		r.lastBatchPauseAt = processed
		c, err := e.store.Get(r.id)
		if err == nil && c.Stats.CurrentBatch < c.Stats.TotalBatches {
			if err := e.store.SetCurrentBatch(r.id, c.Stats.CurrentBatch+1); err != nil {
				e.log.Error("advance batch failed", "err", err, "campaign_id", r.id)
			}
		}
		e.autoPause(r, ReasonBatch, now.Add(pacing.BatchPauseDuration(policy.BatchPause)), fx)
		return
	}

	if err := e.execute(r, typ, policy, unit, fx); err != nil {
		e.log.Error("send step failed", "err", err, "campaign_id", r.id, "unit_id", unit.ID)
		// nothing is in flight under r.mu, so a unit left sending is stale
		if err := e.store.RecoverInFlight(r.id); err != nil {
			e.log.Error("release in-flight unit failed", "err", err, "campaign_id", r.id, "unit_id", unit.ID)
		}
		fx.persist = true
		e.scheduleStep(r, now.Add(e.counterRetryDelay))
		return
	}

	next := e.now().Add(pacing.NextDelay(policy.MessageInterval, e.rng))
	if u, ok, _ := e.store.NextPending(r.id); ok {
		if err := e.store.SetEstimate(r.id, u.Index, next); err != nil {
			e.log.Error("set send estimate failed", "err", err, "campaign_id", r.id, "unit_id", u.ID)
		}
	}
	r.setNext(&next)
	e.scheduleStep(r, next)
}

// autoPause parks the run and arms an automatic resume at until.
func (e *Engine) autoPause(r *runner, reason string, until time.Time, fx *effects) {
	if err := e.transition(r, "pause", []domain.CampaignStatus{domain.StatusRunning}, domain.StatusPaused, reason, &until, fx); err != nil {
		e.log.Error("automatic pause failed", "err", err, "campaign_id", r.id, "reason", reason)
		return
	}
	e.log.Info("campaign paused automatically", "campaign_id", r.id, "reason", reason, "resume_at", until)
	e.scheduleResume(r, until)
}

// autoResume fires at the end of an automatic pause. The step it runs
// re-evaluates every gate, so a window that is still closed pauses again.
func (e *Engine) autoResume(r *runner, gen uint64) {
	var fx effects
	r.mu.Lock()
	if gen == r.gen {
		r.cancelNext = nil
		if err := e.transition(r, "resume", []domain.CampaignStatus{domain.StatusPaused}, domain.StatusRunning, "auto", nil, &fx); err == nil {
			e.stepLocked(r, &fx)
		}
	}
	r.mu.Unlock()
	e.apply(r.id, fx)
}

func (e *Engine) complete(r *runner, fx *effects) {
	if err := e.transition(r, "complete", []domain.CampaignStatus{domain.StatusRunning}, domain.StatusCompleted, "", nil, fx); err != nil {
		e.log.Error("complete campaign failed", "err", err, "campaign_id", r.id)
		return
	}
	if c, err := e.store.Get(r.id); err == nil {
		e.log.Info("campaign completed", "campaign_id", r.id, "sent", c.Stats.SentMessages, "failed", c.Stats.FailedMessages, "success_rate", c.Stats.SuccessRate)
	}
}
