package channel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"outreach/internal/observability"
	"outreach/internal/providers/twilio"
	"outreach/internal/retry"
)

type TwilioAPI interface {
	Send(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, error)
}

// Twilio sends through the Messages API behind a per-process rate limiter and
// a circuit breaker. Transient errors are retried in-call up to Attempts times.
type Twilio struct {
	API      TwilioAPI
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
	Attempts int
	Timeout  time.Duration
}

func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

func (t *Twilio) SendText(ctx context.Context, destination, content string) Result {
	return t.send(ctx, twilio.SendRequest{To: destination, Body: content})
}

func (t *Twilio) SendMedia(ctx context.Context, destination, mediaURL, content string) Result {
	return t.send(ctx, twilio.SendRequest{To: destination, Body: content, MediaURLs: []string{mediaURL}})
}

func (t *Twilio) SendSticker(ctx context.Context, destination, mediaURL string) Result {
	return t.send(ctx, twilio.SendRequest{To: destination, MediaURLs: []string{mediaURL}})
}

func (t *Twilio) send(ctx context.Context, req twilio.SendRequest) Result {
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var res Result
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Fail(ctx.Err().Error(), retry.CategoryNetwork)
			case <-time.After(twilio.Backoff(attempt - 1)):
			}
		}

		// 1) Rate limit before calling Twilio (per process)
		if t.Limiter != nil {
			if err := t.Limiter.Wait(ctx); err != nil {
				observability.ProviderCalls.WithLabelValues("rate_limited_local", "0").Inc()
				return Fail("local rate limiter: "+err.Error(), retry.CategoryRateLimit)
			}
		}

		// 2) Circuit breaker wraps the Twilio call
		var (
			status  int
			retryOK bool
		)
		res, status, retryOK = t.call(ctx, req)
		if res.Success || !retryOK {
			return res
		}
		slog.Debug("twilio transient failure", "attempt", attempt+1, "http_status", status, "reason", res.Reason)
	}
	return res
}

func (t *Twilio) call(ctx context.Context, req twilio.SendRequest) (Result, int, bool) {
	do := func() (any, error) {
		reqCtx := ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}
		resp, status, err := t.API.Send(reqCtx, req)
		if err != nil {
			return nil, callError{err: err, httpStatus: status}
		}
		return resp, nil
	}

	var (
		out any
		err error
	)
	if t.Breaker == nil {
		out, err = do()
	} else {
		out, err = t.Breaker.Execute(do)
	}

	// 3) Breaker open: fail fast, let the retry manager re-offer later
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.ProviderCalls.WithLabelValues("cb_open", "0").Inc()
		return Fail("circuit breaker open: "+err.Error(), retry.CategoryAPI), 0, false
	}
	if err == nil {
		resp := out.(twilio.SendResponse)
		observability.ProviderCalls.WithLabelValues("ok", "201").Inc()
		return OK(resp.Sid), http.StatusCreated, false
	}

	var ce callError
	status := 0
	if errors.As(err, &ce) {
		status = ce.httpStatus
	}
	observability.ProviderCalls.WithLabelValues("error", strconv.Itoa(status)).Inc()
	return Fail(err.Error(), categorize(err, status)), status, twilio.ShouldRetry(err, status)
}

// Twilio error codes that mean the destination itself is unusable.
var invalidNumberCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21212: true, // invalid 'From' number
	21214: true, // 'To' number cannot be reached
	21408: true, // region not enabled
	21610: true, // unsubscribed recipient
	21612: true, // 'To' number not reachable via this channel
	21614: true, // 'To' number is not a valid mobile number
	63003: true, // channel could not find the destination
}

func categorize(err error, status int) retry.Category {
	var apiErr *twilio.APIError
	if errors.As(err, &apiErr) && invalidNumberCodes[apiErr.Code] {
		return retry.CategoryInvalidNumber
	}
	switch {
	case status == http.StatusTooManyRequests:
		return retry.CategoryRateLimit
	case status == 0:
		return retry.CategoryNetwork
	case status == http.StatusRequestTimeout:
		return retry.CategoryNetwork
	default:
		return retry.CategoryAPI
	}
}

type callError struct {
	err        error
	httpStatus int
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }
