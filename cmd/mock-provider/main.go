// Command mock-provider is a local stand-in for the Twilio Messages API. It
// answers sends with configurable outcomes and posts signed status callbacks
// (sent, delivered, read or a failure) back to the engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"outreach/internal/httpserver"
	"outreach/internal/logging"
	"outreach/internal/providers/twilio"
)

type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8081"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	// fixed | round_robin | weighted
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"weighted"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	// kind:weight pairs drawn on failure, e.g. "failed:2,rate_limit:1,invalid_number:1"
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"failed:1"`
	ReadRate          float64 `envconfig:"MOCK_READ_RATE" default:"0.7"`

	Delay        time.Duration `envconfig:"MOCK_DELAY" default:"0s"`
	TimeoutDelay time.Duration `envconfig:"MOCK_TIMEOUT_DELAY" default:"12s"`

	DefaultWebhookURL string        `envconfig:"MOCK_WEBHOOK_URL"`
	SentDelay         time.Duration `envconfig:"MOCK_WEBHOOK_SENT_DELAY" default:"300ms"`
	DeliveredDelay    time.Duration `envconfig:"MOCK_WEBHOOK_DELIVERED_DELAY" default:"500ms"`
	ReadDelay         time.Duration `envconfig:"MOCK_WEBHOOK_READ_DELAY" default:"2s"`

	WebhookMaxRetries int           `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"8"`
	WebhookRetryBase  time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryMax   time.Duration `envconfig:"MOCK_WEBHOOK_RETRY_MAX" default:"10s"`

	Outcomes       []string
	FailureWeights []weightedOutcome
}

type sendResponse struct {
	Sid       string `json:"sid,omitempty"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type server struct {
	cfg    config
	seq    atomic.Uint64
	rr     atomic.Uint64
	client *http.Client
	sleep  func(time.Duration)
}

func main() {
	cfg, err := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "success_rate", cfg.SuccessRate)
	if err := http.ListenAndServe(":"+cfg.Port, s.routes()); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config) *server {
	return &server{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}, sleep: time.Sleep}
}

func (s *server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSend).Methods(http.MethodPost)
	router.Use(httpserver.Recover, httpserver.Logging)
	return router
}

func loadConfig() (config, error) {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.OutcomeMode = strings.ToLower(strings.TrimSpace(cfg.OutcomeMode))
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.FailureWeights = parseWeightedOutcomes(cfg.FailureWeightsRaw)
	cfg.DefaultWebhookURL = strings.TrimSpace(cfg.DefaultWebhookURL)
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if len(cfg.FailureWeights) == 0 {
		cfg.FailureWeights = []weightedOutcome{{Kind: "failed", Weight: 1}}
	}
	return cfg, nil
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	if r.Form.Get("To") == "" {
		writeError(w, http.StatusBadRequest, 21604, "A 'To' phone number is required")
		return
	}
	// media and sticker sends may omit Body
	if r.Form.Get("Body") == "" && len(r.Form["MediaUrl"]) == 0 {
		writeError(w, http.StatusBadRequest, 21602, "Message body is required")
		return
	}
	if r.Form.Get("MessagingServiceSid") == "" && r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21606, "From or MessagingServiceSid is required")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	out := classifyOutcome(s.nextOutcome())
	if out.HTTPStatus != http.StatusCreated {
		if out.Timeout {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.cfg.TimeoutDelay):
			}
		}
		writeError(w, out.HTTPStatus, out.ErrorCode, out.Message)
		return
	}

	sid := fmt.Sprintf("SM%06d", s.seq.Add(1))
	writeJSON(w, http.StatusCreated, sendResponse{Sid: sid, Status: "queued"})

	cb := r.Form.Get("StatusCallback")
	if cb == "" {
		cb = s.cfg.DefaultWebhookURL
	}
	if cb == "" {
		return
	}
	read := out.FinalStatus == "delivered" && rand.Float64() < s.cfg.ReadRate
	go s.webhookSequence(context.Background(), cb, sid, out, read)
}

// webhookSequence posts the status callbacks Twilio would emit for one
// accepted message, in order.
func (s *server) webhookSequence(ctx context.Context, callbackURL, sid string, out outcome, read bool) {
	post := func(status string, code int) bool {
		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", status)
		if code != 0 {
			form.Set("ErrorCode", strconv.Itoa(code))
		}
		return s.postWebhookWithRetry(ctx, callbackURL, form) == nil
	}

	if out.SendSent {
		s.sleep(s.cfg.SentDelay)
		if !post("sent", 0) {
			return
		}
	}
	s.sleep(s.cfg.DeliveredDelay)
	if !post(out.FinalStatus, out.ErrorCode) {
		return
	}
	if read {
		s.sleep(s.cfg.ReadDelay)
		post("read", 0)
	}
}

func (s *server) postWebhookWithRetry(ctx context.Context, callbackURL string, form url.Values) error {
	sig := twilio.Sign(s.cfg.AuthToken, callbackURL, form)
	maxAttempts := s.cfg.WebhookMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		status := 0
		retryAfter := time.Duration(0)
		if resp != nil {
			status = resp.StatusCode
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", callbackURL, "attempt", attempt+1, "status", status, "err", err)
			return fmt.Errorf("webhook post failed: status=%d err=%v", status, err)
		}
		if err == nil && !isRetryableStatus(status) {
			slog.Error("mock webhook post non-retryable", "url", callbackURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryAfter
		if wait <= 0 {
			wait = s.retryBackoff(attempt)
		}
		slog.Warn("mock webhook post retrying", "url", callbackURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		s.sleep(wait)
	}
	return nil
}

// retryBackoff is base*2^attempt capped at the configured max, with +/-20% jitter.
func (s *server) retryBackoff(attempt int) time.Duration {
	wait := s.cfg.WebhookRetryBase << attempt
	if wait <= 0 || wait > s.cfg.WebhookRetryMax {
		wait = s.cfg.WebhookRetryMax
	}
	delta := int64(wait) / 5
	if delta <= 0 {
		return wait
	}
	return time.Duration(int64(wait) + rand.Int64N(2*delta+1) - delta)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (s *server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return user == s.cfg.AccountSID && pass == s.cfg.AuthToken
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		i := s.rr.Add(1) - 1
		return s.cfg.Outcomes[int(i%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		if rand.Float64() < s.cfg.SuccessRate {
			return "ok"
		}
		return pickWeighted(rand.Float64(), s.cfg.FailureWeights)
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeError(w http.ResponseWriter, status int, code int, msg string) {
	writeJSON(w, status, sendResponse{Status: "failed", Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
