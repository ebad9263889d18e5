package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"outreach/internal/providers/twilio"
)

func testConfig(outcomes ...string) config {
	return config{
		AccountSID:     "AC1",
		AuthToken:      "tok",
		OutcomeMode:    "fixed",
		Outcomes:       outcomes,
		ReadRate:       1,
		FailureWeights: []weightedOutcome{{Kind: "failed", Weight: 1}},
		TimeoutDelay:   time.Millisecond,
	}
}

func TestClassifyOutcome(t *testing.T) {
	cases := map[string]outcome{
		"ok":                {HTTPStatus: 201, FinalStatus: "delivered", SendSent: true},
		"undelivered:30005": {HTTPStatus: 201, FinalStatus: "undelivered", ErrorCode: 30005, SendSent: true},
		"failed":            {HTTPStatus: 201, FinalStatus: "failed", ErrorCode: 30008},
	}
	for in, want := range cases {
		if got := classifyOutcome(in); got != want {
			t.Fatalf("%s: got %+v want %+v", in, got, want)
		}
	}
	if got := classifyOutcome("invalid_number"); got.HTTPStatus != 400 || got.ErrorCode != 21211 {
		t.Fatalf("invalid_number: %+v", got)
	}
	if got := classifyOutcome("rate_limit"); got.HTTPStatus != 429 {
		t.Fatalf("rate_limit: %+v", got)
	}
	if got := classifyOutcome("timeout"); !got.Timeout {
		t.Fatalf("timeout: %+v", got)
	}
}

func TestPickWeighted(t *testing.T) {
	items := parseWeightedOutcomes("failed:3, rate_limit:1, junk, bad:-1")
	if len(items) != 2 {
		t.Fatalf("parsed %+v", items)
	}
	if got := pickWeighted(0.1, items); got != "failed" {
		t.Fatalf("0.1 -> %s", got)
	}
	if got := pickWeighted(0.9, items); got != "rate_limit" {
		t.Fatalf("0.9 -> %s", got)
	}
}

func TestSendPostsSignedCallbacks(t *testing.T) {
	statuses := make(chan string, 8)
	var receiverURL string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if !twilio.VerifySignature("tok", receiverURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		statuses <- r.PostForm.Get("MessageStatus")
	}))
	defer receiver.Close()
	receiverURL = receiver.URL

	s := newServer(testConfig("ok"))
	s.sleep = func(time.Duration) {}
	mock := httptest.NewServer(s.routes())
	defer mock.Close()

	client := &twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: mock.URL, StatusCallbackURL: receiver.URL}
	resp, status, err := client.Send(context.Background(), twilio.SendRequest{To: "+15552223333", MediaURLs: []string{"https://img/1.png"}})
	if err != nil || status != http.StatusCreated || resp.Sid == "" {
		t.Fatalf("send: status=%d sid=%q err=%v", status, resp.Sid, err)
	}

	want := []string{"sent", "delivered", "read"}
	for _, w := range want {
		select {
		case got := <-statuses:
			if got != w {
				t.Fatalf("callback %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func TestSendRejections(t *testing.T) {
	s := newServer(testConfig("invalid_number"))
	mock := httptest.NewServer(s.routes())
	defer mock.Close()

	client := &twilio.Client{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001111", BaseURL: mock.URL}
	_, status, err := client.Send(context.Background(), twilio.SendRequest{To: "+1", Body: "hi"})
	var apiErr *twilio.APIError
	if !errors.As(err, &apiErr) || status != http.StatusBadRequest || apiErr.Code != 21211 {
		t.Fatalf("expected 21211, got status=%d err=%v", status, err)
	}

	bad := &twilio.Client{AccountSID: "AC1", AuthToken: "wrong", FromNumber: "+15550001111", BaseURL: mock.URL}
	if _, status, _ := bad.Send(context.Background(), twilio.SendRequest{To: "+1", Body: "hi"}); status != http.StatusUnauthorized {
		t.Fatalf("bad auth: status %d", status)
	}

	if _, status, _ := client.Send(context.Background(), twilio.SendRequest{To: "+1"}); status != http.StatusBadRequest {
		t.Fatalf("empty message: status %d", status)
	}
}
