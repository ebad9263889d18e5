package main

import (
	"net/http"
	"strconv"
	"strings"
)

// outcome is what the mock does with one send. Accepted messages
// (HTTPStatus 201) end in FinalStatus via callbacks; the rest are rejected
// synchronously.
type outcome struct {
	HTTPStatus  int
	ErrorCode   int
	Message     string
	FinalStatus string
	SendSent    bool
	Timeout     bool
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

// classifyOutcome parses tokens like "ok", "failed", "undelivered:30005" or
// "invalid_number". An optional ":code" overrides the Twilio error code.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeRaw, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeRaw)
	withCode := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	switch kind {
	case "ok", "success", "delivered":
		return outcome{HTTPStatus: http.StatusCreated, FinalStatus: "delivered", SendSent: true}
	case "undelivered":
		return outcome{HTTPStatus: http.StatusCreated, FinalStatus: "undelivered", ErrorCode: withCode(30003), SendSent: true}
	case "failed":
		return outcome{HTTPStatus: http.StatusCreated, FinalStatus: "failed", ErrorCode: withCode(30008)}
	case "invalid_number":
		return outcome{HTTPStatus: http.StatusBadRequest, ErrorCode: withCode(21211), Message: "The 'To' number is not a valid phone number."}
	case "rate_limit", "429":
		return outcome{HTTPStatus: http.StatusTooManyRequests, ErrorCode: withCode(20429), Message: "Too Many Requests"}
	case "bad_request", "400":
		return outcome{HTTPStatus: http.StatusBadRequest, ErrorCode: withCode(21606), Message: "bad request"}
	case "server_error", "500":
		return outcome{HTTPStatus: http.StatusInternalServerError, ErrorCode: withCode(20500), Message: "Internal Server Error"}
	case "timeout":
		return outcome{HTTPStatus: http.StatusGatewayTimeout, ErrorCode: withCode(20429), Message: "Request timed out", Timeout: true}
	default:
		return outcome{HTTPStatus: http.StatusInternalServerError, ErrorCode: withCode(30008), Message: "mock error: " + kind}
	}
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok || strings.TrimSpace(kind) == "" {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kind), Weight: w})
	}
	return out
}

// pickWeighted maps r in [0,1) onto the cumulative weights.
func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "failed"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target < cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
