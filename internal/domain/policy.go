package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type IntervalType string

const (
	IntervalFixed  IntervalType = "fixed"
	IntervalRandom IntervalType = "random"
)

// DefaultMessagesPerBatch sizes batches when batch pauses are disabled.
const DefaultMessagesPerBatch = 50

type DoNotDisturb struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	StartTime string `json:"startTime" yaml:"startTime"` // HH:MM, local
	EndTime   string `json:"endTime" yaml:"endTime"`
}

type DailyCap struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	MaxPerDay int  `json:"maxPerDay" yaml:"maxPerDay"`
}

type BatchPause struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	MessagesPerBatch     int  `json:"messagesPerBatch" yaml:"messagesPerBatch"`
	PauseDurationMinutes int  `json:"pauseDurationMinutes" yaml:"pauseDurationMinutes"`
}

type MessageInterval struct {
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Type         IntervalType `json:"type" yaml:"type"`
	FixedSeconds int          `json:"fixedSeconds" yaml:"fixedSeconds"`
	RandomMin    int          `json:"randomMin" yaml:"randomMin"`
	RandomMax    int          `json:"randomMax" yaml:"randomMax"`
}

type AutoRescheduling struct {
	Enabled                        bool `json:"enabled" yaml:"enabled"`
	MaxRetryAttempts               int  `json:"maxRetryAttempts" yaml:"maxRetryAttempts"`
	FailedMessageRetryDelayMinutes int  `json:"failedMessageRetryDelayMinutes" yaml:"failedMessageRetryDelayMinutes"`
}

// ErrorSimulation injects synthetic send failures. Only honoured when the
// engine is built with fault injection allowed.
type ErrorSimulation struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	ErrorRatePercent float64 `json:"errorRatePercent" yaml:"errorRatePercent"`
}

// SendingPolicy is fixed for the lifetime of a campaign run.
type SendingPolicy struct {
	DoNotDisturb     DoNotDisturb     `json:"doNotDisturb" yaml:"doNotDisturb"`
	DailyCap         DailyCap         `json:"dailyCap" yaml:"dailyCap"`
	BatchPause       BatchPause       `json:"batchPause" yaml:"batchPause"`
	MessageInterval  MessageInterval  `json:"messageInterval" yaml:"messageInterval"`
	AutoRescheduling AutoRescheduling `json:"autoRescheduling" yaml:"autoRescheduling"`
	ErrorSimulation  ErrorSimulation  `json:"errorSimulation" yaml:"errorSimulation"`
}

// DefaultPolicy returns the policy used when a campaign is created without one.
//
//	doNotDisturb     disabled, 22:00-08:00
//	dailyCap         disabled, 1000/day
//	batchPause       disabled, 50 messages then 10 minutes
//	messageInterval  enabled, random 5-15s (fixed fallback 10s)
//	autoRescheduling enabled, 3 attempts, 30 minutes apart
//	errorSimulation  disabled, 10%
func DefaultPolicy() SendingPolicy {
	return SendingPolicy{
		DoNotDisturb:     DoNotDisturb{Enabled: false, StartTime: "22:00", EndTime: "08:00"},
		DailyCap:         DailyCap{Enabled: false, MaxPerDay: 1000},
		BatchPause:       BatchPause{Enabled: false, MessagesPerBatch: DefaultMessagesPerBatch, PauseDurationMinutes: 10},
		MessageInterval:  MessageInterval{Enabled: true, Type: IntervalRandom, FixedSeconds: 10, RandomMin: 5, RandomMax: 15},
		AutoRescheduling: AutoRescheduling{Enabled: true, MaxRetryAttempts: 3, FailedMessageRetryDelayMinutes: 30},
		ErrorSimulation:  ErrorSimulation{Enabled: false, ErrorRatePercent: 10},
	}
}

// BatchSize is the batch length used for batch pauses and batch accounting.
func (p SendingPolicy) BatchSize() int {
	if p.BatchPause.MessagesPerBatch > 0 {
		return p.BatchPause.MessagesPerBatch
	}
	return DefaultMessagesPerBatch
}

// Validate checks only the sections that are enabled, except where a value
// would be nonsensical regardless.
func (p SendingPolicy) Validate(allowErrorSimulation bool) error {
	if p.DoNotDisturb.Enabled {
		if _, err := ParseClock(p.DoNotDisturb.StartTime); err != nil {
			return &ConfigError{Field: "doNotDisturb.startTime", Reason: err.Error()}
		}
		if _, err := ParseClock(p.DoNotDisturb.EndTime); err != nil {
			return &ConfigError{Field: "doNotDisturb.endTime", Reason: err.Error()}
		}
	}
	if p.DailyCap.Enabled && p.DailyCap.MaxPerDay < 1 {
		return &ConfigError{Field: "dailyCap.maxPerDay", Reason: "must be at least 1"}
	}
	if p.BatchPause.MessagesPerBatch < 0 || p.BatchPause.PauseDurationMinutes < 0 {
		return &ConfigError{Field: "batchPause", Reason: "negative values"}
	}
	if p.BatchPause.Enabled && p.BatchPause.MessagesPerBatch < 1 {
		return &ConfigError{Field: "batchPause.messagesPerBatch", Reason: "must be at least 1"}
	}
	if p.MessageInterval.Enabled {
		mi := p.MessageInterval
		switch mi.Type {
		case IntervalFixed:
			if mi.FixedSeconds < 0 {
				return &ConfigError{Field: "messageInterval.fixedSeconds", Reason: "negative"}
			}
		case IntervalRandom:
			if mi.RandomMin < 0 || mi.RandomMax < 0 {
				return &ConfigError{Field: "messageInterval.random", Reason: "negative bounds"}
			}
			if mi.RandomMin > mi.RandomMax {
				return &ConfigError{Field: "messageInterval.randomMin", Reason: "randomMin > randomMax"}
			}
		default:
			return &ConfigError{Field: "messageInterval.type", Reason: fmt.Sprintf("unknown type %q", mi.Type)}
		}
	}
	if p.AutoRescheduling.MaxRetryAttempts < 0 || p.AutoRescheduling.FailedMessageRetryDelayMinutes < 0 {
		return &ConfigError{Field: "autoRescheduling", Reason: "negative values"}
	}
	if p.ErrorSimulation.Enabled {
		if !allowErrorSimulation {
			return &ConfigError{Field: "errorSimulation.enabled", Reason: "fault injection is disabled in this build"}
		}
		if p.ErrorSimulation.ErrorRatePercent < 0 || p.ErrorSimulation.ErrorRatePercent > 100 {
			return &ConfigError{Field: "errorSimulation.errorRatePercent", Reason: "must be within [0,100]"}
		}
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
