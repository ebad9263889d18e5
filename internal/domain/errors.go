package domain

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrNotFound        = errors.New("campaign not found")
	ErrInvalidState    = errors.New("invalid campaign state")
	ErrQuietHours      = errors.New("inside quiet hours")
	ErrDailyCapReached = errors.New("daily cap reached")
	ErrConfiguration   = errors.New("invalid configuration")
)

// StateError reports an operation attempted from a status that does not allow it.
type StateError struct {
	Op     string
	Status CampaignStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while campaign is %s", e.Op, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func itoa(i int) string { return strconv.Itoa(i) }
