package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple; channel addresses may also be chat ids
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

func newID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	return prefix + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NewCampaignID() string { return newID("cmp_") }

func NewUnitID() string { return newID("unit_") }
