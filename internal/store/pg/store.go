package pg

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/dailycap"
	"outreach/internal/domain"
	"outreach/internal/store"
)

//go:embed migrations/001_init.sql
var schemaSQL string

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}

// Count returns the sends recorded for day's calendar date.
func (s *Store) Count(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count FROM send_caps_daily WHERE day=$1::date`, dailycap.DayKey(day)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) Increment(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		INSERT INTO send_caps_daily (day, count, updated_at)
		VALUES ($1::date, 1, now())
		ON CONFLICT (day)
		DO UPDATE SET count = send_caps_daily.count + 1, updated_at=now()
		RETURNING count
	`, dailycap.DayKey(day)).Scan(&n)
	return n, err
}

// SaveCampaign upserts the snapshot. An older version never overwrites a
// newer one, so out-of-order saves are harmless.
func (s *Store) SaveCampaign(ctx context.Context, c *domain.Campaign) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, status, version, snapshot, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id) DO UPDATE
		SET status=excluded.status, version=excluded.version, snapshot=excluded.snapshot, updated_at=now()
		WHERE campaigns.version < excluded.version
	`, c.ID, string(c.Status), c.Version, b)
	return err
}

func (s *Store) LoadCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, snapshot FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var c domain.Campaign
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode campaign %s: %w", id, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, campaign_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.Provider, in.ProviderMsgID, nullIfEmpty(in.CampaignID), in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
