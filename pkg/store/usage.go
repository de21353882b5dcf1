package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"iamlp/pkg/models"
)

type usageDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UsageStore persists aggregated usage records. It implements the
// aggregator's Sink contract; callers treat failures as warnings.
type UsageStore struct {
	DB usageDB
}

func NewUsageStore(db usageDB) *UsageStore {
	return &UsageStore{DB: db}
}

// EnsureSchema creates the usage table when it does not exist yet.
func (s *UsageStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			record_key    TEXT PRIMARY KEY,
			principal_arn TEXT NOT NULL,
			service       TEXT NOT NULL,
			action        TEXT NOT NULL,
			occurrences   BIGINT NOT NULL,
			resources     JSONB NOT NULL DEFAULT '[]',
			conditions    JSONB NOT NULL DEFAULT '[]',
			last_seen     TIMESTAMPTZ,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// Upsert writes one record keyed by principal + "#" + service:action,
// replacing the stored count, resources, conditions and last-seen.
func (s *UsageStore) Upsert(ctx context.Context, rec models.UsageRecord) error {
	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return err
	}
	conds, err := json.Marshal(rec.Conditions)
	if err != nil {
		return err
	}
	var lastSeen *time.Time
	if !rec.LastSeen.IsZero() {
		lastSeen = &rec.LastSeen
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO usage_records
		(record_key, principal_arn, service, action, occurrences, resources, conditions, last_seen, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (record_key) DO UPDATE SET
			occurrences = EXCLUDED.occurrences,
			resources   = EXCLUDED.resources,
			conditions  = EXCLUDED.conditions,
			last_seen   = EXCLUDED.last_seen,
			updated_at  = now()
	`, rec.Key(), rec.PrincipalARN, rec.Service, rec.Action, rec.Count, resources, conds, lastSeen)
	return err
}

// Accumulate folds one record into the stored totals. Unlike Upsert the
// occurrence count is added, not replaced, so streaming batches compose.
func (s *UsageStore) Accumulate(ctx context.Context, rec models.UsageRecord) error {
	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return err
	}
	conds, err := json.Marshal(rec.Conditions)
	if err != nil {
		return err
	}
	var lastSeen *time.Time
	if !rec.LastSeen.IsZero() {
		lastSeen = &rec.LastSeen
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO usage_records
		(record_key, principal_arn, service, action, occurrences, resources, conditions, last_seen, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (record_key) DO UPDATE SET
			occurrences = usage_records.occurrences + EXCLUDED.occurrences,
			resources   = EXCLUDED.resources,
			conditions  = EXCLUDED.conditions,
			last_seen   = GREATEST(usage_records.last_seen, EXCLUDED.last_seen),
			updated_at  = now()
	`, rec.Key(), rec.PrincipalARN, rec.Service, rec.Action, rec.Count, resources, conds, lastSeen)
	return err
}

// ServiceUsage is one row of the usage statistics report.
type ServiceUsage struct {
	Service     string `json:"service"`
	Actions     int    `json:"actions"`
	Occurrences int64  `json:"occurrences"`
}

// UsageStats summarizes the stored usage for the stats endpoint.
type UsageStats struct {
	Principals int            `json:"principals"`
	Records    int            `json:"records"`
	Services   []ServiceUsage `json:"services"`
}

func (s *UsageStore) Stats(ctx context.Context) (UsageStats, error) {
	var stats UsageStats
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT principal_arn) FROM usage_records
	`)
	if err := row.Scan(&stats.Records, &stats.Principals); err != nil {
		return stats, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT service, COUNT(*), COALESCE(SUM(occurrences), 0)
		FROM usage_records
		GROUP BY service
		ORDER BY service
	`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var usage ServiceUsage
		if err := rows.Scan(&usage.Service, &usage.Actions, &usage.Occurrences); err != nil {
			return stats, err
		}
		stats.Services = append(stats.Services, usage)
	}
	return stats, rows.Err()
}
