package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"iamlp/pkg/models"
)

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestUsageStoreUpsert(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := NewUsageStore(db)
	rec := models.UsageRecord{
		PrincipalARN: "arn:role/app",
		Service:      "s3",
		Action:       "s3:GetObject",
		Count:        3,
		Resources:    []string{"arn:aws:s3:::b/k"},
		LastSeen:     time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "ON CONFLICT (record_key)") {
		t.Fatalf("expected upsert statement, got %v", db.execSQL)
	}
	args := db.execArgs[0]
	if args[0] != rec.Key() {
		t.Fatalf("expected record key %q as first arg, got %v", rec.Key(), args[0])
	}
	if args[4] != 3 {
		t.Fatalf("expected occurrence count 3, got %v", args[4])
	}
}

func TestUsageStoreUpsertZeroLastSeen(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := NewUsageStore(db)
	if err := s.Upsert(context.Background(), models.UsageRecord{PrincipalARN: "p", Service: "s3", Action: "s3:GetObject", Count: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	lastSeen := db.execArgs[0][7]
	if ptr, ok := lastSeen.(*time.Time); !ok || ptr != nil {
		t.Fatalf("zero last-seen must persist as NULL, got %#v", lastSeen)
	}
}
