package cache_test

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evalgate/engine/internal/cache"
	"github.com/evalgate/engine/pkg/types"
)

func newTestHistoryStore(t *testing.T) *cache.HistoryStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := cache.NewHistoryStore(db)
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	return store
}

func record(t *testing.T, store *cache.HistoryStore, runID string, passRate float64, at time.Time, verdicts ...types.TraceVerdict) {
	t.Helper()
	err := store.RecordRun(context.Background(), &cache.RunRecord{
		RunID:       runID,
		ChallengeID: "refunds",
		Mode:        types.ModeRules,
		Set:         types.SetDev,
		Summary:     types.RunSummary{Total: len(verdicts), PassRate: passRate, Ship: passRate == 1},
		Verdicts:    verdicts,
		CreatedAt:   at,
	})
	if err != nil {
		t.Fatalf("RecordRun(%s): %v", runID, err)
	}
}

func TestHistoryStore_LatestRunRoundTrip(t *testing.T) {
	store := newTestHistoryStore(t)
	base := time.Unix(1_700_000_000, 0)

	record(t, store, "run-1", 0.5, base,
		types.TraceVerdict{TraceID: "t1", Status: types.StatusFail, Severity: types.SeverityHigh, Cluster: "refund-lookup"},
	)
	record(t, store, "run-2", 1, base.Add(time.Minute),
		types.TraceVerdict{TraceID: "t2", Status: types.StatusPass, Severity: types.SeverityLow, Cluster: "Pass"},
		types.TraceVerdict{TraceID: "t1", Status: types.StatusPass, Severity: types.SeverityLow, Cluster: "Pass"},
	)

	got, err := store.LatestRun(context.Background(), "refunds", types.SetDev)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if got == nil || got.RunID != "run-2" {
		t.Fatalf("LatestRun = %+v, want run-2", got)
	}
	if !got.Summary.Ship || got.Summary.PassRate != 1 {
		t.Errorf("summary = %+v", got.Summary)
	}
	if len(got.Verdicts) != 2 || got.Verdicts[0].TraceID != "t2" || got.Verdicts[1].TraceID != "t1" {
		t.Errorf("verdicts out of order: %+v", got.Verdicts)
	}
	if !got.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("CreatedAt = %v", got.CreatedAt)
	}
}

func TestHistoryStore_LatestRunEmpty(t *testing.T) {
	store := newTestHistoryStore(t)
	got, err := store.LatestRun(context.Background(), "refunds", types.SetTest)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if got != nil {
		t.Errorf("LatestRun = %+v, want nil", got)
	}
}

func TestHistoryStore_QueryWindow(t *testing.T) {
	store := newTestHistoryStore(t)
	base := time.Unix(1_700_000_000, 0)
	for i, rate := range []float64{0.2, 0.4, 0.6, 0.8} {
		record(t, store, "run-"+string(rune('a'+i)), rate, base.Add(time.Duration(i)*time.Second))
	}

	got, err := store.QueryWindow(context.Background(), "refunds", types.SetDev, 3)
	if err != nil {
		t.Fatalf("QueryWindow: %v", err)
	}
	want := []float64{0.8, 0.6, 0.4}
	if len(got) != len(want) {
		t.Fatalf("QueryWindow = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("QueryWindow[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	other, err := store.QueryWindow(context.Background(), "refunds", types.SetTest, 3)
	if err != nil {
		t.Fatalf("QueryWindow(test): %v", err)
	}
	if len(other) != 0 {
		t.Errorf("test-set window = %v, want empty", other)
	}
}

func TestHistoryStore_Stats(t *testing.T) {
	store := newTestHistoryStore(t)
	base := time.Unix(1_700_000_000, 0)
	for i, rate := range []float64{0.5, 1.0} {
		record(t, store, "run-"+string(rune('a'+i)), rate, base.Add(time.Duration(i)*time.Second))
	}

	mean, stddev, count, err := store.Stats(context.Background(), "refunds", types.SetDev)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if count != 2 || math.Abs(mean-0.75) > 1e-9 || math.Abs(stddev-0.25) > 1e-9 {
		t.Errorf("Stats = %v, %v, %d; want 0.75, 0.25, 2", mean, stddev, count)
	}
}

func TestHistoryStore_DuplicateRunIDRejected(t *testing.T) {
	store := newTestHistoryStore(t)
	record(t, store, "dup", 1, time.Now())
	err := store.RecordRun(context.Background(), &cache.RunRecord{RunID: "dup", ChallengeID: "refunds", Set: types.SetDev})
	if err == nil {
		t.Fatal("expected unique constraint error")
	}
}

func TestOpenHistory_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := cache.OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	record(t, store, "run-1", 1, time.Now())
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := cache.OpenHistory(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.LatestRun(context.Background(), "refunds", types.SetDev)
	if err != nil || got == nil || got.RunID != "run-1" {
		t.Errorf("LatestRun after reopen = %+v, %v", got, err)
	}
}
