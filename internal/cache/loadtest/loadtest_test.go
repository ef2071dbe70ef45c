package loadtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/remote"
)

func createTestDatabase(t *testing.T, opts Options) *TestDatabase {
	t.Helper()
	td, err := CreateTestDatabase(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = td.Close() })
	return td
}

// TestCreateTestDatabase verifies that the store starts with the synthetic rooms.
func TestCreateTestDatabase(t *testing.T) {
	td := createTestDatabase(t, Options{NumRooms: 8})

	rooms, err := td.DB.Rooms(context.Background())
	if err != nil {
		t.Fatalf("Rooms() failed: %v", err)
	}
	if len(rooms) != 8 {
		t.Errorf("Expected 8 rooms, got %d", len(rooms))
	}
	if len(td.Rooms) != 8 {
		t.Errorf("Expected 8 room ids, got %d", len(td.Rooms))
	}
}

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(2, 3)
	ctx := context.Background()

	recs, err := src.ListHistory(ctx, remote.HistoryQuery{RoomID: 1})
	if err != nil {
		t.Fatalf("ListHistory() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("first call returned %d records, want 3", len(recs))
	}

	since, err := schema.ParseTimestamp(*recs[2].Timestamp)
	if err != nil {
		t.Fatalf("ParseTimestamp() failed: %v", err)
	}
	recs, err = src.ListHistory(ctx, remote.HistoryQuery{RoomID: 1, Since: since})
	if err != nil {
		t.Fatalf("ListHistory() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("second call returned %d records, want only the 3 new ones", len(recs))
	}

	if _, err := src.ListHistory(ctx, remote.HistoryQuery{RoomID: 99}); !remote.IsNotFound(err) {
		t.Errorf("unknown room error = %v, want not found", err)
	}
	if src.Served() != 6 || src.Calls() != 3 {
		t.Errorf("Served() = %d, Calls() = %d", src.Served(), src.Calls())
	}
}

// TestConcurrentRefreshes_Small verifies basic concurrent refresh functionality.
func TestConcurrentRefreshes_Small(t *testing.T) {
	td := createTestDatabase(t, Options{NumRooms: 4, BatchSize: 5})

	stats, err := td.RunConcurrentRefreshes(10, 5)
	if err != nil {
		t.Fatalf("Concurrent refreshes failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during refreshes", stats.Errors)
	}
	if stats.TotalQueries != 50 {
		t.Errorf("Expected 50 total refreshes, got %d", stats.TotalQueries)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}

	if err := td.CheckConsistency(context.Background()); err != nil {
		t.Errorf("CheckConsistency() failed: %v", err)
	}

	stats.PrintStats(os.Stdout)
	t.Logf("Database stats: %+v", td.GetStats())
}

// TestConcurrentRefreshes_Modernc runs the same workload on the pure-Go driver.
func TestConcurrentRefreshes_Modernc(t *testing.T) {
	td := createTestDatabase(t, Options{Driver: db.DriverModernc, NumRooms: 3})

	stats, err := td.RunConcurrentRefreshes(8, 4)
	if err != nil {
		t.Fatalf("Concurrent refreshes failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during refreshes", stats.Errors)
	}
	if err := td.CheckConsistency(context.Background()); err != nil {
		t.Errorf("CheckConsistency() failed: %v", err)
	}
}

// TestNoRaceConditions verifies that readers never see a torn or duplicated snapshot.
func TestNoRaceConditions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	td := createTestDatabase(t, Options{NumRooms: 5, BatchSize: 3})

	if err := td.VerifyNoRaceConditions(10, time.Second); err != nil {
		t.Errorf("Race condition detected: %v", err)
	}
	if err := td.CheckConsistency(context.Background()); err != nil {
		t.Errorf("CheckConsistency() failed: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", stats.Mean)
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
