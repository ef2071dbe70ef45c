// Package loadtest stresses the sync engine and the store under concurrency.
//
// A synthetic remote produces a steadily growing history for a set of rooms.
// Many workers refresh overlapping scopes at the same time while readers
// query the store, which exercises the per-table write serialization and the
// history dedup index.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
	"github.com/jones/aptracker/internal/remote"
)

// TestDatabase represents a store wired to a synthetic remote.
type TestDatabase struct {
	DB     *db.DB
	Source *SyntheticSource
	Engine cachesync.Refresher
	Rooms  []int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// Options configures CreateTestDatabase.
type Options struct {
	Driver    string // store driver; empty uses the default
	NumRooms  int
	BatchSize int // new history items per room per remote call
	Logger    *log.Logger
}

// CreateTestDatabase opens a store at dbPath and wires a sync engine to a
// synthetic remote with opts.NumRooms rooms. The rooms are synced once so
// the store starts populated.
func CreateTestDatabase(dbPath string, opts Options) (*TestDatabase, error) {
	if opts.NumRooms <= 0 {
		opts.NumRooms = 10
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	database, err := db.Open(dbPath, db.Options{Driver: opts.Driver, MaxOpenConns: 32, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	src := NewSyntheticSource(opts.NumRooms, opts.BatchSize)
	td := &TestDatabase{
		DB:     database,
		Source: src,
		Engine: cachesync.New(database, src, logger),
	}
	for i := 1; i <= opts.NumRooms; i++ {
		td.Rooms = append(td.Rooms, i)
	}

	if _, err := td.Engine.RefreshRooms(context.Background()); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to sync rooms: %w", err)
	}
	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunConcurrentRefreshes runs numWorkers workers, each performing
// refreshesPerWorker history refreshes. Workers cycle through the room
// scopes and the global scope, so several workers refresh the same scope at
// once. Each refresh's latency is recorded.
func (td *TestDatabase) RunConcurrentRefreshes(numWorkers, refreshesPerWorker int) (*LatencyStats, error) {
	var wg sync.WaitGroup

	resultsChan := make(chan []time.Duration, numWorkers)
	errorsChan := make(chan error, numWorkers)

	scopes := make([]schema.Scope, 0, len(td.Rooms)+1)
	scopes = append(scopes, schema.Global())
	for _, id := range td.Rooms {
		scopes = append(scopes, schema.RoomScope(id))
	}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, refreshesPerWorker)
			ctx := context.Background()

			for j := 0; j < refreshesPerWorker; j++ {
				scope := scopes[(workerID+j)%len(scopes)]
				start := time.Now()
				_, err := td.Engine.RefreshHistory(ctx, scope)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("worker %d refresh %d (%s) failed: %w", workerID, j, scope, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		if firstErr != nil {
			return nil, fmt.Errorf("no successful refreshes completed: %w", firstErr)
		}
		return nil, fmt.Errorf("no successful refreshes completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyNoRaceConditions runs numReaders readers against the store for
// duration while writers keep refreshing. Readers check that every snapshot
// is ordered newest first and holds no duplicate dedup keys.
func (td *TestDatabase) VerifyNoRaceConditions(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+len(td.Rooms))

	for _, id := range td.Rooms {
		wg.Add(1)
		go func(scope schema.Scope) {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := td.Engine.RefreshHistory(ctx, scope); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer %s failed: %w", scope, err)
					return
				}
			}
		}(schema.RoomScope(id))
	}

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			for ctx.Err() == nil {
				items, err := td.DB.History(ctx, schema.Global())
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d read failed: %w", readerID, err)
					}
					return
				}
				if err := checkSnapshot(items); err != nil {
					errorsChan <- fmt.Errorf("reader %d: %w", readerID, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

func checkSnapshot(items []schema.HistoryItem) error {
	seen := make(map[schema.DedupKey]bool, len(items))
	for i, it := range items {
		if i > 0 && it.Timestamp.After(items[i-1].Timestamp) {
			return fmt.Errorf("snapshot out of order at %d", i)
		}
		if seen[it.Key()] {
			return fmt.Errorf("duplicate item %q at %s", it.Message, schema.FormatTimestamp(it.Timestamp))
		}
		seen[it.Key()] = true
	}
	return nil
}

// CheckConsistency verifies that the store holds exactly the history the
// synthetic remote has served, without duplicates.
func (td *TestDatabase) CheckConsistency(ctx context.Context) error {
	var total, distinct int
	err := td.DB.RawDB().QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT message || '|' || ts || '|' || IFNULL(slot_ref, -1))
		FROM history_items
	`).Scan(&total, &distinct)
	if err != nil {
		return fmt.Errorf("failed to count history: %w", err)
	}
	if total != distinct {
		return fmt.Errorf("found %d duplicate history items", total-distinct)
	}
	if served := td.Source.Served(); total > served {
		return fmt.Errorf("store has %d items but the remote only produced %d", total, served)
	}
	return nil
}

// GetStats returns statistics about the test database.
func (td *TestDatabase) GetStats() map[string]interface{} {
	ctx := context.Background()
	items, _ := td.DB.HistoryCount(ctx, schema.Global())
	rooms, _ := td.DB.RoomCount(ctx)
	return map[string]interface{}{
		"rooms":         rooms,
		"history_items": items,
		"remote_items":  td.Source.Served(),
		"remote_calls":  td.Source.Calls(),
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Refreshes: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:          %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:             %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):    %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:            %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:             %v\n", s.P95)
	fmt.Fprintf(w, "  P99:             %v\n", s.P99)
	fmt.Fprintf(w, "  Max:             %v\n", s.Max)
}

// SyntheticSource is an in-memory remote.Source whose history grows by a
// batch per room on every history call.
type SyntheticSource struct {
	mu        sync.Mutex
	base      time.Time
	batchSize int
	produced  map[int]int // room id -> items produced so far
	calls     int
}

var _ remote.Source = (*SyntheticSource)(nil)

// NewSyntheticSource creates a source with numRooms rooms.
func NewSyntheticSource(numRooms, batchSize int) *SyntheticSource {
	s := &SyntheticSource{
		base:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		batchSize: batchSize,
		produced:  make(map[int]int, numRooms),
	}
	for i := 1; i <= numRooms; i++ {
		s.produced[i] = 0
	}
	return s
}

// ListRooms returns every synthetic room.
func (s *SyntheticSource) ListRooms(ctx context.Context) ([]schema.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]schema.Room, 0, len(s.produced))
	for id := range s.produced {
		rooms = append(rooms, schema.Room{
			ID:             id,
			RoomCode:       fmt.Sprintf("room-%03d", id),
			Alias:          fmt.Sprintf("Room %d", id),
			TotalSlotCount: 4,
		})
	}
	return rooms, nil
}

// ListHistory grows the requested rooms by one batch and returns everything
// strictly newer than q.Since.
func (s *SyntheticSource) ListHistory(ctx context.Context, q remote.HistoryQuery) ([]remote.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	var rooms []int
	if q.RoomID != 0 {
		if _, ok := s.produced[q.RoomID]; !ok {
			return nil, &remote.StatusError{Method: "GET", Path: fmt.Sprintf("/rooms/%d/history/items", q.RoomID), Code: 404, Message: "room not found"}
		}
		rooms = []int{q.RoomID}
	} else {
		for id := range s.produced {
			rooms = append(rooms, id)
		}
	}

	var out []remote.HistoryRecord
	for _, id := range rooms {
		s.produced[id] += s.batchSize
		for n := 0; n < s.produced[id]; n++ {
			ts := s.timestamp(id, n)
			if !q.Since.IsZero() && !ts.After(q.Since) {
				continue
			}
			out = append(out, record(id, n, ts))
		}
	}
	return out, nil
}

// timestamp spaces items a second apart per room and offsets rooms by a
// millisecond so timestamps are unique across rooms.
func (s *SyntheticSource) timestamp(room, n int) time.Time {
	return s.base.Add(time.Duration(n)*time.Second + time.Duration(room)*time.Millisecond)
}

func record(room, n int, ts time.Time) remote.HistoryRecord {
	roomID := room
	slot := n % 4
	msg := fmt.Sprintf("Player%d found item %d in room %d", slot, n, room)
	stamp := ts.Format(time.RFC3339Nano)
	return remote.HistoryRecord{RoomID: &roomID, Message: &msg, Timestamp: &stamp, SlotID: &slot}
}

// Served returns how many distinct items the source has produced.
func (s *SyntheticSource) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.produced {
		total += n
	}
	return total
}

// Calls returns how many history listings were served.
func (s *SyntheticSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
