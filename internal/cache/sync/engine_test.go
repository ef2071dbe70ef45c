package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/remote"
)

// fakeSource is a scripted remote.Source.
type fakeSource struct {
	mu       gosync.Mutex
	rooms    []schema.Room
	roomsErr error
	history  map[int][]string // room id (0 = global) -> raw JSON elements
	histErr  error
	queries  []remote.HistoryQuery
}

func (f *fakeSource) ListRooms(ctx context.Context) ([]schema.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return append([]schema.Room(nil), f.rooms...), nil
}

func (f *fakeSource) ListHistory(ctx context.Context, q remote.HistoryQuery) ([]remote.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.histErr != nil {
		return nil, f.histErr
	}
	var out []remote.HistoryRecord
	for i, raw := range f.history[q.RoomID] {
		var rec remote.HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			rec = remote.HistoryRecord{DecodeErr: fmt.Errorf("element %d: %w", i, err)}
		}
		rec.Raw = json.RawMessage(raw)
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeSource) lastQuery() remote.HistoryQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cache.db"), db.Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T, store Store, src remote.Source) Refresher {
	return New(store, src, log.New(io.Discard, "", 0))
}

func TestRefreshHistory_FirstFetchScenario(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		7: {`{"message": "Got Bomb Bag", "timestamp": "2024-01-01T00:00:00Z", "slot_id": 3}`},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	res, err := engine.RefreshHistory(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("RefreshHistory() failed: %v", err)
	}
	if res.Cursor != nil {
		t.Errorf("Cursor = %v, want nil for empty store", res.Cursor)
	}
	if !src.lastQuery().Since.IsZero() || src.lastQuery().RoomID != 7 {
		t.Errorf("query = %+v, want room 7 without since", src.lastQuery())
	}
	if res.Stats.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", res.Stats.Inserted)
	}

	items, err := store.History(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(items) != 1 || items[0].Message != "Got Bomb Bag" || *items[0].SlotRef != 3 || *items[0].RoomID != 7 {
		t.Fatalf("History(room:7) = %+v", items)
	}

	latest, ok, err := store.LatestTimestamp(ctx, schema.RoomScope(7))
	if err != nil || !ok {
		t.Fatalf("LatestTimestamp() = %v, %v, %v", latest, ok, err)
	}
	if !latest.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LatestTimestamp() = %v, want 2024-01-01T00:00:00Z", latest)
	}
}

func TestRefreshHistory_OverlappingWindowScenario(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		7: {`{"message": "Got Bomb Bag", "timestamp": "2024-01-01T00:00:00Z", "slot_id": 3}`},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshHistory(ctx, schema.RoomScope(7)); err != nil {
		t.Fatalf("first RefreshHistory() failed: %v", err)
	}

	src.mu.Lock()
	src.history[7] = []string{
		`{"message": "Got Bomb Bag", "timestamp": "2024-01-01T00:00:00Z", "slot_id": 3}`,
		`{"message": "Got Hookshot", "timestamp": "2024-01-01T00:05:00Z", "slot_id": 3}`,
	}
	src.mu.Unlock()

	res, err := engine.RefreshHistory(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("second RefreshHistory() failed: %v", err)
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if since := src.lastQuery().Since; !since.Equal(want) {
		t.Errorf("since = %v, want %v", since, want)
	}
	if res.Stats.Inserted != 1 || res.Stats.Unchanged != 1 {
		t.Errorf("stats = %s, want 1 inserted 1 unchanged", res.Stats)
	}

	n, err := store.HistoryCount(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("HistoryCount() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("HistoryCount(room:7) = %d, want 2", n)
	}
}

func TestRefreshHistory_GlobalThenRoom(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		0: {`{"message": "Got Bomb Bag", "timestamp": "2024-01-01T00:00:00Z", "slot_id": 3, "db_id": 7}`},
		7: {`{"message": "Got Bomb Bag", "timestamp": "2024-01-01T00:00:00Z", "slot_id": 3}`},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshHistory(ctx, schema.Global()); err != nil {
		t.Fatalf("RefreshHistory(global) failed: %v", err)
	}
	res, err := engine.RefreshHistory(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("RefreshHistory(room:7) failed: %v", err)
	}
	if res.Cursor == nil || !res.Cursor.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Cursor = %v, want the globally fetched item", res.Cursor)
	}

	items, err := store.History(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(items) != 1 || items[0].RoomID == nil || *items[0].RoomID != 7 {
		t.Fatalf("History(room:7) = %+v, want 1 item in room 7", items)
	}
	n, err := store.HistoryCount(ctx, schema.Global())
	if err != nil {
		t.Fatalf("HistoryCount() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("HistoryCount() = %d, want 1", n)
	}
}

func TestRefreshHistory_Idempotent(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		0: {
			`{"message": "a", "timestamp": "2024-01-01T00:00:00Z"}`,
			`{"message": "b", "timestamp": "2024-01-01T00:00:01Z", "room_id": 2}`,
		},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.RefreshHistory(ctx, schema.Global()); err != nil {
			t.Fatalf("RefreshHistory() #%d failed: %v", i, err)
		}
	}
	n, err := store.HistoryCount(ctx, schema.Global())
	if err != nil {
		t.Fatalf("HistoryCount() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("HistoryCount() = %d, want 2", n)
	}
}

func TestRefreshHistory_FailureIsolation(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		7: {
			`{"message": "one", "timestamp": "2024-01-01T00:00:01Z"}`,
			`{"message": "two", "timestamp": "not a time"}`,
			`{"message": "three", "timestamp": "2024-01-01T00:00:03Z"}`,
			`{"message": "four", "timestamp": "2024-01-01T00:00:04Z"}`,
		},
	}}
	engine := newTestEngine(t, store, src)

	res, err := engine.RefreshHistory(context.Background(), schema.RoomScope(7))
	if err != nil {
		t.Fatalf("RefreshHistory() failed: %v", err)
	}
	if res.Stats.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", res.Stats.Inserted)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Index != 1 {
		t.Fatalf("Skipped = %+v, want index 1", res.Skipped)
	}
	if res.Skipped[0].Raw == "" {
		t.Error("Skipped entry lost its raw payload")
	}
}

func TestTranslateHistory(t *testing.T) {
	str := func(s string) *string { return &s }
	num := func(n int) *int { return &n }
	ts := str("2024-01-01T00:00:00Z")

	tests := []struct {
		name     string
		rec      remote.HistoryRecord
		scope    schema.Scope
		wantRoom *int
		wantErr  bool
	}{
		{"global keeps room", remote.HistoryRecord{Message: str("m"), Timestamp: ts, RoomID: num(4)}, schema.Global(), num(4), false},
		{"global without room", remote.HistoryRecord{Message: str("m"), Timestamp: ts}, schema.Global(), nil, false},
		{"room inherits scope", remote.HistoryRecord{Message: str("m"), Timestamp: ts}, schema.RoomScope(7), num(7), false},
		{"room mismatch", remote.HistoryRecord{Message: str("m"), Timestamp: ts, RoomID: num(8)}, schema.RoomScope(7), nil, true},
		{"decode error", remote.HistoryRecord{DecodeErr: errors.New("bad")}, schema.Global(), nil, true},
		{"missing message", remote.HistoryRecord{Timestamp: ts}, schema.Global(), nil, true},
		{"blank message", remote.HistoryRecord{Message: str(" "), Timestamp: ts}, schema.Global(), nil, true},
		{"missing timestamp", remote.HistoryRecord{Message: str("m")}, schema.Global(), nil, true},
		{"negative slot", remote.HistoryRecord{Message: str("m"), Timestamp: ts, SlotID: num(-1)}, schema.Global(), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := translateHistory(tt.rec, tt.scope)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("translateHistory() error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("translateHistory() failed: %v", err)
			}
			switch {
			case tt.wantRoom == nil && item.RoomID != nil:
				t.Errorf("RoomID = %d, want nil", *item.RoomID)
			case tt.wantRoom != nil && (item.RoomID == nil || *item.RoomID != *tt.wantRoom):
				t.Errorf("RoomID = %v, want %d", item.RoomID, *tt.wantRoom)
			}
		})
	}
}

func TestRefreshRooms_Reconciles(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{rooms: []schema.Room{
		{ID: 1, RoomCode: "a", Alias: "A"},
		{ID: 2, RoomCode: "b", Alias: "B"},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshRooms(ctx); err != nil {
		t.Fatalf("RefreshRooms() failed: %v", err)
	}

	src.mu.Lock()
	src.rooms = []schema.Room{
		{ID: 2, RoomCode: "b", Alias: "B2"},
		{ID: 3, RoomCode: "c", Alias: "C"},
	}
	src.mu.Unlock()

	res, err := engine.RefreshRooms(ctx)
	if err != nil {
		t.Fatalf("RefreshRooms() failed: %v", err)
	}
	if want := (db.MergeStats{Inserted: 1, Updated: 1, Deleted: 1}); res.Stats != want {
		t.Errorf("stats = %s, want %s", res.Stats, want)
	}

	rooms, err := store.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms() failed: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != 2 || rooms[0].Alias != "B2" || rooms[1].ID != 3 {
		t.Fatalf("Rooms() = %+v, want exactly rooms 2 (B2) and 3", rooms)
	}
}

func TestRefreshRooms_SkipsInvalidAndDuplicates(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{rooms: []schema.Room{
		{ID: 1, RoomCode: "a"},
		{ID: 0, RoomCode: "zero"},
		{ID: 1, RoomCode: "dup"},
		{ID: 2, RoomCode: ""},
	}}
	engine := newTestEngine(t, store, src)

	res, err := engine.RefreshRooms(context.Background())
	if err != nil {
		t.Fatalf("RefreshRooms() failed: %v", err)
	}
	if res.Fetched != 4 || len(res.Skipped) != 3 || res.Stats.Inserted != 1 {
		t.Fatalf("result = %+v", res)
	}
	room, err := store.Room(context.Background(), 1)
	if err != nil {
		t.Fatalf("Room(1) failed: %v", err)
	}
	if room.RoomCode != "a" {
		t.Errorf("RoomCode = %q, want first occurrence", room.RoomCode)
	}
}

func TestRefreshRooms_NoClobberOnFailure(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{rooms: []schema.Room{{ID: 1, RoomCode: "a"}, {ID: 2, RoomCode: "b"}}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshRooms(ctx); err != nil {
		t.Fatalf("RefreshRooms() failed: %v", err)
	}
	before, err := store.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms() failed: %v", err)
	}

	src.mu.Lock()
	src.roomsErr = fmt.Errorf("%w: dial tcp: connection refused", remote.ErrUnavailable)
	src.mu.Unlock()

	_, err = engine.RefreshRooms(ctx)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("RefreshRooms() error = %v, want ErrTransport", err)
	}
	if !errors.Is(err, remote.ErrUnavailable) || !IsRetryable(err) {
		t.Fatalf("error %v should wrap ErrUnavailable and be retryable", err)
	}

	after, err := store.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms() failed: %v", err)
	}
	if len(after) != len(before) || after[0] != before[0] || after[1] != before[1] {
		t.Fatalf("Rooms() changed after failed refresh: %+v -> %+v", before, after)
	}
}

func TestRefreshHistory_TransportFailureLeavesStore(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		0: {`{"message": "kept", "timestamp": "2024-01-01T00:00:00Z"}`},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshHistory(ctx, schema.Global()); err != nil {
		t.Fatalf("RefreshHistory() failed: %v", err)
	}

	src.mu.Lock()
	src.histErr = &remote.StatusError{Method: "GET", Path: "/history/items", Code: 404}
	src.mu.Unlock()

	_, err := engine.RefreshHistory(ctx, schema.Global())
	var re *RefreshError
	if !errors.As(err, &re) || re.Kind != ErrTransport || re.Op != "history" {
		t.Fatalf("RefreshHistory() error = %v, want history transport RefreshError", err)
	}
	if IsRetryable(err) {
		t.Error("404 should not be retryable")
	}
	if Kind(err) != ErrTransport {
		t.Errorf("Kind() = %v", Kind(err))
	}

	n, _ := store.HistoryCount(ctx, schema.Global())
	if n != 1 {
		t.Errorf("HistoryCount() = %d, want 1", n)
	}
}

func TestRefresh_DecodeFailureIsMalformed(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{roomsErr: fmt.Errorf("%w: GET /rooms: unexpected EOF", remote.ErrDecode)}
	engine := newTestEngine(t, store, src)

	_, err := engine.RefreshRooms(context.Background())
	if !errors.Is(err, ErrMalformed) || errors.Is(err, ErrTransport) {
		t.Fatalf("RefreshRooms() error = %v, want ErrMalformed only", err)
	}
}

// failingStore wraps a real store and fails merges on demand.
type failingStore struct {
	Store
	failMerge error
}

func (f *failingStore) ReplaceAllRooms(ctx context.Context, rooms []schema.Room) (db.MergeStats, error) {
	if f.failMerge != nil {
		return db.MergeStats{}, f.failMerge
	}
	return f.Store.ReplaceAllRooms(ctx, rooms)
}

func (f *failingStore) InsertHistoryItems(ctx context.Context, items []schema.HistoryItem) (db.MergeStats, error) {
	if f.failMerge != nil {
		return db.MergeStats{}, f.failMerge
	}
	return f.Store.InsertHistoryItems(ctx, items)
}

func TestRefresh_StorageFailure(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failMerge: errors.New("disk I/O error")}
	src := &fakeSource{
		rooms:   []schema.Room{{ID: 1, RoomCode: "a"}},
		history: map[int][]string{0: {`{"message": "m", "timestamp": "2024-01-01T00:00:00Z"}`}},
	}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	if _, err := engine.RefreshRooms(ctx); !errors.Is(err, ErrStorage) {
		t.Errorf("RefreshRooms() error = %v, want ErrStorage", err)
	}
	_, err := engine.RefreshHistory(ctx, schema.Global())
	if !errors.Is(err, ErrStorage) {
		t.Errorf("RefreshHistory() error = %v, want ErrStorage", err)
	}
	if !IsRetryable(err) {
		t.Error("storage failure should be retryable")
	}
}

func TestRefresh_CanceledBeforeWrite(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{rooms: []schema.Room{{ID: 1, RoomCode: "a"}}}
	engine := newTestEngine(t, store, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.RefreshRooms(ctx)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("RefreshRooms() error = %v, want ErrCanceled", err)
	}
	if IsRetryable(err) {
		t.Error("canceled refresh should not be retryable")
	}
	n, _ := store.RoomCount(context.Background())
	if n != 0 {
		t.Errorf("RoomCount() = %d, want 0", n)
	}
}

func TestRefreshHistory_IndependentCursors(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{history: map[int][]string{
		7: {`{"message": "r7", "timestamp": "2024-01-01T00:00:00Z"}`},
		8: {`{"message": "r8", "timestamp": "2024-02-01T00:00:00Z"}`},
	}}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	for _, id := range []int{7, 8} {
		if _, err := engine.RefreshHistory(ctx, schema.RoomScope(id)); err != nil {
			t.Fatalf("RefreshHistory(room:%d) failed: %v", id, err)
		}
	}

	res, err := engine.RefreshHistory(ctx, schema.RoomScope(7))
	if err != nil {
		t.Fatalf("RefreshHistory(room:7) failed: %v", err)
	}
	if res.Cursor == nil || !res.Cursor.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("room 7 cursor = %v, want 2024-01-01", res.Cursor)
	}

	res, err = engine.RefreshHistory(ctx, schema.Global())
	if err != nil {
		t.Fatalf("RefreshHistory(global) failed: %v", err)
	}
	if res.Cursor == nil || !res.Cursor.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("global cursor = %v, want 2024-02-01", res.Cursor)
	}
}

func TestRefresh_Concurrent(t *testing.T) {
	store := newTestStore(t)
	var raw []string
	for i := 0; i < 30; i++ {
		raw = append(raw, fmt.Sprintf(`{"message": "item %d", "timestamp": "2024-01-01T00:00:%02dZ", "slot_id": 1}`, i, i))
	}
	src := &fakeSource{
		rooms:   []schema.Room{{ID: 7, RoomCode: "seven"}},
		history: map[int][]string{7: raw},
	}
	engine := newTestEngine(t, store, src)
	ctx := context.Background()

	var wg gosync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := engine.RefreshHistory(ctx, schema.RoomScope(7)); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := engine.RefreshRooms(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent refresh failed: %v", err)
	}

	n, _ := store.HistoryCount(ctx, schema.RoomScope(7))
	if n != 30 {
		t.Errorf("HistoryCount(room:7) = %d, want 30", n)
	}
	rooms, _ := store.Rooms(ctx)
	if len(rooms) != 1 {
		t.Errorf("len(Rooms()) = %d, want 1", len(rooms))
	}
}

func TestRefreshError_Message(t *testing.T) {
	err := &RefreshError{Op: "history", Scope: schema.RoomScope(7), Kind: ErrTransport, Err: errors.New("boom")}
	if got := err.Error(); got != "refresh history room:7: transport failure: boom" {
		t.Errorf("Error() = %q", got)
	}
	err = &RefreshError{Op: "rooms", Kind: ErrStorage, Err: errors.New("locked")}
	if got := err.Error(); got != "refresh rooms: storage failure: locked" {
		t.Errorf("Error() = %q", got)
	}
}
