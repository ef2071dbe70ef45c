package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/jones/aptracker/internal/cache/schema"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
)

// fakeEngine counts refreshes per target and fails on demand.
type fakeEngine struct {
	mu    sync.Mutex
	calls map[string]int
	fail  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: make(map[string]int)}
}

func (f *fakeEngine) record(t Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[t.String()]++
	return f.fail
}

func (f *fakeEngine) RefreshRooms(ctx context.Context) (*cachesync.RoomsResult, error) {
	if err := f.record(RoomsTarget()); err != nil {
		return nil, err
	}
	return &cachesync.RoomsResult{}, nil
}

func (f *fakeEngine) RefreshHistory(ctx context.Context, scope schema.Scope) (*cachesync.HistoryResult, error) {
	if err := f.record(HistoryTarget(scope)); err != nil {
		return nil, err
	}
	return &cachesync.HistoryResult{Scope: scope.String()}, nil
}

func (f *fakeEngine) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeEngine) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type fakeRooms []schema.Room

func (r fakeRooms) Rooms(ctx context.Context) ([]schema.Room, error) {
	return r, nil
}

func testConfig(poll time.Duration) *Config {
	return &Config{
		PollInterval:     poll,
		DebounceInterval: 20 * time.Millisecond,
		RoomHistory:      true,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startDaemon runs d in the background and stops it when the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	baseInterval := 2 * time.Second

	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"zero failures", 0, 2 * time.Second},
		{"negative failures", -1, 2 * time.Second},
		{"one failure", 1, 4 * time.Second},
		{"two failures", 2, 8 * time.Second},
		{"three failures", 3, 16 * time.Second},
		{"four failures capped", 4, 30 * time.Second},
		{"many failures capped", 10, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateBackoff(tt.failures, baseInterval)
			if got != tt.want {
				t.Errorf("calculateBackoff(%d, %v) = %v, want %v", tt.failures, baseInterval, got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff_MaxCap(t *testing.T) {
	baseInterval := 2 * time.Second
	for failures := 0; failures <= 100; failures++ {
		if got := calculateBackoff(failures, baseInterval); got > maxBackoff {
			t.Errorf("calculateBackoff(%d, %v) = %v, exceeds maxBackoff %v", failures, baseInterval, got, maxBackoff)
		}
	}
}

func TestCalculateBackoff_LongBase(t *testing.T) {
	if got := calculateBackoff(3, time.Minute); got != time.Minute {
		t.Errorf("calculateBackoff(3, 1m) = %v, want 1m", got)
	}
}

func TestNewWithConfig(t *testing.T) {
	if _, err := NewWithConfig(nil, fakeRooms{}, nil); err == nil {
		t.Error("NewWithConfig(nil engine) returned nil error")
	}
	if _, err := NewWithConfig(newFakeEngine(), nil, nil); err == nil {
		t.Error("NewWithConfig(nil rooms) returned nil error")
	}

	d, err := NewWithConfig(newFakeEngine(), fakeRooms{}, &Config{})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	if d.config.PollInterval != 30*time.Second || d.config.DebounceInterval != 250*time.Millisecond || d.config.Logger == nil {
		t.Errorf("defaults not applied: %+v", d.config)
	}
}

func TestTargetString(t *testing.T) {
	tests := map[Target]string{
		RoomsTarget():                      "rooms",
		HistoryTarget(schema.Global()):     "history:global",
		HistoryTarget(schema.RoomScope(7)): "history:room:7",
	}
	for target, want := range tests {
		if got := target.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestPollOnce_RefreshesEverything(t *testing.T) {
	engine := newFakeEngine()
	d, err := NewWithConfig(engine, fakeRooms{{ID: 1, RoomCode: "a"}, {ID: 2, RoomCode: "b"}}, testConfig(time.Hour))
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	if err := d.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() failed: %v", err)
	}
	for _, key := range []string{"rooms", "history:global", "history:room:1", "history:room:2"} {
		if engine.count(key) != 1 {
			t.Errorf("%s refreshed %d times, want 1", key, engine.count(key))
		}
	}
}

func TestPollOnce_ContinuesAfterFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.setFail(&cachesync.RefreshError{Op: "rooms", Kind: cachesync.ErrTransport, Err: errors.New("down")})
	cfg := testConfig(time.Hour)
	cfg.RoomHistory = false
	d, _ := NewWithConfig(engine, fakeRooms{}, cfg)

	err := d.PollOnce(context.Background())
	if !errors.Is(err, cachesync.ErrTransport) {
		t.Fatalf("PollOnce() = %v, want ErrTransport", err)
	}
	if engine.count("history:global") != 1 {
		t.Error("history refresh skipped after rooms failure")
	}
}

func TestDaemon_PollsImmediately(t *testing.T) {
	engine := newFakeEngine()
	d, _ := NewWithConfig(engine, fakeRooms{{ID: 7, RoomCode: "x"}}, testConfig(time.Hour))
	startDaemon(t, d)

	waitFor(t, "initial poll", func() bool { return engine.count("history:room:7") == 1 })
	if engine.count("rooms") != 1 || engine.count("history:global") != 1 {
		t.Errorf("initial poll incomplete: %v", engine.calls)
	}
}

func TestDaemon_DebouncesRequests(t *testing.T) {
	engine := newFakeEngine()
	d, _ := NewWithConfig(engine, fakeRooms{}, testConfig(time.Hour))

	var mu sync.Mutex
	var events []Event
	d.OnRefresh(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	startDaemon(t, d)

	target := HistoryTarget(schema.RoomScope(99))
	for i := 0; i < 5; i++ {
		d.RequestRefresh(target)
	}

	waitFor(t, "requested refresh", func() bool { return engine.count(target.String()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if n := engine.count(target.String()); n != 1 {
		t.Errorf("requested target refreshed %d times, want 1", n)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, ev := range events {
		if ev.Target == target && ev.Err == nil {
			found = true
		}
	}
	if !found {
		t.Error("no OnRefresh event for requested target")
	}
}

func TestDaemon_BacksOffAndRecovers(t *testing.T) {
	engine := newFakeEngine()
	engine.setFail(&cachesync.RefreshError{Op: "rooms", Kind: cachesync.ErrTransport, Err: errors.New("down")})
	cfg := testConfig(5 * time.Millisecond)
	cfg.RoomHistory = false
	d, _ := NewWithConfig(engine, fakeRooms{}, cfg)
	startDaemon(t, d)

	waitFor(t, "consecutive failures", func() bool { return d.Failures() >= 2 })

	engine.setFail(nil)
	waitFor(t, "recovery", func() bool { return d.Failures() == 0 })
}

func TestDaemon_NonRetryableDoesNotBackOff(t *testing.T) {
	engine := newFakeEngine()
	engine.setFail(&cachesync.RefreshError{Op: "rooms", Kind: cachesync.ErrMalformed, Err: errors.New("bad json")})
	cfg := testConfig(5 * time.Millisecond)
	cfg.RoomHistory = false
	d, _ := NewWithConfig(engine, fakeRooms{}, cfg)
	startDaemon(t, d)

	waitFor(t, "several polls", func() bool { return engine.count("rooms") >= 3 })
	if d.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0 for non-retryable errors", d.Failures())
	}
}

func TestDaemon_SetInterval(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig(time.Hour)
	cfg.RoomHistory = false
	d, _ := NewWithConfig(engine, fakeRooms{}, cfg)
	startDaemon(t, d)

	waitFor(t, "initial poll", func() bool { return engine.count("rooms") == 1 })
	d.SetInterval(5 * time.Millisecond)
	waitFor(t, "faster polling", func() bool { return engine.count("rooms") >= 3 })

	d.SetInterval(0) // ignored
}

func TestDaemon_StopIdempotent(t *testing.T) {
	d, _ := NewWithConfig(newFakeEngine(), fakeRooms{}, testConfig(time.Hour))

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v, want nil after Stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop")
	}
}
