// Package daemon keeps the local cache fresh in the background.
//
// The daemon:
// 1. Polls rooms and global history at a fixed interval
// 2. Optionally refreshes the history of every cached room on each poll
// 3. Runs explicit refresh requests after a debounce window, coalescing bursts
// 4. Backs off exponentially while the remote keeps failing
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jones/aptracker/internal/cache/schema"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
)

// maxBackoff caps the poll delay after consecutive failures.
const maxBackoff = 30 * time.Second

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how often rooms and history are refreshed.
	PollInterval time.Duration

	// DebounceInterval is how long a refresh request waits for duplicates
	// before it runs.
	DebounceInterval time.Duration

	// RoomHistory also refreshes each cached room's history on every poll.
	RoomHistory bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     30 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		RoomHistory:      true,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// RoomLister lists the cached rooms. *db.DB implements it.
type RoomLister interface {
	Rooms(ctx context.Context) ([]schema.Room, error)
}

// Target names one refreshable thing.
type Target struct {
	Rooms bool
	Scope schema.Scope // history scope when Rooms is false
}

// RoomsTarget is the room list.
func RoomsTarget() Target { return Target{Rooms: true} }

// HistoryTarget is the history of scope.
func HistoryTarget(scope schema.Scope) Target { return Target{Scope: scope} }

func (t Target) String() string {
	if t.Rooms {
		return "rooms"
	}
	return "history:" + t.Scope.String()
}

// Event reports the outcome of one refresh run by the daemon.
type Event struct {
	Target   Target
	Err      error
	Duration time.Duration
	At       time.Time
}

// Daemon schedules refreshes of the cache.
type Daemon struct {
	engine cachesync.Refresher
	rooms  RoomLister
	config *Config

	changeQueue   map[Target]time.Time // target -> last request
	changeQueueMu sync.Mutex

	intervalCh chan time.Duration
	failures   atomic.Int32

	listenersMu sync.Mutex
	listeners   []func(Event)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon instance.
//
// Use Start() to begin polling.
func New(engine cachesync.Refresher, rooms RoomLister) (*Daemon, error) {
	return NewWithConfig(engine, rooms, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. Zero fields of
// config take their defaults.
func NewWithConfig(engine cachesync.Refresher, rooms RoomLister, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if rooms == nil {
		return nil, fmt.Errorf("room lister cannot be nil")
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      engine,
		rooms:       rooms,
		config:      &cfg,
		changeQueue: make(map[Target]time.Time),
		intervalCh:  make(chan time.Duration, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// OnRefresh registers fn to be called after every refresh the daemon runs.
// fn runs on a daemon goroutine and must not block.
func (d *Daemon) OnRefresh(fn func(Event)) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Poll immediately, then every PollInterval (longer while backing off)
// 2. Process refresh requests with debouncing
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (interval=%s)", d.config.PollInterval)

	d.wg.Add(2)
	go d.pollLoop()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Running refreshes are cancelled.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// SetInterval changes the poll interval. The next poll is rescheduled.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	// Keep only the newest pending value.
	select {
	case <-d.intervalCh:
	default:
	}
	select {
	case d.intervalCh <- interval:
	default:
	}
}

// RequestRefresh queues a refresh of t. Repeated requests inside the
// debounce window collapse into one run.
func (d *Daemon) RequestRefresh(t Target) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[t] = time.Now()
}

// Failures returns the number of consecutive failed polls.
func (d *Daemon) Failures() int {
	return int(d.failures.Load())
}

// PollOnce refreshes rooms, global history and, if configured, the history
// of every cached room. It keeps going after a failure and returns all
// failures joined.
func (d *Daemon) PollOnce(ctx context.Context) error {
	var errs []error

	if err := d.run(ctx, RoomsTarget()); err != nil {
		errs = append(errs, err)
	}
	if err := d.run(ctx, HistoryTarget(schema.Global())); err != nil {
		errs = append(errs, err)
	}

	if d.config.RoomHistory {
		rooms, err := d.rooms.Rooms(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list cached rooms: %w", err))
		}
		for _, r := range rooms {
			if ctx.Err() != nil {
				break
			}
			if err := d.run(ctx, HistoryTarget(schema.RoomScope(r.ID))); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// run performs one refresh and notifies listeners.
func (d *Daemon) run(ctx context.Context, t Target) error {
	start := time.Now()
	var err error
	if t.Rooms {
		_, err = d.engine.RefreshRooms(ctx)
	} else {
		_, err = d.engine.RefreshHistory(ctx, t.Scope)
	}

	ev := Event{Target: t, Err: err, Duration: time.Since(start), At: time.Now()}
	d.listenersMu.Lock()
	listeners := append(([]func(Event))(nil), d.listeners...)
	d.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return err
}

// pollLoop polls on a timer, backing off while polls keep failing.
func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	interval := d.config.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case iv := <-d.intervalCh:
			d.config.Logger.Printf("Poll interval changed: %s -> %s", interval, iv)
			interval = iv
			timer.Reset(calculateBackoff(d.Failures(), interval))

		case <-timer.C:
			err := d.PollOnce(d.ctx)
			switch {
			case d.ctx.Err() != nil:
				return
			case err == nil:
				d.failures.Store(0)
			case cachesync.IsRetryable(err):
				n := d.failures.Add(1)
				d.config.Logger.Printf("Poll failed (%d consecutive), backing off: %v", n, err)
			default:
				d.config.Logger.Printf("Poll failed: %v", err)
			}
			timer.Reset(calculateBackoff(d.Failures(), interval))
		}
	}
}

// processChangeQueue runs queued refresh requests with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges runs requests that have been quiet for long enough.
func (d *Daemon) processPendingChanges() {
	now := time.Now()
	var ready []Target

	d.changeQueueMu.Lock()
	for t, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, t)
		delete(d.changeQueue, t)
	}
	d.changeQueueMu.Unlock()

	// Rooms first so room history runs against a current room list.
	for _, t := range ready {
		if t.Rooms {
			d.runRequested(t)
		}
	}
	for _, t := range ready {
		if !t.Rooms {
			d.runRequested(t)
		}
	}
}

func (d *Daemon) runRequested(t Target) {
	if d.ctx.Err() != nil {
		return
	}
	d.config.Logger.Printf("Processing refresh request: %s", t)
	if err := d.run(d.ctx, t); err != nil && d.ctx.Err() == nil {
		d.config.Logger.Printf("Error refreshing %s: %v", t, err)
	}
}

// calculateBackoff returns the delay before the next poll after failures
// consecutive failures: base doubled per failure, capped at maxBackoff (or
// base itself when that is already longer).
func calculateBackoff(failures int, base time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	limit := maxBackoff
	if base > limit {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}
