package db

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher wakes the store's feeds when the database file changes on
// disk, so subscribers also see commits made by other processes (a daemon
// refreshing the same cache, an import). Commits made through this DB are
// published directly and do not need it.
//
// The watcher cannot tell which table changed and publishes both feeds.
type FileWatcher struct {
	db       *DB
	watcher  *fsnotify.Watcher
	debounce time.Duration
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewFileWatcher creates a watcher for db's file. Change bursts within
// debounce (default 100ms) publish once. Start must be called before it
// will publish anything.
func (db *DB) NewFileWatcher(debounce time.Duration) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &FileWatcher{
		db:       db,
		watcher:  watcher,
		debounce: debounce,
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the database directory.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	// The directory, not the file: SQLite creates and removes the -wal file.
	dir := filepath.Dir(fw.db.path)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited. It is
// safe to call on a watcher that was never started.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	wasRunning := fw.running
	fw.running = false
	fw.mu.Unlock()

	if wasRunning {
		close(fw.done)
	}
	err := fw.watcher.Close()
	fw.wg.Wait()
	if wasRunning {
		close(fw.errors)
	}
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Errors returns watcher errors. It is closed by Stop. Errors are dropped
// when nobody reads them.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	timer := time.NewTimer(fw.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.relevant(event) {
				timer.Reset(fw.debounce)
			}

		case <-timer.C:
			if fw.db.isClosed() {
				continue
			}
			fw.db.rooms.feed.Publish()
			fw.db.history.feed.Publish()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			default:
			}
		}
	}
}

// relevant reports whether event is a write to the database or its WAL.
// The shared-memory index changes on reads too and is ignored.
func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(fw.db.path)
	switch filepath.Base(event.Name) {
	case base, base + "-wal":
		return true
	default:
		return false
	}
}
