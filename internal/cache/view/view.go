// Package view exposes cached data as continuously updating signals.
//
// A View joins a store subscription with a refresh action. Items always
// reflects the store and is never blocked on the network; Refreshing and
// LastError report the state of the most recent refresh. Opening a view
// emits the cached content at once and starts a refresh in the background.
package view

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
)

// WatchFunc opens a store subscription. The first value must be the current
// snapshot; the channel is closed when ctx is done.
type WatchFunc[T any] func(ctx context.Context) (<-chan T, error)

// RefreshFunc pulls remote changes into the store.
type RefreshFunc func(ctx context.Context) error

// Options tunes Open.
type Options struct {
	// Logger for refresh failures (default: stderr with "[view] " prefix).
	Logger *log.Logger

	// SkipInitialRefresh opens the view without contacting the remote.
	SkipInitialRefresh bool
}

// View is a live projection of one store query.
type View[T any] struct {
	Items      *Signal[T]
	Refreshing *Signal[bool]
	LastError  *Signal[error]

	refresh RefreshFunc
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight *run // nil when idle
}

// Open subscribes to the store and returns once the cached snapshot is in
// Items. Unless opts.SkipInitialRefresh is set, a refresh starts right away.
// The caller must Close the view.
func Open[T any](ctx context.Context, watch WatchFunc[T], refresh RefreshFunc, opts Options) (*View[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[view] ", log.LstdFlags)
	}

	vctx, cancel := context.WithCancel(ctx)
	updates, err := watch(vctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	var first T
	select {
	case snap, ok := <-updates:
		if !ok {
			cancel()
			return nil, fmt.Errorf("subscription closed before first snapshot")
		}
		first = snap
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	v := &View[T]{
		Items:      NewSignal(first),
		Refreshing: NewSignal(false),
		LastError:  NewSignal[error](nil),
		refresh:    refresh,
		logger:     logger,
		ctx:        vctx,
		cancel:     cancel,
	}

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		for {
			select {
			case <-vctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				v.Items.Set(snap)
			}
		}
	}()

	if !opts.SkipInitialRefresh {
		v.Refresh()
	}
	return v, nil
}

// Refresh starts a refresh unless one is already running. The returned
// channel is closed when the running refresh finishes.
func (v *View[T]) Refresh() <-chan struct{} {
	return v.start().done
}

// RefreshAndWait runs (or joins) a refresh and waits for it to end. It
// returns the refresh error, or ctx's error if ctx ends first.
func (v *View[T]) RefreshAndWait(ctx context.Context) error {
	r := v.start()
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is one refresh; err is valid once done is closed.
type run struct {
	done chan struct{}
	err  error
}

func (v *View[T]) start() *run {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.inflight != nil {
		return v.inflight
	}
	r := &run{done: make(chan struct{})}
	if v.refresh == nil || v.ctx.Err() != nil {
		close(r.done)
		return r
	}
	v.inflight = r

	v.LastError.Set(nil)
	v.Refreshing.Set(true)

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		err := v.refresh(v.ctx)
		if err != nil && v.ctx.Err() == nil {
			v.logger.Printf("Refresh failed: %v", err)
		}

		v.mu.Lock()
		r.err = err
		if err != nil {
			v.LastError.Set(err)
		}
		v.Refreshing.Set(false)
		v.inflight = nil
		v.mu.Unlock()
		close(r.done)
	}()
	return r
}

// Close stops the subscription, cancels any running refresh and ends every
// signal subscription.
func (v *View[T]) Close() {
	v.mu.Lock()
	v.cancel()
	v.mu.Unlock()
	v.wg.Wait()
	v.Items.Close()
	v.Refreshing.Close()
	v.LastError.Close()
}
