package db

import (
	"context"
)

// watch streams load() snapshots: one immediately, then one after every
// notification on feed. The output channel holds only the latest snapshot;
// a slow reader skips intermediate states but never sees a stale one last.
//
// The channel is closed when ctx is done or the store is closed.
func watch[T any](ctx context.Context, db *DB, feed *Feed, what string, load func(context.Context) (T, error)) (<-chan T, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	// Subscribe before the first read so no commit falls in between.
	notify, cancel := feed.Subscribe()

	first, err := load(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan T, 1)
	out <- first

	go func() {
		defer close(out)
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case <-db.closed:
				return
			case <-notify:
			}

			snap, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil || db.isClosed() {
					return
				}
				db.logger.Printf("Warning: failed to reload %s snapshot: %v", what, err)
				continue
			}

			// Replace any undelivered snapshot.
			select {
			case <-out:
			default:
			}
			out <- snap
		}
	}()

	return out, nil
}
