// Package sync pulls remote deltas into the local cache.
//
// Overview
//
// The engine is the only writer of the cache. Each refresh is one remote
// call followed by one merge into the store:
//
//	remote.Source                 Refresher                  db.DB
//	  ListRooms()      ──────→  RefreshRooms()     ──────→  ReplaceAllRooms()
//	  ListHistory(since) ────→  RefreshHistory(s)  ──────→  InsertHistoryItems()
//	                               ↑
//	                        LatestTimestamp(s) (cursor)
//
// History refreshes are incremental: the cursor is the newest timestamp the
// store already holds for the scope, and only strictly newer items are
// requested. Re-delivered items are dropped by the store's dedup key, so a
// refresh can always be retried.
//
// Error Handling
//
// Every failure is a *RefreshError whose Kind is one of ErrTransport,
// ErrMalformed, ErrStorage or ErrCanceled:
//
//   - Transport and whole-response decode failures leave the store untouched
//   - Individual malformed items are skipped, logged and listed in the result
//   - Storage failures roll back the batch; previously cached rows survive
//
// Usage
//
//	client, _ := remote.NewClient("tracker.example.com")
//	engine := sync.New(store, client, nil)
//
//	if _, err := engine.RefreshRooms(ctx); err != nil {
//	    log.Printf("rooms refresh failed: %v", err)
//	}
//	res, err := engine.RefreshHistory(ctx, schema.RoomScope(7))
package sync
