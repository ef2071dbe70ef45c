package view

import (
	"context"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
)

// OpenRooms opens the room list view.
func OpenRooms(ctx context.Context, store *db.DB, engine cachesync.Refresher, opts Options) (*View[[]schema.Room], error) {
	return Open(ctx, store.WatchRooms, func(ctx context.Context) error {
		_, err := engine.RefreshRooms(ctx)
		return err
	}, opts)
}

// OpenHistory opens the history view for scope.
func OpenHistory(ctx context.Context, store *db.DB, engine cachesync.Refresher, scope schema.Scope, opts Options) (*View[[]schema.HistoryItem], error) {
	watch := func(ctx context.Context) (<-chan []schema.HistoryItem, error) {
		return store.WatchHistory(ctx, scope)
	}
	return Open(ctx, watch, func(ctx context.Context) error {
		_, err := engine.RefreshHistory(ctx, scope)
		return err
	}, opts)
}
