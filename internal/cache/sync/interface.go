package sync

import (
	"context"
	"time"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
)

// Refresher pulls remote state into the local cache.
//
// Both methods are safe to call concurrently, including for the same scope;
// the store serializes the merges and dedups history.
type Refresher interface {
	// RefreshRooms replaces the cached room list with the remote one.
	//
	// Rooms that fail validation are skipped and reported in the result.
	// On any error the cached rooms are left exactly as they were.
	RefreshRooms(ctx context.Context) (*RoomsResult, error)

	// RefreshHistory fetches history newer than the scope's cursor and
	// appends it to the cache.
	//
	// Malformed items are skipped and reported; they never fail the call.
	// On any error the cached history is left exactly as it was.
	RefreshHistory(ctx context.Context, scope schema.Scope) (*HistoryResult, error)
}

// Store is the subset of the cache the engine writes to. *db.DB implements it.
type Store interface {
	ReplaceAllRooms(ctx context.Context, rooms []schema.Room) (db.MergeStats, error)
	InsertHistoryItems(ctx context.Context, items []schema.HistoryItem) (db.MergeStats, error)
	LatestTimestamp(ctx context.Context, scope schema.Scope) (time.Time, bool, error)
}

var _ Store = (*db.DB)(nil)

// Skipped describes one remote item that was not merged.
type Skipped struct {
	Index  int    `json:"index"`
	Raw    string `json:"raw,omitempty"`
	Reason string `json:"reason"`
}

// RoomsResult summarizes a rooms refresh.
type RoomsResult struct {
	RequestID string        `json:"request_id"`
	Fetched   int           `json:"fetched"`
	Stats     db.MergeStats `json:"stats"`
	Skipped   []Skipped     `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HistoryResult summarizes a history refresh.
type HistoryResult struct {
	RequestID string        `json:"request_id"`
	Scope     string        `json:"scope"`
	Cursor    *time.Time    `json:"cursor,omitempty"` // nil when the scope was empty
	Fetched   int           `json:"fetched"`
	Stats     db.MergeStats `json:"stats"`
	Skipped   []Skipped     `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration"`
}
