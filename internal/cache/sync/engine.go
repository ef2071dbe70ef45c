package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/remote"
)

const maxRawInSkipped = 256

// engine implements the Refresher interface.
type engine struct {
	store  Store
	source remote.Source
	logger *log.Logger
	now    func() time.Time
}

// New creates a Refresher merging source into store.
//
// The store must have its schema initialized. If logger is nil, a default
// logger writing to stderr is used.
func New(store Store, source remote.Source, logger *log.Logger) Refresher {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &engine{
		store:  store,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// RefreshRooms implements Refresher.RefreshRooms.
func (e *engine) RefreshRooms(ctx context.Context) (*RoomsResult, error) {
	start := e.now()
	ctx, reqID := remote.NewRequestID(ctx)

	fetched, err := e.source.ListRooms(ctx)
	if err != nil {
		e.logger.Printf("Rooms refresh failed [%s]: %v", reqID, err)
		return nil, remoteError("rooms", schema.Global(), err)
	}

	res := &RoomsResult{RequestID: reqID, Fetched: len(fetched)}
	rooms := make([]schema.Room, 0, len(fetched))
	seen := make(map[int]bool, len(fetched))
	for i, r := range fetched {
		reason := ""
		if err := r.Validate(); err != nil {
			reason = err.Error()
		} else if seen[r.ID] {
			reason = fmt.Sprintf("duplicate room id %d", r.ID)
		}
		if reason != "" {
			e.logger.Printf("Skipping room %d [%s]: %s", i, reqID, reason)
			res.Skipped = append(res.Skipped, Skipped{Index: i, Reason: reason})
			continue
		}
		seen[r.ID] = true
		rooms = append(rooms, r)
	}

	stats, err := e.store.ReplaceAllRooms(ctx, rooms)
	if err != nil {
		e.logger.Printf("Rooms merge failed [%s]: %v", reqID, err)
		return nil, storeError("rooms", schema.Global(), err)
	}

	res.Stats = stats
	res.Duration = e.now().Sub(start)
	e.logger.Printf("Refreshed rooms [%s]: fetched=%d %s skipped=%d",
		reqID, res.Fetched, stats, len(res.Skipped))
	return res, nil
}

// RefreshHistory implements Refresher.RefreshHistory.
func (e *engine) RefreshHistory(ctx context.Context, scope schema.Scope) (*HistoryResult, error) {
	start := e.now()
	ctx, reqID := remote.NewRequestID(ctx)

	roomID, isRoom := scope.RoomID()
	if isRoom && roomID <= 0 {
		return nil, &RefreshError{Op: "history", Scope: scope, Kind: ErrMalformed,
			Err: fmt.Errorf("invalid room id %d", roomID)}
	}

	cursor, hasCursor, err := e.store.LatestTimestamp(ctx, scope)
	if err != nil {
		return nil, storeError("history", scope, err)
	}

	res := &HistoryResult{RequestID: reqID, Scope: scope.String()}
	query := remote.HistoryQuery{RoomID: roomID}
	if hasCursor {
		query.Since = cursor
		res.Cursor = &cursor
	}

	records, err := e.source.ListHistory(ctx, query)
	if err != nil {
		e.logger.Printf("History refresh %s failed [%s]: %v", scope, reqID, err)
		return nil, remoteError("history", scope, err)
	}
	res.Fetched = len(records)

	items := make([]schema.HistoryItem, 0, len(records))
	for i, rec := range records {
		item, err := translateHistory(rec, scope)
		if err != nil {
			e.logger.Printf("Skipping history item %d of %s [%s]: %v", i, scope, reqID, err)
			res.Skipped = append(res.Skipped, Skipped{Index: i, Raw: truncateRaw(rec.Raw), Reason: err.Error()})
			continue
		}
		items = append(items, item)
	}

	stats, err := e.store.InsertHistoryItems(ctx, items)
	if err != nil {
		e.logger.Printf("History merge %s failed [%s]: %v", scope, reqID, err)
		return nil, storeError("history", scope, err)
	}

	res.Stats = stats
	res.Duration = e.now().Sub(start)
	e.logger.Printf("Refreshed history %s [%s]: fetched=%d inserted=%d duplicates=%d skipped=%d",
		scope, reqID, res.Fetched, stats.Inserted, stats.Unchanged, len(res.Skipped))
	return res, nil
}

// translateHistory turns one remote record into a storable item. Records
// listed for a room inherit that room when they do not name one.
func translateHistory(rec remote.HistoryRecord, scope schema.Scope) (schema.HistoryItem, error) {
	if rec.DecodeErr != nil {
		return schema.HistoryItem{}, fmt.Errorf("%w: %v", ErrMalformed, rec.DecodeErr)
	}
	if rec.Message == nil || strings.TrimSpace(*rec.Message) == "" {
		return schema.HistoryItem{}, fmt.Errorf("%w: missing message", ErrMalformed)
	}
	if rec.Timestamp == nil {
		return schema.HistoryItem{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	ts, err := schema.ParseTimestamp(*rec.Timestamp)
	if err != nil {
		return schema.HistoryItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	item := schema.HistoryItem{
		RoomID:     rec.RoomID,
		Message:    *rec.Message,
		Timestamp:  ts,
		TrackerRef: rec.TrackerID,
		SlotRef:    rec.SlotID,
		IconName:   rec.IconName,
	}
	if id, ok := scope.RoomID(); ok {
		switch {
		case item.RoomID == nil:
			item.RoomID = &id
		case *item.RoomID != id:
			return schema.HistoryItem{}, fmt.Errorf("%w: item belongs to room %d, not %d", ErrMalformed, *item.RoomID, id)
		}
	}

	if err := item.Validate(); err != nil {
		return schema.HistoryItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return item, nil
}

func truncateRaw(raw []byte) string {
	if len(raw) > maxRawInSkipped {
		return string(raw[:maxRawInSkipped]) + "..."
	}
	return string(raw)
}
