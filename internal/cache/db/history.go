package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jones/aptracker/internal/cache/schema"
)

const historyColumns = `local_id, room_id, message, ts, tracker_ref, slot_ref, icon_name`

// InsertHistoryItems appends items in one transaction, skipping any whose
// dedup key (message, timestamp, slot) is already stored. Existing rows are
// never modified or deleted. Returns stats with Inserted set to the number of
// new rows and Unchanged to the number of duplicates.
func (db *DB) InsertHistoryItems(ctx context.Context, items []schema.HistoryItem) (MergeStats, error) {
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return MergeStats{}, fmt.Errorf("invalid history item at index %d: %w", i, err)
		}
	}
	if len(items) == 0 {
		return MergeStats{}, nil
	}

	return db.merge(ctx, db.history, func(ctx context.Context, tx *sql.Tx) (MergeStats, error) {
		stmt, err := tx.PrepareContext(ctx, db.history.insertSQL)
		if err != nil {
			return MergeStats{}, fmt.Errorf("failed to prepare history insert: %w", err)
		}
		defer stmt.Close()

		now := schema.FormatTimestamp(time.Now())
		var stats MergeStats
		for _, it := range items {
			res, err := stmt.ExecContext(ctx,
				nullInt(it.RoomID), it.Message, schema.FormatTimestamp(it.Timestamp),
				nullString(it.TrackerRef), nullInt(it.SlotRef), nullString(it.IconName), now,
			)
			if err != nil {
				return MergeStats{}, fmt.Errorf("failed to insert history item: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return MergeStats{}, fmt.Errorf("failed to read rows affected: %w", err)
			}
			if n > 0 {
				stats.Inserted++
			} else {
				stats.Unchanged++
			}
		}
		return stats, nil
	})
}

// History returns the items in scope, newest first. The global scope
// returns every stored item; a room scope returns that room's items.
func (db *DB) History(ctx context.Context, scope schema.Scope) ([]schema.HistoryItem, error) {
	return db.SearchHistory(ctx, HistoryFilter{Scope: scope})
}

// HistoryFilter narrows SearchHistory.
type HistoryFilter struct {
	Scope schema.Scope
	Since time.Time // inclusive; zero means no lower bound
	Text  string    // case-insensitive substring of the message
	Limit int       // 0 means unlimited
}

// SearchHistory returns the items matching f, newest first.
func (db *DB) SearchHistory(ctx context.Context, f HistoryFilter) ([]schema.HistoryItem, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	var (
		where []string
		args  []any
	)
	if id, ok := f.Scope.RoomID(); ok {
		where = append(where, "room_id = ?")
		args = append(args, id)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, schema.FormatTimestamp(f.Since))
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		where = append(where, "LOWER(message) LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(strings.ToLower(text))+"%")
	}

	query := `SELECT ` + historyColumns + ` FROM history_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, local_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	items := []schema.HistoryItem{}
	for rows.Next() {
		it, err := scanHistoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return items, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// LatestTimestamp returns the newest stored timestamp in scope. ok is false
// when the scope holds no items.
func (db *DB) LatestTimestamp(ctx context.Context, scope schema.Scope) (ts time.Time, ok bool, err error) {
	if db.isClosed() {
		return time.Time{}, false, ErrClosed
	}

	var latest sql.NullString
	if id, isRoom := scope.RoomID(); isRoom {
		err = db.conn.QueryRowContext(ctx, `SELECT MAX(ts) FROM history_items WHERE room_id = ?`, id).Scan(&latest)
	} else {
		err = db.conn.QueryRowContext(ctx, `SELECT MAX(ts) FROM history_items`).Scan(&latest)
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest timestamp for %s: %w", scope, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}

	ts, err = schema.ParseTimestamp(latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp in history_items: %w", err)
	}
	return ts, true, nil
}

// HistoryCount returns the number of items in scope.
func (db *DB) HistoryCount(ctx context.Context, scope schema.Scope) (int, error) {
	var (
		n   int
		err error
	)
	if id, ok := scope.RoomID(); ok {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_items WHERE room_id = ?`, id).Scan(&n)
	} else {
		err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_items`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}

// WatchHistory streams the items in scope, newest first: the current
// snapshot, then a fresh one after each committed insert.
func (db *DB) WatchHistory(ctx context.Context, scope schema.Scope) (<-chan []schema.HistoryItem, error) {
	return watch(ctx, db, db.history.feed, "history "+scope.String(), func(ctx context.Context) ([]schema.HistoryItem, error) {
		return db.History(ctx, scope)
	})
}

// HistoryFeed exposes the history change feed.
func (db *DB) HistoryFeed() *Feed {
	return db.history.feed
}

func scanHistoryItem(s rowScanner) (schema.HistoryItem, error) {
	var (
		it                  schema.HistoryItem
		roomID, slotRef     sql.NullInt64
		ts                  string
		trackerRef, iconRef sql.NullString
	)
	if err := s.Scan(&it.LocalID, &roomID, &it.Message, &ts, &trackerRef, &slotRef, &iconRef); err != nil {
		return it, fmt.Errorf("failed to scan history item: %w", err)
	}

	parsed, err := schema.ParseTimestamp(ts)
	if err != nil {
		return it, fmt.Errorf("history item %d: %w", it.LocalID, err)
	}
	it.Timestamp = parsed
	it.RoomID = intFromNull(roomID)
	it.SlotRef = intFromNull(slotRef)
	it.TrackerRef = stringFromNull(trackerRef)
	it.IconName = stringFromNull(iconRef)
	return it, nil
}
