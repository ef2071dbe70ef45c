package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jones/aptracker/internal/cache/schema"
)

// ErrRoomNotFound is returned by Room for an unknown id.
var ErrRoomNotFound = errors.New("room not found")

const roomColumns = `id, room_code, alias, host, tracked_slot_count, total_slot_count, icon_name`

// ReplaceAllRooms makes the rooms table equal to rooms in one transaction.
//
// Rows are matched by id: new ids are inserted, changed rows are updated and
// ids missing from rooms are deleted. An empty slice clears the table. The
// batch is rejected as a whole if any room fails validation. Subscribers are
// notified only when the table actually changed.
func (db *DB) ReplaceAllRooms(ctx context.Context, rooms []schema.Room) (MergeStats, error) {
	for i := range rooms {
		if err := rooms[i].Validate(); err != nil {
			return MergeStats{}, fmt.Errorf("invalid room at index %d: %w", i, err)
		}
	}

	return db.merge(ctx, db.rooms, func(ctx context.Context, tx *sql.Tx) (MergeStats, error) {
		existing, err := roomIDs(ctx, tx)
		if err != nil {
			return MergeStats{}, err
		}

		stmt, err := tx.PrepareContext(ctx, db.rooms.insertSQL)
		if err != nil {
			return MergeStats{}, fmt.Errorf("failed to prepare room upsert: %w", err)
		}
		defer stmt.Close()

		var stats MergeStats
		seen := make(map[int]bool, len(rooms))
		for _, r := range rooms {
			res, err := stmt.ExecContext(ctx,
				r.ID, r.RoomCode, r.Alias, nullString(r.Host),
				r.TrackedSlotCount, r.TotalSlotCount, r.IconName,
			)
			if err != nil {
				return MergeStats{}, fmt.Errorf("failed to upsert room %d: %w", r.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return MergeStats{}, fmt.Errorf("failed to read rows affected: %w", err)
			}

			switch {
			case seen[r.ID]:
				// duplicate id in the batch; the last occurrence wins
				if n > 0 && existing[r.ID] {
					stats.Updated++
				}
			case !existing[r.ID]:
				stats.Inserted++
			case n > 0:
				stats.Updated++
			default:
				stats.Unchanged++
			}
			seen[r.ID] = true
		}

		for id := range existing {
			if seen[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
				return MergeStats{}, fmt.Errorf("failed to delete room %d: %w", id, err)
			}
			stats.Deleted++
		}

		return stats, nil
	})
}

func roomIDs(ctx context.Context, tx *sql.Tx) (map[int]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("failed to list room ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Rooms returns every cached room ordered by alias, then id.
func (db *DB) Rooms(ctx context.Context) ([]schema.Room, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms ORDER BY alias ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []schema.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}

// Room returns the cached room with the given id.
func (db *DB) Room(ctx context.Context, id int) (*schema.Room, error) {
	if db.isClosed() {
		return nil, ErrClosed
	}

	row := db.conn.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoomNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RoomCount returns the number of cached rooms.
func (db *DB) RoomCount(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rooms: %w", err)
	}
	return n, nil
}

// WatchRooms streams the ordered room list: the current snapshot first, then
// a fresh one after every committed change to the rooms table.
func (db *DB) WatchRooms(ctx context.Context) (<-chan []schema.Room, error) {
	return watch(ctx, db, db.rooms.feed, "rooms", db.Rooms)
}

// RoomsFeed exposes the rooms change feed.
func (db *DB) RoomsFeed() *Feed {
	return db.rooms.feed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(s rowScanner) (schema.Room, error) {
	var (
		r    schema.Room
		host sql.NullString
	)
	err := s.Scan(&r.ID, &r.RoomCode, &r.Alias, &host, &r.TrackedSlotCount, &r.TotalSlotCount, &r.IconName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan room: %w", err)
	}
	r.Host = stringFromNull(host)
	return r, nil
}
