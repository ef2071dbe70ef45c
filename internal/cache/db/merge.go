package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Strategy is how a remote batch is reconciled with a cached table.
type Strategy int

const (
	// StrategyMirror makes the table equal to the batch: upsert every row by
	// key, delete rows whose key is absent.
	StrategyMirror Strategy = iota + 1

	// StrategyAccumulate only appends. Rows whose dedup key already exists
	// are ignored and nothing is ever deleted.
	StrategyAccumulate
)

func (s Strategy) String() string {
	switch s {
	case StrategyMirror:
		return "mirror"
	case StrategyAccumulate:
		return "accumulate"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// MergeStats reports what one merge did to the table.
type MergeStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"` // mirror: identical rows; accumulate: duplicates ignored
}

// Changed reports whether any row was written or removed.
func (s MergeStats) Changed() bool {
	return s.Inserted+s.Updated+s.Deleted > 0
}

func (s MergeStats) String() string {
	return fmt.Sprintf("inserted=%d updated=%d deleted=%d unchanged=%d",
		s.Inserted, s.Updated, s.Deleted, s.Unchanged)
}

// tableSpec describes a cached table for statement generation.
type tableSpec struct {
	name     string
	strategy Strategy
	key      string   // conflict target for StrategyMirror
	columns  []string // insert column order
}

var roomsTableSpec = tableSpec{
	name:     "rooms",
	strategy: StrategyMirror,
	key:      "id",
	columns:  []string{"id", "room_code", "alias", "host", "tracked_slot_count", "total_slot_count", "icon_name"},
}

var historyTableSpec = tableSpec{
	name:     "history_items",
	strategy: StrategyAccumulate,
	columns:  []string{"room_id", "message", "ts", "tracker_ref", "slot_ref", "icon_name", "inserted_at"},
}

// table pairs a spec with its write lock and change feed.
type table struct {
	spec      tableSpec
	insertSQL string

	mu   sync.Mutex // serializes merges on this table
	feed *Feed
}

func newTable(spec tableSpec) *table {
	return &table{
		spec:      spec,
		insertSQL: spec.insertSQL(),
		feed:      NewFeed(),
	}
}

// insertSQL builds the per-row write statement for the strategy.
//
// Mirror upserts only touch a row when a column actually differs, so
// RowsAffected distinguishes real updates from no-ops.
func (s tableSpec) insertSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(s.columns)), ", ")
	cols := strings.Join(s.columns, ", ")

	switch s.strategy {
	case StrategyMirror:
		var sets, diffs []string
		for _, c := range s.columns {
			if c == s.key {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
			diffs = append(diffs, fmt.Sprintf("%s.%s IS NOT excluded.%s", s.name, c, c))
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s WHERE %s",
			s.name, cols, placeholders, s.key, strings.Join(sets, ", "), strings.Join(diffs, " OR "))
	default:
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", s.name, cols, placeholders)
	}
}

// merge runs apply in one write transaction on t and publishes t's feed if
// the committed transaction changed anything.
//
// Cancellation is honored only up to the start of the transaction. Once it
// begins the merge runs to completion, so a cancelled refresh never leaves a
// half-applied batch.
func (db *DB) merge(ctx context.Context, t *table, apply func(ctx context.Context, tx *sql.Tx) (MergeStats, error)) (MergeStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if db.isClosed() {
		return MergeStats{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return MergeStats{}, err
	}

	wctx := context.WithoutCancel(ctx)
	tx, err := db.conn.BeginTx(wctx, nil)
	if err != nil {
		return MergeStats{}, fmt.Errorf("failed to begin %s merge: %w", t.spec.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	stats, err := apply(wctx, tx)
	if err != nil {
		return MergeStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return MergeStats{}, fmt.Errorf("failed to commit %s merge: %w", t.spec.name, err)
	}

	if stats.Changed() {
		t.feed.Publish()
	}
	return stats, nil
}
