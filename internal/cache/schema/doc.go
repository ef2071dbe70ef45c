// Package schema defines the records held in the local tracker cache.
//
// # Overview
//
// Two entity families are persisted:
//
//   - Room: a tracked remote session. The rooms table is a full mirror of the
//     remote room list and is rewritten on every successful rooms refresh.
//   - HistoryItem: an immutable event record (item received, hint revealed).
//     History accumulates; items are only ever inserted.
//
// Player slots are never cached. They are fetched per visit through the
// remote package and are not represented here.
//
// # Scopes
//
// History is partitioned by Scope: either one room or the global cross-room
// view. The global scope contains every stored item; a room scope contains the
// items tagged with that room id.
//
//	schema.Global()       // all history
//	schema.RoomScope(7)   // history for room 7
//
// # Dedup key
//
// Two history records describe the same event when their message, timestamp
// and slot reference match. DedupKey exposes that triple so the store and tests
// agree on the identity of an event. Timestamps are compared as instants, so
// "2024-01-01T00:00:00Z" and "2024-01-01T00:00:00+00:00" are the same key.
//
// # Timestamps
//
// Timestamps are normalized to UTC and stored with FormatTimestamp, a fixed
// width layout whose lexical order is chronological order. That property lets
// the store compute cursors with MAX() and sort with ORDER BY on the text column.
package schema
