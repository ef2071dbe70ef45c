package schema

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for stored timestamps.
// Lexical order of formatted values equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// HistoryItem is one immutable event record.
type HistoryItem struct {
	// LocalID is assigned by the store on insert and never reused.
	LocalID int64 `json:"local_id,omitempty" yaml:"local_id,omitempty"`

	// RoomID is the owning room; nil means the item is not tied to a room.
	RoomID *int `json:"room_id,omitempty" yaml:"room_id,omitempty"`

	Message   string    `json:"message" yaml:"message"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	TrackerRef *string `json:"tracker_ref,omitempty" yaml:"tracker_ref,omitempty"`
	SlotRef    *int    `json:"slot_ref,omitempty" yaml:"slot_ref,omitempty"`
	IconName   *string `json:"icon_name,omitempty" yaml:"icon_name,omitempty"`
}

// DedupKey identifies a history event independent of its local id.
type DedupKey struct {
	Message   string
	Timestamp string
	SlotRef   int // -1 when absent
}

// NoSlot is the DedupKey.SlotRef value for items without a slot reference.
const NoSlot = -1

// Key returns the dedup key for h.
func (h HistoryItem) Key() DedupKey {
	slot := NoSlot
	if h.SlotRef != nil {
		slot = *h.SlotRef
	}
	return DedupKey{
		Message:   h.Message,
		Timestamp: FormatTimestamp(h.Timestamp),
		SlotRef:   slot,
	}
}

// Scope returns the scope the item belongs to.
func (h HistoryItem) Scope() Scope {
	if h.RoomID == nil {
		return Global()
	}
	return RoomScope(*h.RoomID)
}

// Validate checks the required fields of a history record.
func (h *HistoryItem) Validate() error {
	if strings.TrimSpace(h.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if h.RoomID != nil && *h.RoomID <= 0 {
		return fmt.Errorf("room id must be positive (got %d)", *h.RoomID)
	}
	if h.SlotRef != nil && *h.SlotRef < 0 {
		return fmt.Errorf("slot ref must not be negative (got %d)", *h.SlotRef)
	}
	return nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts RFC 3339 (with or without fractional seconds and with
// any offset) and the stored layout.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	for _, layout := range []string{time.RFC3339Nano, TimestampLayout} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	// The tracker backend emits naive ISO-8601 for some legacy rows; treat as UTC.
	if t, err := time.Parse("2006-01-02T15:04:05.999999", trimmed); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
