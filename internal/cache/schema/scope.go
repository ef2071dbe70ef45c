package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope partitions history: one room, or the global cross-room view.
// The zero value is the global scope.
type Scope struct {
	roomID int
	room   bool
}

// Global returns the cross-room scope.
func Global() Scope {
	return Scope{}
}

// RoomScope returns the scope for a single room.
func RoomScope(roomID int) Scope {
	return Scope{roomID: roomID, room: true}
}

// RoomID returns the room id and true for a room scope.
func (s Scope) RoomID() (int, bool) {
	return s.roomID, s.room
}

// IsGlobal reports whether s is the cross-room scope.
func (s Scope) IsGlobal() bool {
	return !s.room
}

// String renders the scope as "global" or "room:<id>".
func (s Scope) String() string {
	if !s.room {
		return "global"
	}
	return "room:" + strconv.Itoa(s.roomID)
}

// ParseScope is the inverse of Scope.String. A bare integer is accepted as a
// room id.
func ParseScope(value string) (Scope, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "global" {
		return Global(), nil
	}
	trimmed = strings.TrimPrefix(trimmed, "room:")
	id, err := strconv.Atoi(trimmed)
	if err != nil || id <= 0 {
		return Scope{}, fmt.Errorf("invalid scope %q", value)
	}
	return RoomScope(id), nil
}
