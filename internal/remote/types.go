package remote

import (
	"encoding/json"
	"strings"

	"github.com/jones/aptracker/internal/cache/schema"
)

// RoomPayload is one entry of GET /rooms.
type RoomPayload struct {
	ID                int     `json:"id"`
	RoomCode          string  `json:"room_id"`
	Alias             string  `json:"alias"`
	Host              *string `json:"host"`
	TrackedSlotsCount int     `json:"tracked_slots_count"`
	TotalSlotsCount   int     `json:"total_slots_count"`
	IconName          *string `json:"icon_name"`
}

// Room converts the payload into the cached representation.
func (p RoomPayload) Room() schema.Room {
	room := schema.Room{
		ID:               p.ID,
		RoomCode:         strings.TrimSpace(p.RoomCode),
		Alias:            p.Alias,
		TrackedSlotCount: p.TrackedSlotsCount,
		TotalSlotCount:   p.TotalSlotsCount,
	}
	if p.Host != nil && strings.TrimSpace(*p.Host) != "" {
		host := strings.TrimSpace(*p.Host)
		room.Host = &host
	}
	if p.IconName != nil {
		room.IconName = *p.IconName
	}
	return room
}

// HistoryRecord is one element of a history listing.
//
// Fields are pointers because the backend omits what it does not know.
// DecodeErr is set when the element could not be decoded at all; Raw always
// holds the original bytes.
//
// The owning room arrives as db_id on the global listing. An integer
// room_id is accepted when db_id is absent.
type HistoryRecord struct {
	RoomID    *int    `json:"db_id"`
	Message   *string `json:"message"`
	Timestamp *string `json:"timestamp"`
	TrackerID *string `json:"tracker_id"`
	SlotID    *int    `json:"slot_id"`
	IconName  *string `json:"icon_name"`

	Raw       json.RawMessage `json:"-"`
	DecodeErr error           `json:"-"`
}

// UnmarshalJSON decodes a history element, falling back to an integer
// room_id for the owning room.
func (r *HistoryRecord) UnmarshalJSON(data []byte) error {
	type plain HistoryRecord
	var aux struct {
		plain
		LegacyRoomID json.RawMessage `json:"room_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.RoomID == nil && len(aux.LegacyRoomID) > 0 {
		var id *int
		// A string room_id is a room code, not a cache id.
		if err := json.Unmarshal(aux.LegacyRoomID, &id); err == nil {
			aux.RoomID = id
		}
	}
	raw, decodeErr := r.Raw, r.DecodeErr
	*r = HistoryRecord(aux.plain)
	r.Raw, r.DecodeErr = raw, decodeErr
	return nil
}

// Player is one slot of GET /rooms/{id}/players.
type Player struct {
	SlotID    int     `json:"slot_id" yaml:"slot_id"`
	Name      *string `json:"name" yaml:"name"`
	Game      *string `json:"game" yaml:"game"`
	IsTracked bool    `json:"is_tracked" yaml:"is_tracked"`
}

// DisplayName returns the player name or a slot placeholder.
func (p Player) DisplayName() string {
	if p.Name == nil || *p.Name == "" {
		return "Unknown Player"
	}
	return *p.Name
}

// GameName returns the game or "Unknown Game".
func (p Player) GameName() string {
	if p.Game == nil || *p.Game == "" {
		return "Unknown Game"
	}
	return *p.Game
}

// Matches reports whether query is a case-insensitive substring of the name
// or game. An empty query matches everything.
func (p Player) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.DisplayName()), q) ||
		strings.Contains(strings.ToLower(p.GameName()), q)
}

// FilterPlayers returns the players matching query, preserving order.
func FilterPlayers(players []Player, query string) []Player {
	out := make([]Player, 0, len(players))
	for _, p := range players {
		if p.Matches(query) {
			out = append(out, p)
		}
	}
	return out
}

// AddRoomRequest is the body of POST /rooms.
type AddRoomRequest struct {
	RoomCode string `json:"room_id"`
	Alias    string `json:"alias"`
}

// UpdateRoomRequest is the body of PUT /rooms/{id}.
type UpdateRoomRequest struct {
	Alias    string  `json:"alias"`
	IconName *string `json:"icon_name,omitempty"`
}

// AddRoomResponse is returned by POST /rooms.
type AddRoomResponse struct {
	ID      int    `json:"id"`
	Message string `json:"message"`
}

type updateSlotsRequest struct {
	TrackedSlotIDs []int `json:"tracked_slot_ids"`
}

type errorBody struct {
	Error string `json:"error"`
}
