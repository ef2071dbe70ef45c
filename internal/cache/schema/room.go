package schema

import "fmt"

// Room mirrors one tracked room as listed by the remote service.
type Room struct {
	ID               int     `json:"id" yaml:"id"`
	RoomCode         string  `json:"room_code" yaml:"room_code"`
	Alias            string  `json:"alias" yaml:"alias"`
	Host             *string `json:"host,omitempty" yaml:"host,omitempty"` // nil while the remote is provisioning
	TrackedSlotCount int     `json:"tracked_slot_count" yaml:"tracked_slot_count"`
	TotalSlotCount   int     `json:"total_slot_count" yaml:"total_slot_count"`
	IconName         string  `json:"icon_name" yaml:"icon_name"`
}

// Validate checks the fields the rooms table cannot store without.
func (r *Room) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("id must be positive (got %d)", r.ID)
	}
	if r.RoomCode == "" {
		return fmt.Errorf("room_code is required")
	}
	if r.TrackedSlotCount < 0 || r.TotalSlotCount < 0 {
		return fmt.Errorf("slot counts must not be negative (tracked=%d total=%d)", r.TrackedSlotCount, r.TotalSlotCount)
	}
	return nil
}

// HostOrEmpty returns the connection string, or "" while provisioning.
func (r Room) HostOrEmpty() string {
	if r.Host == nil {
		return ""
	}
	return *r.Host
}

// DisplayName prefers the alias and falls back to the room code.
func (r Room) DisplayName() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.RoomCode
}
