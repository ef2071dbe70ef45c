package schema

import (
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestRoomValidate(t *testing.T) {
	tests := []struct {
		name    string
		room    Room
		wantErr string
	}{
		{"valid", Room{ID: 1, RoomCode: "abc", Alias: "Main"}, ""},
		{"zero id", Room{ID: 0, RoomCode: "abc"}, "id must be positive"},
		{"missing code", Room{ID: 2}, "room_code is required"},
		{"negative counts", Room{ID: 3, RoomCode: "x", TotalSlotCount: -1}, "slot counts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.room.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRoomDisplayNameAndHost(t *testing.T) {
	r := Room{ID: 1, RoomCode: "code"}
	if got := r.DisplayName(); got != "code" {
		t.Errorf("DisplayName() = %q, want %q", got, "code")
	}
	if got := r.HostOrEmpty(); got != "" {
		t.Errorf("HostOrEmpty() = %q, want empty", got)
	}
	host := "archipelago.gg:38281"
	r.Alias = "Weekly"
	r.Host = &host
	if got := r.DisplayName(); got != "Weekly" {
		t.Errorf("DisplayName() = %q, want %q", got, "Weekly")
	}
	if got := r.HostOrEmpty(); got != host {
		t.Errorf("HostOrEmpty() = %q, want %q", got, host)
	}
}

func TestHistoryItemValidate(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		item    HistoryItem
		wantErr bool
	}{
		{"valid global", HistoryItem{Message: "Got Bomb Bag", Timestamp: ts}, false},
		{"valid room", HistoryItem{Message: "m", Timestamp: ts, RoomID: intPtr(7), SlotRef: intPtr(3)}, false},
		{"blank message", HistoryItem{Message: "  ", Timestamp: ts}, true},
		{"zero timestamp", HistoryItem{Message: "m"}, true},
		{"bad room", HistoryItem{Message: "m", Timestamp: ts, RoomID: intPtr(0)}, true},
		{"negative slot", HistoryItem{Message: "m", Timestamp: ts, SlotRef: intPtr(-2)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDedupKeyNormalizesInstant(t *testing.T) {
	a, err := ParseTimestamp("2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("ParseTimestamp() failed: %v", err)
	}
	b, err := ParseTimestamp("2024-01-01T01:00:00+01:00")
	if err != nil {
		t.Fatalf("ParseTimestamp() failed: %v", err)
	}

	ka := HistoryItem{Message: "m", Timestamp: a, SlotRef: intPtr(3)}.Key()
	kb := HistoryItem{Message: "m", Timestamp: b, SlotRef: intPtr(3)}.Key()
	if ka != kb {
		t.Fatalf("keys differ for same instant: %+v vs %+v", ka, kb)
	}

	noSlot := HistoryItem{Message: "m", Timestamp: a}.Key()
	if noSlot.SlotRef != NoSlot {
		t.Errorf("SlotRef = %d, want %d", noSlot.SlotRef, NoSlot)
	}
	if noSlot == ka {
		t.Errorf("key without slot should differ from key with slot")
	}
}

func TestFormatTimestampSortsLexically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := FormatTimestamp(base)
	later := FormatTimestamp(base.Add(500 * time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("FormatTimestamp ordering broken: %q !< %q", earlier, later)
	}
	if earlier != "2024-01-01T00:00:00.000000Z" {
		t.Errorf("FormatTimestamp() = %q", earlier)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2024-01-01T00:00:00Z", "2024-01-01T00:00:00.000000Z", false},
		{"2024-01-01T00:00:00.250+00:00", "2024-01-01T00:00:00.250000Z", false},
		{"2024-01-01T00:00:00.000000Z", "2024-01-01T00:00:00.000000Z", false},
		{"2024-01-01T00:00:00", "2024-01-01T00:00:00.000000Z", false},
		{"", "", true},
		{"yesterday", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimestamp(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && FormatTimestamp(got) != tt.want {
			t.Errorf("ParseTimestamp(%q) = %q, want %q", tt.in, FormatTimestamp(got), tt.want)
		}
	}
}

func TestScopeStringAndParse(t *testing.T) {
	if got := Global().String(); got != "global" {
		t.Errorf("Global().String() = %q", got)
	}
	if got := RoomScope(7).String(); got != "room:7" {
		t.Errorf("RoomScope(7).String() = %q", got)
	}

	for _, in := range []string{"", "global", "room:7", "7"} {
		s, err := ParseScope(in)
		if err != nil {
			t.Fatalf("ParseScope(%q) failed: %v", in, err)
		}
		if in == "" || in == "global" {
			if !s.IsGlobal() {
				t.Errorf("ParseScope(%q) = %v, want global", in, s)
			}
			continue
		}
		if id, ok := s.RoomID(); !ok || id != 7 {
			t.Errorf("ParseScope(%q) = %v, want room:7", in, s)
		}
	}

	if _, err := ParseScope("room:zero"); err == nil {
		t.Errorf("ParseScope(room:zero) returned nil error")
	}
	if _, err := ParseScope("-3"); err == nil {
		t.Errorf("ParseScope(-3) returned nil error")
	}
}

func TestHistoryItemScope(t *testing.T) {
	ts := time.Now()
	if s := (HistoryItem{Message: "m", Timestamp: ts}).Scope(); !s.IsGlobal() {
		t.Errorf("Scope() = %v, want global", s)
	}
	if s := (HistoryItem{Message: "m", Timestamp: ts, RoomID: intPtr(4)}).Scope(); s != RoomScope(4) {
		t.Errorf("Scope() = %v, want room:4", s)
	}
}
