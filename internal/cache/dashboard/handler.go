package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jones/aptracker/internal/cache/daemon"
	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/cache/view"
)

// DefaultHistoryLimit is how many of the newest items a history update carries.
const DefaultHistoryLimit = 20

// RoomData is one room as sent to clients.
type RoomData struct {
	ID           int     `json:"id"`
	RoomCode     string  `json:"room_code"`
	Alias        string  `json:"alias"`
	Host         *string `json:"host,omitempty"`
	TrackedSlots int     `json:"tracked_slots"`
	TotalSlots   int     `json:"total_slots"`
	IconName     string  `json:"icon_name,omitempty"`
}

// RoomsUpdateData contains the full room list
type RoomsUpdateData struct {
	Count int        `json:"count"`
	Rooms []RoomData `json:"rooms"`
}

// ItemData is one history item as sent to clients.
type ItemData struct {
	RoomID    *int      `json:"room_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	SlotRef   *int      `json:"slot_ref,omitempty"`
}

// HistoryUpdateData contains the newest items of a scope
type HistoryUpdateData struct {
	Scope  string     `json:"scope"`
	Count  int        `json:"count"`
	Latest []ItemData `json:"latest"`
}

// RefreshStateData reports refresh progress for one target
type RefreshStateData struct {
	Target     string `json:"target"`
	Refreshing bool   `json:"refreshing"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// StatsData contains cache statistics
type StatsData struct {
	Rooms        int        `json:"rooms"`
	HistoryItems int        `json:"history_items"`
	Refreshes    int        `json:"refreshes"`
	Failures     int        `json:"failures"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Handler turns view snapshots and daemon events into dashboard messages.
type Handler struct {
	server       *Server
	logger       *log.Logger
	historyLimit int

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting through server. It also makes
// the current stats the server's welcome message.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{
		server:       server,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
	}
	server.SetWelcome(h.snapshot)
	return h
}

// OnRooms handles a new room list snapshot
func (h *Handler) OnRooms(rooms []schema.Room) {
	h.logger.Printf("Rooms updated: %d rooms", len(rooms))

	h.mu.Lock()
	h.stats.Rooms = len(rooms)
	h.mu.Unlock()

	data := RoomsUpdateData{Count: len(rooms), Rooms: make([]RoomData, 0, len(rooms))}
	for _, r := range rooms {
		data.Rooms = append(data.Rooms, RoomData{
			ID:           r.ID,
			RoomCode:     r.RoomCode,
			Alias:        r.Alias,
			Host:         r.Host,
			TrackedSlots: r.TrackedSlotCount,
			TotalSlots:   r.TotalSlotCount,
			IconName:     r.IconName,
		})
	}
	h.send(MessageTypeRoomsUpdate, data)
	h.broadcastStats()
}

// OnHistory handles a new history snapshot for scope. items must be newest
// first, as the store returns them.
func (h *Handler) OnHistory(scope schema.Scope, items []schema.HistoryItem) {
	h.logger.Printf("History updated: %s has %d items", scope, len(items))

	if scope.IsGlobal() {
		h.mu.Lock()
		h.stats.HistoryItems = len(items)
		h.mu.Unlock()
	}

	n := min(len(items), h.historyLimit)
	data := HistoryUpdateData{Scope: scope.String(), Count: len(items), Latest: make([]ItemData, 0, n)}
	for _, it := range items[:n] {
		data.Latest = append(data.Latest, ItemData{
			RoomID:    it.RoomID,
			Message:   it.Message,
			Timestamp: it.Timestamp,
			SlotRef:   it.SlotRef,
		})
	}
	h.send(MessageTypeHistoryUpdate, data)
	h.broadcastStats()
}

// OnRefreshing reports that a refresh of target started or stopped.
func (h *Handler) OnRefreshing(target string, refreshing bool) {
	h.send(MessageTypeRefreshState, RefreshStateData{Target: target, Refreshing: refreshing})
}

// OnRefresh handles a finished daemon refresh. It matches daemon.Daemon's
// OnRefresh callback.
func (h *Handler) OnRefresh(ev daemon.Event) {
	data := RefreshStateData{
		Target:     ev.Target.String(),
		DurationMS: ev.Duration.Milliseconds(),
	}

	h.mu.Lock()
	h.stats.Refreshes++
	at := ev.At
	h.stats.LastRefresh = &at
	if ev.Err != nil {
		h.stats.Failures++
		h.stats.LastError = ev.Err.Error()
		data.Error = ev.Err.Error()
	} else {
		h.stats.LastError = ""
	}
	h.mu.Unlock()

	if ev.Err != nil {
		h.logger.Printf("Refresh %s failed: %v", ev.Target, ev.Err)
	}
	h.send(MessageTypeRefreshState, data)
	h.broadcastStats()
}

// FollowRooms forwards every snapshot and refresh state of v until ctx is
// done or v is closed.
func (h *Handler) FollowRooms(ctx context.Context, v *view.View[[]schema.Room]) {
	go func() {
		for rooms := range v.Items.Subscribe(ctx) {
			h.OnRooms(rooms)
		}
	}()
	h.followRefreshing(ctx, "rooms", v.Refreshing)
}

// FollowHistory forwards every snapshot and refresh state of a history view.
func (h *Handler) FollowHistory(ctx context.Context, scope schema.Scope, v *view.View[[]schema.HistoryItem]) {
	go func() {
		for items := range v.Items.Subscribe(ctx) {
			h.OnHistory(scope, items)
		}
	}()
	h.followRefreshing(ctx, "history:"+scope.String(), v.Refreshing)
}

func (h *Handler) followRefreshing(ctx context.Context, target string, s *view.Signal[bool]) {
	go func() {
		for refreshing := range s.Subscribe(ctx) {
			h.OnRefreshing(target, refreshing)
		}
	}()
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) snapshot() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	stats := h.GetStats()
	if raw, err := json.Marshal(stats); err == nil {
		msg.Data = raw
	}
	return msg
}

func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats())
}

func (h *Handler) send(t MessageType, data any) {
	if err := h.server.BroadcastData(t, data); err != nil {
		h.logger.Printf("%v", err)
	}
}
