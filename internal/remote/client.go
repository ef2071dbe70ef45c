package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jones/aptracker/internal/cache/schema"
)

// Source is the read side the sync engine depends on.
type Source interface {
	ListRooms(ctx context.Context) ([]schema.Room, error)
	ListHistory(ctx context.Context, query HistoryQuery) ([]HistoryRecord, error)
}

// Mutator is the write side used by the CLI. Callers refresh rooms afterwards.
type Mutator interface {
	AddRoom(ctx context.Context, req AddRoomRequest) (*AddRoomResponse, error)
	DeleteRoom(ctx context.Context, roomID int) error
	UpdateRoom(ctx context.Context, roomID int, req UpdateRoomRequest) error
	ListPlayers(ctx context.Context, roomID int) ([]Player, error)
	UpdateTrackedSlots(ctx context.Context, roomID int, slotIDs []int) error
}

// Ensure Client implements both interfaces at compile time.
var (
	_ Source  = (*Client)(nil)
	_ Mutator = (*Client)(nil)
)

// HistoryQuery selects a history listing.
type HistoryQuery struct {
	RoomID int       // 0 selects the global listing
	Since  time.Time // only items strictly newer; zero means all
}

// Client talks to the tracker HTTP API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
}

const (
	defaultBaseURL   = "http://127.0.0.1:5000"
	defaultUserAgent = "aptrack/0.1"
	requestTimeout   = 10 * time.Second
	maxErrorBody     = 4 << 10
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient builds a Client for the service at baseURL (host:port or URL).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the resolved service URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListRooms retrieves every tracked room.
func (c *Client) ListRooms(ctx context.Context) ([]schema.Room, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	var payload []RoomPayload
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &payload); err != nil {
		return nil, err
	}
	rooms := make([]schema.Room, 0, len(payload))
	for _, p := range payload {
		rooms = append(rooms, p.Room())
	}
	return rooms, nil
}

// ListHistory retrieves history records newer than query.Since.
//
// The response must be a JSON array; each element is decoded on its own and
// failures are reported in HistoryRecord.DecodeErr.
func (c *Client) ListHistory(ctx context.Context, query HistoryQuery) ([]HistoryRecord, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if query.RoomID < 0 {
		return nil, fmt.Errorf("invalid room id %d", query.RoomID)
	}

	path := "/history/items"
	if query.RoomID > 0 {
		path = "/rooms/" + strconv.Itoa(query.RoomID) + "/history/items"
	}
	values := url.Values{}
	if !query.Since.IsZero() {
		values.Set("since", query.Since.UTC().Format(time.RFC3339Nano))
	}
	rel := &url.URL{Path: path, RawQuery: values.Encode()}

	var raw []json.RawMessage
	if err := c.doURL(ctx, http.MethodGet, rel, nil, &raw); err != nil {
		return nil, err
	}

	records := make([]HistoryRecord, len(raw))
	for i, elem := range raw {
		records[i].Raw = elem
		if err := json.Unmarshal(elem, &records[i]); err != nil {
			records[i] = HistoryRecord{Raw: elem, DecodeErr: fmt.Errorf("element %d: %w", i, err)}
		}
	}
	return records, nil
}

// AddRoom starts tracking a room by its service code.
func (c *Client) AddRoom(ctx context.Context, req AddRoomRequest) (*AddRoomResponse, error) {
	if strings.TrimSpace(req.RoomCode) == "" {
		return nil, fmt.Errorf("room code required")
	}
	var resp AddRoomResponse
	if err := c.do(ctx, http.MethodPost, "/rooms", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRoom stops tracking a room.
func (c *Client) DeleteRoom(ctx context.Context, roomID int) error {
	if roomID <= 0 {
		return fmt.Errorf("room id required")
	}
	return c.do(ctx, http.MethodDelete, roomPath(roomID, ""), nil, nil)
}

// UpdateRoom changes a room's alias and icon.
func (c *Client) UpdateRoom(ctx context.Context, roomID int, req UpdateRoomRequest) error {
	if roomID <= 0 {
		return fmt.Errorf("room id required")
	}
	return c.do(ctx, http.MethodPut, roomPath(roomID, ""), req, nil)
}

// ListPlayers retrieves the slots of a room. Never cached.
func (c *Client) ListPlayers(ctx context.Context, roomID int) ([]Player, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("room id required")
	}
	var players []Player
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/players"), nil, &players); err != nil {
		return nil, err
	}
	if players == nil {
		players = []Player{}
	}
	return players, nil
}

// UpdateTrackedSlots replaces the set of tracked slots of a room.
func (c *Client) UpdateTrackedSlots(ctx context.Context, roomID int, slotIDs []int) error {
	if roomID <= 0 {
		return fmt.Errorf("room id required")
	}
	if slotIDs == nil {
		slotIDs = []int{}
	}
	return c.do(ctx, http.MethodPut, roomPath(roomID, "/slots"), updateSlotsRequest{TrackedSlotIDs: slotIDs}, nil)
}

func roomPath(roomID int, suffix string) string {
	return "/rooms/" + strconv.Itoa(roomID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	rel := &url.URL{Path: path}
	return c.doURL(ctx, method, rel, body, dest)
}

func (c *Client) doURL(ctx context.Context, method string, rel *url.URL, body, dest any) error {
	// Keep any path prefix of the base URL (e.g. a reverse-proxy mount).
	reqURL := *c.baseURL
	reqURL.Path = c.baseURL.Path + rel.Path
	reqURL.RawQuery = rel.RawQuery

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", RequestID(ctx))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("execute request: %w", ctxErr)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, rel.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Method: method, Path: rel.Path, Code: resp.StatusCode}
		var eb errorBody
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); len(data) > 0 {
			if json.Unmarshal(data, &eb) == nil {
				se.Message = eb.Error
			}
		}
		return se
	}
	if dest == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDecode, method, rel.Path, err)
	}
	return nil
}

type requestIDKey struct{}

// WithRequestID tags outgoing requests made with ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// NewRequestID returns ctx tagged with a fresh request id.
func NewRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// RequestID returns the id carried by ctx, or a fresh one.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse base url %q: missing host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
