package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/remote"
)

// Printer writes human-readable tables. Table cells are left unstyled so
// tabwriter alignment holds; only status lines are colored.
type Printer struct {
	w      io.Writer
	styles Styles
	now    func() time.Time
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, noColor bool) *Printer {
	return &Printer{w: w, styles: DefaultTheme.Styles(NewRenderer(w, noColor)), now: time.Now}
}

// Rooms prints the room list.
func (p *Printer) Rooms(rooms []schema.Room) error {
	if len(rooms) == 0 {
		_, err := fmt.Fprintln(p.w, p.styles.Muted.Render("No rooms tracked. Add one with `aptrack rooms add <room-code>`."))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tCODE\tSLOTS\tHOST")
	for _, r := range rooms {
		host := r.HostOrEmpty()
		if host == "" {
			host = "(provisioning)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\n", r.ID, r.DisplayName(), r.RoomCode, r.TrackedSlotCount, r.TotalSlotCount, host)
	}
	return tw.Flush()
}

// History prints history items, newest first.
func (p *Printer) History(items []schema.HistoryItem) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(p.w, p.styles.Muted.Render("No history yet."))
		return err
	}
	now := p.now()
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tROOM\tMESSAGE")
	for _, it := range items {
		room := "-"
		if it.RoomID != nil {
			room = strconv.Itoa(*it.RoomID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", HumanizeAge(now.Sub(it.Timestamp)), room, Truncate(it.Message, 100))
	}
	return tw.Flush()
}

// Players prints a room's players.
func (p *Printer) Players(players []remote.Player) error {
	if len(players) == 0 {
		_, err := fmt.Fprintln(p.w, p.styles.Muted.Render("No players."))
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tNAME\tGAME\tTRACKED")
	for _, pl := range players {
		tracked := "no"
		if pl.IsTracked {
			tracked = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", pl.SlotID, pl.DisplayName(), pl.GameName(), tracked)
	}
	return tw.Flush()
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Success.Render("✓ ")+fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.styles.Warning.Render("! ")+fmt.Sprintf(format, args...))
}

// HumanizeAge renders a duration as a short relative age.
func HumanizeAge(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Truncate shortens s to at most limit runes, ending with an ellipsis.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}

// ParseSlotIDs parses a comma-separated list of slot ids.
func ParseSlotIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid slot id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
