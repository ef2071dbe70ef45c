package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/db"
	"github.com/jones/aptracker/internal/cache/schema"
)

var (
	historyRoom    int
	historySince   string
	historySearch  string
	historyLimit   int
	historyOffline bool
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "data",
	Short:   "Show item history",
	Long: `Show item history, newest first.

Without --room the global history is shown. --since accepts a timestamp
("2024-05-01T12:00:00Z"), a duration ("90m") or a phrase ("yesterday",
"last week", "3 hours ago").`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := schema.Global()
		if historyRoom != 0 {
			if historyRoom < 0 {
				return fmt.Errorf("invalid room id %d", historyRoom)
			}
			scope = schema.RoomScope(historyRoom)
		}

		var since time.Time
		if historySince != "" {
			var err error
			if since, err = parseSince(historySince, time.Now()); err != nil {
				return err
			}
		}

		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)

		if !historyOffline {
			rt.refreshOrWarn("history", func() error {
				_, err := rt.engine.RefreshHistory(ctx, scope)
				return err
			})
		}

		items, err := rt.store.SearchHistory(ctx, db.HistoryFilter{
			Scope: scope,
			Since: since,
			Text:  historySearch,
			Limit: historyLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to read cached history: %w", err)
		}
		return emit(rt.out, items, func() error {
			return rt.print.History(items)
		})
	},
}

var sinceParser = newSinceParser()

func newSinceParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince resolves a --since value relative to now. It accepts RFC 3339
// timestamps, Go durations (taken as "that long ago") and English phrases.
func parseSince(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := schema.ParseTimestamp(value); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid --since %q: duration must not be negative", value)
		}
		return now.Add(-d).UTC(), nil
	}

	r, err := sinceParser.Parse(value, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", value, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time, duration or date phrase", value)
	}
	return r.Time.UTC(), nil
}

func init() {
	f := historyCmd.Flags()
	f.IntVar(&historyRoom, "room", 0, "Room id (default: global history)")
	f.StringVar(&historySince, "since", "", "Only items at or after this time")
	f.StringVarP(&historySearch, "search", "s", "", "Only items whose message contains this text")
	f.IntVarP(&historyLimit, "limit", "n", 50, "Maximum items to show (0 = all)")
	f.BoolVar(&historyOffline, "offline", false, "Show the cache without refreshing")
	rootCmd.AddCommand(historyCmd)
}
