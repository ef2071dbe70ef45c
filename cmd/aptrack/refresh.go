package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/schema"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
)

var (
	refreshRoom     int
	refreshAllRooms bool
)

// refreshReport is the machine-readable outcome of one refresh command.
type refreshReport struct {
	Rooms   *cachesync.RoomsResult     `json:"rooms,omitempty" yaml:"rooms,omitempty"`
	History []*cachesync.HistoryResult `json:"history,omitempty" yaml:"history,omitempty"`
	Errors  []string                   `json:"errors,omitempty" yaml:"errors,omitempty"`
}

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	GroupID: "sync",
	Short:   "Pull the latest rooms and history into the cache",
	Long: `Pull the latest rooms and history into the cache.

By default the room list and the global history are refreshed. --room
refreshes one room's history; --all-rooms refreshes every cached room's
history as well. A failed refresh leaves the cache unchanged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if refreshRoom < 0 {
			return fmt.Errorf("invalid room id %d", refreshRoom)
		}
		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)

		var report refreshReport
		var errs []error
		fail := func(err error) {
			errs = append(errs, err)
			report.Errors = append(report.Errors, err.Error())
		}
		history := func(scope schema.Scope) {
			res, err := rt.engine.RefreshHistory(ctx, scope)
			if err != nil {
				fail(err)
				return
			}
			report.History = append(report.History, res)
		}

		if refreshRoom != 0 {
			history(schema.RoomScope(refreshRoom))
		} else {
			res, err := rt.engine.RefreshRooms(ctx)
			if err != nil {
				fail(err)
			} else {
				report.Rooms = res
			}
			history(schema.Global())

			if refreshAllRooms {
				rooms, err := rt.store.Rooms(ctx)
				if err != nil {
					return fmt.Errorf("failed to read cached rooms: %w", err)
				}
				for _, r := range rooms {
					history(schema.RoomScope(r.ID))
				}
			}
		}

		if err := emit(rt.out, report, func() error {
			printRefreshReport(report)
			return nil
		}); err != nil {
			return err
		}
		return errors.Join(errs...)
	},
}

func printRefreshReport(report refreshReport) {
	if r := report.Rooms; r != nil {
		rt.print.Success("rooms: %d fetched, %s (%s)", r.Fetched, r.Stats, r.Duration.Round(time.Millisecond))
		for _, s := range r.Skipped {
			rt.print.Warn("  skipped room #%d: %s", s.Index, s.Reason)
		}
	}
	for _, h := range report.History {
		rt.print.Success("history %s: %d fetched, %s (%s)", h.Scope, h.Fetched, h.Stats, h.Duration.Round(time.Millisecond))
		for _, s := range h.Skipped {
			rt.print.Warn("  skipped item #%d: %s", s.Index, s.Reason)
		}
	}
	for _, e := range report.Errors {
		rt.print.Warn("%s", e)
	}
}

func init() {
	refreshCmd.Flags().IntVar(&refreshRoom, "room", 0, "Refresh only this room's history")
	refreshCmd.Flags().BoolVar(&refreshAllRooms, "all-rooms", false, "Also refresh every cached room's history")
	refreshCmd.MarkFlagsMutuallyExclusive("room", "all-rooms")
	rootCmd.AddCommand(refreshCmd)
}
