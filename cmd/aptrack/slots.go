package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/remote"
	"github.com/jones/aptracker/internal/ui"
)

var (
	slotsSet    string
	slotsFilter string
	slotsEdit   bool
)

var slotsCmd = &cobra.Command{
	Use:     "slots <room-id>",
	GroupID: "data",
	Short:   "Show or choose the tracked slots of a room",
	Long: `Show the players of a room and which slots are tracked.

--set replaces the tracked slots with a comma separated list of slot ids.
--edit opens a picker on a terminal. Player lists are read live from the
tracker and are not cached.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)

		players, err := rt.client.ListPlayers(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list players: %w", err)
		}

		var selected []int
		switch {
		case cmd.Flags().Changed("set"):
			if selected, err = ui.ParseSlotIDs(slotsSet); err != nil {
				return err
			}
			if selected == nil {
				selected = []int{}
			}
		case slotsEdit:
			if !ui.Interactive() {
				return fmt.Errorf("--edit needs a terminal; use --set instead")
			}
			name := args[0]
			if room, err := rt.store.Room(ctx, id); err == nil && room != nil {
				name = room.DisplayName()
			}
			if selected, err = ui.TrackedSlotsForm(name, players); err != nil {
				return err
			}
		default:
			shown := remote.FilterPlayers(players, slotsFilter)
			return emit(rt.out, shown, func() error {
				return rt.print.Players(shown)
			})
		}

		if err := rt.client.UpdateTrackedSlots(ctx, id, selected); err != nil {
			return fmt.Errorf("failed to update tracked slots: %w", err)
		}
		// Tracked counts live on the room rows.
		rt.refreshOrWarn("rooms", func() error {
			_, err := rt.engine.RefreshRooms(ctx)
			return err
		})
		rt.print.Success("Tracking %d slot(s) in room %d", len(selected), id)
		return nil
	},
}

func init() {
	slotsCmd.Flags().StringVar(&slotsSet, "set", "", "Comma separated slot ids to track (empty tracks none)")
	slotsCmd.Flags().StringVar(&slotsFilter, "filter", "", "Only show players whose name or game matches")
	slotsCmd.Flags().BoolVar(&slotsEdit, "edit", false, "Pick tracked slots interactively")
	slotsCmd.MarkFlagsMutuallyExclusive("set", "edit")
	rootCmd.AddCommand(slotsCmd)
}
