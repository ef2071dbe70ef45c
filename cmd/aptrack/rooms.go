package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/remote"
	"github.com/jones/aptracker/internal/ui"
)

var roomsOffline bool

var roomsCmd = &cobra.Command{
	Use:     "rooms",
	GroupID: "data",
	Short:   "List and manage tracked rooms",
	Long: `List tracked rooms from the cache after refreshing them from the tracker.

With --offline no request is made. If the tracker cannot be reached the
cached list is shown with a warning.`,
	Args: cobra.NoArgs,
	RunE: runRoomsList,
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked rooms",
	Args:  cobra.NoArgs,
	RunE:  runRoomsList,
}

func runRoomsList(cmd *cobra.Command, args []string) error {
	if err := rt.open(); err != nil {
		return err
	}
	ctx := commandContext(cmd)

	if !roomsOffline {
		rt.refreshOrWarn("rooms", func() error {
			_, err := rt.engine.RefreshRooms(ctx)
			return err
		})
	}

	rooms, err := rt.store.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cached rooms: %w", err)
	}
	return emit(rt.out, rooms, func() error {
		return rt.print.Rooms(rooms)
	})
}

var roomAlias string

var roomsAddCmd = &cobra.Command{
	Use:   "add [room-code]",
	Short: "Start tracking a room",
	Long: `Start tracking a room by its Archipelago room code.

Without arguments on a terminal, a form asks for the code and alias.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := remote.AddRoomRequest{Alias: roomAlias}
		if len(args) == 1 {
			req.RoomCode = strings.TrimSpace(args[0])
		}

		if req.RoomCode == "" {
			if !ui.Interactive() {
				return fmt.Errorf("room code is required")
			}
			var err error
			if req, err = ui.AddRoomForm(req); err != nil {
				return err
			}
		}
		if err := ui.ValidateRoomCode(req.RoomCode); err != nil {
			return err
		}
		if err := ui.ValidateAlias(req.Alias); err != nil {
			return err
		}

		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)
		resp, err := rt.client.AddRoom(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to add room: %w", err)
		}
		rt.refreshOrWarn("rooms", func() error {
			_, err := rt.engine.RefreshRooms(ctx)
			return err
		})
		rt.print.Success("Added room %s (id %d)", req.RoomCode, resp.ID)
		return nil
	},
}

var roomsRmYes bool

var roomsRmCmd = &cobra.Command{
	Use:     "rm <room-id>",
	Aliases: []string{"remove"},
	Short:   "Stop tracking a room",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)

		name := args[0]
		if room, err := rt.store.Room(ctx, id); err == nil && room != nil {
			name = room.DisplayName()
		}

		if !roomsRmYes && ui.Interactive() {
			ok, err := ui.ConfirmForm(fmt.Sprintf("Stop tracking %s?", name))
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		if err := rt.client.DeleteRoom(ctx, id); err != nil {
			return fmt.Errorf("failed to remove room: %w", err)
		}
		rt.refreshOrWarn("rooms", func() error {
			_, err := rt.engine.RefreshRooms(ctx)
			return err
		})
		rt.print.Success("Removed %s", name)
		return nil
	},
}

var roomIcon string

var roomsEditCmd = &cobra.Command{
	Use:   "edit <room-id>",
	Short: "Change a room's alias or icon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRoomID(args[0])
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("alias") && !cmd.Flags().Changed("icon") {
			return fmt.Errorf("nothing to change: pass --alias or --icon")
		}
		if err := ui.ValidateAlias(roomAlias); err != nil {
			return err
		}
		if err := rt.open(); err != nil {
			return err
		}
		ctx := commandContext(cmd)

		req := remote.UpdateRoomRequest{Alias: roomAlias}
		if room, err := rt.store.Room(ctx, id); err == nil && room != nil && !cmd.Flags().Changed("alias") {
			req.Alias = room.Alias
		}
		if cmd.Flags().Changed("icon") {
			req.IconName = &roomIcon
		}

		if err := rt.client.UpdateRoom(ctx, id, req); err != nil {
			return fmt.Errorf("failed to update room: %w", err)
		}
		rt.refreshOrWarn("rooms", func() error {
			_, err := rt.engine.RefreshRooms(ctx)
			return err
		})
		rt.print.Success("Updated room %d", id)
		return nil
	},
}

func parseRoomID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", s)
	}
	return id, nil
}

func init() {
	roomsCmd.PersistentFlags().BoolVar(&roomsOffline, "offline", false, "Show the cache without refreshing")
	roomsAddCmd.Flags().StringVar(&roomAlias, "alias", "", "Display name for the room")
	roomsEditCmd.Flags().StringVar(&roomAlias, "alias", "", "New display name")
	roomsEditCmd.Flags().StringVar(&roomIcon, "icon", "", "New icon name")
	roomsRmCmd.Flags().BoolVarP(&roomsRmYes, "yes", "y", false, "Skip confirmation")

	roomsCmd.AddCommand(roomsListCmd, roomsAddCmd, roomsRmCmd, roomsEditCmd)
	rootCmd.AddCommand(roomsCmd)
}
