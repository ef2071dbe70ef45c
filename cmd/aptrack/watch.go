package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/cache/view"
	"github.com/jones/aptracker/internal/ui"
)

var watchRoom int

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "data",
	Short:   "Follow item history live",
	Long: `Follow item history in a full-screen view.

The cached history is shown at once and updates as refreshes land.
Keys: r refresh, / search, esc clear search, q quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.Interactive() {
			return fmt.Errorf("watch needs a terminal; use 'aptrack history' instead")
		}
		scope := schema.Global()
		title := "History"
		if watchRoom != 0 {
			scope = schema.RoomScope(watchRoom)
			title = fmt.Sprintf("History: room %d", watchRoom)
		}
		if err := rt.open(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchRoom != 0 {
			if room, err := rt.store.Room(ctx, watchRoom); err == nil && room != nil {
				title = "History: " + room.DisplayName()
			}
		}

		// Follow commits from other processes, such as a running daemon.
		fw, err := rt.store.NewFileWatcher(0)
		if err != nil {
			return err
		}
		if err := fw.Start(); err != nil {
			fw.Stop()
			return err
		}
		defer fw.Stop()

		v, err := view.OpenHistory(ctx, rt.store, rt.engine, scope, view.Options{Logger: rt.logs.Debug("view")})
		if err != nil {
			return err
		}
		defer v.Close()

		p := tea.NewProgram(ui.NewWatchModel(ctx, title, v), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchRoom, "room", 0, "Room id (default: global history)")
	rootCmd.AddCommand(watchCmd)
}
