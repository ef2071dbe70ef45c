package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/daemon"
	"github.com/jones/aptracker/internal/cache/dashboard"
	"github.com/jones/aptracker/internal/cache/schema"
	"github.com/jones/aptracker/internal/cache/view"
	"github.com/jones/aptracker/internal/config"
)

var (
	daemonDashboard bool
	daemonPort      int
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the cache fresh in the background",
	Long: `Run in the foreground, refreshing rooms and history on an interval.

Failed polls back off exponentially up to 30s past the interval. Edits to
the config file's sync.interval take effect without a restart.

With --dashboard, a websocket server streams cache updates, refresh states
and statistics to connected clients:

  ws://localhost:8080/ws      WebSocket endpoint
  http://localhost:8080/health Health check`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rt.open(); err != nil {
			return err
		}
		logger := rt.logs.Logger("daemon")

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d, err := daemon.NewWithConfig(rt.engine, rt.store, &daemon.Config{
			PollInterval:     rt.cfg.Sync.Interval,
			DebounceInterval: rt.cfg.Sync.Debounce,
			RoomHistory:      rt.cfg.Sync.RoomHistory,
			Logger:           logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if daemonDashboard {
			port := rt.cfg.Dashboard.Port
			if cmd.Flags().Changed("port") {
				port = daemonPort
			}
			stopDashboard, err := startDashboard(ctx, d, port)
			if err != nil {
				return err
			}
			defer stopDashboard()
		}

		rt.loader.Watch(func(c config.Config, err error) {
			if err != nil {
				logger.Printf("Ignoring config change: %v", err)
				return
			}
			d.SetInterval(c.Sync.Interval)
		})

		rt.print.Success("Daemon running (interval %s). Press Ctrl+C to stop.", rt.cfg.Sync.Interval)
		return d.Start(ctx)
	},
}

// startDashboard serves live cache state over websocket until the returned
// func is called.
func startDashboard(ctx context.Context, d *daemon.Daemon, port int) (func(), error) {
	logger := rt.logs.Logger("dashboard")
	server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dashboard: %w", err)
	}
	handler := dashboard.NewHandler(server, logger)
	d.OnRefresh(handler.OnRefresh)

	// The daemon does the refreshing; the views only follow the store.
	opts := view.Options{Logger: logger, SkipInitialRefresh: true}
	rooms, err := view.OpenRooms(ctx, rt.store, rt.engine, opts)
	if err != nil {
		server.Stop()
		return nil, err
	}
	history, err := view.OpenHistory(ctx, rt.store, rt.engine, schema.Global(), opts)
	if err != nil {
		rooms.Close()
		server.Stop()
		return nil, err
	}
	handler.FollowRooms(ctx, rooms)
	handler.FollowHistory(ctx, schema.Global(), history)

	rt.print.Success("Dashboard listening on ws://%s/ws", server.GetAddr())
	return func() {
		history.Close()
		rooms.Close()
		if err := server.Stop(); err != nil {
			logger.Printf("Error stopping dashboard: %v", err)
		}
	}, nil
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "Serve a websocket dashboard")
	daemonCmd.Flags().IntVarP(&daemonPort, "port", "p", 8080, "Dashboard port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
