package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/loadtest"
)

var (
	benchWorkers   int
	benchRefreshes int
	benchRooms     int
	benchBatch     int
	benchDriver    string
	benchReaders   int
	benchRaceFor   time.Duration
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "setup",
	Short:   "Load-test the cache against a synthetic tracker",
	Long: `Run concurrent refreshes against a throwaway cache fed by a synthetic
tracker, then check the cache for duplicates and torn reads.

Nothing touches your real cache or the network.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		driver := benchDriver
		if driver == "" {
			driver = rt.cfg.Store.Driver
		}
		dir, err := os.MkdirTemp("", "aptrack-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		td, err := loadtest.CreateTestDatabase(filepath.Join(dir, "bench.db"), loadtest.Options{
			Driver:    driver,
			NumRooms:  benchRooms,
			BatchSize: benchBatch,
			Logger:    rt.logs.Debug("bench"),
		})
		if err != nil {
			return err
		}
		defer td.Close()

		fmt.Fprintf(rt.out, "Running %d workers x %d refreshes over %d rooms (driver %s)\n\n",
			benchWorkers, benchRefreshes, benchRooms, driver)
		stats, err := td.RunConcurrentRefreshes(benchWorkers, benchRefreshes)
		if err != nil {
			return err
		}
		stats.PrintStats(rt.out)

		if benchRaceFor > 0 {
			fmt.Fprintf(rt.out, "\nChecking snapshots with %d readers for %s\n", benchReaders, benchRaceFor)
			if err := td.VerifyNoRaceConditions(benchReaders, benchRaceFor); err != nil {
				return err
			}
		}
		if err := td.CheckConsistency(commandContext(cmd)); err != nil {
			return err
		}

		fmt.Fprintln(rt.out)
		summary := td.GetStats()
		for _, k := range slices.Sorted(maps.Keys(summary)) {
			fmt.Fprintf(rt.out, "  %-14s %v\n", k+":", summary[k])
		}
		if stats.Errors > 0 {
			rt.print.Warn("%d refreshes failed", stats.Errors)
			return nil
		}
		rt.print.Success("Cache consistent")
		return nil
	},
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchWorkers, "workers", 10, "Concurrent workers")
	f.IntVar(&benchRefreshes, "refreshes", 20, "Refreshes per worker")
	f.IntVar(&benchRooms, "rooms", 10, "Synthetic rooms")
	f.IntVar(&benchBatch, "batch", 5, "New items per room per remote call")
	f.StringVar(&benchDriver, "driver", "", "Store driver: sqlite3 or sqlite (default from config)")
	f.IntVar(&benchReaders, "readers", 4, "Concurrent readers for the snapshot check")
	f.DurationVar(&benchRaceFor, "race-check", 2*time.Second, "How long to run the snapshot check (0 skips it)")
	rootCmd.AddCommand(benchCmd)
}
