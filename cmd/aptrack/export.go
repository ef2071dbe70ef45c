package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/cache/migrate"
	"github.com/jones/aptracker/internal/cache/schema"
)

var (
	exportOutput string
	exportRoom   int
	exportSince  string

	importDryRun bool
	importBackup bool
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "sync",
	Short:   "Export cached history to JSONL",
	Long: `Export cached history to a JSONL file, oldest first.

The export reads only the cache. Run 'aptrack refresh' first for the
latest items.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := schema.Global()
		if exportRoom != 0 {
			scope = schema.RoomScope(exportRoom)
		}
		var since time.Time
		if exportSince != "" {
			var err error
			if since, err = parseSince(exportSince, time.Now()); err != nil {
				return err
			}
		}
		if err := rt.open(); err != nil {
			return err
		}

		result, err := migrate.Export(commandContext(cmd), rt.store, migrate.ExportOptions{
			ToJSONL: exportOutput,
			Scope:   scope,
			Since:   since,
		})
		if err != nil {
			return err
		}
		return emit(rt.out, result, func() error {
			rt.print.Success("Exported %d items to %s", result.Items, result.Path)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "sync",
	Short:   "Merge history from a JSONL export into the cache",
	Long: `Merge history from a JSONL export into the cache.

Items already cached are left as they are, so importing the same file twice
is harmless. Invalid lines are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rt.open(); err != nil {
			return err
		}

		result, err := migrate.Import(commandContext(cmd), rt.store, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    importDryRun,
			Backup:    importBackup,
		})
		if err != nil {
			return err
		}
		return emit(rt.out, result, func() error {
			for _, e := range result.Errors {
				rt.print.Warn("%s", e)
			}
			if result.BackupCreated != "" {
				fmt.Fprintf(rt.out, "Backup: %s\n", result.BackupCreated)
			}
			if importDryRun {
				rt.print.Success("Dry run: %d valid items, %d invalid lines", result.Read, len(result.Errors))
				return nil
			}
			rt.print.Success("Imported %d items (%d new, %d already cached)",
				result.Read, result.Stats.Inserted, result.Stats.Unchanged)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "file", "f", "history.jsonl", "Output JSONL file")
	exportCmd.Flags().IntVar(&exportRoom, "room", 0, "Export only this room's history")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Only items at or after this time")

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate without writing")
	importCmd.Flags().BoolVar(&importBackup, "backup", false, "Copy the input file before importing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
