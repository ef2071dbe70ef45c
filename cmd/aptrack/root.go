package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jones/aptracker/internal/cache/db"
	cachesync "github.com/jones/aptracker/internal/cache/sync"
	"github.com/jones/aptracker/internal/config"
	"github.com/jones/aptracker/internal/logging"
	"github.com/jones/aptracker/internal/remote"
	"github.com/jones/aptracker/internal/ui"
)

var (
	configPath   string
	envFile      string
	dbPath       string
	apiURL       string
	outputFormat string
	noColor      bool
	logLevel     string
)

// rt is the per-invocation runtime, populated by PersistentPreRunE.
var rt = &runtime{}

var rootCmd = &cobra.Command{
	Use:   "aptrack",
	Short: "Offline-first client for an Archipelago room tracker",
	Long: `aptrack mirrors tracked rooms and their item history into a local cache.

Reads are answered from the cache right away; a refresh from the tracker
service runs alongside and failures leave the cached data untouched.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return rt.load(cmd)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Cached data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.config/aptrack/config.toml)")
	pf.StringVar(&envFile, "env-file", "", "Dotenv file to load (default .env)")
	pf.StringVar(&dbPath, "db", "", "Cache database path")
	pf.StringVar(&apiURL, "api", "", "Tracker service base URL")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.StringVar(&logLevel, "log-level", "", "Log level: error, info or debug")
}

// runtime holds what commands share: configuration, loggers and the lazily
// opened store, client and sync engine. main closes it after Execute.
type runtime struct {
	loader *config.Loader
	cfg    config.Config
	logs   *logging.Factory
	out    io.Writer
	print  *ui.Printer
	warn   *ui.Printer // stderr

	store  *db.DB
	client *remote.Client
	engine cachesync.Refresher
}

func (r *runtime) load(cmd *cobra.Command) error {
	r.close()

	loader, err := config.NewLoader(configPath, envFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		loader.Set("store.path", dbPath)
	}
	if flags.Changed("api") {
		loader.Set("api.base_url", apiURL)
	}
	if flags.Changed("log-level") {
		loader.Set("log.level", logLevel)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logs, err := logging.New(logging.Options{File: cfg.Log.File, Level: level})
	if err != nil {
		return err
	}

	r.loader = loader
	r.cfg = cfg
	r.logs = logs
	r.out = cmd.OutOrStdout()
	r.print = ui.NewPrinter(r.out, noColor)
	r.warn = ui.NewPrinter(cmd.ErrOrStderr(), noColor)
	return nil
}

// open connects the store, the remote client and the sync engine.
func (r *runtime) open() error {
	if r.store != nil {
		return nil
	}
	store, err := db.Open(r.cfg.Store.Path, db.Options{
		Driver: r.cfg.Store.Driver,
		Logger: r.logs.Logger("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	client, err := remote.NewClient(r.cfg.API.BaseURL, remote.WithTimeout(r.cfg.API.Timeout))
	if err != nil {
		store.Close()
		return err
	}

	r.store = store
	r.client = client
	r.engine = cachesync.New(store, client, r.logs.Logger("sync"))
	return nil
}

func (r *runtime) close() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close cache: %v\n", err)
		}
		r.store = nil
	}
	if r.logs != nil {
		r.logs.Close()
		r.logs = nil
	}
}

// refreshOrWarn runs fn and reports a failure as a warning so the command
// can continue with cached data.
func (r *runtime) refreshOrWarn(what string, fn func() error) bool {
	if err := fn(); err != nil {
		r.warn.Warn("Could not refresh %s, showing cached data: %v", what, err)
		return false
	}
	return true
}

// emit writes v in the selected output format; table renders the default.
func emit(w io.Writer, v any, table func() error) error {
	switch strings.ToLower(outputFormat) {
	case "", "table":
		return table()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
	}
}

// commandContext returns the command's context, or Background outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
