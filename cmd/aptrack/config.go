package main

import (
	"github.com/spf13/cobra"

	"github.com/jones/aptracker/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Long: `Write a config file holding the effective settings, including any
--api, --db or --log-level overrides and APTRACK_* variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := rt.loader.Path()
		if err := config.WriteFile(path, rt.cfg, configForce); err != nil {
			return err
		}
		rt.print.Success("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return emit(rt.out, rt.cfg, func() error {
			data, err := config.Encode(rt.cfg)
			if err != nil {
				return err
			}
			_, err = rt.out.Write(data)
			return err
		})
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(rt.loader.Path())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
