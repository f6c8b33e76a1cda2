// Package app provides the cobra commands of the syncd binary.
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// loadedConfig is populated by the root command before any subcommand runs.
var loadedConfig *config.Config

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `syncd keeps uploads and deferred API actions in a durable local queue and
delivers them to the server when connectivity allows, resolving version
conflicts along the way.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
				cfg.DataDir = dir
			}
			level := cfg.Log.Level
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				level = "debug"
			}
			logging.Init(os.Stderr, logging.ParseLevel(level))
			loadedConfig = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logging.Get().Sync()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newListCmd(),
		newEnqueueActionCmd(),
		newRetryCmd(),
		newCleanupCmd(),
		newConflictsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := loadedConfig.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":  Version,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
