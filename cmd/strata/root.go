package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
)

var (
	verbose      bool
	dir          string
	settingsPath string
	settings     Settings
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "A versioned dataset store that replicates over HTTP",
	Long: `Strata keeps every version of every row of a dataset, stores attachments
by content hash and moves changes between datasets with push and pull.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}

		opts := &slog.HandlerOptions{
			Level: level,
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		slog.SetDefault(logger)

		s, err := LoadSettings(settingsPath)
		if err != nil {
			fatal("Failed to load settings", err)
		}
		settings = s
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&dir, "dir", "C", "", "Dataset directory (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "Settings file (default: strata.toml in the working directory, if present)")
}

// workDir is the directory commands creating a dataset operate on.
func workDir() string {
	if dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		fatal("Failed to get CWD", err)
	}
	return cwd
}

// openDataset opens the dataset named by --dir, or the nearest one above the
// working directory.
func openDataset(ctx context.Context, opts ...strata.Option) *strata.Dataset {
	root := dir
	if root == "" {
		found, err := strata.FindRoot(workDir())
		if err != nil {
			fatal("Not in a strata dataset", err)
		}
		root = found
	}

	opts = append([]strata.Option{strata.WithLogger(slog.Default())}, opts...)
	ds, err := strata.Open(ctx, root, opts...)
	if err != nil {
		fatal("Failed to open dataset", err)
	}
	return ds
}
