package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
)

var cloneBackend string

var cloneCmd = &cobra.Command{
	Use:   "clone [remote] [dir]",
	Short: "Copy a remote dataset into a new one",
	Long: `Initialize a new dataset and pull everything the remote has into it.
Without [dir] the dataset is created in the current directory (or --dir).`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		root := workDir()
		if len(args) == 2 {
			root = args[1]
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			fatal("Invalid directory", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ds, err := strata.Clone(ctx, args[0], abs,
			strata.WithBackend(cloneBackend),
			strata.WithLogger(slog.Default()),
		)
		if err != nil {
			fatal("Clone failed", err)
		}
		defer ds.Close()

		rows, _ := ds.RowCount()
		fmt.Printf("Cloned %s into %s (%d rows)\n", strata.NormalizeURL(args[0]), abs, rows)
	},
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	cloneCmd.Flags().StringVar(&cloneBackend, "backend", strata.DefaultBackend, "Storage engine")
}
