package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
)

var initBackend string

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a dataset",
	Long:  `Initialize a new dataset in the current directory (or --dir).`,
	Run: func(cmd *cobra.Command, args []string) {
		root := workDir()
		ds, err := strata.Init(context.Background(), root,
			strata.WithBackend(initBackend),
			strata.WithLogger(slog.Default()),
		)
		if err != nil {
			fatal("Failed to initialize dataset", err)
		}
		defer ds.Close()

		fmt.Printf("Initialized empty %s dataset %s in %s\n", initBackend, ds.ID(), root)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBackend, "backend", strata.DefaultBackend, "Storage engine")
}
