package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the dataset state as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		ds := openDataset(context.Background())
		defer ds.Close()

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(ds.State()); err != nil {
			fatal("Error encoding JSON", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
