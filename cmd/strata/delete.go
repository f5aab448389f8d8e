package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a row",
	Long:  `Append a tombstone to a row. Its earlier versions stay readable with 'get --version'.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		doc, err := ds.Delete(ctx, args[0])
		if err != nil {
			fatal("Error deleting row", err)
		}
		fmt.Printf("Deleted %s (version %d)\n", doc.ID, doc.Version)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
