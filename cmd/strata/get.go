package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/core"
)

var (
	getVersion uint64
	getDeleted bool
)

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Print a row as JSON",
	Long:  `Print the latest version of a row, or the one --version selects.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		doc, err := ds.Get(ctx, args[0], core.GetOptions{Version: getVersion, IncludeDeleted: getDeleted})
		if err != nil {
			fatal("Error reading row", err)
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(doc); err != nil {
			fatal("Error encoding JSON", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().Uint64Var(&getVersion, "version", 0, "Version to read (default: latest)")
	getCmd.Flags().BoolVar(&getDeleted, "deleted", false, "Return the tombstone of a deleted row")
}
