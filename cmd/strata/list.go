package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/storage"
	"github.com/aretw0/strata/pkg/wire"
)

var (
	listGt       string
	listLt       string
	listLimit    int
	listMatch    string
	listVersions bool
	listDeleted  bool
	listHeaders  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Stream rows as newline-delimited JSON",
	Long:  `Stream rows in id order. --versions includes every version, --match filters ids with a glob.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		if listHeaders {
			fmt.Println(strings.Join(ds.Headers(), ","))
			return
		}

		it := ds.ReadStream(storage.ReadOptions{
			Gt:             listGt,
			Lt:             listLt,
			Limit:          listLimit,
			Match:          listMatch,
			Versions:       listVersions,
			IncludeDeleted: listDeleted,
		})
		defer it.Close()

		enc := wire.NewEncoder(os.Stdout)
		for it.Next(ctx) {
			if err := enc.Encode(it.Document()); err != nil {
				fatal("Error writing output", err)
			}
		}
		if err := it.Err(); err != nil {
			fatal("Error listing rows", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listGt, "gt", "", "Only ids after this one")
	listCmd.Flags().StringVar(&listLt, "lt", "", "Only ids before this one")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of rows")
	listCmd.Flags().StringVar(&listMatch, "match", "", "Glob ids must match (e.g. 'user-*')")
	listCmd.Flags().BoolVar(&listVersions, "versions", false, "Include every version")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "Include deleted rows")
	listCmd.Flags().BoolVar(&listHeaders, "headers", false, "Print the column headers only")
}
