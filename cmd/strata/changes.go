package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/wire"
)

var (
	changesSince uint64
	changesLimit int
	changesLive  bool
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Stream the change feed",
	Long:  `Print change entries after --since, one JSON object per line. --live keeps following new writes.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ds := openDataset(ctx)
		defer ds.Close()

		it := ds.Changes(core.ChangesOptions{Since: changesSince, Limit: changesLimit, Live: changesLive})
		defer it.Close()

		enc := wire.NewEncoder(os.Stdout)
		for it.Next(ctx) {
			if err := enc.Encode(wire.RecordFor(it.Change(), nil)); err != nil {
				return
			}
		}
		if err := it.Err(); err != nil && ctx.Err() == nil {
			fatal("Error reading changes", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().Uint64Var(&changesSince, "since", 0, "Only entries after this seq")
	changesCmd.Flags().IntVar(&changesLimit, "limit", 0, "Maximum number of entries")
	changesCmd.Flags().BoolVar(&changesLive, "live", false, "Keep following new writes")
}
