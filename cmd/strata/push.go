package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/replication"
)

var (
	pushBatchSize     int
	pushNoAttachments bool
)

var pushCmd = &cobra.Command{
	Use:   "push [remote]",
	Short: "Push local changes to a remote dataset",
	Long: `Send the changes made since the last push. Rows the remote rejects are
reported and retried on the next push. The remote defaults to [push] remote in
strata.toml.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		remote := settings.Push.Remote
		if len(args) == 1 {
			remote = args[0]
		}
		if remote == "" {
			fatal("Push failed", errors.New("no remote given"))
		}
		batch := settings.Push.BatchSize
		if cmd.Flags().Changed("batch-size") {
			batch = pushBatchSize
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ds := openDataset(ctx)
		defer ds.Close()

		st, err := ds.Push(ctx, remote, replication.PushOptions{
			Attachments: settings.Push.attachments() && !pushNoAttachments,
			BatchSize:   batch,
		})
		if err != nil {
			fatal("Push failed", err)
		}

		ok, rejected := 0, 0
		for res := range st.Results() {
			if res.Success {
				ok++
			} else {
				rejected++
			}
			fmt.Println(res)
		}
		if err := st.Wait(); err != nil {
			fatal("Push failed", err)
		}
		fmt.Fprintf(os.Stderr, "Pushed %d changes to %s (%d rejected)\n", ok, st.Remote(), rejected)
		if rejected > 0 {
			ds.Close()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().IntVar(&pushBatchSize, "batch-size", replication.DefaultBatchSize, "Rows per bulk request")
	pushCmd.Flags().BoolVar(&pushNoAttachments, "no-attachments", false, "Do not upload attachments")
}
