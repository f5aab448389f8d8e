package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	lifecycleadapter "github.com/aretw0/strata/pkg/adapters/lifecycle"
	"github.com/aretw0/strata/pkg/replication"
)

var pullLive bool

var pullCmd = &cobra.Command{
	Use:   "pull [remote]",
	Short: "Pull changes from a remote dataset",
	Long: `Apply the remote's changes since the last pull. With --live the pull keeps
following the remote until interrupted. The remote defaults to [pull] remote
in strata.toml.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		remote := settings.Pull.Remote
		if len(args) == 1 {
			remote = args[0]
		}
		if remote == "" {
			fatal("Pull failed", errors.New("no remote given"))
		}
		backoff, err := settings.Pull.backoff()
		if err != nil {
			fatal("Invalid settings", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ds := openDataset(ctx)
		defer ds.Close()

		st, err := ds.Pull(ctx, remote, replication.PullOptions{
			Live:    pullLive || settings.Pull.Live,
			Backoff: backoff,
		})
		if err != nil {
			fatal("Pull failed", err)
		}

		src := lifecycleadapter.NewSource(st)
		if err := src.Start(ctx); err != nil {
			fatal("Pull failed", err)
		}
		n := 0
		for ev := range src.Events() {
			n++
			fmt.Println(ev)
		}
		<-st.Done()
		if err := st.Err(); err != nil && ctx.Err() == nil {
			fatal("Pull failed", err)
		}
		fmt.Fprintf(os.Stderr, "Pulled %d changes from %s\n", n, st.Remote())
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().BoolVar(&pullLive, "live", false, "Keep pulling until interrupted")
}
