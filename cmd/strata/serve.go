package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
)

const defaultPort = 6461

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the dataset to peers over HTTP",
	Long: `Serve the replication endpoints and the rpc tunnel until interrupted.
The address defaults to [serve] addr in strata.toml, then :6461.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := settings.Serve.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ds := openDataset(ctx, strata.WithSchemaWatch(settings.Serve.WatchSchema))
		defer ds.Close()

		if err := ds.Serve(ctx, addr); err != nil {
			fatal("Server failed", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from settings, then :6461)")
}
