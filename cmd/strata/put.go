package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/wire"
)

var putStrict bool

var putCmd = &cobra.Command{
	Use:   "put [json]",
	Short: "Write rows",
	Long: `Write one row given as a JSON argument, or newline-delimited rows read
from stdin when no argument (or "-") is given. Each stored row is printed with
its new version.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		opts := core.PutOptions{Strict: putStrict}
		enc := wire.NewEncoder(os.Stdout)

		if len(args) == 1 && args[0] != "-" {
			doc, err := ds.PutRaw(ctx, []byte(args[0]), opts)
			if err != nil {
				fatal("Error writing row", err)
			}
			_ = enc.Encode(doc)
			return
		}

		dec := wire.NewDecoder(os.Stdin)
		failed := 0
		for {
			var doc core.Document
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fatal("Error reading input", err)
			}
			stored, err := ds.Put(ctx, doc, opts)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %v\n", doc.ID, err)
				continue
			}
			_ = enc.Encode(stored)
		}
		if failed > 0 {
			ds.Close()
			fatal("Error writing rows", fmt.Errorf("%d rejected", failed))
		}
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolVar(&putStrict, "strict", false, "Reject rows that would add schema columns")
}
