package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var attachName string

var attachCmd = &cobra.Command{
	Use:   "attach [id] [file]",
	Short: "Attach a file to a row",
	Long:  `Store a file in the blob store and record it on the row, creating the row if needed.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		f, err := os.Open(args[1])
		if err != nil {
			fatal("Error opening file", err)
		}
		defer f.Close()

		name := attachName
		if name == "" {
			name = filepath.Base(args[1])
		}
		w, err := ds.CreateBlobWriteStream(ctx, args[0], name)
		if err != nil {
			fatal("Error creating blob", err)
		}
		if _, err := io.Copy(w, f); err != nil {
			_ = w.Abort()
			fatal("Error storing blob", err)
		}
		if err := w.Close(); err != nil {
			fatal("Error attaching blob", err)
		}
		fmt.Printf("%s %s %d\n", name, w.Hash(), w.Size())
	},
}

var catCmd = &cobra.Command{
	Use:   "cat [id] [name]",
	Short: "Print an attachment",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ds := openDataset(ctx)
		defer ds.Close()

		r, err := ds.Attachment(ctx, args[0], args[1])
		if err != nil {
			fatal("Error opening attachment", err)
		}
		defer r.Close()
		if _, err := io.Copy(os.Stdout, r); err != nil {
			fatal("Error reading attachment", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(catCmd)
	attachCmd.Flags().StringVar(&attachName, "name", "", "Attachment name (default: file base name)")
}
