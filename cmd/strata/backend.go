package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/strata"
)

var backendCmd = &cobra.Command{
	Use:   "backend [name]",
	Short: "Show or switch the storage engine",
	Long: `Without arguments, list the available engines and mark the one the
dataset uses. With a name, switch an empty dataset to that engine.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := dir
		if root == "" {
			found, err := strata.FindRoot(workDir())
			if err != nil {
				fatal("Not in a strata dataset", err)
			}
			root = found
		}

		if len(args) == 1 {
			if err := strata.SetBackend(root, args[0]); err != nil {
				fatal("Failed to switch backend", err)
			}
			fmt.Println("Switched backend to", args[0])
			return
		}

		cfg, err := strata.ReadConfig(root)
		if err != nil {
			fatal("Failed to read dataset config", err)
		}
		for _, name := range strata.Backends() {
			marker := " "
			if name == cfg.Backend {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
	},
}

func init() {
	rootCmd.AddCommand(backendCmd)
}
