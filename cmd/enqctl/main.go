package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "enqctl",
		Short:        "Operate the enq task broker",
		SilenceUsage: true,
	}
	root.AddCommand(migrateCmd(), statsCmd(), dispatchCmd(), publishCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
