package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "avatar-engine",
		Short:         "Talking avatar backend: conversation relay, lip-sync and render tick",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newLipSyncCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
