package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// set by the release build
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "jweave version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
