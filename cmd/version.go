// Copyright © 2018 The ELPS authors

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the svcdbg version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "svcdbg", version) //nolint:errcheck
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
