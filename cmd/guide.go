// Copyright © 2021 The ELPS authors

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luthersystems/svcdbg/docs"
)

// guideCmd represents the guide command
var guideCmd = &cobra.Command{
	Use:   "guide",
	Short: "Show the svcdbg user guide",
	Long: `Print the svcdbg user guide: running scripts, attaching clients,
breakpoint locations, inspecting threads and configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), docs.Guide) //nolint:errcheck
	},
}

func init() {
	rootCmd.AddCommand(guideCmd)
}
