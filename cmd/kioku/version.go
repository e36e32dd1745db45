package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/common/version"
)

func versionCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kioku %s\n", version.Info())
		},
	}
}
