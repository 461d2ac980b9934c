package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tether version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tether " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
