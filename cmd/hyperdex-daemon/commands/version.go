package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hyperdex-daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("hyperdex-daemon " + Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
