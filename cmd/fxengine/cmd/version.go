package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  `Display the current version of the fxengine CLI.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fxengine version %s\n", version)
		fmt.Println("A multi-account FX trading engine")
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
