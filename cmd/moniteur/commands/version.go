package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moniteurlabs/moniteur/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the moniteur version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("%s %s\n", version.AppName, version.Current)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
