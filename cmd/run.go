package cmd

import (
	"github.com/encodeous/weft/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run weft",
	Long:  `This will run weft on the current host, connecting to every peer listed in the central config.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		err := core.Bootstrap(centralConfigPath, nodeConfigPath, logPath, verbose)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	runCmd.Flags().String("log", "", "also write logs to this file")
}
