package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	centralConfigPath string
	nodeConfigPath    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft Mesh VPN CLI",
	Long: `Weft is a decentralized mesh VPN.
Every node keeps encrypted tunnels to its peers over whatever transport gets through, routes around failures via other nodes, and presents the mesh as a flat virtual network.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Weft",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "wf",
		Title: "Weft Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", "node.yaml", "node-specific config")
	rootCmd.PersistentFlags().StringVarP(&centralConfigPath, "central-config", "c", "central.yaml", "network-global config")
}
