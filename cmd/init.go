package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [name]",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		port, _ := strconv.Atoi(cmd.Flag("port").Value.String())
		name := args[0]

		key := state.GenerateKey()
		nodeCfg := state.LocalCfg{
			Key:        key,
			Name:       name,
			Port:       uint16(port),
			AllowRelay: promptYN("Allow this node to relay traffic for others?", true),
		}
		if err := state.NodeConfigValidator(&nodeCfg); err != nil {
			fmt.Printf("Invalid configuration: %s\n", err)
			os.Exit(-1)
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			panic(err)
		}
		err = os.WriteFile(nodeConfigPath, ncfg, 0600)
		if err != nil {
			panic(err)
		}

		peer := state.PeerCfg{
			Name:       name,
			PubKey:     key.Pubkey(),
			Prefixes:   promptPrefixes("Virtual prefixes owned by this node (comma separated, empty for none)"),
			AllowRelay: nodeCfg.AllowRelay,
		}
		endpoint := promptDefaultStr("Public endpoint (kind://host:port, empty if unreachable)", "", func(s string) error {
			if s == "" {
				return nil
			}
			_, err := state.ParseEndpoint(s)
			return err
		})
		if endpoint != "" {
			peer.Endpoints = append(peer.Endpoints, endpoint)
		}

		pcfg, err := yaml.Marshal(&peer)
		if err != nil {
			panic(err)
		}
		fmt.Printf("Wrote %s.\n", nodeConfigPath)
		fmt.Printf("Add this node to the network's %s under peers:\n\n%s", centralConfigPath, pcfg)
	},
	GroupID: "init",
}

var newNetCmd = &cobra.Command{
	Use:   "new-net",
	Short: "Create a new weft network with central configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := state.CentralCfg{}
		ccfg, err := yaml.Marshal(&cfg)
		if err != nil {
			panic(err)
		}
		err = os.WriteFile(centralConfigPath, ccfg, 0600)
		if err != nil {
			panic(err)
		}
		fmt.Printf("Wrote empty %s. Run `weft new <name>` on each node and collect the peer entries.\n", centralConfigPath)
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(newNetCmd)
	newCmd.Flags().IntP("port", "p", state.DefaultPort, "base listen port")
}
