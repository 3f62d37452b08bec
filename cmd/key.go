package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/weft/state"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generates a new Weft keypair",
	Run: func(cmd *cobra.Command, args []string) {
		key := state.GenerateKey()
		privKey, err := key.MarshalText()
		if err != nil {
			panic(err)
		}
		pubKey, err := key.Pubkey().MarshalText()
		if err != nil {
			panic(err)
		}
		fmt.Printf("PrivateKey=%s\n", privKey)
		_, err = fmt.Fprintf(os.Stderr, "PublicKey=%s\nPeerId=%s\n", pubKey, state.DerivePeerId(key.Pubkey()))
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(keyCmd)
}
