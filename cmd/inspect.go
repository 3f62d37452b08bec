package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect [debug-port]",
	Aliases: []string{"i"},
	Short:   "Inspects the state of the running weft node",
	Long:    `Queries the local debug endpoint of a running node. The node must have debug_port set in its config.`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fmt.Println("Usage: weft inspect <debug-port>")
			return
		}
		port, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/debug/state", port))
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(string(body))
	},
	GroupID: "wf",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
