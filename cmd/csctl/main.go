// Command csctl inspects and steers a running countersync over its HTTP API:
// read the cached snapshot, force a refresh, change the group scope, and
// toggle the engaged flag.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"countersync/internal/client"
)

var (
	addr       string
	jsonOutput bool

	api *client.Client
)

func defaultAddr() string {
	if s := os.Getenv("COUNTERSYNC_ADDR"); s != "" {
		return s
	}
	if s := os.Getenv("LISTEN_ADDR"); s != "" {
		if strings.HasPrefix(s, ":") {
			return "localhost" + s
		}
		return s
	}
	return "localhost:8093"
}

var rootCmd = &cobra.Command{
	Use:   "csctl <command>",
	Short: "countersync control CLI",
	Long: `csctl is a client of the countersync HTTP API.

It reads the cached counter snapshot and changes the scope and engaged flag
of a running countersync without going through chat.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(client.Config{Addr: addr})
		if err != nil {
			return fmt.Errorf("creating API client: %w", err)
		}
		api = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr(), "countersync HTTP address")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(scopeCmd)
	rootCmd.AddCommand(engagedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
