// Package commands implements the gofpvlinkctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/wfb-go/gofpvlink/internal/server"
)

var (
	// client is the control surface's ConnectRPC client, initialized in
	// PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's control-surface address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for gofpvlinkctl.
var rootCmd = &cobra.Command{
	Use:   "gofpvlinkctl",
	Short: "CLI client for the gofpvlink ground-station daemon",
	Long:  "gofpvlinkctl communicates with the gofpvlink daemon via ConnectRPC to start, stop, and monitor the active radio link.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = server.NewClient(http.DefaultClient, "http://"+serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9090",
		"gofpvlink daemon control-surface address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
