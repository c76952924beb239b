package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the active radio link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Start(cmd.Context())
			if err != nil {
				return fmt.Errorf("start: %w", err)
			}
			if resp.Started {
				fmt.Println("link started")
			} else {
				fmt.Println("link already running")
			}
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active radio link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Stop(cmd.Context())
			if err != nil {
				return fmt.Errorf("stop: %w", err)
			}
			if resp.Stopped {
				fmt.Println("link stopped")
			} else {
				fmt.Println("link already stopped")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active radio link's running state and quality metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			out, err := formatStatus(status, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}
			fmt.Println(out)
			return nil
		},
	}
}
