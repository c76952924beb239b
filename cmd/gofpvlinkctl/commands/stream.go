package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func streamCmd() *cobra.Command {
	var intervalMillis int64

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream link quality and per-stream counters",
		Long:  "Connects to the gofpvlink daemon and streams StatusResponse snapshots until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := client.StreamStats(ctx, intervalMillis)
			if err != nil {
				return fmt.Errorf("stream stats: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, fmtErr := formatStreamTick(stream.Msg(), outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format stream tick: %w", fmtErr)
				}
				fmt.Println(out)
			}

			if err := stream.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&intervalMillis, "interval-ms", 0,
		"poll interval in milliseconds (0 uses the server's default)")

	return cmd
}
