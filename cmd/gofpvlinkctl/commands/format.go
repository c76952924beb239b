package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/wfb-go/gofpvlink/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStatus renders a StatusResponse in the requested format.
func formatStatus(status *server.StatusResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatusJSON(status)
	case formatTable:
		return formatStatusTable(status), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusJSON(status *server.StatusResponse) (string, error) {
	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status: %w", err)
	}
	return string(raw), nil
}

func formatStatusTable(status *server.StatusResponse) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)

	fmt.Fprintf(w, "running\t%t\n", status.Running)
	fmt.Fprintf(w, "quality\t%d\n", status.Quality)
	fmt.Fprintf(w, "report_q\t%d\n", status.ReportQ)
	fmt.Fprintf(w, "fec_level\t%d\n", status.FecLevel)
	fmt.Fprintf(w, "tx_power\t%d\n", status.TXPower)
	w.Flush()

	if len(status.Streams) > 0 {
		b.WriteString("\n")
		sw := tabwriter.NewWriter(&b, 0, 2, 2, ' ', 0)
		fmt.Fprintf(sw, "STREAM\tDELIVERED\tDROPPED\n")
		for _, s := range status.Streams {
			fmt.Fprintf(sw, "%s\t%d\t%d\n", s.Name, s.Delivered, s.Dropped)
		}
		sw.Flush()
	}

	return strings.TrimRight(b.String(), "\n")
}

// formatStreamTick renders one StreamStatsResponse tick in the requested format.
func formatStreamTick(tick *server.StreamStatsResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		raw, err := json.Marshal(tick)
		if err != nil {
			return "", fmt.Errorf("marshal stream tick: %w", err)
		}
		return string(raw), nil
	case formatTable:
		return formatStatusTable(&tick.StatusResponse), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
