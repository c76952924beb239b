package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wfb-go/gofpvlink/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.GRPC.Addr != ":50151" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":50151")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Phy.K != 8 || cfg.Phy.N != 12 {
		t.Errorf("Phy = {%d,%d}, want {8,12}", cfg.Phy.K, cfg.Phy.N)
	}

	if cfg.Fec.LostTo5 != 2 {
		t.Errorf("Fec.LostTo5 = %d, want 2", cfg.Fec.LostTo5)
	}

	if cfg.Adaptive.UpdateInterval != 100*time.Millisecond {
		t.Errorf("Adaptive.UpdateInterval = %v, want %v", cfg.Adaptive.UpdateInterval, 100*time.Millisecond)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}

	if got := cfg.Link.ChannelID(cfg.Link.RadioPorts["mavlink"]); got != 0x10 {
		t.Errorf("ChannelID(mavlink) = %#x, want %#x", got, 0x10)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
link:
  interface: "wlan0mon"
  link_id: 3
  radio_ports: {video: 0, mavlink: 16, tunnel: 32, tx: 160}
  key_file: "/tmp/link.key"
  epoch: 7
phy:
  k: 6
  n: 10
fec:
  lost_to_5: 4
  recovered_to_4: 40
  recovered_to_3: 30
  recovered_to_2: 20
  recovered_to_1: 10
adaptive:
  update_interval: "200ms"
grpc:
  addr: ":60000"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Link.LinkID != 3 {
		t.Errorf("Link.LinkID = %d, want 3", cfg.Link.LinkID)
	}

	if cfg.Link.Interface != "wlan0mon" {
		t.Errorf("Link.Interface = %q, want %q", cfg.Link.Interface, "wlan0mon")
	}

	if len(cfg.Link.RadioPorts) != 4 || cfg.Link.RadioPorts["tunnel"] != 32 {
		t.Errorf("Link.RadioPorts = %v, want tunnel=32 among 4 entries", cfg.Link.RadioPorts)
	}

	if cfg.Phy.K != 6 || cfg.Phy.N != 10 {
		t.Errorf("Phy = {%d,%d}, want {6,10}", cfg.Phy.K, cfg.Phy.N)
	}

	if cfg.Adaptive.UpdateInterval != 200*time.Millisecond {
		t.Errorf("Adaptive.UpdateInterval = %v, want %v", cfg.Adaptive.UpdateInterval, 200*time.Millisecond)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":60000")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
link:
  interface: "wlan0mon"
grpc:
  addr: ":55555"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":55555" {
		t.Errorf("GRPC.Addr = %q, want %q", cfg.GRPC.Addr, ":55555")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Phy.K != 8 || cfg.Phy.N != 12 {
		t.Errorf("Phy = {%d,%d}, want default {8,12}", cfg.Phy.K, cfg.Phy.N)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty grpc addr",
			modify: func(cfg *config.Config) {
				cfg.GRPC.Addr = ""
			},
			wantErr: config.ErrEmptyGRPCAddr,
		},
		{
			name: "no radio ports",
			modify: func(cfg *config.Config) {
				cfg.Link.RadioPorts = nil
			},
			wantErr: config.ErrNoRadioPorts,
		},
		{
			name: "empty interface",
			modify: func(cfg *config.Config) {
				cfg.Link.Interface = ""
			},
			wantErr: config.ErrEmptyInterface,
		},
		{
			name: "empty key file",
			modify: func(cfg *config.Config) {
				cfg.Link.KeyFile = ""
			},
			wantErr: config.ErrEmptyKeyFile,
		},
		{
			name: "invalid fec shape",
			modify: func(cfg *config.Config) {
				cfg.Phy.K = 8
				cfg.Phy.N = 8
			},
			wantErr: config.ErrInvalidFecShape,
		},
		{
			name: "zero update interval",
			modify: func(cfg *config.Config) {
				cfg.Adaptive.UpdateInterval = 0
			},
			wantErr: config.ErrInvalidUpdateInterval,
		},
		{
			name: "non-descending fec ladder",
			modify: func(cfg *config.Config) {
				cfg.Fec.RecoveredTo4 = 5
				cfg.Fec.RecoveredTo3 = 10
			},
			wantErr: config.ErrInvalidFecLadder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel: they modify
	// process-wide state via os.Setenv.

	yamlContent := `
link:
  interface: "wlan0mon"
grpc:
  addr: ":50151"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("GOFPVLINK_GRPC_ADDR", ":60000")
	t.Setenv("GOFPVLINK_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.GRPC.Addr != ":60000" {
		t.Errorf("GRPC.Addr = %q, want %q (from env)", cfg.GRPC.Addr, ":60000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gofpvlink.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
