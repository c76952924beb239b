// Package config manages gofpvlink daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gofpvlink configuration.
type Config struct {
	Link     LinkConfig     `koanf:"link"`
	Phy      PhyConfig      `koanf:"phy"`
	Fec      FecConfig      `koanf:"fec"`
	Adaptive AdaptiveConfig `koanf:"adaptive"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
}

// LinkConfig holds the identity and channel-routing configuration for a
// single radio link.
//
// gofpvlink multiplexes several logical streams (video, mavlink, tunnel,
// and the TX uplink feeder) over one physical monitor-mode interface: every
// frame's channel_id is LinkID's 24 bits shifted up by 8, OR'd with the
// stream's low-byte offset from RadioPorts (spec.md §6's "radio_ports"
// table: `{video:0, mavlink:0x10, tunnel:32, tx:160}`). ChannelID composes
// the two.
type LinkConfig struct {
	// Interface names the monitor-mode NIC all streams share. spec.md's
	// configuration surface never names this field — the original tool
	// takes it as a command-line argument rather than a config key — but a
	// long-running daemon needs it in its persisted config, so it is
	// carried here as an ambient addition alongside the documented keys.
	Interface string `koanf:"interface"`

	// LinkID is the 24-bit link identifier forming the upper bits of every
	// channel_id this link produces or accepts (spec.md: "upper 24 bits of
	// channel id for all radio ports"). Only the low 24 bits are used.
	LinkID uint32 `koanf:"link_id"`

	// RadioPorts maps a logical stream name (video, mavlink, tunnel, tx) to
	// its channel_id low-byte offset from LinkID, mirroring spec.md's
	// radio_ports table.
	RadioPorts map[string]uint8 `koanf:"radio_ports"`

	// KeyFile holds the path to the Curve25519 keypair used for session
	// key exchange (see wire.LoadKeypair).
	KeyFile string `koanf:"key_file"`

	// Epoch is the session epoch advertised at session announce time;
	// receivers reject announces from a lower epoch than last observed.
	Epoch uint32 `koanf:"epoch"`

	// RcvBuf sets SO_RCVBUF on the raw capture socket, in bytes.
	RcvBuf int `koanf:"rcv_buf"`
}

// ChannelID composes a full channel_id from this link's LinkID and a
// stream's low-byte offset (spec.md §6).
func (l LinkConfig) ChannelID(offset uint8) uint32 {
	return (l.LinkID&0xFFFFFF)<<8 | uint32(offset)
}

// PhyConfig holds the RS(k,n) erasure coding shape, TX power, and the
// radiotap fields stamped on every outgoing frame (spec.md §6:
// phy.mcs_index, short_gi, stbc, ldpc).
type PhyConfig struct {
	// K is the number of data fragments per FEC block.
	K int `koanf:"k"`
	// N is the total number of fragments per FEC block (K data + parity).
	N int `koanf:"n"`
	// TxPower is the initial transmit power level, driver-specific units.
	TxPower int `koanf:"tx_power"`

	// Bandwidth selects the HT/VHT radiotap variant: 0=20MHz, 1=40MHz,
	// 2=80MHz, 3=160MHz.
	Bandwidth uint8 `koanf:"bandwidth"`
	// MCSIndex is the modulation and coding scheme index stamped on every
	// outgoing frame's radiotap header.
	MCSIndex uint8 `koanf:"mcs_index"`
	// ShortGI enables the short guard interval radiotap flag.
	ShortGI bool `koanf:"short_gi"`
	// STBC is the number of space-time block coding streams (0-3).
	STBC uint8 `koanf:"stbc"`
	// LDPC enables the low-density parity-check coding radiotap flag.
	LDPC bool `koanf:"ldpc"`
}

// FecConfig holds the adaptive FEC ladder thresholds.
//
// Defaults reproduce the upstream ladder: bump to level 5 once more than two
// lost packets are observed in the last second; otherwise fall back toward
// level 1 as recovered-packet counts clear the corresponding threshold.
type FecConfig struct {
	LostTo5      int `koanf:"lost_to_5"`
	RecoveredTo4 int `koanf:"recovered_to_4"`
	RecoveredTo3 int `koanf:"recovered_to_3"`
	RecoveredTo2 int `koanf:"recovered_to_2"`
	RecoveredTo1 int `koanf:"recovered_to_1"`
}

// AdaptiveConfig holds the link-quality control loop parameters.
type AdaptiveConfig struct {
	// Enabled is loaded and defaulted but not read by the daemon: the
	// adaptive loop runs on every stream that has a TX channel whatever its
	// value.
	Enabled bool `koanf:"enabled"`
	// UpdateInterval is the period between quality report emissions.
	UpdateInterval time.Duration `koanf:"update_interval"`
	// ReportAddr is the UDP target the ASCII quality report is sent to.
	ReportAddr string `koanf:"report_addr"`
}

// GRPCConfig holds the ConnectRPC control-surface server configuration.
type GRPCConfig struct {
	// Addr is the gRPC listen address (e.g., ":50151").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9200").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// FEC thresholds and the adaptive update interval reproduce the reference
// ground-station implementation: a 100ms report cadence and the
// {2, 30, 24, 14, 8} threshold ladder.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Interface: "wlan0mon",
			LinkID:    0,
			RadioPorts: map[string]uint8{
				"video":   0,
				"mavlink": 0x10,
				"tunnel":  32,
				"tx":      160,
			},
			KeyFile: "/etc/gofpvlink/link.key",
			Epoch:   1,
			RcvBuf:  2 << 20,
		},
		Phy: PhyConfig{
			K:         8,
			N:         12,
			TxPower:   30,
			Bandwidth: 0,
			MCSIndex:  3,
			ShortGI:   false,
			STBC:      0,
			LDPC:      false,
		},
		Fec: FecConfig{
			LostTo5:      2,
			RecoveredTo4: 30,
			RecoveredTo3: 24,
			RecoveredTo2: 14,
			RecoveredTo1: 8,
		},
		Adaptive: AdaptiveConfig{
			Enabled:        true,
			UpdateInterval: 100 * time.Millisecond,
			ReportAddr:     "10.5.0.10:9999",
		},
		GRPC: GRPCConfig{
			Addr: ":50151",
		},
		Metrics: MetricsConfig{
			Addr: ":9200",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gofpvlink configuration.
// Variables are named GOFPVLINK_<section>_<key>, e.g. GOFPVLINK_LINK_EPOCH.
const envPrefix = "GOFPVLINK_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFPVLINK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFPVLINK_LINK_EPOCH -> link.epoch.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"link.interface":          defaults.Link.Interface,
		"link.link_id":            defaults.Link.LinkID,
		"link.radio_ports":        defaults.Link.RadioPorts,
		"link.key_file":           defaults.Link.KeyFile,
		"link.epoch":              defaults.Link.Epoch,
		"link.rcv_buf":            defaults.Link.RcvBuf,
		"phy.k":                   defaults.Phy.K,
		"phy.n":                   defaults.Phy.N,
		"phy.tx_power":            defaults.Phy.TxPower,
		"phy.bandwidth":           defaults.Phy.Bandwidth,
		"phy.mcs_index":           defaults.Phy.MCSIndex,
		"phy.short_gi":            defaults.Phy.ShortGI,
		"phy.stbc":                defaults.Phy.STBC,
		"phy.ldpc":                defaults.Phy.LDPC,
		"fec.lost_to_5":           defaults.Fec.LostTo5,
		"fec.recovered_to_4":      defaults.Fec.RecoveredTo4,
		"fec.recovered_to_3":      defaults.Fec.RecoveredTo3,
		"fec.recovered_to_2":      defaults.Fec.RecoveredTo2,
		"fec.recovered_to_1":      defaults.Fec.RecoveredTo1,
		"adaptive.enabled":         defaults.Adaptive.Enabled,
		"adaptive.update_interval": defaults.Adaptive.UpdateInterval.String(),
		"adaptive.report_addr":     defaults.Adaptive.ReportAddr,
		"grpc.addr":               defaults.GRPC.Addr,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyGRPCAddr indicates the gRPC listen address is empty.
	ErrEmptyGRPCAddr = errors.New("grpc.addr must not be empty")

	// ErrNoRadioPorts indicates no logical streams were mapped to a
	// channel_id offset.
	ErrNoRadioPorts = errors.New("link.radio_ports must contain at least one stream")

	// ErrEmptyInterface indicates no monitor-mode interface was configured.
	ErrEmptyInterface = errors.New("link.interface must not be empty")

	// ErrEmptyKeyFile indicates the session keypair file path is empty.
	ErrEmptyKeyFile = errors.New("link.key_file must not be empty")

	// ErrInvalidFecShape indicates K or N are out of range for RS(k,n).
	ErrInvalidFecShape = errors.New("phy.k must be >= 1 and phy.n must be > phy.k")

	// ErrInvalidUpdateInterval indicates the adaptive report interval is invalid.
	ErrInvalidUpdateInterval = errors.New("adaptive.update_interval must be > 0")

	// ErrInvalidFecLadder indicates the FEC threshold ladder is not descending.
	ErrInvalidFecLadder = errors.New("fec thresholds must satisfy recovered_to_4 >= recovered_to_3 >= recovered_to_2 >= recovered_to_1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}

	if len(cfg.Link.RadioPorts) == 0 {
		return ErrNoRadioPorts
	}

	if cfg.Link.Interface == "" {
		return ErrEmptyInterface
	}

	if cfg.Link.KeyFile == "" {
		return ErrEmptyKeyFile
	}

	if cfg.Phy.K < 1 || cfg.Phy.N <= cfg.Phy.K {
		return ErrInvalidFecShape
	}

	if cfg.Adaptive.UpdateInterval <= 0 {
		return ErrInvalidUpdateInterval
	}

	if cfg.Fec.RecoveredTo4 < cfg.Fec.RecoveredTo3 ||
		cfg.Fec.RecoveredTo3 < cfg.Fec.RecoveredTo2 ||
		cfg.Fec.RecoveredTo2 < cfg.Fec.RecoveredTo1 {
		return ErrInvalidFecLadder
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
