// Package config provides configuration loading and validation for tscore.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/relaycore/tscore/internal/urlutil"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultShutdownTimeout     = 10 * time.Second
	defaultBandwidthKbps       = 4000
	defaultBufferingSec        = 6
	defaultClientStartOffset   = 3
	defaultMaxClientLagMs      = 2000
	defaultSmartTargetDelayMs  = 1500
	defaultSmartWaitReadyMs    = 2000
	defaultSmartMaxLeadMs      = 4000
	defaultAVMaxDesyncMs       = 200
	defaultNoDataTimeoutSec    = 10
	defaultBackupStartDelay    = 5
	defaultBackupReturnDelay   = 30
	defaultBackupProbeInterval = 15
	defaultSIIntervalMs        = 500
	defaultTargetBitrateBps    = 8_000_000
	defaultECMBackoffBaseMs    = 250
	defaultCAMHedgeMs          = 150
	defaultPCRSmoothMaxOffset  = 27000 // 1ms of 27MHz ticks
)

// Config is the top-level aggregate configuration for the relay core.
type Config struct {
	Server  ServerConfig    `mapstructure:"server"`
	Logging LoggingConfig   `mapstructure:"logging"`
	Streams []StreamConfig  `mapstructure:"streams"`
	Mux     MuxConfig       `mapstructure:"mux"`
	Decrypt []DecryptConfig `mapstructure:"decrypt"`
	Sync    SyncConfig      `mapstructure:"sync"`
}

// ServerConfig holds the HTTP push/control-plane server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// InputConfig describes one prioritized input URL for a stream. URL is one
// of http://, https:// (HTTP pull) or udp:// (multicast ingest, spec.md
// §6); BindDevice names the interface to join a udp:// multicast group on
// and is ignored for HTTP inputs.
type InputConfig struct {
	ID         string `mapstructure:"id"`
	URL        string `mapstructure:"url"`
	Enable     bool   `mapstructure:"enable"`
	Priority   int    `mapstructure:"priority"`
	BindDevice string `mapstructure:"bind_device"`
}

// KeyframeDetectMode selects how the ring buffer indexer locates keyframes.
type KeyframeDetectMode string

// Keyframe detection modes (spec.md §4.1).
const (
	KeyframeDetectAuto         KeyframeDetectMode = "auto"
	KeyframeDetectRandomAccess KeyframeDetectMode = "random_access"
	KeyframeDetectIDRParse     KeyframeDetectMode = "idr_parse"
)

// PacingMode selects the output pacing strategy for a stream.
type PacingMode string

// Pacing modes (spec.md §6).
const (
	PacingNone PacingMode = "none"
	PacingPCR  PacingMode = "pcr"
)

// BackupType selects how a lower-priority input is treated.
type BackupType string

// Backup types (spec.md §6).
const (
	BackupActive  BackupType = "active"
	BackupPassive BackupType = "passive"
)

// StreamConfig describes one ingest stream and its ring buffer / smart-start policy.
type StreamConfig struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Path   string `mapstructure:"path"`
	Enable bool   `mapstructure:"enable"`

	Inputs []InputConfig `mapstructure:"inputs"`

	BandwidthKbps      int  `mapstructure:"bandwidth_kbps"`
	BufferingSec       int  `mapstructure:"buffering_sec"`
	ClientStartOffset  int  `mapstructure:"client_start_offset_sec"`
	MaxClientLagMs     int  `mapstructure:"max_client_lag_ms"`
	SmartStartEnabled  bool `mapstructure:"smart_start_enabled"`
	SmartTargetDelayMs int  `mapstructure:"smart_target_delay_ms"`
	SmartWaitReadyMs   int  `mapstructure:"smart_wait_ready_ms"`
	SmartMaxLeadMs     int  `mapstructure:"smart_max_lead_ms"`
	SmartLookbackMs    int  `mapstructure:"smart_lookback_ms"`

	SmartRequirePATPMT    bool `mapstructure:"smart_require_pat_pmt"`
	SmartRequireKeyframe  bool `mapstructure:"smart_require_keyframe"`
	SmartRequirePCR       bool `mapstructure:"smart_require_pcr"`
	ParamsetRequired      bool `mapstructure:"paramset_required"`
	AVPTSAlignEnabled     bool `mapstructure:"av_pts_align_enabled"`
	AVPTSMaxDesyncMs      int  `mapstructure:"av_pts_max_desync_ms"`
	StartDebugEnabled     bool `mapstructure:"start_debug_enabled"`

	KeyframeDetectMode KeyframeDetectMode `mapstructure:"keyframe_detect_mode"`

	TSResyncEnabled     bool `mapstructure:"ts_resync_enabled"`
	TSDropCorruptEnable bool `mapstructure:"ts_drop_corrupt_enabled"`
	TSRewriteCCEnabled  bool `mapstructure:"ts_rewrite_cc_enabled"`

	PacingMode PacingMode `mapstructure:"pacing_mode"`

	NoDataTimeoutSec int `mapstructure:"no_data_timeout_sec"`

	BackupType           BackupType `mapstructure:"backup_type"`
	BackupStartDelaySec  int        `mapstructure:"backup_start_delay_sec"`
	BackupReturnDelaySec int        `mapstructure:"backup_return_delay_sec"`
	BackupProbeInterval  int        `mapstructure:"backup_probe_interval_sec"`
}

// DeliverySystem identifies the broadcast delivery descriptor to emit in NIT.
type DeliverySystem string

// Delivery systems (spec.md §6).
const (
	DeliveryCable       DeliverySystem = "cable"
	DeliverySatellite   DeliverySystem = "satellite"
	DeliveryTerrestrial DeliverySystem = "terrestrial"
)

// MuxConfig holds MPTS multiplexer configuration.
type MuxConfig struct {
	TSID            uint16         `mapstructure:"tsid"`
	ONID            uint16         `mapstructure:"onid"`
	NetworkID       uint16         `mapstructure:"network_id"`
	NetworkName     string         `mapstructure:"network_name"`
	ProviderName    string         `mapstructure:"provider_name"`
	Codepage        string         `mapstructure:"codepage"`
	Country         string         `mapstructure:"country"`
	UTCOffset       time.Duration  `mapstructure:"utc_offset"`
	Delivery        DeliverySystem `mapstructure:"delivery"`
	FrequencyKHz    uint32         `mapstructure:"frequency_khz"`
	SymbolrateKsps  uint32         `mapstructure:"symbolrate_ksps"`
	Modulation      string         `mapstructure:"modulation"`
	FEC             string         `mapstructure:"fec"`
	NetworkSearch   bool           `mapstructure:"network_search"`
	SIIntervalMs    int            `mapstructure:"si_interval_ms"`
	TargetBitrate   int64          `mapstructure:"target_bitrate"`
	DisableAutoRemap bool          `mapstructure:"disable_auto_remap"`
	PassNIT         bool           `mapstructure:"pass_nit"`
	PassSDT         bool           `mapstructure:"pass_sdt"`
	PassEIT         bool           `mapstructure:"pass_eit"`
	PassTDT         bool           `mapstructure:"pass_tdt"`
	PassCAT         bool           `mapstructure:"pass_cat"`
	PCRRestamp      bool           `mapstructure:"pcr_restamp"`
	PCRSmoothing    bool           `mapstructure:"pcr_smoothing"`
	PCRSmoothAlpha  float64        `mapstructure:"pcr_smooth_alpha"`
	StrictPNR       bool           `mapstructure:"strict_pnr"`
	SPTSOnly        bool           `mapstructure:"spts_only"`
	LCNDescriptorTags []int        `mapstructure:"lcn_descriptor_tags"`

	// OutputPath mounts the combined MPTS output (remuxed service packets,
	// regenerated PSI, CBR NULL-stuffing) as an HTTP push endpoint (spec.md
	// §6 "HTTP push"), the same mechanism used for single-stream output.
	// Empty disables HTTP push of the mux output; cfg.Sync still consumes
	// it directly when sync output is enabled.
	OutputPath string `mapstructure:"output_path"`

	Services []ServiceConfig `mapstructure:"services"`
}

// ServiceConfig describes one SPTS input fed into the MPTS multiplexer.
type ServiceConfig struct {
	StreamID        string `mapstructure:"stream_id"`
	ConfiguredPNR   uint16 `mapstructure:"pnr"`
	ServiceName     string `mapstructure:"service_name"`
	ProviderName    string `mapstructure:"provider_name"`
	ServiceType     uint8  `mapstructure:"service_type"`
	LCN             uint16 `mapstructure:"lcn"`
	Scrambled       bool   `mapstructure:"scrambled"`
}

// DecryptConfig holds CSA decryption pipeline configuration for one CA context.
type DecryptConfig struct {
	StreamID        string        `mapstructure:"stream_id"`
	CAID            uint16        `mapstructure:"caid"`
	CAM             string        `mapstructure:"cam"`
	CAMBackup       string        `mapstructure:"cam_backup"`
	CASPNR          uint16        `mapstructure:"cas_pnr"`
	CASData         string        `mapstructure:"cas_data"`
	DisableEMM      bool          `mapstructure:"disable_emm"`
	ECMPid          uint16        `mapstructure:"ecm_pid"`
	KeyGuard        bool          `mapstructure:"key_guard"`
	CAMBackupHedgeMs int          `mapstructure:"cam_backup_hedge_ms"`
	ShiftMs         int           `mapstructure:"shift"`
	BISS            string        `mapstructure:"biss"`
}

// SyncConfig holds PCR-paced UDP/RTP sync output configuration.
type SyncConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	TTL        int    `mapstructure:"ttl"`
	RTPEnabled bool   `mapstructure:"rtp_enabled"`
	SyncMB     int    `mapstructure:"sync_mb"`
	SendBuffer int    `mapstructure:"send_buffer_bytes"`
	BatchSend  bool   `mapstructure:"batch_send"`
}

// ErrConfigInvalid is returned by Validate when the configuration is rejected;
// per spec.md §7 (config_invalid) the caller must keep the previous config active.
var ErrConfigInvalid = errors.New("config_invalid")

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with TSCORE_, using underscores for nesting.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tscore")
	}

	v.SetEnvPrefix("TSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("mux.si_interval_ms", defaultSIIntervalMs)
	v.SetDefault("mux.target_bitrate", defaultTargetBitrateBps)
	v.SetDefault("mux.pcr_smooth_alpha", 0.1)
	v.SetDefault("mux.codepage", "utf-8")
	v.SetDefault("mux.lcn_descriptor_tags", []int{0x83})

	v.SetDefault("sync.sync_mb", 2)
	v.SetDefault("sync.ttl", 16)
	v.SetDefault("sync.batch_send", true)
}

// Validate checks the configuration for errors. It never mutates c.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	seenIDs := make(map[string]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.ID == "" {
			return fmt.Errorf("streams[%d].id is required", i)
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("streams[%d].id %q is duplicated", i, s.ID)
		}
		seenIDs[s.ID] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("streams[%d] (%s): %w", i, s.ID, err)
		}
	}

	// pcr_smooth_alpha has dual interpretation in the source (0..1 or 1..100);
	// this implementation picks 0..1 as the canonical unit (SPEC_FULL.md).
	if c.Mux.PCRSmoothAlpha < 0 || c.Mux.PCRSmoothAlpha > 1 {
		return fmt.Errorf("mux.pcr_smooth_alpha must be in [0,1], got %v", c.Mux.PCRSmoothAlpha)
	}

	return nil
}

func (s *StreamConfig) validate() error {
	if len(s.Inputs) == 0 {
		return errors.New("at least one input is required")
	}
	for i := range s.Inputs {
		in := &s.Inputs[i]
		if !in.Enable {
			continue
		}
		if err := urlutil.ValidateInputURL(in.URL); err != nil {
			return fmt.Errorf("inputs[%d]: %w", i, err)
		}
	}
	switch s.KeyframeDetectMode {
	case KeyframeDetectAuto, KeyframeDetectRandomAccess, KeyframeDetectIDRParse, "":
	default:
		return fmt.Errorf("invalid keyframe_detect_mode %q", s.KeyframeDetectMode)
	}
	switch s.PacingMode {
	case PacingNone, PacingPCR, "":
	default:
		return fmt.Errorf("invalid pacing_mode %q", s.PacingMode)
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CapacityBytes derives the ring buffer capacity in bytes from bandwidth and
// buffering window, clamped to [2 MiB, 256 MiB] and rounded down to a
// multiple of 188 (spec.md §3).
func (s *StreamConfig) CapacityBytes() int {
	const (
		minCapacity = 2 * 1024 * 1024
		maxCapacity = 256 * 1024 * 1024
		packetSize  = 188
	)
	bw := s.BandwidthKbps
	if bw <= 0 {
		bw = defaultBandwidthKbps
	}
	buf := s.BufferingSec
	if buf <= 0 {
		buf = defaultBufferingSec
	}
	bytes := (bw * 1000 / 8) * buf
	if bytes < minCapacity {
		bytes = minCapacity
	}
	if bytes > maxCapacity {
		bytes = maxCapacity
	}
	return (bytes / packetSize) * packetSize
}
