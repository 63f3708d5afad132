package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, defaultSIIntervalMs, cfg.Mux.SIIntervalMs)
	assert.Equal(t, 0.1, cfg.Mux.PCRSmoothAlpha)
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 70000},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangePCRAlpha(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Mux:     MuxConfig{PCRSmoothAlpha: 1.5},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateStreamIDs(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Streams: []StreamConfig{
			{ID: "a", Inputs: []InputConfig{{URL: "http://x/1"}}},
			{ID: "a", Inputs: []InputConfig{{URL: "http://x/2"}}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestValidate_RejectsStreamWithoutInputs(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Streams: []StreamConfig{{ID: "a"}},
	}
	assert.Error(t, cfg.Validate())
}

func TestStreamConfig_CapacityBytes(t *testing.T) {
	s := StreamConfig{BandwidthKbps: 4000, BufferingSec: 6}
	cap := s.CapacityBytes()
	assert.Equal(t, 0, cap%188)
	assert.GreaterOrEqual(t, cap, 2*1024*1024)
	assert.LessOrEqual(t, cap, 256*1024*1024)
}

func TestStreamConfig_CapacityBytes_ClampsLow(t *testing.T) {
	s := StreamConfig{BandwidthKbps: 1, BufferingSec: 1}
	assert.Equal(t, 2*1024*1024/188*188, s.CapacityBytes())
}

func TestStreamConfig_CapacityBytes_ClampsHigh(t *testing.T) {
	s := StreamConfig{BandwidthKbps: 1_000_000, BufferingSec: 600}
	assert.Equal(t, 256*1024*1024/188*188, s.CapacityBytes())
}

func TestSetDefaults_IsIdempotent(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	SetDefaults(v)
	assert.Equal(t, defaultTargetBitrateBps, v.GetInt("mux.target_bitrate"))
}
