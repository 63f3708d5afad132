package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors backing spec.md §6's
// per-stream/mux/decrypt observability surface. All collectors are
// registered against a caller-supplied registry so multiple instances
// (tests, multiple streams) don't collide on the default global registry.
type Metrics struct {
	StreamState            *prometheus.GaugeVec
	StreamWriteIndex       *prometheus.GaugeVec
	StreamCapacity         *prometheus.GaugeVec
	StreamClientsConnected *prometheus.GaugeVec
	StreamActiveInput      *prometheus.GaugeVec
	StreamLastOKTimestamp  *prometheus.GaugeVec

	MuxBitrateBps  *prometheus.GaugeVec
	MuxNullPercent *prometheus.GaugeVec
	MuxPacketsSent *prometheus.CounterVec
	MuxPacketsNull *prometheus.CounterVec

	ECMSent      *prometheus.CounterVec
	ECMRetry     *prometheus.CounterVec
	ECMOKPrimary *prometheus.CounterVec
	ECMOKBackup  *prometheus.CounterVec
	ECMNotFound  *prometheus.CounterVec
	ECMRTTMs     *prometheus.HistogramVec

	SyncOutDropped *prometheus.CounterVec
}

// streamLabel and ecmPIDLabel name the label dimensions collectors are
// keyed by, matching spec.md §6's "per-stream" / "per CA stream" scoping.
const (
	streamLabel = "stream_id"
	ecmPIDLabel = "ecm_pid"
)

// ecmRTTBuckets implements spec.md §6's fixed RTT histogram
// ("{≤50, ≤100, ≤250, ≤500, >500 ms}") as Prometheus bucket upper bounds in
// seconds; client_golang's +Inf overflow bucket supplies the ">500ms" tail.
var ecmRTTBuckets = []float64{0.050, 0.100, 0.250, 0.500}

// NewMetrics registers and returns the full collector set against reg.
// Pass prometheus.NewRegistry() for an isolated instance (tests, multiple
// daemons in one process) or a registry backing the process-wide
// /metrics endpoint in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_state",
			Help: "Stream state: 0=OK, 1=PROBING, 2=DOWN.",
		}, []string{streamLabel}),
		StreamWriteIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_write_index",
			Help: "Current ring buffer write index.",
		}, []string{streamLabel}),
		StreamCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_capacity_bytes",
			Help: "Ring buffer capacity in bytes.",
		}, []string{streamLabel}),
		StreamClientsConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_clients_connected",
			Help: "Currently connected client count.",
		}, []string{streamLabel}),
		StreamActiveInput: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_active_input_index",
			Help: "Index of the currently active input.",
		}, []string{streamLabel}),
		StreamLastOKTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_stream_last_ok_timestamp_seconds",
			Help: "Unix timestamp of the last successful ingest.",
		}, []string{streamLabel}),

		MuxBitrateBps: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_mux_bitrate_bps",
			Help: "Current output bitrate of the multiplex, bits per second.",
		}, []string{streamLabel}),
		MuxNullPercent: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tscore_mux_null_percent",
			Help: "Percentage of output packets that are NULL stuffing.",
		}, []string{streamLabel}),
		MuxPacketsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_mux_packets_sent_total",
			Help: "Total TS packets emitted by the multiplexer.",
		}, []string{streamLabel}),
		MuxPacketsNull: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_mux_packets_null_total",
			Help: "Total NULL stuffing packets emitted by the multiplexer.",
		}, []string{streamLabel}),

		ECMSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_ecm_sent_total",
			Help: "ECM sections dispatched to a CAM.",
		}, []string{streamLabel, ecmPIDLabel}),
		ECMRetry: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_ecm_retry_total",
			Help: "ECM dispatch retries after backoff.",
		}, []string{streamLabel, ecmPIDLabel}),
		ECMOKPrimary: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_ecm_ok_primary_total",
			Help: "ECM responses accepted from the primary CAM.",
		}, []string{streamLabel, ecmPIDLabel}),
		ECMOKBackup: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_ecm_ok_backup_total",
			Help: "ECM responses accepted from the backup CAM.",
		}, []string{streamLabel, ecmPIDLabel}),
		ECMNotFound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_ecm_not_found_total",
			Help: "ECM requests exhausted without a usable key.",
		}, []string{streamLabel, ecmPIDLabel}),
		ECMRTTMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tscore_ecm_rtt_seconds",
			Help:    "CAM round-trip time for accepted ECM responses.",
			Buckets: ecmRTTBuckets,
		}, []string{streamLabel, ecmPIDLabel}),

		SyncOutDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tscore_syncout_dropped_total",
			Help: "Datagrams dropped on sync output overflow or transient send error.",
		}, []string{streamLabel}),
	}
}
