package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relaycore/tscore/internal/camclient"
	"github.com/relaycore/tscore/internal/config"
	"github.com/relaycore/tscore/internal/csa"
	"github.com/relaycore/tscore/internal/ingest"
	"github.com/relaycore/tscore/internal/mux"
	"github.com/relaycore/tscore/internal/observability"
	"github.com/relaycore/tscore/internal/psi"
	"github.com/relaycore/tscore/internal/ringbuffer"
	"github.com/relaycore/tscore/internal/syncout"
	"github.com/relaycore/tscore/internal/tspacket"
	"github.com/relaycore/tscore/internal/urlutil"
	"github.com/relaycore/tscore/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tscore relay daemon",
	Long: `Start ingest, ring buffering, optional MPTS remux, optional DVB-CSA
decryption, optional PCR-paced UDP/RTP sync output, and HTTP push delivery
for every configured stream.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the push/metrics HTTP server to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

// relayStream bundles one configured stream's running components.
type relayStream struct {
	cfg      config.StreamConfig
	buf      *ringbuffer.Buffer
	selector *ringbuffer.InputSelector
	decrypt  *csa.Pipeline
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	streams := make(map[string]*relayStream, len(cfg.Streams))
	var wg sync.WaitGroup

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())

	for _, sc := range cfg.Streams {
		if !sc.Enable {
			continue
		}
		rs := newRelayStream(sc, cfg.Decrypt, logger)
		streams[sc.ID] = rs

		httpMux.Handle(sc.Path, ingest.NewPushHandler(rs.buf, false, logger))

		wg.Add(1)
		go func(rs *relayStream) {
			defer wg.Done()
			runStreamIngest(ctx, rs, metrics, logger)
		}(rs)

		wg.Add(1)
		go func(rs *relayStream) {
			defer wg.Done()
			rs.selector.RunProbeLoop(ctx)
		}(rs)
	}

	var muxOut *mux.Multiplexer
	var muxBuf *ringbuffer.Buffer
	if len(cfg.Mux.Services) > 0 {
		muxOut = mux.New(cfg.Mux, logger)
		muxBuf = ringbuffer.NewBuffer(config.StreamConfig{ID: "mux-output"})

		if cfg.Mux.OutputPath != "" {
			httpMux.Handle(cfg.Mux.OutputPath, ingest.NewPushHandler(muxBuf, false, logger))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			runMuxLoop(ctx, muxOut, muxBuf, streams, cfg.Mux, metrics, logger)
		}()
	}

	if cfg.Sync.Enabled {
		out, err := syncout.New(cfg.Sync, logger)
		if err != nil {
			return fmt.Errorf("initializing sync output: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.Run(ctx)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			feedSyncOutput(ctx, out, streams, muxOut, muxBuf, logger)
		}()
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: httpMux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting tscore relay",
		"host", cfg.Server.Host, "port", cfg.Server.Port, "version", version.Version,
		"streams", len(streams))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}

	cancel()
	wg.Wait()
	for _, rs := range streams {
		rs.buf.Close()
	}
	if muxBuf != nil {
		muxBuf.Close()
	}
	return nil
}

func newRelayStream(sc config.StreamConfig, decrypts []config.DecryptConfig, logger *slog.Logger) *relayStream {
	rs := &relayStream{
		cfg: sc,
		buf: ringbuffer.NewBuffer(sc),
	}
	rs.selector = ringbuffer.NewInputSelector(sc, probeInput)
	for _, dc := range decrypts {
		if dc.StreamID == sc.ID {
			// camclient.New returns nil for an empty endpoint; keep the
			// csa.CAM interface itself nil in that case.
			var primary, backup csa.CAM
			if c := camclient.New(dc.CAM); c != nil {
				primary = c
			}
			if c := camclient.New(dc.CAMBackup); c != nil {
				backup = c
			}
			rs.decrypt = csa.NewPipeline(dc, primary, backup, logger)
			break
		}
	}
	return rs
}

// probeInput performs a lightweight reachability check for a backup input
// candidate (spec.md §6 "backup_probe_interval_sec"): a GET that is aborted
// as soon as the first body bytes arrive, delegated to the same
// pkg/httpclient path the primary ingest uses. UDP multicast inputs have no
// equivalent cheap reachability check and are assumed reachable.
func probeInput(ctx context.Context, rawURL string) error {
	if urlutil.IsMulticastInput(rawURL) {
		return nil
	}
	client := ingest.NewProbeClient()
	input := ingest.NewPullInput(rawURL, client)
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := input.Run(probeCtx, 0, func(data []byte) error {
		return errProbeOK
	})
	if err == errProbeOK {
		return nil
	}
	return err
}

var errProbeOK = fmt.Errorf("probe: first byte received")

// runStreamIngest owns one stream's active input: pull the active URL,
// reconnect with backoff on failure, and fail over via the InputSelector
// (spec.md §4.1, §6). Received bytes are optionally routed through the
// stream's DVB-CSA pipeline before being stored in the ring buffer.
func runStreamIngest(ctx context.Context, rs *relayStream, metrics *observability.Metrics, logger *slog.Logger) {
	logger = observability.WithStreamID(logger, rs.cfg.ID)
	client := ingest.NewPullClient()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		idx, url, ok := rs.selector.NextInput()
		if !ok {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		sink := streamSink(rs, metrics)

		var err error
		switch {
		case urlutil.IsMulticastInput(url):
			in := rs.selector.InputAt(idx)
			var multicastInput *ingest.MulticastInput
			multicastInput, err = ingest.NewMulticastInput(strings.TrimPrefix(url, "udp://"), in.BindDevice)
			if err == nil {
				err = multicastInput.Run(ctx, sink)
			}
		default:
			input := ingest.NewPullInput(url, client)
			err = input.Run(ctx, 0, sink)
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			observability.WithError(logger, err).Warn("stream input failed", "input_index", idx)
			rs.selector.ReportFailure(idx, err)
			rs.buf.Resync()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		rs.selector.ReportSuccess(idx)
		backoff = time.Second
	}
}

// streamSink builds the per-stream byte sink: when a decrypt pipeline is
// configured, incoming bytes are aligned to 188-byte packets and run
// through it (feeding ECM sections to the CAM and decrypting scrambled
// payloads) before being stored; otherwise bytes are fed to the ring
// buffer directly.
func streamSink(rs *relayStream, metrics *observability.Metrics) ingest.Sink {
	if rs.decrypt == nil {
		return rs.buf.Feed
	}

	var carry []byte
	return func(data []byte) error {
		carry = append(carry, data...)
		i := 0
		for i+tspacket.Size <= len(carry) {
			pkt := carry[i : i+tspacket.Size]
			i += tspacket.Size
			if pkt[0] != tspacket.SyncByte {
				continue
			}
			if ecmPID := rs.decrypt; ecmPID != nil && tspacket.PUSI(pkt) {
				if section := extractSingleSection(tspacket.Payload(pkt)); section != nil {
					rs.decrypt.ProcessECMPacket(context.Background(), section, time.Now())
				}
			}
			out := rs.decrypt.ProcessPacket(pkt, time.Now())
			for _, p := range out {
				if err := rs.buf.Feed(p); err != nil {
					return err
				}
			}
		}
		carry = append(carry[:0], carry[i:]...)
		return nil
	}
}

// extractSingleSection strips the pointer_field from a PUSI packet's
// payload, assuming (as the ring buffer's own PAT/PMT parsing does) that
// the section starts and fits within this one packet.
func extractSingleSection(payload []byte) []byte {
	if len(payload) < 1 {
		return nil
	}
	pf := int(payload[0])
	off := 1 + pf
	if off >= len(payload) {
		return nil
	}
	return payload[off:]
}

// runMuxLoop discovers each configured service's input PMT, tails its ring
// buffer through the multiplexer, and periodically runs PID/PNR
// reconciliation and PSI/CBR-shaper emission (spec.md §4.4). Every packet
// the mux produces - remapped service data, regenerated PSI, and shaper
// NULL-stuffing - is fed into muxBuf, the combined MPTS output that
// feedSyncOutput and the mux's optional HTTP push endpoint both read from.
func runMuxLoop(ctx context.Context, m *mux.Multiplexer, muxBuf *ringbuffer.Buffer, streams map[string]*relayStream, cfg config.MuxConfig, metrics *observability.Metrics, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, svc := range cfg.Services {
		rs, ok := streams[svc.StreamID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(rs *relayStream) {
			defer wg.Done()
			discoverServicePMT(ctx, m, rs, logger)
		}(rs)

		wg.Add(1)
		go func(rs *relayStream) {
			defer wg.Done()
			tailStreamIntoMux(ctx, m, rs, muxBuf, logger)
		}(rs)
	}

	feedMuxOutput := func(pkts [][]byte) {
		for _, pkt := range pkts {
			if err := muxBuf.Feed(pkt); err != nil {
				logger.Debug("mux: output feed error", "error", err)
			}
		}
	}

	ticker := time.NewTicker(time.Duration(cfg.SIIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case now := <-ticker.C:
			m.Reconcile()
			feedMuxOutput(m.MaybeEmitSI(now, psi.MJDTime{}))
			feedMuxOutput(m.ShaperTick(now))
		}
	}
}

// discoverServicePMT blocks until the service's input PMT is observed (or
// ctx is cancelled) and registers it with the multiplexer, the prerequisite
// for that service's mappingReady/pmtDiscovered readiness (spec.md §4.4
// "Service readiness").
func discoverServicePMT(ctx context.Context, m *mux.Multiplexer, rs *relayStream, logger *slog.Logger) {
	logger = observability.WithStreamID(logger, rs.cfg.ID)
	reader := rs.buf.AcquireReader("mux-pmt-discovery", "")
	defer rs.buf.Release(reader)

	pmt, pmtPID, err := mux.DiscoverPMT(ctx, &bufferReaderAdapter{ctx: ctx, buf: rs.buf, reader: reader})
	if err != nil {
		if ctx.Err() == nil {
			observability.WithError(logger, err).Warn("mux: PMT discovery failed")
		}
		return
	}
	m.RegisterPMT(rs.cfg.ID, pmtPID, pmt)
}

// bufferReaderAdapter presents a ring buffer reader as a plain byte stream
// so mux.DiscoverPMT's go-astits demuxer, which expects an io.Reader, can
// consume packets already stored for HTTP push delivery.
type bufferReaderAdapter struct {
	ctx    context.Context
	buf    *ringbuffer.Buffer
	reader *ringbuffer.Reader
	carry  []byte
}

func (a *bufferReaderAdapter) Read(p []byte) (int, error) {
	for len(a.carry) == 0 {
		if a.ctx.Err() != nil {
			return 0, a.ctx.Err()
		}
		pkt, result := a.buf.ReadNext(a.reader)
		switch result {
		case ringbuffer.ReadClosed:
			return 0, io.EOF
		case ringbuffer.ReadOK, ringbuffer.ReadLagDrop:
			a.carry = pkt
		}
	}
	n := copy(p, a.carry)
	a.carry = a.carry[n:]
	return n, nil
}

func tailStreamIntoMux(ctx context.Context, m *mux.Multiplexer, rs *relayStream, muxBuf *ringbuffer.Buffer, logger *slog.Logger) {
	logger = observability.WithStreamID(logger, rs.cfg.ID)
	reader := rs.buf.AcquireReader("mux-internal", "")
	defer rs.buf.Release(reader)
	for ctx.Err() == nil {
		pkt, result := rs.buf.ReadNext(reader)
		switch result {
		case ringbuffer.ReadClosed:
			return
		case ringbuffer.ReadOK, ringbuffer.ReadLagDrop:
			out, forwarded := m.ProcessPacket(rs.cfg.ID, pkt, time.Now().UnixMicro())
			if !forwarded {
				continue
			}
			if err := muxBuf.Feed(out); err != nil {
				observability.WithError(logger, err).Debug("mux: output feed error")
			}
		}
	}
}

// feedSyncOutput drains the sync destination into the PCR-paced output.
// With MPTS remux active it tails the mux's own combined output buffer
// (muxBuf); otherwise it falls back to the raw buffer of one enabled
// stream, whichever the streams map yields first (map order is not fixed).
func feedSyncOutput(ctx context.Context, out *syncout.Output, streams map[string]*relayStream, m *mux.Multiplexer, muxBuf *ringbuffer.Buffer, logger *slog.Logger) {
	var buf *ringbuffer.Buffer
	if m != nil && muxBuf != nil {
		buf = muxBuf
	} else {
		for _, s := range streams {
			buf = s.buf
			break
		}
	}
	if buf == nil {
		return
	}
	reader := buf.AcquireReader("syncout-internal", "")
	defer buf.Release(reader)
	for ctx.Err() == nil {
		pkt, result := buf.ReadNext(reader)
		switch result {
		case ringbuffer.ReadClosed:
			return
		case ringbuffer.ReadOK, ringbuffer.ReadLagDrop:
			out.Push(pkt)
		}
	}
}
