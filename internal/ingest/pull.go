// Package ingest implements the inbound and outbound transports of spec.md
// §6: HTTP pull, UDP multicast ingest, and HTTP push.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/relaycore/tscore/internal/version"
	"github.com/relaycore/tscore/pkg/httpclient"
)

// Sink receives raw bytes read off an input transport; implementations
// (ringbuffer.Buffer.Feed) split and validate TS packet alignment.
type Sink func(data []byte) error

// pullReadBufferSize bounds one Read() call's chunk size.
const pullReadBufferSize = 64 * 1024

// PullInput is an HTTP pull ingest input (spec.md §6 "HTTP pull client").
// Redirect following, retry, and circuit-breaking are delegated to
// pkg/httpclient — the per-request framing details this transport owns are
// the User-Agent fragment override and optional byte-range resume. There is
// no option to opt out of Keep-Alive.
type PullInput struct {
	url       string
	userAgent string
	client    *httpclient.Client
}

// NewPullInput builds a PullInput for rawURL. A `#ua=...` fragment overrides
// the default User-Agent for this input only (spec.md §6); the fragment is
// stripped before the request is made since it carries no meaning on the
// wire.
func NewPullInput(rawURL string, client *httpclient.Client) *PullInput {
	cleanURL, ua := splitUAFragment(rawURL)
	if ua == "" {
		ua = version.UserAgent()
	}
	return &PullInput{url: cleanURL, userAgent: ua, client: client}
}

func splitUAFragment(rawURL string) (cleanURL, ua string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, ""
	}
	if strings.HasPrefix(u.Fragment, "ua=") {
		ua = strings.TrimPrefix(u.Fragment, "ua=")
		u.Fragment = ""
	}
	return u.String(), ua
}

// Run dials the input and streams its body into sink until ctx is
// cancelled, the body ends, or a status other than 200 or 206 is received after
// pkg/httpclient's own redirect/retry handling. offsetBytes, if nonzero,
// requests a `Range: bytes=<off>-` resume (spec.md §6).
func (p *PullInput) Run(ctx context.Context, offsetBytes int64, sink Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("ingest: building request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "*/*")
	if offsetBytes > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offsetBytes, 10)+"-")
	}

	resp, err := p.client.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("ingest: unexpected status %d", resp.StatusCode)
	}

	buf := make([]byte, pullReadBufferSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if serr := sink(buf[:n]); serr != nil {
				return serr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return fmt.Errorf("ingest: reading body: %w", rerr)
		}
	}
}

// NewPullClient builds the shared httpclient.Client used for streaming
// pulls: a zero overall Timeout (the body is read indefinitely, not bounded
// by a single deadline), the "stream-pull" circuit breaker profile (tolerant
// of the reconnect churn a live feed produces under normal failover), and
// redirect following bounded so a misbehaving origin can't loop forever.
func NewPullClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 0
	cfg.BaseClient = &http.Client{Timeout: 0, CheckRedirect: limitRedirects(8)}

	profile := httpclient.DefaultCircuitBreakerConfig().GetProfileFor("stream-pull")
	cfg.CircuitThreshold = profile.FailureThreshold
	cfg.CircuitTimeout = profile.ResetTimeout
	cfg.CircuitHalfOpenMax = profile.HalfOpenMax
	cfg.AcceptableStatusCodes = profile.AcceptableStatusCodes

	return httpclient.New(cfg)
}

// NewProbeClient builds the httpclient.Client used for backup-input
// reachability probes (spec.md §6 "backup_probe_interval_sec"): the
// "backup-probe" circuit breaker profile trips fast since a cold backup is
// expected to fail often between successful failovers.
func NewProbeClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.BaseClient = &http.Client{Timeout: 0, CheckRedirect: limitRedirects(8)}

	profile := httpclient.DefaultCircuitBreakerConfig().GetProfileFor("backup-probe")
	cfg.CircuitThreshold = profile.FailureThreshold
	cfg.CircuitTimeout = profile.ResetTimeout
	cfg.CircuitHalfOpenMax = profile.HalfOpenMax
	cfg.AcceptableStatusCodes = profile.AcceptableStatusCodes

	return httpclient.New(cfg)
}

// limitRedirects caps the standard library's redirect-following at max,
// matching spec.md §6 ("Follows 301/302/303/307 up to 8 redirects").
func limitRedirects(max int) func(req *http.Request, via []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("ingest: stopped after %d redirects", max)
		}
		return nil
	}
}
