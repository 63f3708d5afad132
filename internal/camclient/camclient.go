// Package camclient implements a CAM collaborator (internal/csa.CAM) that
// speaks a simple JSON-over-HTTP ECM relay, for head-ends that front their
// CAM with an HTTP gateway rather than a raw newcamd/camd35 socket. The
// specific on-the-wire framing of CAM protocols is explicitly out of scope
// for the decrypt pipeline itself (spec.md §1); this package is one
// concrete collaborator among potentially several.
package camclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/relaycore/tscore/internal/csa"
	"github.com/relaycore/tscore/pkg/httpclient"
)

// Client adapts an HTTP ECM-relay endpoint to csa.CAM.
type Client struct {
	endpoint string
	http     *httpclient.Client
}

// New builds a Client for the given endpoint URL. An empty endpoint yields
// a nil *Client; callers should treat that as "no CAM configured" rather
// than dial it. Uses the "cam-ecm" circuit breaker profile: a dead CAM must
// trip well inside the ECM retry window (spec.md §4.5), and "keys not
// found" is reported in the JSON body rather than the status code, so only
// a bare 200 counts as acceptable.
func New(endpoint string) *Client {
	if endpoint == "" {
		return nil
	}
	cfg := httpclient.DefaultConfig()
	profile := httpclient.DefaultCircuitBreakerConfig().GetProfileFor("cam-ecm")
	cfg.CircuitThreshold = profile.FailureThreshold
	cfg.CircuitTimeout = profile.ResetTimeout
	cfg.CircuitHalfOpenMax = profile.HalfOpenMax
	cfg.AcceptableStatusCodes = profile.AcceptableStatusCodes

	return &Client{
		endpoint: endpoint,
		http:     httpclient.New(cfg),
	}
}

type ecmRequest struct {
	RequestID string `json:"request_id"`
	CAID      uint16 `json:"caid"`
	ECMPid    uint16 `json:"ecm_pid"`
	ECM       string `json:"ecm"`
}

type ecmReply struct {
	Found  bool   `json:"found"`
	EvenCW string `json:"even_cw"`
	OddCW  string `json:"odd_cw"`
}

// SendECM implements csa.CAM.
func (c *Client) SendECM(ctx context.Context, requestID uuid.UUID, caid uint16, ecmPID uint16, ecm []byte) (csa.CAMResponse, error) {
	body, err := json.Marshal(ecmRequest{
		RequestID: requestID.String(),
		CAID:      caid,
		ECMPid:    ecmPID,
		ECM:       hex.EncodeToString(ecm),
	})
	if err != nil {
		return csa.CAMResponse{}, fmt.Errorf("encoding ecm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return csa.CAMResponse{}, fmt.Errorf("building ecm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.DoWithContext(ctx, req)
	if err != nil {
		return csa.CAMResponse{}, fmt.Errorf("sending ecm: %w", err)
	}
	defer resp.Body.Close()

	var reply ecmReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return csa.CAMResponse{}, fmt.Errorf("decoding ecm reply: %w", err)
	}
	if !reply.Found {
		return csa.CAMResponse{Found: false}, nil
	}

	out := csa.CAMResponse{Found: true}
	if err := decodeCW(reply.EvenCW, &out.EvenCW); err != nil {
		return csa.CAMResponse{}, fmt.Errorf("decoding even cw: %w", err)
	}
	if err := decodeCW(reply.OddCW, &out.OddCW); err != nil {
		return csa.CAMResponse{}, fmt.Errorf("decoding odd cw: %w", err)
	}
	return out, nil
}

func decodeCW(s string, out *[8]byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("control word must be 8 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return nil
}
