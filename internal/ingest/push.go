package ingest

import (
	"log/slog"
	"net/http"

	"github.com/relaycore/tscore/internal/ringbuffer"
)

// PushHandler serves live TS output to HTTP clients by acquiring a reader
// against a stream's ring buffer and streaming ReadNext results as they
// arrive (spec.md §6 "HTTP push"). One PushHandler serves one stream; the
// caller mounts it at that stream's configured path.
type PushHandler struct {
	buf     *ringbuffer.Buffer
	generic bool
	log     *slog.Logger
}

// NewPushHandler builds a handler over buf. When generic is true the
// response uses Content-Type: application/octet-stream instead of
// video/MP2T (spec.md §6).
func NewPushHandler(buf *ringbuffer.Buffer, generic bool, log *slog.Logger) *PushHandler {
	return &PushHandler{buf: buf, generic: generic, log: log}
}

// ServeHTTP streams the stream's live output until the client disconnects
// or the buffer closes.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contentType := "video/MP2T"
	if h.generic {
		contentType = "application/octet-stream"
	}
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Connection", "close")
	header.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	reader := h.buf.AcquireReader(r.UserAgent(), r.RemoteAddr)
	defer h.buf.Release(reader)

	ctx := r.Context()
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, result := h.buf.ReadNext(reader)
		switch result {
		case ringbuffer.ReadClosed:
			return
		case ringbuffer.ReadWait, ringbuffer.ReadLagDrop:
			continue
		case ringbuffer.ReadOK:
			if _, err := w.Write(pkt); err != nil {
				if h.log != nil {
					h.log.Debug("ingest: push client write failed, disconnecting",
						"remote_addr", r.RemoteAddr, "error", err)
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
