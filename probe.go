package streamingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// TestConnection opens the source once, waits for a single frame and
// tears the stream down again. It returns whether the probe succeeded
// and a human-readable diagnostic. The running worker is not touched.
func (c *Connection) TestConnection(ctx context.Context) (bool, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.RLock()
	req := OpenRequest{
		URL:       c.url,
		Width:     c.width,
		Height:    c.height,
		Transport: c.transport,
	}
	opener := c.opener
	c.mu.RUnlock()

	ok, msg := probeOnce(ctx, opener, req)
	slog.Debug("stream-ingest: connection probe", "source", c.id, "transport", req.Transport, "ok", ok, "result", msg)
	return ok, msg
}

func probeOnce(ctx context.Context, opener StreamOpener, req OpenRequest) (bool, string) {
	if strings.TrimSpace(req.URL) == "" {
		return false, "no source URL configured"
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	stream, err := opener.OpenStream(pctx, req)
	if err != nil {
		return false, fmt.Sprintf("open failed: %v", err)
	}
	defer stream.Close()

	select {
	case f, ok := <-stream.Frames():
		if !ok {
			if serr := stream.Err(); serr != nil && !errors.Is(serr, ErrEndOfStream) {
				return false, fmt.Sprintf("stream ended before first frame: %v", serr)
			}
			return false, "stream ended before first frame"
		}
		return true, fmt.Sprintf("ok: received %dx%d frame", f.Width, f.Height)
	case <-pctx.Done():
		return false, fmt.Sprintf("no frame within %s", probeTimeout)
	}
}

// RecommendedTransport probes the source over tcp and then udp and
// picks a transport: udp when both work (lower latency), whichever one
// works when only one does, and tcp as the safe default when neither
// responds.
func (c *Connection) RecommendedTransport(ctx context.Context) Transport {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.RLock()
	req := OpenRequest{
		URL:    c.url,
		Width:  c.width,
		Height: c.height,
	}
	opener := c.opener
	c.mu.RUnlock()

	req.Transport = TransportTCP
	tcpOK, tcpMsg := probeOnce(ctx, opener, req)
	req.Transport = TransportUDP
	udpOK, udpMsg := probeOnce(ctx, opener, req)

	slog.Info("stream-ingest: transport probe complete",
		"source", c.id,
		"tcp_ok", tcpOK,
		"tcp_result", tcpMsg,
		"udp_ok", udpOK,
		"udp_result", udpMsg)

	switch {
	case udpOK:
		return TransportUDP
	case tcpOK:
		return TransportTCP
	default:
		return TransportTCP
	}
}
