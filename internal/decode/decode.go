// Package decode turns a stream locator into a channel of normalized
// BGR frames.
//
// Two backends exist: a GStreamer pipeline for rtsp:// locators and an
// OpenCV capture for local files. Both resize every decoded frame to the
// requested geometry and deliver tightly packed BGR24 data. The frame
// channel closes when the stream ends or fails; Err reports the terminal
// cause afterwards.
package decode

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Frame is a minimal frame struct for internal use (avoids import cycle)
// The caller-facing Frame type is defined in the parent package.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// Request describes one attempt to open a decode stream.
type Request struct {
	URL       string
	Width     int
	Height    int
	Transport string // "tcp" or "udp", rtsp locators only
}

// Source is a live decode session.
type Source interface {
	// Frames returns the frame channel. It closes when the stream ends
	// or fails.
	Frames() <-chan Frame

	// Err returns the terminal cause after Frames has closed: nil after
	// a clean Close, ErrEndOfStream when the media is exhausted.
	Err() error

	// Close stops the session and releases decoder resources. Idempotent.
	Close() error
}

// ErrEndOfStream marks a cleanly exhausted media source (end of a local
// file, or an RTSP EOS from the peer).
var ErrEndOfStream = errors.New("decode: end of stream")

// Open dispatches to the backend matching the locator scheme: rtsp://
// goes to the GStreamer pipeline, everything else to the OpenCV capture.
func Open(ctx context.Context, req Request) (Source, error) {
	if strings.HasPrefix(req.URL, "rtsp://") {
		return openRTSP(ctx, req)
	}
	return openFile(ctx, req)
}
