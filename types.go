package streamingest

import (
	"context"
	"strings"
	"time"
)

// Transport is the delivery mode used for network stream locators.
// It is meaningful only for rtsp:// URLs; local files ignore it.
type Transport string

const (
	// TransportTCP is the reliable, higher-latency delivery mode (safe default).
	TransportTCP Transport = "tcp"
	// TransportUDP is the lossy, lower-latency delivery mode.
	TransportUDP Transport = "udp"
)

// Valid reports whether t is a known transport mode.
func (t Transport) Valid() bool {
	return t == TransportTCP || t == TransportUDP
}

// Toggle returns the opposite transport mode. Unrecognized values
// resolve to tcp, the safe default.
func (t Transport) Toggle() Transport {
	if t == TransportTCP {
		return TransportUDP
	}
	return TransportTCP
}

// String returns the transport name as persisted in configuration.
func (t Transport) String() string {
	return string(t)
}

// Frame is a single decoded video frame.
//
// Data is tightly packed BGR24: exactly Width*Height*3 bytes, row-major,
// 3 bytes per pixel in B,G,R order. Every frame produced by a Connection
// has the connection's configured geometry; consumers never need to
// handle variable shapes.
type Frame struct {
	// Seq is a monotonic sequence number, unique within one Connection run.
	Seq uint64

	// Timestamp is the wall-clock time the frame was decoded.
	Timestamp time.Time

	// Width and Height are the frame dimensions in pixels.
	Width  int
	Height int

	// Data contains the raw BGR pixel data (Width * Height * 3 bytes).
	Data []byte

	// SourceID identifies the Connection that produced the frame.
	SourceID string

	// TraceID is a unique identifier for observability correlation.
	TraceID string
}

// Copy returns a deep copy of the frame. The pixel data is duplicated so
// the caller may mutate it freely.
func (f Frame) Copy() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// SourceConfig describes one video source. The yaml-tagged fields are the
// persisted per-source configuration; the remaining fields are runtime
// tuning knobs and collaborator injection points.
type SourceConfig struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	URL         string    `yaml:"url"`
	Width       int       `yaml:"resize_width"`
	Height      int       `yaml:"resize_height"`
	BufferSize  int       `yaml:"buffer_size"`
	Transport   Transport `yaml:"rtsp_transport"`
	AutoConnect bool      `yaml:"auto_connect"`
	Enabled     bool      `yaml:"enabled"`

	// RetryDelay is the initial reconnect backoff delay. It doubles on
	// every consecutive failure up to MaxRetryDelay and resets on any
	// successful open.
	RetryDelay    time.Duration `yaml:"-"`
	MaxRetryDelay time.Duration `yaml:"-"`

	// StallTimeout is how long a live source may go without producing a
	// frame before the connection is recycled.
	StallTimeout time.Duration `yaml:"-"`

	// MetricsInterval is the cadence of the drop-rate evaluation and
	// adaptive buffer resize.
	MetricsInterval time.Duration `yaml:"-"`

	// StopTimeout bounds how long Stop waits for the decode worker to
	// join before abandoning it.
	StopTimeout time.Duration `yaml:"-"`

	// Opener overrides the decode backend. Nil selects the default
	// backend by URL scheme (GStreamer for rtsp://, OpenCV otherwise).
	Opener StreamOpener `yaml:"-"`
}

// IsLocalFile reports whether the configured locator refers to a local
// file rather than a network stream.
func (c SourceConfig) IsLocalFile() bool {
	return isLocalURL(c.URL)
}

func isLocalURL(url string) bool {
	return !strings.HasPrefix(url, "rtsp://")
}

// Status is a point-in-time snapshot of one Connection.
type Status struct {
	ID                 string
	URL                string
	ConnectionOK       bool
	IsRunning          bool
	FPS                float64
	Width              int
	Height             int
	QueueSize          int
	BufferSize         int
	IsLocalFile        bool
	ConnectionAttempts uint64
	LastConnectionTime time.Time
	Transport          Transport
	FrameDropRate      float64
	NetworkQuality     float64

	FramesReceived    uint64
	FramesDropped     uint64
	TransportSwitches uint64
	ErrorsNetwork     uint64
	ErrorsCodec       uint64
	ErrorsAuth        uint64
	ErrorsUnknown     uint64
}

// TimedFrame pairs a frame with its capture time inside the
// Synchronizer's per-source history.
type TimedFrame struct {
	Timestamp time.Time
	Frame     Frame
}

// ConnectionListener receives edge-triggered connection-state changes:
// it is invoked at most once per actual transition of a source.
type ConnectionListener func(sourceID string, connected bool)

// FrameCallback receives the newest cached frame for one source on every
// Synchronizer cycle.
type FrameCallback func(sourceID string, frame Frame)

// OpenRequest describes one attempt to open a decode stream.
type OpenRequest struct {
	URL       string
	Width     int
	Height    int
	Transport Transport
}

// FrameStream is a live decode session producing normalized frames.
//
// Implementations must close the Frames channel when the stream ends or
// fails; Err reports the terminal cause afterwards (nil after a clean
// Close, ErrEndOfStream when the media is exhausted).
type FrameStream interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// StreamOpener opens decode streams. The default implementation
// dispatches to the GStreamer backend for rtsp:// locators and to the
// OpenCV backend for everything else; tests inject stubs.
type StreamOpener interface {
	OpenStream(ctx context.Context, req OpenRequest) (FrameStream, error)
}

// FrameSource is the Synchronizer's read-only view of one connected
// source.
type FrameSource interface {
	// ID returns the source identifier.
	ID() string
	// FPS returns the rolling frames-per-second estimate.
	FPS() float64
	// LatestFrame drains the source's buffer and returns the newest
	// frame, if any. It never blocks.
	LatestFrame() (Frame, bool)
}

// SourceProvider enumerates the currently connected sources. *Registry
// implements it.
type SourceProvider interface {
	ConnectedSources() []FrameSource
}

// ConfigStore is the external persistence collaborator for per-source
// configuration. The Registry only ever touches this interface; the
// config package provides a YAML file implementation.
type ConfigStore interface {
	// LoadSources returns all persisted source configurations.
	LoadSources() ([]SourceConfig, error)
	// SaveSource inserts or replaces the configuration for cfg.ID.
	SaveSource(cfg SourceConfig) error
	// DeleteSource removes the configuration for id. Removing an
	// unknown id is not an error.
	DeleteSource(id string) error
}

// Defaults applied by NewConnection when the corresponding SourceConfig
// field is zero.
const (
	DefaultWidth      = 640
	DefaultHeight     = 480
	DefaultBufferSize = 30

	DefaultRetryDelay      = 1 * time.Second
	DefaultMaxRetryDelay   = 30 * time.Second
	DefaultStallTimeout    = 5 * time.Second
	DefaultMetricsInterval = 30 * time.Second
	DefaultStopTimeout     = 5 * time.Second
)
