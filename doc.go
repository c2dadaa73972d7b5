// Package streamingest provides multi-source video stream acquisition
// with per-source lifecycle management, buffering and cross-source
// frame synchronization.
//
// A Connection wraps one video source (RTSP camera or local file) with
// a background decode worker, a bounded frame buffer, automatic
// reconnection with exponential backoff, stall detection and
// tcp/udp transport auto-switching. A Registry manages a named set of
// Connections with optional YAML persistence, and a Synchronizer pulls
// time-aligned frame snapshots across all connected sources.
//
// # Quick Start
//
// Capture frames from a single RTSP camera:
//
//	conn, err := streamingest.NewConnection(streamingest.SourceConfig{
//	    ID:  "cam-entrance",
//	    URL: "rtsp://192.168.1.100:554/stream",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	conn.Start(ctx)
//	defer conn.Stop()
//
//	for {
//	    frame := conn.GetFrame(2 * time.Second)
//	    // frame.Data holds Width×Height×3 BGR bytes, always well formed;
//	    // a black placeholder is returned while the source is down.
//	    process(frame)
//	}
//
// # Multiple Sources
//
// The Registry owns a named set of sources and fans connection-state
// changes out to listeners:
//
//	store := config.NewFileStore("sources.yaml")
//	reg := streamingest.NewRegistry(store)
//	reg.Add(streamingest.SourceConfig{ID: "cam-1", URL: "rtsp://..."})
//	reg.Add(streamingest.SourceConfig{ID: "hall", URL: "/video/hall.mp4"})
//
//	reg.AddListener("ui", func(id string, connected bool) {
//	    log.Printf("%s connected=%v", id, connected)
//	})
//
//	if err := reg.ConnectAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Close()
//
// # Synchronized Consumption
//
// The Synchronizer delivers every source's newest cached frame at an
// adaptive rate that tracks the slowest connected source; a source
// that drops out keeps delivering its last frame:
//
//	syncer := streamingest.NewSynchronizer(reg)
//	syncer.AddCallback("detector", func(id string, f streamingest.Frame) {
//	    detect(id, f)
//	})
//	syncer.Enable(true)
//	defer syncer.Enable(false)
//
// # Frame Format
//
// Frames are delivered as raw interleaved BGR bytes (BGRBGRBGR...),
// len(Data) == Width × Height × 3, resized to the configured geometry
// (640×480 by default). Frames carry a per-source sequence number, a
// capture timestamp and a trace id for log correlation.
//
// # Error Handling and Reconnection
//
// Configuration errors surface at construction time; everything after
// Start is handled by the worker. Transient failures reconnect with
// exponential backoff (1s, 2s, 4s, 8s, 16s, capped at 30s, reset on
// success). A live stream that stays silent for more than 5s is treated
// as stalled and reopened. Local files play at their native pace and
// stop the worker at end of stream instead of reconnecting. GetFrame
// never returns an error:
// when no frame arrives in time it degrades to a placeholder so
// downstream pipelines keep their cadence.
//
// # Transport Selection
//
// RTSP sources default to interleaved TCP. After 3 consecutive
// failures, or when the measured network quality drops below 0.3, the
// worker toggles to UDP (and back again if that also misbehaves).
// TestConnection and RecommendedTransport probe a source without
// touching the running worker.
//
// # Buffering
//
// Each source owns a bounded FIFO buffer (30 frames by default). When
// the consumer lags, the oldest frame is dropped. For network sources
// the capacity is retuned every 30s from the observed drop rate: above
// 10% drops the buffer grows by half (up to 60), below 1% it shrinks
// back toward the configured size.
//
// # Configuration Persistence
//
// The config subpackage persists source definitions to a YAML file and
// can watch it for external edits, feeding reloaded definitions back
// to the application.
//
// # Dependencies
//
// RTSP decode runs on GStreamer via go-gst; local files decode through
// OpenCV via gocv. Both need their native runtime installed:
//
//	# Ubuntu/Debian
//	sudo apt-get install \
//	    gstreamer1.0-tools \
//	    gstreamer1.0-plugins-base \
//	    gstreamer1.0-plugins-good \
//	    gstreamer1.0-plugins-bad \
//	    gstreamer1.0-libav \
//	    libopencv-dev
//
// Verify with:
//
//	gst-inspect-1.0 rtspsrc
//
// # Thread Safety
//
// All public methods on Connection, Registry and Synchronizer are safe
// for concurrent use. Listeners and callbacks run on internal worker
// goroutines and must not block.
//
// # Limitations
//
//   - RTSP and local files only (no HLS or WebRTC)
//   - H.264 video only on the RTSP path
//   - BGR output only (no YUV or compressed formats)
//   - No audio
package streamingest
