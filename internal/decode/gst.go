package decode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// rtspsrc protocols property values (GstRTSPLowerTrans flags):
// UDP=1, UDP_MCAST=2, TCP=4.
const (
	protocolsTCP = 4
	protocolsUDP = 3 // unicast + multicast
)

// openTimeout bounds how long an RTSP open may take to reach PLAYING.
const openTimeout = 10 * time.Second

// gstSource decodes an RTSP stream through a GStreamer pipeline:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	capsfilter(BGR,WxH) → appsink
//
// The appsink keeps only the latest buffer (max-buffers=1, drop=true) so
// a slow consumer sheds load before decode output piles up.
type gstSource struct {
	url      string
	pipeline *gst.Pipeline
	frames   chan Frame
	seq      uint64

	mu  sync.Mutex
	err error

	cancel    context.CancelFunc
	done      chan struct{}
	frameOnce sync.Once
	closeOnce sync.Once
}

func openRTSP(ctx context.Context, req Request) (Source, error) {
	gst.Init(nil)

	pipeline, appsink, rtspsrc, depay, err := buildRTSPPipeline(req)
	if err != nil {
		return nil, err
	}

	s := &gstSource{
		url:      req.URL,
		pipeline: pipeline,
		frames:   make(chan Frame, 2),
		done:     make(chan struct{}),
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, req.Width, req.Height)
		},
	})

	// rtspsrc pads are dynamic, link to the depayloader when they appear.
	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		sinkPad := depay.GetStaticPad("sink")
		if sinkPad == nil {
			slog.Error("decode: failed to get sink pad from rtph264depay")
			return
		}
		if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
			slog.Error("decode: failed to link rtspsrc pad",
				"src_pad", srcPad.GetName(),
				"ret", ret,
			)
			return
		}
		slog.Debug("decode: rtspsrc pad linked", "pad", srcPad.GetName())
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("decode: failed to start pipeline: %w", err)
	}

	// Block until the pipeline is actually delivering (PLAYING) or the
	// open fails, so the caller gets an honest connected/failed answer.
	if err := waitPlaying(ctx, pipeline, req.URL); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	mctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.monitor(mctx)

	slog.Debug("decode: rtsp stream open",
		"url", req.URL,
		"transport", req.Transport,
		"geometry", fmt.Sprintf("%dx%d", req.Width, req.Height),
	)
	return s, nil
}

// buildRTSPPipeline creates and links the pipeline elements. The
// pipeline is returned in NULL state; the caller starts it.
func buildRTSPPipeline(req Request) (*gst.Pipeline, *app.Sink, *gst.Element, *gst.Element, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", req.URL)
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000)) // 10s
	if req.Transport == "udp" {
		rtspsrc.SetProperty("protocols", protocolsUDP)
	} else {
		rtspsrc.SetProperty("protocols", protocolsTCP)
	}

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d", req.Width, req.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, capsfilter, appsink.Element)

	// rtspsrc links in the pad-added callback; everything after it is static.
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("decode: failed to link pipeline elements: %w", err)
	}

	return pipeline, appsink, rtspsrc, depay, nil
}

// waitPlaying polls the pipeline bus until PLAYING is reached or the
// open fails.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, url string) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(openTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("decode: rtsp open timeout for %s", url)
		}

		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyMessage(gerr.Error() + " " + gerr.DebugString())
			return fmt.Errorf("decode: rtsp open failed [%s]: %s", category.String(), gerr.Error())

		case gst.MessageEOS:
			return ErrEndOfStream

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					slog.Debug("decode: pipeline reached PLAYING state", "url", url)
					return nil
				}
			}
		}
	}
}

// onNewSample is called by GStreamer when a new frame is available.
// The buffer is copied out (GStreamer reuses it) and sent non-blocking;
// if the channel is full the frame is shed here, before the connection
// buffer ever sees it.
func (s *gstSource) onNewSample(sink *app.Sink, width, height int) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample should not kill the pipeline.
		slog.Warn("decode: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("decode: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("decode: empty buffer received")
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case s.frames <- frame:
	default:
		slog.Debug("decode: dropping frame, channel full", "seq", frame.Seq)
	}

	return gst.FlowOK
}

// monitor watches the pipeline bus and terminates the source on EOS or
// pipeline error. On the clean-shutdown path (context cancelled by
// Close) it returns without touching the pipeline; Close owns teardown.
// On the terminal path the pipeline is brought to NULL before the frame
// channel closes, so the appsink callback can never send on a closed
// channel.
func (s *gstSource) monitor(ctx context.Context) {
	defer close(s.done)

	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return

		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("decode: end of stream received", "url", s.url)
				s.setErr(ErrEndOfStream)
				s.pipeline.SetState(gst.StateNull)
				s.closeFrames()
				return

			case gst.MessageError:
				gerr := msg.ParseError()
				category := classifyMessage(gerr.Error() + " " + gerr.DebugString())
				slog.Error("decode: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
					"url", s.url,
				)
				s.setErr(fmt.Errorf("decode: pipeline error [%s]: %s", category.String(), gerr.Error()))
				s.pipeline.SetState(gst.StateNull)
				s.closeFrames()
				return
			}
		}
	}
}

func (s *gstSource) Frames() <-chan Frame { return s.frames }

func (s *gstSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *gstSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *gstSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.pipeline.SetState(gst.StateNull)
		s.closeFrames()
	})
	return nil
}

func (s *gstSource) closeFrames() {
	s.frameOnce.Do(func() { close(s.frames) })
}
