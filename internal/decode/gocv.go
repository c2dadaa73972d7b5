package decode

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// fallbackFPS is used for pacing when the container reports no usable
// frame rate.
const fallbackFPS = 30.0

// fileSource decodes a local video file through OpenCV. Frames are paced
// at the container's native rate so file playback approximates a live
// source, and the file end surfaces as ErrEndOfStream.
type fileSource struct {
	url    string
	cap    *gocv.VideoCapture
	frames chan Frame
	seq    uint64

	mu  sync.Mutex
	err error

	cancel    context.CancelFunc
	done      chan struct{}
	frameOnce sync.Once
	closeOnce sync.Once
}

func openFile(ctx context.Context, req Request) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	capture, err := gocv.VideoCaptureFile(req.URL)
	if err != nil {
		return nil, fmt.Errorf("decode: could not open %s: %w", req.URL, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("decode: could not open %s", req.URL)
	}

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 || fps > 240 {
		fps = fallbackFPS
	}

	pctx, cancel := context.WithCancel(context.Background())
	s := &fileSource{
		url:    req.URL,
		cap:    capture,
		frames: make(chan Frame, 2),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(pctx, req, time.Duration(float64(time.Second)/fps))

	slog.Debug("decode: file stream open",
		"url", req.URL,
		"native_fps", fps,
		"geometry", fmt.Sprintf("%dx%d", req.Width, req.Height),
	)
	return s, nil
}

// pump reads, normalizes, and delivers frames until the file is
// exhausted or the source is closed.
func (s *fileSource) pump(ctx context.Context, req Request, interval time.Duration) {
	defer close(s.done)

	img := gocv.NewMat()
	defer img.Close()
	resized := gocv.NewMat()
	defer resized.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.cap.Read(&img) {
			s.setErr(ErrEndOfStream)
			s.closeFrames()
			return
		}
		if img.Empty() {
			continue
		}
		if img.Type() != gocv.MatTypeCV8UC3 {
			slog.Warn("decode: skipping non-BGR frame",
				"url", s.url,
				"mat_type", int(img.Type()),
			)
			continue
		}

		out := img
		if img.Cols() != req.Width || img.Rows() != req.Height {
			gocv.Resize(img, &resized, image.Pt(req.Width, req.Height), 0, 0, gocv.InterpolationLinear)
			out = resized
		}

		data, err := out.ToBytes()
		if err != nil {
			slog.Warn("decode: failed to copy frame bytes", "url", s.url, "error", err)
			continue
		}

		frame := Frame{
			Seq:       atomic.AddUint64(&s.seq, 1),
			Timestamp: time.Now(),
			Width:     req.Width,
			Height:    req.Height,
			Data:      data,
			TraceID:   uuid.New().String(),
		}

		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		}

		// Approximate the container's native frame rate.
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

func (s *fileSource) Frames() <-chan Frame { return s.frames }

func (s *fileSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fileSource) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *fileSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if err := s.cap.Close(); err != nil {
			slog.Warn("decode: error closing capture", "url", s.url, "error", err)
		}
		s.closeFrames()
	})
	return nil
}

func (s *fileSource) closeFrames() {
	s.frameOnce.Do(func() { close(s.frames) })
}
