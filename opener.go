package streamingest

import (
	"context"
	"sync"

	"github.com/e7canasta/stream-ingest/internal/decode"
)

// defaultOpener adapts the internal decode backends to the public
// StreamOpener contract. It is what a Connection uses when no opener is
// injected.
type defaultOpener struct{}

func (defaultOpener) OpenStream(ctx context.Context, req OpenRequest) (FrameStream, error) {
	src, err := decode.Open(ctx, decode.Request{
		URL:       req.URL,
		Width:     req.Width,
		Height:    req.Height,
		Transport: string(req.Transport),
	})
	if err != nil {
		return nil, err
	}
	return newDecodeStream(src), nil
}

// decodeStream forwards internal decode frames to the public frame
// type. The forwarding goroutine exits when the backend closes its
// channel or when Close is called.
type decodeStream struct {
	src    decode.Source
	frames chan Frame
	closed chan struct{}
	once   sync.Once
}

func newDecodeStream(src decode.Source) *decodeStream {
	d := &decodeStream{
		src:    src,
		frames: make(chan Frame, 1),
		closed: make(chan struct{}),
	}
	go d.forward()
	return d
}

func (d *decodeStream) forward() {
	defer close(d.frames)
	for f := range d.src.Frames() {
		out := Frame{
			Seq:       f.Seq,
			Timestamp: f.Timestamp,
			Width:     f.Width,
			Height:    f.Height,
			Data:      f.Data,
			TraceID:   f.TraceID,
		}
		select {
		case d.frames <- out:
		case <-d.closed:
			return
		}
	}
}

func (d *decodeStream) Frames() <-chan Frame { return d.frames }

func (d *decodeStream) Err() error { return d.src.Err() }

func (d *decodeStream) Close() error {
	d.once.Do(func() { close(d.closed) })
	return d.src.Close()
}
