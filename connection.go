package streamingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/stream-ingest/internal/decode"
)

const (
	// maxConsecutiveFailures is the failure streak that forces a
	// transport toggle on network sources.
	maxConsecutiveFailures = 3

	// qualitySwitchThreshold is the network quality score below which
	// the transport is toggled.
	qualitySwitchThreshold = 0.3

	// restartPause is the settle time between stopping and restarting
	// a source during a manual transport switch.
	restartPause = 500 * time.Millisecond

	// Buffer auto-tuning thresholds. The buffer grows when more than
	// 10% of incoming frames are dropped and shrinks back toward its
	// configured size when drops fall under 1%.
	dropRateGrow       = 0.10
	dropRateShrink     = 0.01
	bufferGrowFactor   = 1.5
	bufferShrinkFactor = 0.8
	maxBufferCapacity  = 60

	stallCheckInterval = time.Second
	fpsWindow          = time.Second
)

// Connection manages the full lifecycle of a single video source: a
// background decode worker, a bounded frame buffer, reconnection with
// exponential backoff, stall detection and transport auto-switching.
//
// All methods are safe for concurrent use. A Connection never hands
// out an error from the frame path; GetFrame degrades to a placeholder
// frame so callers keep a steady cadence regardless of source health.
type Connection struct {
	id string

	mu             sync.RWMutex
	url            string
	transport      Transport
	running        bool
	gen            uint64
	cancel         context.CancelFunc
	done           chan struct{}
	baseCtx        context.Context
	onChange       ConnectionListener
	lastConnection time.Time

	width    int
	height   int
	baseline int

	buf         *frameBuffer
	placeholder Frame
	opener      StreamOpener

	retryDelay      time.Duration
	maxRetryDelay   time.Duration
	stallTimeout    time.Duration
	metricsInterval time.Duration
	stopTimeout     time.Duration

	// Hot counters, accessed with sync/atomic.
	connectedFlag       uint32
	attempts            uint64
	consecutiveFailures uint64
	framesReceived      uint64
	framesDropped       uint64
	intervalReceived    uint64
	intervalDropped     uint64
	transportSwitches   uint64
	errorsNetwork       uint64
	errorsCodec         uint64
	errorsAuth          uint64
	errorsUnknown       uint64
	lastFrameNano       int64
	fpsBits             uint64
}

// NewConnection validates cfg, applies defaults and returns a
// Connection ready to Start. The URL may be empty at construction and
// set later with SetURL; everything else is checked up front.
func NewConnection(cfg SourceConfig) (*Connection, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("stream-ingest: source id is required")
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("stream-ingest: invalid frame geometry %dx%d for source %s", cfg.Width, cfg.Height, cfg.ID)
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("stream-ingest: invalid buffer size %d for source %s", cfg.BufferSize, cfg.ID)
	}
	if cfg.Transport != "" && !cfg.Transport.Valid() {
		return nil, fmt.Errorf("stream-ingest: invalid transport %q for source %s (want tcp or udp)", cfg.Transport, cfg.ID)
	}

	width := cfg.Width
	if width == 0 {
		width = DefaultWidth
	}
	height := cfg.Height
	if height == 0 {
		height = DefaultHeight
	}
	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportTCP
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxRetryDelay := cfg.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = DefaultMaxRetryDelay
	}
	stallTimeout := cfg.StallTimeout
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	metricsInterval := cfg.MetricsInterval
	if metricsInterval <= 0 {
		metricsInterval = DefaultMetricsInterval
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	opener := cfg.Opener
	if opener == nil {
		opener = defaultOpener{}
	}

	c := &Connection{
		id:              cfg.ID,
		url:             cfg.URL,
		transport:       transport,
		width:           width,
		height:          height,
		baseline:        bufferSize,
		buf:             newFrameBuffer(bufferSize),
		opener:          opener,
		retryDelay:      retryDelay,
		maxRetryDelay:   maxRetryDelay,
		stallTimeout:    stallTimeout,
		metricsInterval: metricsInterval,
		stopTimeout:     stopTimeout,
		placeholder: Frame{
			Width:    width,
			Height:   height,
			Data:     make([]byte, width*height*3),
			SourceID: cfg.ID,
		},
	}
	return c, nil
}

// ID returns the source identifier.
func (c *Connection) ID() string { return c.id }

// Start launches the background decode worker. It returns false if the
// worker is already running or no URL is configured, true once the
// worker has been launched. Connection establishment itself happens
// asynchronously; observe it through OnConnectionChange or Status.
func (c *Connection) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		slog.Warn("stream-ingest: source already running", "source", c.id)
		return false
	}
	if strings.TrimSpace(c.url) == "" {
		slog.Error("stream-ingest: cannot start source without a URL", "source", c.id)
		return false
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.gen++
	c.baseCtx = ctx
	c.cancel = cancel
	c.done = done
	c.running = true

	go c.run(wctx, done, c.gen)

	slog.Info("stream-ingest: source starting",
		"source", c.id,
		"url", c.url,
		"transport", c.transport,
		"geometry", fmt.Sprintf("%dx%d", c.width, c.height))
	return true
}

// Stop cancels the decode worker and waits up to the configured stop
// timeout for it to exit. On timeout the worker is abandoned (it will
// still exit when its blocking call returns) and an error is reported.
// The frame buffer is drained either way. Stop is idempotent.
func (c *Connection) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.setConnected(false)
		return nil
	}
	cancel := c.cancel
	done := c.done
	timeout := c.stopTimeout
	c.mu.Unlock()

	cancel()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("stream-ingest: decode worker for %s did not exit within %s", c.id, timeout)
		slog.Warn("stream-ingest: abandoning decode worker", "source", c.id, "timeout", timeout)
	}

	c.setConnected(false)
	c.buf.Drain()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	slog.Info("stream-ingest: source stopped", "source", c.id)
	return err
}

// run is the decode worker. It owns the connect/consume/backoff cycle
// and exits only on context cancellation or a terminal condition.
func (c *Connection) run(ctx context.Context, done chan struct{}, gen uint64) {
	// Last line of defense: a panic escaping the retry cycle must not
	// take the process down with it.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream-ingest: decode worker panic", "source", c.id, "panic", r)
		}
	}()
	defer close(done)
	defer c.workerExit(gen)

	delay := c.retryDelay
	for {
		if ctx.Err() != nil {
			return
		}

		atomic.AddUint64(&c.attempts, 1)
		stream, err := c.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.recordFailure(err)
			if c.IsLocalFile() {
				slog.Error("stream-ingest: cannot open local file, giving up", "source", c.id, "error", err)
				return
			}
			c.evaluateSwitchPolicy()
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, c.maxRetryDelay)
			continue
		}
		if ctx.Err() != nil {
			stream.Close()
			return
		}

		c.markConnected()
		delay = c.retryDelay

		err = c.consume(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			return
		}

		switch {
		case errors.Is(err, ErrEndOfStream) && c.IsLocalFile():
			slog.Info("stream-ingest: local file exhausted", "source", c.id)
			return
		case errors.Is(err, errTransportSwitched):
			c.setConnected(false)
			delay = c.retryDelay
			if !sleepWithContext(ctx, delay) {
				return
			}
		default:
			c.recordFailure(err)
			c.evaluateSwitchPolicy()
			if !sleepWithContext(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, c.maxRetryDelay)
		}
	}
}

// workerExit clears the running state when the decode worker returns.
// A worker abandoned by Stop can exit long after a successor started;
// the generation check keeps it from touching the successor's state.
func (c *Connection) workerExit(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		slog.Debug("stream-ingest: stale decode worker exited", "source", c.id)
		return
	}
	c.running = false
	c.mu.Unlock()

	c.setConnected(false)
	c.storeFPS(0)
}

func (c *Connection) open(ctx context.Context) (FrameStream, error) {
	c.mu.RLock()
	req := OpenRequest{
		URL:       c.url,
		Width:     c.width,
		Height:    c.height,
		Transport: c.transport,
	}
	opener := c.opener
	c.mu.RUnlock()

	slog.Debug("stream-ingest: opening source", "source", c.id, "url", req.URL, "transport", req.Transport)
	return opener.OpenStream(ctx, req)
}

// consume pulls frames from an open stream until cancellation, a stall,
// a stream error or a transport policy decision. Panics from the frame
// path are contained here so the worker can reconnect instead of
// crashing the process.
func (c *Connection) consume(ctx context.Context, stream FrameStream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream-ingest: decode loop panic: %v", r)
			slog.Error("stream-ingest: recovered decode loop panic", "source", c.id, "panic", r)
		}
	}()

	// Stall detection and the periodic drop-rate evaluation apply to
	// live sources only; a local file plays at its own pace until EOS.
	var stallC, metricsC <-chan time.Time
	if !c.IsLocalFile() {
		// Check for stalls at least twice per stall timeout.
		checkEvery := stallCheckInterval
		if c.stallTimeout < 2*checkEvery {
			checkEvery = c.stallTimeout / 2
			if checkEvery < time.Millisecond {
				checkEvery = time.Millisecond
			}
		}
		stallTicker := time.NewTicker(checkEvery)
		defer stallTicker.Stop()
		metricsTicker := time.NewTicker(c.metricsInterval)
		defer metricsTicker.Stop()
		stallC = stallTicker.C
		metricsC = metricsTicker.C
	}

	window := make([]time.Time, 0, 64)
	frames := stream.Frames()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				if serr := stream.Err(); serr != nil {
					return serr
				}
				return ErrEndOfStream
			}
			window = c.ingest(f, window)

		case <-stallC:
			if c.sinceLastFrame() > c.stallTimeout {
				slog.Warn("stream-ingest: stream stalled", "source", c.id, "stall_timeout", c.stallTimeout)
				return errStalled
			}

		case <-metricsC:
			if c.evaluateInterval() {
				return errTransportSwitched
			}
		}
	}
}

// ingest stamps, buffers and accounts for a single frame, then updates
// the rolling one-second fps window.
func (c *Connection) ingest(f Frame, window []time.Time) []time.Time {
	now := time.Now()
	f.SourceID = c.id
	if f.TraceID == "" {
		f.TraceID = uuid.New().String()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}

	if c.buf.Push(f) {
		atomic.AddUint64(&c.framesDropped, 1)
		atomic.AddUint64(&c.intervalDropped, 1)
	}
	atomic.AddUint64(&c.framesReceived, 1)
	atomic.AddUint64(&c.intervalReceived, 1)
	atomic.StoreInt64(&c.lastFrameNano, now.UnixNano())

	window = append(window, now)
	cutoff := now.Add(-fpsWindow)
	trim := 0
	for trim < len(window) && window[trim].Before(cutoff) {
		trim++
	}
	window = window[trim:]
	c.storeFPS(float64(len(window)) / fpsWindow.Seconds())
	return window
}

// evaluateInterval runs once per metrics interval while a live stream
// is open: it retunes the buffer capacity from the observed drop rate,
// resets the interval counters and applies the transport switch policy.
// It reports whether the transport was toggled, in which case the
// caller must reopen the stream.
func (c *Connection) evaluateInterval() bool {
	received := atomic.SwapUint64(&c.intervalReceived, 0)
	dropped := atomic.SwapUint64(&c.intervalDropped, 0)

	dropRate := 0.0
	if received+dropped > 0 {
		dropRate = float64(dropped) / float64(received+dropped)
	}

	oldCap := c.buf.Cap()
	newCap := nextCapacity(oldCap, c.baseline, dropRate)
	if newCap != oldCap {
		c.buf.Resize(newCap)
		slog.Info("stream-ingest: frame buffer resized",
			"source", c.id,
			"from", oldCap,
			"to", newCap,
			"drop_rate", fmt.Sprintf("%.3f", dropRate))
	}

	failures := atomic.LoadUint64(&c.consecutiveFailures)
	quality := qualityScore(c.FPS(), dropRate, failures)
	if failures >= maxConsecutiveFailures || quality < qualitySwitchThreshold {
		from, to := c.swapTransport()
		slog.Warn("stream-ingest: switching transport",
			"source", c.id,
			"from", from,
			"to", to,
			"consecutive_failures", failures,
			"network_quality", fmt.Sprintf("%.2f", quality))
		return true
	}
	return false
}

// evaluateSwitchPolicy applies the transport switch policy between
// connection attempts, when no stream is open.
func (c *Connection) evaluateSwitchPolicy() {
	if c.IsLocalFile() {
		return
	}
	failures := atomic.LoadUint64(&c.consecutiveFailures)
	quality := c.NetworkQuality()
	if failures < maxConsecutiveFailures && quality >= qualitySwitchThreshold {
		return
	}
	from, to := c.swapTransport()
	slog.Warn("stream-ingest: switching transport",
		"source", c.id,
		"from", from,
		"to", to,
		"consecutive_failures", failures,
		"network_quality", fmt.Sprintf("%.2f", quality))
}

// swapTransport toggles tcp/udp, counts the switch and clears the
// failure streak so the new transport gets a clean run.
func (c *Connection) swapTransport() (from, to Transport) {
	c.mu.Lock()
	from = c.transport
	c.transport = from.Toggle()
	to = c.transport
	c.mu.Unlock()

	atomic.AddUint64(&c.transportSwitches, 1)
	atomic.StoreUint64(&c.consecutiveFailures, 0)
	return from, to
}

func (c *Connection) markConnected() {
	now := time.Now()
	atomic.StoreUint64(&c.consecutiveFailures, 0)
	atomic.StoreInt64(&c.lastFrameNano, now.UnixNano())

	c.mu.Lock()
	c.lastConnection = now
	url := c.url
	transport := c.transport
	c.mu.Unlock()

	c.setConnected(true)
	slog.Info("stream-ingest: source connected", "source", c.id, "url", url, "transport", transport)
}

func (c *Connection) recordFailure(err error) {
	failures := atomic.AddUint64(&c.consecutiveFailures, 1)
	c.countError(err)
	c.storeFPS(0)
	c.setConnected(false)
	slog.Warn("stream-ingest: stream failure",
		"source", c.id,
		"error", err,
		"consecutive_failures", failures)
}

func (c *Connection) countError(err error) {
	switch decode.Classify(err) {
	case decode.CategoryNetwork:
		atomic.AddUint64(&c.errorsNetwork, 1)
	case decode.CategoryCodec:
		atomic.AddUint64(&c.errorsCodec, 1)
	case decode.CategoryAuth:
		atomic.AddUint64(&c.errorsAuth, 1)
	default:
		atomic.AddUint64(&c.errorsUnknown, 1)
	}
}

// setConnected flips the connection flag and notifies the registered
// listener only on actual transitions.
func (c *Connection) setConnected(connected bool) {
	want := uint32(0)
	if connected {
		want = 1
	}
	if atomic.SwapUint32(&c.connectedFlag, want) == want {
		return
	}

	c.mu.RLock()
	listener := c.onChange
	c.mu.RUnlock()
	if listener == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream-ingest: connection listener panicked", "source", c.id, "panic", r)
		}
	}()
	listener(c.id, connected)
}

// OnConnectionChange registers fn to be invoked on every
// connected/disconnected edge. A nil fn clears the listener.
func (c *Connection) OnConnectionChange(fn ConnectionListener) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// GetFrame pops the oldest buffered frame, waiting up to timeout for
// one to arrive. When none shows up it returns a copy of the black
// placeholder frame stamped with the current time, so callers always
// get a well-formed frame and never an error.
func (c *Connection) GetFrame(timeout time.Duration) Frame {
	if f, ok := c.buf.Pop(timeout); ok {
		return f
	}
	ph := c.placeholder.Copy()
	ph.Timestamp = time.Now()
	return ph
}

// LatestFrame drains the buffer and returns the newest frame, or
// ok=false when the buffer is empty. Use it when freshness matters more
// than completeness.
func (c *Connection) LatestFrame() (Frame, bool) {
	return c.buf.DrainNewest()
}

// SetURL replaces the source URL. A running worker picks it up on its
// next connection attempt.
func (c *Connection) SetURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	slog.Info("stream-ingest: source URL updated", "source", c.id, "url", url)
}

// SetTransport pins the RTSP transport. Invalid values are ignored. A
// running worker picks it up on its next connection attempt; use
// SwitchTransport to force an immediate reconnect.
func (c *Connection) SetTransport(t Transport) {
	if !t.Valid() {
		slog.Warn("stream-ingest: ignoring invalid transport", "source", c.id, "transport", t)
		return
	}
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	slog.Info("stream-ingest: transport set", "source", c.id, "transport", t)
}

// SwitchTransport toggles between tcp and udp. If the source is running
// it is stopped, given a brief pause to release the old socket, and
// restarted on the new transport. The new transport is returned.
func (c *Connection) SwitchTransport() Transport {
	wasRunning := c.IsRunning()
	if wasRunning {
		if err := c.Stop(); err != nil {
			slog.Warn("stream-ingest: stop before transport switch", "source", c.id, "error", err)
		}
		time.Sleep(restartPause)
	}

	from, to := c.swapTransport()
	slog.Info("stream-ingest: transport switched", "source", c.id, "from", from, "to", to)

	if wasRunning {
		c.mu.RLock()
		ctx := c.baseCtx
		c.mu.RUnlock()
		if ctx == nil {
			ctx = context.Background()
		}
		c.Start(ctx)
	}
	return to
}

// IsRunning reports whether the decode worker is active.
func (c *Connection) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// IsConnected reports whether a stream is currently open and healthy.
func (c *Connection) IsConnected() bool {
	return atomic.LoadUint32(&c.connectedFlag) == 1
}

// IsLocalFile reports whether the current URL points at a local video
// file rather than a network stream.
func (c *Connection) IsLocalFile() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isLocalURL(c.url)
}

// FPS returns the frame rate measured over the last second.
func (c *Connection) FPS() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.fpsBits))
}

// NetworkQuality scores stream health in [0,1] from the measured fps,
// the current drop rate and the failure streak. Local files always
// score 1.
func (c *Connection) NetworkQuality() float64 {
	if c.IsLocalFile() {
		return 1.0
	}
	return qualityScore(c.FPS(), c.currentDropRate(), atomic.LoadUint64(&c.consecutiveFailures))
}

// Status returns a point-in-time snapshot of the connection state and
// counters.
func (c *Connection) Status() Status {
	c.mu.RLock()
	url := c.url
	transport := c.transport
	running := c.running
	last := c.lastConnection
	c.mu.RUnlock()

	return Status{
		ID:                 c.id,
		URL:                url,
		Transport:          transport,
		ConnectionOK:       c.IsConnected(),
		IsRunning:          running,
		IsLocalFile:        isLocalURL(url),
		FPS:                c.FPS(),
		Width:              c.width,
		Height:             c.height,
		QueueSize:          c.buf.Len(),
		BufferSize:         c.buf.Cap(),
		ConnectionAttempts: atomic.LoadUint64(&c.attempts),
		LastConnectionTime: last,
		FrameDropRate:      c.currentDropRate(),
		NetworkQuality:     c.NetworkQuality(),
		FramesReceived:     atomic.LoadUint64(&c.framesReceived),
		FramesDropped:      atomic.LoadUint64(&c.framesDropped),
		TransportSwitches:  atomic.LoadUint64(&c.transportSwitches),
		ErrorsNetwork:      atomic.LoadUint64(&c.errorsNetwork),
		ErrorsCodec:        atomic.LoadUint64(&c.errorsCodec),
		ErrorsAuth:         atomic.LoadUint64(&c.errorsAuth),
		ErrorsUnknown:      atomic.LoadUint64(&c.errorsUnknown),
	}
}

func (c *Connection) currentDropRate() float64 {
	received := atomic.LoadUint64(&c.intervalReceived)
	dropped := atomic.LoadUint64(&c.intervalDropped)
	if received+dropped == 0 {
		return 0
	}
	return float64(dropped) / float64(received+dropped)
}

func (c *Connection) sinceLastFrame() time.Duration {
	return time.Since(time.Unix(0, atomic.LoadInt64(&c.lastFrameNano)))
}

func (c *Connection) storeFPS(fps float64) {
	atomic.StoreUint64(&c.fpsBits, math.Float64bits(fps))
}

// qualityScore weighs fps against a 30fps target (30%), the inverse
// drop rate (40%) and the failure streak with full penalty at 10
// failures (30%). The result is clamped to [0,1].
func qualityScore(fps, dropRate float64, failures uint64) float64 {
	fpsPart := fps / 30.0
	if fpsPart > 1 {
		fpsPart = 1
	}
	failurePart := 1.0 - float64(failures)/10.0
	if failurePart < 0 {
		failurePart = 0
	}
	score := 0.3*fpsPart + 0.4*(1.0-dropRate) + 0.3*failurePart
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// nextCapacity decides the buffer capacity for the next metrics
// interval. High drop rates grow the buffer by half up to the cap; once
// drops subside the buffer shrinks back toward its configured size.
func nextCapacity(current, baseline int, dropRate float64) int {
	switch {
	case dropRate > dropRateGrow:
		grown := int(float64(current) * bufferGrowFactor)
		if grown > maxBufferCapacity {
			grown = maxBufferCapacity
		}
		return grown
	case dropRate < dropRateShrink && current > baseline:
		shrunk := int(float64(current) * bufferShrinkFactor)
		if shrunk < baseline {
			shrunk = baseline
		}
		return shrunk
	default:
		return current
	}
}

// nextBackoff doubles the reconnect delay up to max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepWithContext sleeps for d unless ctx is cancelled first. It
// reports whether the full sleep completed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
