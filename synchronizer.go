package streamingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// historyDepth caps the per-source frame history kept for
	// correlation across sources.
	historyDepth = 30

	// The sync period adapts to the slowest connected source but is
	// clamped between 60Hz and 5Hz.
	minSyncPeriod = time.Second / 60
	maxSyncPeriod = time.Second / 5

	// periodSmoothing is the weight of the previous period in the
	// exponential moving average; the target period gets the rest.
	periodSmoothing = 0.8
)

// Synchronizer periodically pulls the newest frame from every
// connected source and hands the per-source snapshots to registered
// callbacks. Sources that disconnect keep delivering their last cached
// frame. The period tracks the slowest source so callbacks see fresh
// frames without busy-polling fast ones.
type Synchronizer struct {
	sources SourceProvider

	mu        sync.Mutex
	enabled   bool
	cancel    context.CancelFunc
	done      chan struct{}
	callbacks map[string]FrameCallback
	latest    map[string]Frame
	history   map[string][]TimedFrame
	period    time.Duration
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithInitialPeriod sets the period used before any fps measurements
// arrive.
func WithInitialPeriod(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.period = d
		}
	}
}

// NewSynchronizer returns a disabled Synchronizer reading from sources.
// Call Enable(true) to start the sync loop.
func NewSynchronizer(sources SourceProvider, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		sources:   sources,
		callbacks: make(map[string]FrameCallback),
		latest:    make(map[string]Frame),
		history:   make(map[string][]TimedFrame),
		period:    time.Second / 30,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enable starts or stops the sync loop. Disabling blocks until the
// loop goroutine has exited; both directions are idempotent.
func (s *Synchronizer) Enable(enabled bool) {
	s.mu.Lock()
	if enabled == s.enabled {
		s.mu.Unlock()
		return
	}

	if enabled {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.cancel = cancel
		s.done = done
		s.enabled = true
		s.mu.Unlock()

		go s.loop(ctx, done)
		slog.Info("sync: enabled")
		return
	}

	cancel := s.cancel
	done := s.done
	s.enabled = false
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("sync: disabled")
}

// IsEnabled reports whether the sync loop is running.
func (s *Synchronizer) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// AddCallback registers fn under a caller-chosen id. Each enabled tick
// invokes fn once per source with that source's newest frame.
func (s *Synchronizer) AddCallback(id string, fn FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.callbacks[id]; exists {
		return fmt.Errorf("%w: %s", ErrCallbackExists, id)
	}
	s.callbacks[id] = fn
	return nil
}

// RemoveCallback drops the callback registered under id.
func (s *Synchronizer) RemoveCallback(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.callbacks[id]; !exists {
		return fmt.Errorf("%w: %s", ErrCallbackNotFound, id)
	}
	delete(s.callbacks, id)
	return nil
}

// Period returns the current adaptive sync period.
func (s *Synchronizer) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// History returns a copy of the retained frame history for a source,
// oldest first.
func (s *Synchronizer) History(sourceID string) []TimedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[sourceID]
	out := make([]TimedFrame, len(h))
	copy(out, h)
	return out
}

func (s *Synchronizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		start := time.Now()
		s.runOnce()

		wait := s.Period() - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce executes a single sync tick: collect the newest frame and
// fps from every connected source, refresh the caches, adapt the
// period and dispatch callbacks outside the lock. A source that drops
// out of the connected set keeps contributing its last cached frame,
// so consumers see a frozen picture rather than a vanishing source.
func (s *Synchronizer) runOnce() {
	connected := s.sources.ConnectedSources()
	now := time.Now()

	minFPS := 0.0
	fresh := make(map[string]Frame, len(connected))
	for _, src := range connected {
		if fps := src.FPS(); fps > 0 && (minFPS == 0 || fps < minFPS) {
			minFPS = fps
		}
		if f, ok := src.LatestFrame(); ok {
			fresh[src.ID()] = f
		}
	}

	s.mu.Lock()
	for id, f := range fresh {
		s.latest[id] = f
		h := append(s.history[id], TimedFrame{Timestamp: now, Frame: f})
		if len(h) > historyDepth {
			h = h[len(h)-historyDepth:]
		}
		s.history[id] = h
	}
	dispatch := make(map[string]Frame, len(s.latest))
	for id, f := range s.latest {
		dispatch[id] = f
	}
	callbacks := make([]FrameCallback, 0, len(s.callbacks))
	for _, fn := range s.callbacks {
		callbacks = append(callbacks, fn)
	}
	s.period = adaptPeriod(s.period, minFPS)
	s.mu.Unlock()

	if len(dispatch) == 0 || len(callbacks) == 0 {
		return
	}

	order := make([]string, 0, len(dispatch))
	for id := range dispatch {
		order = append(order, id)
	}
	sort.Strings(order)

	for _, fn := range callbacks {
		for _, id := range order {
			s.invoke(fn, id, dispatch[id])
		}
	}
}

// invoke shields the sync loop from callback panics.
func (s *Synchronizer) invoke(fn FrameCallback, id string, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync: frame callback panicked", "source", id, "panic", r)
		}
	}()
	fn(id, f)
}

// adaptPeriod moves the period toward the frame interval of the
// slowest source, smoothed to avoid jitter and clamped to the
// supported range. Without fps measurements the period only gets
// clamped.
func adaptPeriod(current time.Duration, minFPS float64) time.Duration {
	next := current
	if minFPS > 0 {
		target := time.Duration(float64(time.Second) / minFPS)
		next = time.Duration(periodSmoothing*float64(current) + (1-periodSmoothing)*float64(target))
	}
	if next < minSyncPeriod {
		return minSyncPeriod
	}
	if next > maxSyncPeriod {
		return maxSyncPeriod
	}
	return next
}
