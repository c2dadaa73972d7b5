package streamingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry owns a set of named Connections, an optional persistent
// config store and the connection-state listener fan-out. All methods
// are safe for concurrent use; listeners are never invoked while the
// registry lock is held.
type Registry struct {
	mu        sync.RWMutex
	store     ConfigStore
	sources   map[string]*registeredSource
	listeners map[string]ConnectionListener
	activeID  string
}

type registeredSource struct {
	conn *Connection
	cfg  SourceConfig
}

// NewRegistry returns an empty registry. A nil store disables
// persistence; sources then live only in memory.
func NewRegistry(store ConfigStore) *Registry {
	return &Registry{
		store:     store,
		sources:   make(map[string]*registeredSource),
		listeners: make(map[string]ConnectionListener),
	}
}

// Add creates a Connection from cfg and registers it. The first source
// added becomes the active one. With a store configured the source is
// persisted; persistence failures are logged, not returned, since the
// in-memory registry is the source of truth.
func (r *Registry) Add(cfg SourceConfig) (*Connection, error) {
	return r.add(cfg, true)
}

func (r *Registry) add(cfg SourceConfig, persist bool) (*Connection, error) {
	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sources[cfg.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSourceExists, cfg.ID)
	}
	r.sources[cfg.ID] = &registeredSource{conn: conn, cfg: cfg}
	if r.activeID == "" {
		r.activeID = cfg.ID
	}
	store := r.store
	r.mu.Unlock()

	conn.OnConnectionChange(r.fanOut)

	if persist && store != nil {
		if err := store.SaveSource(cfg); err != nil {
			slog.Warn("registry: failed to persist source", "source", cfg.ID, "error", err)
		}
	}

	slog.Info("registry: source added", "source", cfg.ID, "url", cfg.URL)
	return conn, nil
}

// Remove stops the source if it is running and deletes it from the
// registry and the store. When the removed source was active, an
// arbitrary remaining source becomes active.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	delete(r.sources, id)
	if r.activeID == id {
		r.activeID = ""
		for remaining := range r.sources {
			r.activeID = remaining
			break
		}
	}
	store := r.store
	r.mu.Unlock()

	if src.conn.IsRunning() {
		if err := src.conn.Stop(); err != nil {
			slog.Warn("registry: stop during remove", "source", id, "error", err)
		}
	}

	if store != nil {
		if err := store.DeleteSource(id); err != nil {
			slog.Warn("registry: failed to delete persisted source", "source", id, "error", err)
		}
	}

	slog.Info("registry: source removed", "source", id)
	return nil
}

// Get returns the Connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return nil, false
	}
	return src.conn, true
}

// IDs returns all registered source ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SetActive marks id as the active source.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	r.activeID = id
	return nil
}

// Active returns the active source and its id, or (nil, "") when the
// registry is empty.
func (r *Registry) Active() (*Connection, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[r.activeID]
	if !ok {
		return nil, ""
	}
	return src.conn, r.activeID
}

// ConnectOption overrides source settings at connect time.
type ConnectOption func(*connectOverrides)

type connectOverrides struct {
	url       *string
	transport *Transport
}

// WithURL replaces the source URL before connecting.
func WithURL(url string) ConnectOption {
	return func(o *connectOverrides) { o.url = &url }
}

// WithTransport pins the RTSP transport before connecting.
func WithTransport(t Transport) ConnectOption {
	return func(o *connectOverrides) { o.transport = &t }
}

// Connect starts the source's decode worker, applying any overrides
// first and persisting them. Connecting an already running source is a
// no-op.
func (r *Registry) Connect(ctx context.Context, id string, opts ...ConnectOption) error {
	var o connectOverrides
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if o.url != nil {
		src.cfg.URL = *o.url
	}
	if o.transport != nil {
		src.cfg.Transport = *o.transport
	}
	cfg := src.cfg
	conn := src.conn
	store := r.store
	changed := o.url != nil || o.transport != nil
	r.mu.Unlock()

	if o.url != nil {
		conn.SetURL(*o.url)
	}
	if o.transport != nil {
		conn.SetTransport(*o.transport)
	}
	if changed && store != nil {
		if err := store.SaveSource(cfg); err != nil {
			slog.Warn("registry: failed to persist source", "source", id, "error", err)
		}
	}

	if conn.IsRunning() {
		slog.Debug("registry: source already connected", "source", id)
		return nil
	}
	if !conn.Start(ctx) {
		return fmt.Errorf("stream-ingest: source %s failed to start", id)
	}
	return nil
}

// Disconnect stops the source's decode worker.
func (r *Registry) Disconnect(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return conn.Stop()
}

// ConnectAll starts every registered source concurrently and returns
// the first error encountered. Every worker is parented on the
// caller's ctx; a source that fails to start does not disturb its
// siblings.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.IDs() {
		id := id
		g.Go(func() error {
			return r.Connect(ctx, id)
		})
	}
	return g.Wait()
}

// DisconnectAll stops every registered source.
func (r *Registry) DisconnectAll() {
	for _, id := range r.IDs() {
		if err := r.Disconnect(id); err != nil {
			slog.Warn("registry: disconnect failed", "source", id, "error", err)
		}
	}
}

// AddListener registers fn under a caller-chosen id. The listener
// receives the connected/disconnected edges of every source in the
// registry.
func (r *Registry) AddListener(id string, fn ConnectionListener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.listeners[id]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, id)
	}
	r.listeners[id] = fn
	return nil
}

// RemoveListener drops the listener registered under id.
func (r *Registry) RemoveListener(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.listeners[id]; !exists {
		return fmt.Errorf("%w: %s", ErrListenerNotFound, id)
	}
	delete(r.listeners, id)
	return nil
}

// fanOut relays a connection-state edge to every registered listener.
// It runs on the source's worker goroutine, so listeners must be quick;
// a panicking listener is logged and skipped.
func (r *Registry) fanOut(sourceID string, connected bool) {
	r.mu.RLock()
	snapshot := make([]ConnectionListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		snapshot = append(snapshot, fn)
	}
	r.mu.RUnlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("registry: listener panicked", "source", sourceID, "panic", rec)
				}
			}()
			fn(sourceID, connected)
		}()
	}
}

// ConnectedSources returns the sources that currently have an open
// stream, ordered by id. The result implements the narrow read surface
// the Synchronizer needs.
func (r *Registry) ConnectedSources() []FrameSource {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.sources))
	for _, src := range r.sources {
		conns = append(conns, src.conn)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })

	out := make([]FrameSource, 0, len(conns))
	for _, conn := range conns {
		if conn.IsConnected() {
			out = append(out, conn)
		}
	}
	return out
}

// Statuses returns a snapshot of every source's status keyed by id.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	conns := make(map[string]*Connection, len(r.sources))
	for id, src := range r.sources {
		conns[id] = src.conn
	}
	r.mu.RUnlock()

	out := make(map[string]Status, len(conns))
	for id, conn := range conns {
		out[id] = conn.Status()
	}
	return out
}

// Load reads every source from the store and registers the enabled
// ones, starting those marked auto_connect. It returns the number of
// sources registered. With no store configured it is a no-op.
func (r *Registry) Load(ctx context.Context) (int, error) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return 0, nil
	}

	configs, err := store.LoadSources()
	if err != nil {
		return 0, fmt.Errorf("stream-ingest: load sources: %w", err)
	}

	added := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			slog.Debug("registry: skipping disabled source", "source", cfg.ID)
			continue
		}
		if _, err := r.add(cfg, false); err != nil {
			slog.Warn("registry: skipping source from store", "source", cfg.ID, "error", err)
			continue
		}
		added++
		if cfg.AutoConnect {
			if err := r.Connect(ctx, cfg.ID); err != nil {
				slog.Warn("registry: auto-connect failed", "source", cfg.ID, "error", err)
			}
		}
	}

	slog.Info("registry: sources loaded", "count", added)
	return added, nil
}

// Close stops every source. The registry remains usable afterwards.
func (r *Registry) Close() {
	r.DisconnectAll()
}
