package streamingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory ConfigStore recording every mutation.
type stubStore struct {
	mu         sync.Mutex
	saved      map[string]SourceConfig
	deleted    []string
	loadResult []SourceConfig
	loadErr    error
}

func (s *stubStore) LoadSources() ([]SourceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.loadResult, nil
}

func (s *stubStore) SaveSource(cfg SourceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]SourceConfig)
	}
	s.saved[cfg.ID] = cfg
	return nil
}

func (s *stubStore) DeleteSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubStore) savedConfig(id string) (SourceConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.saved[id]
	return cfg, ok
}

func (s *stubStore) wasDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deleted {
		if d == id {
			return true
		}
	}
	return false
}

// TestRegistryAddGetRemove verifies the basic source lifecycle in the
// registry.
func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry(nil)

	conn, err := reg.Add(SourceConfig{ID: "cam-a", URL: "rtsp://a/1"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if conn.ID() != "cam-a" {
		t.Errorf("Expected id cam-a, got %q", conn.ID())
	}

	got, ok := reg.Get("cam-a")
	if !ok || got != conn {
		t.Error("Get did not return the registered connection")
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("Get returned a connection for an unknown id")
	}

	if err := reg.Remove("cam-a"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if err := reg.Remove("cam-a"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}

// TestRegistryAddDuplicate verifies duplicate ids are rejected.
func TestRegistryAddDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Add(SourceConfig{ID: "cam"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := reg.Add(SourceConfig{ID: "cam"}); !errors.Is(err, ErrSourceExists) {
		t.Errorf("Expected ErrSourceExists, got %v", err)
	}
}

// TestRegistryAddInvalidConfig verifies constructor validation
// propagates through Add.
func TestRegistryAddInvalidConfig(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Add(SourceConfig{URL: "rtsp://a/1"}); err == nil {
		t.Error("Expected an error for a config without id")
	}
	if len(reg.IDs()) != 0 {
		t.Error("Invalid config should not be registered")
	}
}

// TestRegistryActiveTracking verifies active source selection and
// reassignment on removal.
func TestRegistryActiveTracking(t *testing.T) {
	reg := NewRegistry(nil)

	if conn, id := reg.Active(); conn != nil || id != "" {
		t.Error("Empty registry should have no active source")
	}

	reg.Add(SourceConfig{ID: "cam-a"})
	reg.Add(SourceConfig{ID: "cam-b"})

	if _, id := reg.Active(); id != "cam-a" {
		t.Errorf("Expected first added source active, got %q", id)
	}

	if err := reg.SetActive("cam-b"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if _, id := reg.Active(); id != "cam-b" {
		t.Errorf("Expected cam-b active, got %q", id)
	}
	if err := reg.SetActive("ghost"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}

	if err := reg.Remove("cam-b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, id := reg.Active(); id != "cam-a" {
		t.Errorf("Expected active reassigned to cam-a, got %q", id)
	}

	reg.Remove("cam-a")
	if conn, id := reg.Active(); conn != nil || id != "" {
		t.Error("Expected no active source after removing everything")
	}
}

// TestRegistryIDsSorted verifies IDs returns a stable sorted listing.
func TestRegistryIDsSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, id := range []string{"zulu", "alpha", "mike"} {
		if _, err := reg.Add(SourceConfig{ID: id}); err != nil {
			t.Fatalf("Add(%s) failed: %v", id, err)
		}
	}

	ids := reg.IDs()
	want := []string{"alpha", "mike", "zulu"}
	if len(ids) != len(want) {
		t.Fatalf("Expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

// TestRegistryPersistsThroughStore verifies Add, Remove and connect
// overrides reach the config store.
func TestRegistryPersistsThroughStore(t *testing.T) {
	store := &stubStore{}
	reg := NewRegistry(store)

	opener := &scriptOpener{preload: 1}
	cfg := fastConfig("cam", "rtsp://old/stream", opener)
	if _, err := reg.Add(cfg); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if saved, ok := store.savedConfig("cam"); !ok || saved.URL != "rtsp://old/stream" {
		t.Errorf("Expected saved URL rtsp://old/stream, got %+v ok=%v", saved, ok)
	}

	if err := reg.Connect(context.Background(), "cam", WithURL("rtsp://new/stream"), WithTransport(TransportUDP)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer reg.Close()

	saved, _ := store.savedConfig("cam")
	if saved.URL != "rtsp://new/stream" {
		t.Errorf("Expected override URL persisted, got %q", saved.URL)
	}
	if saved.Transport != TransportUDP {
		t.Errorf("Expected override transport persisted, got %q", saved.Transport)
	}

	conn, _ := reg.Get("cam")
	if s := conn.Status(); s.URL != "rtsp://new/stream" || s.Transport != TransportUDP {
		t.Errorf("Expected overrides applied to connection, got url=%q transport=%q", s.URL, s.Transport)
	}

	if err := reg.Remove("cam"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !store.wasDeleted("cam") {
		t.Error("Expected Remove to delete the persisted source")
	}
}

// TestRegistryConnectLifecycle verifies Connect and Disconnect against
// a working source.
func TestRegistryConnectLifecycle(t *testing.T) {
	reg := NewRegistry(nil)

	if err := reg.Connect(context.Background(), "ghost"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}

	opener := &scriptOpener{preload: 1}
	reg.Add(fastConfig("cam", "rtsp://cam/1", opener))

	if err := reg.Connect(context.Background(), "cam"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn, _ := reg.Get("cam")
	waitFor(t, 2*time.Second, "source connected", conn.IsConnected)

	// Connecting a running source is a no-op.
	if err := reg.Connect(context.Background(), "cam"); err != nil {
		t.Errorf("Second Connect should be a no-op, got %v", err)
	}

	if err := reg.Disconnect("cam"); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
	if conn.IsRunning() {
		t.Error("Source still running after Disconnect")
	}
	if err := reg.Disconnect("ghost"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("Expected ErrSourceNotFound, got %v", err)
	}
}

// TestRegistryConnectAll verifies the parallel fan-out connects every
// source, that the workers outlive the fan-out itself and that Close
// stops them all.
func TestRegistryConnectAll(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Add(fastConfig("cam-a", "rtsp://a/1", &scriptOpener{preload: 1}))
	reg.Add(fastConfig("cam-b", "rtsp://b/1", &scriptOpener{preload: 1}))

	if err := reg.ConnectAll(context.Background()); err != nil {
		t.Fatalf("ConnectAll failed: %v", err)
	}

	for _, id := range reg.IDs() {
		conn, _ := reg.Get(id)
		waitFor(t, 2*time.Second, "source "+id+" connected", conn.IsConnected)
	}

	time.Sleep(100 * time.Millisecond)
	for _, id := range reg.IDs() {
		conn, _ := reg.Get(id)
		if !conn.IsRunning() {
			t.Errorf("Source %s stopped running after ConnectAll returned", id)
		}
		if !conn.IsConnected() {
			t.Errorf("Source %s lost its connection after ConnectAll returned", id)
		}
	}

	reg.Close()
	for _, id := range reg.IDs() {
		conn, _ := reg.Get(id)
		if conn.IsRunning() {
			t.Errorf("Source %s still running after Close", id)
		}
	}
}

// TestRegistryConnectAllPropagatesFailure verifies a source that
// cannot start surfaces an error from ConnectAll without disturbing
// its healthy siblings.
func TestRegistryConnectAllPropagatesFailure(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()
	reg.Add(fastConfig("good", "rtsp://a/1", &scriptOpener{preload: 1}))
	reg.Add(SourceConfig{ID: "bad", Opener: &scriptOpener{}})

	if err := reg.ConnectAll(context.Background()); err == nil {
		t.Error("Expected ConnectAll to report the unstartable source")
	}

	good, _ := reg.Get("good")
	waitFor(t, 2*time.Second, "good source connected", good.IsConnected)
	time.Sleep(100 * time.Millisecond)
	if !good.IsRunning() || !good.IsConnected() {
		t.Error("Expected the healthy source to survive its sibling's failure")
	}
}

// TestRegistryListenerFanOut verifies listeners receive connection
// edges from every source and that registration is validated.
func TestRegistryListenerFanOut(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()

	var mu sync.Mutex
	type edge struct {
		id        string
		connected bool
	}
	var got []edge

	if err := reg.AddListener("ui", func(id string, connected bool) {
		mu.Lock()
		got = append(got, edge{id, connected})
		mu.Unlock()
	}); err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	if err := reg.AddListener("ui", func(string, bool) {}); !errors.Is(err, ErrListenerExists) {
		t.Errorf("Expected ErrListenerExists, got %v", err)
	}
	if err := reg.RemoveListener("ghost"); !errors.Is(err, ErrListenerNotFound) {
		t.Errorf("Expected ErrListenerNotFound, got %v", err)
	}

	reg.Add(fastConfig("cam", "rtsp://cam/1", &scriptOpener{preload: 1}))
	if err := reg.Connect(context.Background(), "cam"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, "listener received connected edge", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.id == "cam" && e.connected {
				return true
			}
		}
		return false
	})

	if err := reg.RemoveListener("ui"); err != nil {
		t.Errorf("RemoveListener failed: %v", err)
	}
}

// TestRegistryListenerPanicIsolated verifies one bad listener cannot
// starve the others.
func TestRegistryListenerPanicIsolated(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()

	reg.AddListener("bad", func(string, bool) {
		panic("listener exploded")
	})

	var mu sync.Mutex
	received := false
	reg.AddListener("good", func(id string, connected bool) {
		mu.Lock()
		received = true
		mu.Unlock()
	})

	reg.Add(fastConfig("cam", "rtsp://cam/1", &scriptOpener{preload: 1}))
	if err := reg.Connect(context.Background(), "cam"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, "good listener still notified", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	})
}

// TestRegistryConnectedSources verifies only sources with an open
// stream are reported.
func TestRegistryConnectedSources(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()

	reg.Add(fastConfig("up", "rtsp://a/1", &scriptOpener{preload: 1}))
	reg.Add(fastConfig("down", "rtsp://b/1", &scriptOpener{preload: 1}))

	if err := reg.Connect(context.Background(), "up"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	upConn, _ := reg.Get("up")
	waitFor(t, 2*time.Second, "source connected", upConn.IsConnected)

	sources := reg.ConnectedSources()
	if len(sources) != 1 {
		t.Fatalf("Expected 1 connected source, got %d", len(sources))
	}
	if sources[0].ID() != "up" {
		t.Errorf("Expected connected source up, got %q", sources[0].ID())
	}
}

// TestRegistryStatuses verifies the aggregate snapshot covers every
// registered source.
func TestRegistryStatuses(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Add(SourceConfig{ID: "cam-a", URL: "rtsp://a/1"})
	reg.Add(SourceConfig{ID: "cam-b", URL: "/video/b.mp4"})

	statuses := reg.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if s, ok := statuses["cam-b"]; !ok || !s.IsLocalFile {
		t.Errorf("Expected cam-b reported as local file, got %+v", s)
	}
	if s, ok := statuses["cam-a"]; !ok || s.IsLocalFile {
		t.Errorf("Expected cam-a reported as network source, got %+v", s)
	}
}

// TestRegistryLoad verifies enabled sources are registered from the
// store and auto_connect sources are started.
func TestRegistryLoad(t *testing.T) {
	store := &stubStore{
		loadResult: []SourceConfig{
			func() SourceConfig {
				cfg := fastConfig("auto", "rtsp://a/1", &scriptOpener{preload: 1})
				cfg.AutoConnect = true
				cfg.Enabled = true
				return cfg
			}(),
			func() SourceConfig {
				cfg := fastConfig("manual", "rtsp://b/1", &scriptOpener{preload: 1})
				cfg.Enabled = true
				return cfg
			}(),
			{ID: "disabled", URL: "rtsp://c/1", Enabled: false},
		},
	}
	reg := NewRegistry(store)
	defer reg.Close()

	added, err := reg.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 sources loaded, got %d", added)
	}
	if _, ok := reg.Get("disabled"); ok {
		t.Error("Disabled source should not be registered")
	}

	autoConn, ok := reg.Get("auto")
	if !ok {
		t.Fatal("auto source not registered")
	}
	waitFor(t, 2*time.Second, "auto_connect source running", autoConn.IsRunning)

	manualConn, _ := reg.Get("manual")
	if manualConn.IsRunning() {
		t.Error("manual source should not auto-start")
	}
}

// TestRegistryLoadErrors verifies store failures surface and a nil
// store loads nothing.
func TestRegistryLoadErrors(t *testing.T) {
	reg := NewRegistry(&stubStore{loadErr: errors.New("disk on fire")})
	if _, err := reg.Load(context.Background()); err == nil {
		t.Error("Expected Load to propagate the store error")
	}

	empty := NewRegistry(nil)
	n, err := empty.Load(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil) from nil-store Load, got (%d, %v)", n, err)
	}
}
