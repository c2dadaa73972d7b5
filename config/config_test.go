package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	streamingest "github.com/e7canasta/stream-ingest"
)

func storePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sources.yaml")
}

// TestFileStoreRoundtrip verifies sources survive a save/load cycle
// and come back sorted by id.
func TestFileStoreRoundtrip(t *testing.T) {
	store := NewFileStore(storePath(t))

	second := streamingest.SourceConfig{
		ID:          "cam-b",
		Name:        "Back door",
		URL:         "rtsp://192.168.1.11:554/stream",
		Width:       1280,
		Height:      720,
		BufferSize:  45,
		Transport:   streamingest.TransportUDP,
		AutoConnect: true,
		Enabled:     true,
	}
	first := streamingest.SourceConfig{
		ID:      "cam-a",
		URL:     "rtsp://192.168.1.10:554/stream",
		Enabled: true,
	}

	if err := store.SaveSource(second); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}
	if err := store.SaveSource(first); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}

	configs, err := store.LoadSources()
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(configs))
	}
	if configs[0].ID != "cam-a" || configs[1].ID != "cam-b" {
		t.Errorf("Expected sources sorted by id, got %s, %s", configs[0].ID, configs[1].ID)
	}

	got := configs[1]
	if got.Name != second.Name || got.URL != second.URL {
		t.Errorf("Source fields did not roundtrip: %+v", got)
	}
	if got.Width != 1280 || got.Height != 720 || got.BufferSize != 45 {
		t.Errorf("Geometry did not roundtrip: %+v", got)
	}
	if got.Transport != streamingest.TransportUDP || !got.AutoConnect || !got.Enabled {
		t.Errorf("Flags did not roundtrip: %+v", got)
	}
}

// TestFileStoreMissingFile verifies loading before the first save
// yields an empty store.
func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(storePath(t))

	configs, err := store.LoadSources()
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if len(configs) != 0 {
		t.Errorf("Expected no sources, got %d", len(configs))
	}
}

// TestFileStoreEnabledDefault verifies hand-edited files without an
// enabled key load as enabled, while an explicit false is honored.
func TestFileStoreEnabledDefault(t *testing.T) {
	path := storePath(t)
	doc := `sources:
  - id: cam-implicit
    url: rtsp://10.0.0.1/stream
  - id: cam-off
    url: rtsp://10.0.0.2/stream
    enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	configs, err := NewFileStore(path).LoadSources()
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("Expected 2 sources, got %d", len(configs))
	}
	if !configs[0].Enabled {
		t.Error("Expected source without enabled key to default to enabled")
	}
	if configs[1].Enabled {
		t.Error("Expected enabled: false to be honored")
	}
}

// TestFileStoreSaveReplaces verifies saving an existing id updates the
// record in place.
func TestFileStoreSaveReplaces(t *testing.T) {
	store := NewFileStore(storePath(t))

	cfg := streamingest.SourceConfig{ID: "cam", URL: "rtsp://old/stream", Enabled: true}
	if err := store.SaveSource(cfg); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}
	cfg.URL = "rtsp://new/stream"
	if err := store.SaveSource(cfg); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}

	configs, err := store.LoadSources()
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("Expected 1 source after replace, got %d", len(configs))
	}
	if configs[0].URL != "rtsp://new/stream" {
		t.Errorf("Expected updated URL, got %s", configs[0].URL)
	}
}

// TestFileStoreDelete verifies removal and that deleting an unknown id
// is a no-op.
func TestFileStoreDelete(t *testing.T) {
	store := NewFileStore(storePath(t))

	store.SaveSource(streamingest.SourceConfig{ID: "cam-a", URL: "rtsp://a/s", Enabled: true})
	store.SaveSource(streamingest.SourceConfig{ID: "cam-b", URL: "rtsp://b/s", Enabled: true})

	if err := store.DeleteSource("cam-a"); err != nil {
		t.Fatalf("DeleteSource failed: %v", err)
	}
	if err := store.DeleteSource("ghost"); err != nil {
		t.Errorf("Expected deleting unknown id to be a no-op, got %v", err)
	}

	configs, err := store.LoadSources()
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(configs) != 1 || configs[0].ID != "cam-b" {
		t.Errorf("Expected only cam-b to remain, got %+v", configs)
	}
}

// TestFileStoreSaveWithoutID verifies id-less configs are rejected.
func TestFileStoreSaveWithoutID(t *testing.T) {
	store := NewFileStore(storePath(t))
	if err := store.SaveSource(streamingest.SourceConfig{URL: "rtsp://a/s"}); err == nil {
		t.Error("Expected error saving a source without id")
	}
}

// TestFileStoreCorruptFile verifies parse errors are reported rather
// than treated as an empty store.
func TestFileStoreCorruptFile(t *testing.T) {
	path := storePath(t)
	if err := os.WriteFile(path, []byte("sources: [not: valid: yaml"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := NewFileStore(path).LoadSources(); err == nil {
		t.Error("Expected error for corrupt file")
	}
}

// TestFileStoreSkipsRecordsWithoutID verifies malformed records are
// dropped instead of failing the whole load.
func TestFileStoreSkipsRecordsWithoutID(t *testing.T) {
	path := storePath(t)
	doc := `sources:
  - url: rtsp://10.0.0.1/stream
  - id: cam
    url: rtsp://10.0.0.2/stream
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	configs, err := NewFileStore(path).LoadSources()
	if err != nil {
		t.Fatalf("LoadSources failed: %v", err)
	}
	if len(configs) != 1 || configs[0].ID != "cam" {
		t.Errorf("Expected only the record with an id, got %+v", configs)
	}
}

// TestFileStoreWatch verifies an external save is picked up and
// delivered through the watch callback after the debounce window.
func TestFileStoreWatch(t *testing.T) {
	store := NewFileStore(storePath(t))
	if err := store.SaveSource(streamingest.SourceConfig{ID: "cam-a", URL: "rtsp://a/s", Enabled: true}); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan []streamingest.SourceConfig, 4)
	if err := store.Watch(ctx, func(configs []streamingest.SourceConfig) {
		updates <- configs
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := store.SaveSource(streamingest.SourceConfig{ID: "cam-b", URL: "rtsp://b/s", Enabled: true}); err != nil {
		t.Fatalf("SaveSource failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case configs := <-updates:
			ids := make(map[string]bool, len(configs))
			for _, cfg := range configs {
				ids[cfg.ID] = true
			}
			if ids["cam-a"] && ids["cam-b"] {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for watch callback with both sources")
		}
	}
}
