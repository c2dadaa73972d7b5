// Package config persists stream source definitions as a YAML file and
// can watch that file for external edits.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	streamingest "github.com/e7canasta/stream-ingest"
)

// fileSchema is the on-disk document shape.
type fileSchema struct {
	Sources []sourceRecord `yaml:"sources"`
}

// sourceRecord is the persisted form of one source. Enabled is a
// pointer so that sources written before the field existed default to
// enabled instead of silently dropping out.
type sourceRecord struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	URL         string `yaml:"url"`
	Width       int    `yaml:"resize_width,omitempty"`
	Height      int    `yaml:"resize_height,omitempty"`
	BufferSize  int    `yaml:"buffer_size,omitempty"`
	Transport   string `yaml:"rtsp_transport,omitempty"`
	AutoConnect bool   `yaml:"auto_connect,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

func (rec sourceRecord) toConfig() streamingest.SourceConfig {
	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	return streamingest.SourceConfig{
		ID:          rec.ID,
		Name:        rec.Name,
		URL:         rec.URL,
		Width:       rec.Width,
		Height:      rec.Height,
		BufferSize:  rec.BufferSize,
		Transport:   streamingest.Transport(rec.Transport),
		AutoConnect: rec.AutoConnect,
		Enabled:     enabled,
	}
}

func toRecord(cfg streamingest.SourceConfig) sourceRecord {
	enabled := cfg.Enabled
	return sourceRecord{
		ID:          cfg.ID,
		Name:        cfg.Name,
		URL:         cfg.URL,
		Width:       cfg.Width,
		Height:      cfg.Height,
		BufferSize:  cfg.BufferSize,
		Transport:   string(cfg.Transport),
		AutoConnect: cfg.AutoConnect,
		Enabled:     &enabled,
	}
}

// FileStore persists source configs to a single YAML file. Writes go
// through a temp file and rename so readers never observe a partial
// document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ streamingest.ConfigStore = (*FileStore)(nil)

// NewFileStore returns a store backed by the YAML file at path. The
// file does not need to exist yet; it is created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// LoadSources reads every source from the file. A missing file is an
// empty store, not an error. Records without an id are skipped.
func (s *FileStore) LoadSources() ([]streamingest.SourceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		return nil, err
	}

	configs := make([]streamingest.SourceConfig, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			slog.Warn("config: skipping source record without id", "file", s.path)
			continue
		}
		configs = append(configs, rec.toConfig())
	}
	return configs, nil
}

// SaveSource inserts or replaces the record for cfg.ID.
func (s *FileStore) SaveSource(cfg streamingest.SourceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("config: cannot save source without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		return err
	}

	replaced := false
	for i, rec := range records {
		if rec.ID == cfg.ID {
			records[i] = toRecord(cfg)
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, toRecord(cfg))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return s.writeRecords(records)
}

// DeleteSource removes the record for id. Deleting an unknown id is a
// no-op.
func (s *FileStore) DeleteSource(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readRecords()
	if err != nil {
		return err
	}

	kept := records[:0]
	for _, rec := range records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.writeRecords(kept)
}

func (s *FileStore) readRecords() ([]sourceRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", s.path, err)
	}

	var doc fileSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", s.path, err)
	}
	return doc.Sources, nil
}

func (s *FileStore) writeRecords(records []sourceRecord) error {
	data, err := yaml.Marshal(fileSchema{Sources: records})
	if err != nil {
		return fmt.Errorf("config: failed to encode sources: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sources-*.yaml")
	if err != nil {
		return fmt.Errorf("config: failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: failed to replace %s: %w", s.path, err)
	}
	return nil
}
