package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// schemaDocument is the YAML layout of a registry file.
type schemaDocument struct {
	Sources []struct {
		DataSource `yaml:",inline"`
		Tables     []TableDescriptor `yaml:"tables"`
	} `yaml:"sources"`
}

// FileRegistry serves schema lookups from an in-memory cache loaded from a
// YAML document. Reads are lock-free for callers beyond an RWMutex; refresh
// is single-writer. With Watch enabled, the backing file is reloaded on
// change via fsnotify.
type FileRegistry struct {
	mu      sync.RWMutex
	sources map[string]DataSource
	tables  map[string]map[string]TableDescriptor // sourceID -> name -> descriptor

	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// FileRegistryOption configures a FileRegistry.
type FileRegistryOption func(*FileRegistry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FileRegistryOption {
	return func(r *FileRegistry) { r.logger = logger }
}

// LoadFile creates a registry from a YAML schema file.
func LoadFile(path string, opts ...FileRegistryOption) (*FileRegistry, error) {
	r := &FileRegistry{
		sources: make(map[string]DataSource),
		tables:  make(map[string]map[string]TableDescriptor),
		path:    path,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic creates a registry from already-built descriptors, primarily for
// tests and embedding callers that manage their own schema source.
func NewStatic(sources []DataSource, tables []TableDescriptor, opts ...FileRegistryOption) *FileRegistry {
	r := &FileRegistry{
		sources: make(map[string]DataSource, len(sources)),
		tables:  make(map[string]map[string]TableDescriptor),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, s := range sources {
		r.sources[s.ID] = s
	}
	for _, t := range tables {
		if r.tables[t.SourceID] == nil {
			r.tables[t.SourceID] = make(map[string]TableDescriptor)
		}
		r.tables[t.SourceID][t.Name] = t
	}
	return r
}

// Refresh reloads the schema file into the cache. Partial failures leave the
// previous cache intact.
func (r *FileRegistry) Refresh() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}

	var doc schemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse schema file: %w", err)
	}

	sources := make(map[string]DataSource, len(doc.Sources))
	tables := make(map[string]map[string]TableDescriptor, len(doc.Sources))
	for _, entry := range doc.Sources {
		if err := entry.DataSource.Validate(); err != nil {
			return fmt.Errorf("schema file: %w", err)
		}
		sources[entry.ID] = entry.DataSource
		byName := make(map[string]TableDescriptor, len(entry.Tables))
		for _, table := range entry.Tables {
			table.SourceID = entry.ID
			byName[table.Name] = table
		}
		tables[entry.ID] = byName
	}

	r.mu.Lock()
	r.sources = sources
	r.tables = tables
	r.mu.Unlock()

	r.logger.Debug("Schema registry refreshed", "path", r.path, "sources", len(sources))
	return nil
}

// Watch starts reloading the schema file on filesystem changes. Call Close
// to stop watching.
func (r *FileRegistry) Watch() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.path, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Refresh(); err != nil {
					r.logger.Warn("Schema refresh failed", "path", r.path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Schema watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if running.
func (r *FileRegistry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// ListSources implements Registry.
func (r *FileRegistry) ListSources() []DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DataSource, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSource implements Registry.
func (r *FileRegistry) GetSource(id string) *DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sources[id]; ok {
		return &s
	}
	return nil
}

// HasSource implements Registry and plan.SourceResolver.
func (r *FileRegistry) HasSource(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[id]
	return ok
}

// ListTables implements Registry. Pattern is a doublestar glob; empty matches
// all tables.
func (r *FileRegistry) ListTables(sourceID, pattern string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName, ok := r.tables[sourceID]
	if !ok {
		if _, known := r.sources[sourceID]; !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
		}
		return nil, nil
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		if pattern != "" {
			match, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			if !match {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetTable implements Registry.
func (r *FileRegistry) GetTable(sourceID, name string) (*TableDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, known := r.sources[sourceID]; !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	if t, ok := r.tables[sourceID][name]; ok {
		return &t, nil
	}
	return nil, nil
}

// ValidateCollection implements Registry.
func (r *FileRegistry) ValidateCollection(sourceID, name string) (bool, error) {
	t, err := r.GetTable(sourceID, name)
	if err != nil {
		return false, err
	}
	return t != nil, nil
}
