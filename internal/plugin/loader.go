package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/nyx/internal/logging"
)

// Manifest declares a module in a YAML or JSON file.
type Manifest struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	Keywords     []string `yaml:"keywords" json:"keywords,omitempty"`
	Patterns     []string `yaml:"patterns" json:"patterns,omitempty"`
	Confidence   int      `yaml:"confidence" json:"confidence,omitempty"`
	Response     string   `yaml:"response" json:"response,omitempty"`
	ResponseType string   `yaml:"response_type" json:"response_type,omitempty"`
	// Command is run through the executor; "{{input}}" is replaced with the
	// captured text of the first matching pattern.
	Command  string `yaml:"command" json:"command,omitempty"`
	Disabled bool   `yaml:"disabled" json:"disabled,omitempty"`
}

// Validate checks the fields every manifest needs.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	if len(m.Keywords) == 0 && len(m.Patterns) == 0 {
		return fmt.Errorf("manifest %s declares neither keywords nor patterns", m.Name)
	}
	if m.Confidence < 0 || m.Confidence > 100 {
		return fmt.Errorf("manifest %s confidence must be within [0,100]", m.Name)
	}
	return nil
}

// Builder turns a manifest into a module.
type Builder func(*Manifest) (Module, error)

// LoadFault records a manifest that could not be loaded.
type LoadFault struct {
	Path string
	Err  error
}

func (f LoadFault) Error() string { return fmt.Sprintf("%s: %v", f.Path, f.Err) }

// Loader reads manifests from a directory and keeps the registry in sync
// with them.
type Loader struct {
	dir      string
	registry *Registry
	build    Builder

	mu     sync.Mutex
	byPath map[string]string // manifest path -> module name
}

// NewLoader creates a loader for manifests in dir.
func NewLoader(dir string, registry *Registry, build Builder) *Loader {
	return &Loader{
		dir:      dir,
		registry: registry,
		build:    build,
		byPath:   make(map[string]string),
	}
}

// Dir returns the manifest directory.
func (l *Loader) Dir() string { return l.dir }

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// LoadManifest parses a manifest file, choosing the codec by extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadAll loads every manifest in the directory. A manifest that fails is
// skipped and reported; the others still load.
func (l *Loader) LoadAll() []LoadFault {
	logger := logging.Component("registry")

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info().Str("dir", l.dir).Msg("manifest directory not found, no manifest modules loaded")
			return nil
		}
		return []LoadFault{{Path: l.dir, Err: err}}
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(l.dir, e.Name()))
	}
	sort.Strings(paths)

	var faults []LoadFault
	for _, path := range paths {
		if _, err := l.LoadFile(path); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("failed to load module manifest")
			faults = append(faults, LoadFault{Path: path, Err: err})
		}
	}
	return faults
}

// LoadFile registers or reloads the module declared at path and returns the
// change applied. A disabled manifest unregisters its module.
func (l *Loader) LoadFile(path string) (ChangeKind, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	previous, known := l.byPath[path]
	l.mu.Unlock()

	// The file was renamed internally to a different module name.
	if known && previous != m.Name {
		_ = l.registry.Unregister(previous)
		known = false
	}

	if m.Disabled {
		l.forget(path)
		if l.registry.Has(m.Name) {
			return ChangeUnregistered, l.registry.Unregister(m.Name)
		}
		return "", nil
	}

	if known && l.registry.Has(m.Name) {
		if _, err := l.registry.Reload(m.Name); err != nil {
			return "", err
		}
		return ChangeReloaded, nil
	}

	factory := func() (Module, error) {
		fresh, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		return l.build(fresh)
	}
	if err := l.registry.RegisterFactory(factory); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.byPath[path] = m.Name
	l.mu.Unlock()
	return ChangeRegistered, nil
}

// Remove unregisters the module that was loaded from path.
func (l *Loader) Remove(path string) error {
	name, ok := l.forget(path)
	if !ok {
		return nil
	}
	return l.registry.Unregister(name)
}

func (l *Loader) forget(path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, ok := l.byPath[path]
	delete(l.byPath, path)
	return name, ok
}
