package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Schema adds constraints on top of the base field rules. Fields listed in
// Required must be present; Types maps field name to one of
// string|number|object.
type Schema struct {
	Name     string            `koanf:"name"`
	Required []string          `koanf:"required"`
	Types    map[string]string `koanf:"types"`
}

func (s *Schema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema: name is required")
	}
	for field, typ := range s.Types {
		switch typ {
		case "string", "number", "object":
		default:
			return fmt.Errorf("schema %s: field %s has unknown type %q", s.Name, field, typ)
		}
	}
	return nil
}

// SchemaManager loads validation schemas by name.
type SchemaManager interface {
	// Get returns the named schema, or nil when none is registered under
	// that name. An error means the schema exists but could not be loaded.
	Get(name string) (*Schema, error)

	// Invalidate drops the cache; the next Get reloads from the source.
	// Returns the number of entries dropped.
	Invalidate() int
}

// FileSchemaManager reads <name>.yaml files from a directory and caches
// them. Readers dominate; invalidation takes the write lock.
type FileSchemaManager struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Schema
}

func NewFileSchemaManager(dir string, logger *zap.Logger) *FileSchemaManager {
	return &FileSchemaManager{
		dir:    dir,
		logger: logger.Named("parser.schemas"),
		cache:  make(map[string]*Schema),
	}
}

func (m *FileSchemaManager) Get(name string) (*Schema, error) {
	m.mu.RLock()
	s, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	if m.dir == "" {
		return nil, nil
	}
	path := filepath.Join(m.dir, name+".yaml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}

	s, err := loadSchemaFile(path)
	if err != nil {
		// Malformed schemas are never cached.
		return nil, err
	}
	if s.Name == "" {
		s.Name = name
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[name] = s
	m.mu.Unlock()
	m.logger.Info("schema loaded", zap.String("schema", name))
	return s, nil
}

func (m *FileSchemaManager) Invalidate() int {
	m.mu.Lock()
	n := len(m.cache)
	m.cache = make(map[string]*Schema)
	m.mu.Unlock()
	return n
}

func loadSchemaFile(path string) (*Schema, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading schema file %s: %w", path, err)
	}
	var s Schema
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshaling schema file %s: %w", path, err)
	}
	return &s, nil
}

// ListSchemaNames returns the schema names available on disk.
func (m *FileSchemaManager) ListSchemaNames() []string {
	if m.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return names
}
