package pipeline

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Preingest/internal/engine"
)

//go:embed default.yaml
var defaultCatalog []byte

// file — формат файла каталога.
type file struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Catalog — набор pipeline по имени. Потокобезопасен.
type Catalog struct {
	mu        sync.RWMutex
	pipelines map[string]*Definition
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{pipelines: make(map[string]*Definition)}
}

// Default возвращает встроенный каталог.
func Default(registry *engine.Registry) (*Catalog, error) {
	c := NewCatalog()
	if err := c.Parse(defaultCatalog, registry); err != nil {
		return nil, fmt.Errorf("default catalog: %w", err)
	}
	return c, nil
}

// Load читает каталог из YAML-файла.
func Load(path string, registry *engine.Registry) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines %s: %w", path, err)
	}

	c := NewCatalog()
	if err := c.Parse(data, registry); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse добавляет pipeline из YAML. Неизвестные поля — ошибка.
// Каталог не меняется, если хотя бы одно определение некорректно.
func (c *Catalog) Parse(data []byte, registry *engine.Registry) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	parsed := make(map[string]*Definition, len(f.Pipelines))
	for i := range f.Pipelines {
		def := &f.Pipelines[i]
		if err := def.Validate(registry); err != nil {
			return err
		}
		if _, dup := parsed[def.Name]; dup {
			return fmt.Errorf("%w: duplicate pipeline %q", ErrInvalidDefinition, def.Name)
		}
		parsed[def.Name] = def
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, def := range parsed {
		c.pipelines[name] = def
	}
	return nil
}

// Get возвращает pipeline по имени.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return def, nil
}

// Names возвращает отсортированные имена pipeline.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.pipelines))
	for name := range c.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List возвращает определения в порядке имён.
func (c *Catalog) List() []Definition {
	names := c.Names()

	c.mu.RLock()
	defer c.mu.RUnlock()

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		if def, ok := c.pipelines[name]; ok {
			defs = append(defs, *def)
		}
	}
	return defs
}
