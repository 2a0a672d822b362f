// Package intent holds the intent taxonomy and the per-run sampling weights.
package intent

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is one taxonomy entry. Definitions are never mutated after load.
type Definition struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	Category      string   `yaml:"category,omitempty" json:"category,omitempty"`
	PrimaryIntent string   `yaml:"primary_intent,omitempty" json:"primary_intent,omitempty"`
	KeySignals    []string `yaml:"key_signals,omitempty" json:"key_signals,omitempty"`
}

// Catalog is an immutable, ordered registry of intent definitions.
type Catalog struct {
	defs     []Definition
	byID     map[string]int
	excluded map[string]bool
}

type catalogFile struct {
	Intents []Definition `yaml:"intents"`
}

// LoadCatalog reads a taxonomy file. Both YAML and JSON are accepted, either as a
// top-level list or as an object with an "intents" key. Numeric ids are kept as
// their decimal string form.
func LoadCatalog(path string, excluded []string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data, excluded)
}

// ParseCatalog decodes taxonomy bytes. See LoadCatalog.
func ParseCatalog(data []byte, excluded []string) (*Catalog, error) {
	// JSON may be tab-indented, which YAML rejects. Raw tabs can't occur inside
	// JSON strings, so swapping them is safe.
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		data = bytes.ReplaceAll(data, []byte("\t"), []byte("  "))
	}

	var node yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&node); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("decode catalog: %w", ErrEmptyCatalog)
	}

	var defs []Definition
	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&defs); err != nil {
			return nil, fmt.Errorf("decode catalog list: %w", err)
		}
	case yaml.MappingNode:
		var f catalogFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode catalog object: %w", err)
		}
		defs = f.Intents
	default:
		return nil, fmt.Errorf("decode catalog: unexpected document kind %d", root.Kind)
	}

	return NewCatalog(defs, excluded)
}

// NewCatalog builds a catalog from definitions. Excluded ids stay in the catalog
// but are never sampled.
func NewCatalog(defs []Definition, excluded []string) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyCatalog
	}

	c := &Catalog{
		defs:     make([]Definition, 0, len(defs)),
		byID:     make(map[string]int, len(defs)),
		excluded: make(map[string]bool, len(excluded)),
	}
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("intent %q has no id", d.Name)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate intent id %q", d.ID)
		}
		if d.Name == "" {
			d.Name = d.ID
		}
		d.KeySignals = slices.Clone(d.KeySignals)
		c.byID[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	for _, id := range excluded {
		id = strings.TrimSpace(id)
		if id != "" {
			c.excluded[id] = true
		}
	}
	return c, nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (Definition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Excluded reports whether id is kept out of sampling.
func (c *Catalog) Excluded(id string) bool {
	return c.excluded[id]
}

// All returns every definition in file order.
func (c *Catalog) All() []Definition {
	return slices.Clone(c.defs)
}

// Eligible returns the ids available for sampling, in file order.
func (c *Catalog) Eligible() []string {
	ids := make([]string, 0, len(c.defs))
	for _, d := range c.defs {
		if !c.excluded[d.ID] {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Len returns the number of definitions, excluded ones included.
func (c *Catalog) Len() int {
	return len(c.defs)
}
