// Package schema resolves Avro schema documents against a named-type cache
// shared by every resolution on a connection.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hamba/avro/v2"
)

var (
	ErrConflictingType = errors.New("schema: conflicting definition for named type")
	ErrUnstable        = errors.New("schema: resolution is not stable across passes")
)

// Cache maps full type names to resolved named schemas.
//
// Entries are never removed and a name keeps the definition it was first
// registered with. It is safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	types map[string]avro.NamedSchema
}

func NewCache() *Cache {
	return &Cache{types: make(map[string]avro.NamedSchema)}
}

// Get returns the schema registered under the full name, or nil.
func (c *Cache) Get(name string) avro.NamedSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types[name]
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types)
}

// Names returns the registered full names in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// seed returns a codec cache holding every registered type, for use by a
// single resolution.
func (c *Cache) seed() *avro.SchemaCache {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc := &avro.SchemaCache{}
	for name, s := range c.types {
		sc.Add(name, s)
	}
	return sc
}

// commit registers the given named types. Nothing is registered if any of
// them conflicts with an existing entry.
func (c *Cache) commit(found map[string]avro.NamedSchema) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, s := range found {
		existing, ok := c.types[name]
		if !ok {
			continue
		}
		if existing.Fingerprint() != s.Fingerprint() {
			return fmt.Errorf("%w: %s", ErrConflictingType, name)
		}
	}

	for name, s := range found {
		if _, ok := c.types[name]; !ok {
			c.types[name] = s
		}
	}
	return nil
}

// namedTypes collects the named types defined inside s. References are not
// followed; they point at types that are either already cached or defined
// elsewhere in s.
func namedTypes(s avro.Schema) map[string]avro.NamedSchema {
	found := make(map[string]avro.NamedSchema)

	var walk func(avro.Schema)
	walk = func(s avro.Schema) {
		switch t := s.(type) {
		case *avro.RecordSchema:
			if _, ok := found[t.FullName()]; ok {
				return
			}
			found[t.FullName()] = t
			for _, f := range t.Fields() {
				walk(f.Type())
			}
		case *avro.EnumSchema:
			found[t.FullName()] = t
		case *avro.FixedSchema:
			found[t.FullName()] = t
		case *avro.ArraySchema:
			walk(t.Items())
		case *avro.MapSchema:
			walk(t.Values())
		case *avro.UnionSchema:
			for _, u := range t.Types() {
				walk(u)
			}
		}
	}

	walk(s)
	return found
}
