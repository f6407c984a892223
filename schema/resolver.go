package schema

import (
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
)

type resolveKey struct {
	namespace string
	raw       string
}

// Resolver turns raw schema documents into fully resolved schemas, sharing
// one Cache across every call.
type Resolver struct {
	cache *Cache

	mu       sync.Mutex
	resolved map[resolveKey]avro.Schema
}

// NewResolver returns a resolver backed by cache. A nil cache gets a fresh one.
func NewResolver(cache *Cache) *Resolver {
	if cache == nil {
		cache = NewCache()
	}
	return &Resolver{
		cache:    cache,
		resolved: make(map[resolveKey]avro.Schema),
	}
}

func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Resolve parses raw, a JSON schema document, with names relative to
// namespace. Named types it defines are registered in the cache; names it
// references must already be there or be defined by raw itself.
//
// The document is parsed twice. The second pass runs with every name from the
// first already registered, so nested references bind to complete
// definitions whatever their depth; both passes must agree. Results are
// memoised, so resolving the same document again returns the same schema.
func (r *Resolver) Resolve(namespace, raw string) (avro.Schema, error) {
	key := resolveKey{namespace: namespace, raw: raw}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.resolved[key]; ok {
		return s, nil
	}

	scratch := r.cache.seed()

	first, err := avro.ParseWithCache(raw, namespace, scratch)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve: %w", err)
	}

	second, err := avro.ParseWithCache(raw, namespace, scratch)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve second pass: %w", err)
	}

	if first.Fingerprint() != second.Fingerprint() {
		return nil, ErrUnstable
	}

	if err := r.cache.commit(namedTypes(second)); err != nil {
		return nil, err
	}

	r.resolved[key] = second
	return second, nil
}
