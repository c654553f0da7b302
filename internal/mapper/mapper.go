// Package mapper maintains the bidirectional logical-name to per-backend-UUID
// registry that lets the proxy target either backend without clients ever
// seeing UUID divergence.
package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/store"
)

var (
	ErrMappingMissing  = errors.New("mapping missing")
	ErrMappingConflict = errors.New("mapping conflict")
)

// reverseCacheSize bounds the UUID-to-name lookup cache. Misses fall back to
// the store, so eviction only costs a query.
const reverseCacheSize = 4096

// Mapper resolves collection identity. The name cache is authoritative only
// as a cache; the store is the source of truth on miss.
type Mapper struct {
	st      *store.Store
	byName  *xsync.Map[string, store.Mapping]
	reverse otter.Cache[string, string] // backend UUID -> logical name
}

// New creates a Mapper and warms the name cache from the store.
func New(st *store.Store) (*Mapper, error) {
	reverse, err := otter.MustBuilder[string, string](reverseCacheSize).
		Cost(func(_ string, _ string) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("mapper: build reverse cache: %w", err)
	}

	m := &Mapper{
		st:      st,
		byName:  xsync.NewMap[string, store.Mapping](),
		reverse: reverse,
	}

	mappings, err := st.ListMappings()
	if err != nil {
		return nil, fmt.Errorf("mapper: warm cache: %w", err)
	}
	for _, mp := range mappings {
		m.cache(mp)
	}
	return m, nil
}

func (m *Mapper) cache(mp store.Mapping) {
	m.byName.Store(mp.Name, mp)
	if mp.PrimaryUUID != "" {
		m.reverse.Set(mp.PrimaryUUID, mp.Name)
	}
	if mp.ReplicaUUID != "" {
		m.reverse.Set(mp.ReplicaUUID, mp.Name)
	}
}

// GetByName returns the mapping for a logical name, consulting the store on
// cache miss.
func (m *Mapper) GetByName(name string) (*store.Mapping, bool) {
	if mp, ok := m.byName.Load(name); ok {
		return &mp, true
	}
	mp, err := m.st.GetMappingByName(name)
	if err != nil {
		log.Printf("[mapper] warning: store lookup for name %q failed: %v", name, err)
		return nil, false
	}
	if mp == nil {
		return nil, false
	}
	m.cache(*mp)
	return mp, true
}

// GetByUUID resolves a backend-assigned UUID to its mapping.
func (m *Mapper) GetByUUID(uuid string) (*store.Mapping, bool) {
	if name, ok := m.reverse.Get(uuid); ok {
		return m.GetByName(name)
	}
	mp, err := m.st.GetMappingByUUID(uuid)
	if err != nil {
		log.Printf("[mapper] warning: store lookup for uuid %q failed: %v", uuid, err)
		return nil, false
	}
	if mp == nil {
		return nil, false
	}
	m.cache(*mp)
	return mp, true
}

// UUIDFor returns the named backend's UUID slot from a mapping, empty when
// that backend has not materialized the collection.
func UUIDFor(mp *store.Mapping, backendName string) string {
	if backendName == backend.Primary {
		return mp.PrimaryUUID
	}
	return mp.ReplicaUUID
}

// createResponse is the subset of a backend collection-create response the
// mapper consumes.
type createResponse struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Config   json.RawMessage `json:"configuration_json"`
	Metadata json.RawMessage `json:"metadata"`
}

// AutoMap captures collection identity from a 2xx create response on the
// named backend: new names get a fresh row with that backend's slot
// populated; known names get their empty slot filled. A UUID already owned
// by a different name is a MappingConflict.
func (m *Mapper) AutoMap(backendName string, respBody []byte) error {
	var resp createResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("mapper automap: parse create response: %w", err)
	}
	if resp.ID == "" || resp.Name == "" {
		return fmt.Errorf("mapper automap: create response missing id or name")
	}

	if existing, ok := m.GetByUUID(resp.ID); ok && existing.Name != resp.Name {
		return fmt.Errorf("%w: uuid %s claimed by %q and %q",
			ErrMappingConflict, resp.ID, existing.Name, resp.Name)
	}

	config := "{}"
	if len(resp.Config) > 0 {
		config = string(resp.Config)
	} else if len(resp.Metadata) > 0 {
		config = string(resp.Metadata)
	}

	mp := &store.Mapping{Name: resp.Name, Configuration: config}
	if backendName == backend.Primary {
		mp.PrimaryUUID = resp.ID
	} else {
		mp.ReplicaUUID = resp.ID
	}

	if err := m.st.UpsertMapping(mp); err != nil {
		return fmt.Errorf("mapper automap: %w", err)
	}

	// Re-read so the cache holds the merged row, not just our slot.
	merged, err := m.st.GetMappingByName(resp.Name)
	if err != nil || merged == nil {
		return fmt.Errorf("mapper automap: reload %q: %w", resp.Name, err)
	}
	m.cache(*merged)
	return nil
}

// Delete removes the mapping and its caches, returning the row that was
// dropped so callers can address both backends by UUID.
func (m *Mapper) Delete(name string) (*store.Mapping, error) {
	mp, ok := m.GetByName(name)
	if !ok {
		return nil, ErrMappingMissing
	}
	if err := m.st.DeleteMapping(name); err != nil {
		return nil, err
	}
	if err := m.st.DeleteDocumentIDs(name); err != nil {
		log.Printf("[mapper] warning: drop document ids for %q: %v", name, err)
	}
	m.byName.Delete(name)
	if mp.PrimaryUUID != "" {
		m.reverse.Delete(mp.PrimaryUUID)
	}
	if mp.ReplicaUUID != "" {
		m.reverse.Delete(mp.ReplicaUUID)
	}
	return mp, nil
}

// RecordDocumentIDs captures client-supplied document IDs as the logical IDs
// deletion-form conversion recovers later.
func (m *Mapper) RecordDocumentIDs(collection string, ids []string) error {
	return m.st.PutDocumentIDs(collection, ids)
}

// LogicalID returns the logical document ID recorded for a backend-facing
// document ID.
func (m *Mapper) LogicalID(collection, docID string) (string, bool) {
	logical, ok, err := m.st.LookupLogicalID(collection, docID)
	if err != nil {
		log.Printf("[mapper] warning: logical id lookup %s/%s: %v", collection, docID, err)
		return "", false
	}
	return logical, ok
}
