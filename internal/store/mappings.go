package store

import (
	"database/sql"
	"time"
)

// Mapping is the logical identity of a collection: one client-visible name
// bound to at most one UUID per backend. Empty UUID means that backend has
// not materialized the collection yet.
type Mapping struct {
	Name          string `json:"name"`
	PrimaryUUID   string `json:"primary_uuid,omitempty"`
	ReplicaUUID   string `json:"replica_uuid,omitempty"`
	Configuration string `json:"configuration,omitempty"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	UpdatedAtNs   int64  `json:"updated_at_ns"`
}

// UpsertMapping inserts or merges a mapping row. Non-empty UUIDs fill the
// corresponding slot; existing non-null slots are never overwritten with a
// different value by this path (slot population is opportunistic).
func (s *Store) UpsertMapping(m *Mapping) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	now := time.Now().UnixNano()
	if m.CreatedAtNs == 0 {
		m.CreatedAtNs = now
	}
	config := m.Configuration
	if config == "" {
		config = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_mappings (name, primary_uuid, replica_uuid, configuration_json, created_at_ns, updated_at_ns)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			primary_uuid  = COALESCE(collection_mappings.primary_uuid, excluded.primary_uuid),
			replica_uuid  = COALESCE(collection_mappings.replica_uuid, excluded.replica_uuid),
			updated_at_ns = excluded.updated_at_ns`,
		m.Name, m.PrimaryUUID, m.ReplicaUUID, config, m.CreatedAtNs, now)
	return wrapErr("upsert mapping", err)
}

// GetMappingByName returns the mapping for a logical name, or nil when absent.
func (s *Store) GetMappingByName(name string) (*Mapping, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(primary_uuid, ''), COALESCE(replica_uuid, ''),
		       configuration_json, created_at_ns, updated_at_ns
		  FROM collection_mappings WHERE name = ?`, name)
	return scanMapping(row)
}

// GetMappingByUUID resolves a backend-assigned UUID back to its mapping.
func (s *Store) GetMappingByUUID(uuid string) (*Mapping, error) {
	if uuid == "" {
		return nil, nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(primary_uuid, ''), COALESCE(replica_uuid, ''),
		       configuration_json, created_at_ns, updated_at_ns
		  FROM collection_mappings
		 WHERE primary_uuid = ?1 OR replica_uuid = ?1`, uuid)
	return scanMapping(row)
}

// DeleteMapping removes the mapping row for a logical name.
func (s *Store) DeleteMapping(name string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM collection_mappings WHERE name = ?", name)
	return wrapErr("delete mapping", err)
}

// ListMappings returns every mapping, ordered by name.
func (s *Store) ListMappings() ([]Mapping, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COALESCE(primary_uuid, ''), COALESCE(replica_uuid, ''),
		       configuration_json, created_at_ns, updated_at_ns
		  FROM collection_mappings ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list mappings", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Name, &m.PrimaryUUID, &m.ReplicaUUID,
			&m.Configuration, &m.CreatedAtNs, &m.UpdatedAtNs); err != nil {
			return nil, wrapErr("list mappings scan", err)
		}
		out = append(out, m)
	}
	return out, wrapErr("list mappings rows", rows.Err())
}

func scanMapping(row *sql.Row) (*Mapping, error) {
	var m Mapping
	err := row.Scan(&m.Name, &m.PrimaryUUID, &m.ReplicaUUID,
		&m.Configuration, &m.CreatedAtNs, &m.UpdatedAtNs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("scan mapping", err)
	}
	return &m, nil
}

// PutDocumentIDs records the logical ID for each client-supplied document ID
// so deletion-form conversion can recover it later. Duplicate records are
// no-ops.
func (s *Store) PutDocumentIDs(collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("put document ids begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_ids (collection_name, doc_id, logical_id, created_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection_name, doc_id) DO NOTHING`)
	if err != nil {
		return wrapErr("put document ids prepare", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, id := range ids {
		// The client-supplied ID is the logical ID; backends that re-key
		// documents are reached through this record.
		if _, err := stmt.ExecContext(ctx, collection, id, id, now); err != nil {
			return wrapErr("put document ids insert", err)
		}
	}
	return wrapErr("put document ids commit", tx.Commit())
}

// LookupLogicalID returns the logical document ID recorded for a
// backend-facing document ID, and whether a record exists.
func (s *Store) LookupLogicalID(collection, docID string) (string, bool, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	var logical string
	err := s.db.QueryRowContext(ctx,
		"SELECT logical_id FROM document_ids WHERE collection_name = ? AND doc_id = ?",
		collection, docID).Scan(&logical)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("lookup logical id", err)
	}
	return logical, true, nil
}

// DeleteDocumentIDs drops logical-ID records for a collection, called when
// the collection itself is logically deleted.
func (s *Store) DeleteDocumentIDs(collection string) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM document_ids WHERE collection_name = ?", collection)
	return wrapErr("delete document ids", err)
}
