package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/replivec/replivec/internal/store"
)

// ErrConversionImpossible means a deletion row can never be replayed to the
// lagging backend because no logical ID is on file for one of its documents.
var ErrConversionImpossible = errors.New("deletion not convertible")

// deleteBody is the document-delete payload shape.
type deleteBody struct {
	IDs           []string        `json:"ids"`
	Where         json.RawMessage `json:"where,omitempty"`
	WhereDocument json.RawMessage `json:"where_document,omitempty"`
}

// convertDeletion rewrites an ID-based document delete into an equivalent
// metadata-filter delete for the backend that did not serve the original
// request. Backend-assigned document IDs are not portable across instances;
// the logical IDs recorded at write time are. Returns nil bytes when the row
// needs no conversion for this backend.
func (e *Engine) convertDeletion(row *store.WalEntry, backendName string) ([]byte, error) {
	if !strings.HasSuffix(row.Path, "/delete") {
		return nil, nil
	}
	// The original body is valid as-is on the backend that executed it.
	if backendName == row.ExecutedOn {
		return nil, nil
	}

	var body deleteBody
	if err := json.Unmarshal(row.Body, &body); err != nil {
		return nil, fmt.Errorf("parse delete body: %w", err)
	}
	// Filter-based deletes are already portable.
	if len(body.IDs) == 0 {
		return nil, nil
	}

	logical := make([]string, 0, len(body.IDs))
	for _, id := range body.IDs {
		lid, ok := e.mapper.LogicalID(row.CollectionID, id)
		if !ok {
			return nil, fmt.Errorf("%w: no logical id for document %q in collection %q",
				ErrConversionImpossible, id, row.CollectionID)
		}
		logical = append(logical, lid)
	}

	var filter map[string]any
	if len(logical) == 1 {
		filter = map[string]any{"document_id": map[string]any{"$eq": logical[0]}}
	} else {
		filter = map[string]any{"document_id": map[string]any{"$in": logical}}
	}

	out, err := json.Marshal(map[string]any{"where": filter})
	if err != nil {
		return nil, fmt.Errorf("encode converted delete: %w", err)
	}
	return out, nil
}
