package store

import (
	"testing"
)

func TestUpsertMappingMergesSlots(t *testing.T) {
	st := newTestStore(t)

	if err := st.UpsertMapping(&Mapping{Name: "docs", PrimaryUUID: "p-1", Configuration: `{"hnsw":16}`}); err != nil {
		t.Fatalf("upsert primary slot: %v", err)
	}
	if err := st.UpsertMapping(&Mapping{Name: "docs", ReplicaUUID: "r-1"}); err != nil {
		t.Fatalf("upsert replica slot: %v", err)
	}

	mp, err := st.GetMappingByName("docs")
	if err != nil || mp == nil {
		t.Fatalf("get: %v", err)
	}
	if mp.PrimaryUUID != "p-1" || mp.ReplicaUUID != "r-1" {
		t.Fatalf("slots: got (%q, %q), want (p-1, r-1)", mp.PrimaryUUID, mp.ReplicaUUID)
	}
	if mp.Configuration != `{"hnsw":16}` {
		t.Fatalf("configuration lost on merge: %q", mp.Configuration)
	}
}

func TestUpsertMappingKeepsExistingSlot(t *testing.T) {
	st := newTestStore(t)

	if err := st.UpsertMapping(&Mapping{Name: "docs", PrimaryUUID: "p-1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// An empty slot in a later upsert must not clear the stored value.
	if err := st.UpsertMapping(&Mapping{Name: "docs", ReplicaUUID: "r-1"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	mp, _ := st.GetMappingByName("docs")
	if mp.PrimaryUUID != "p-1" {
		t.Fatalf("primary slot cleared: %q", mp.PrimaryUUID)
	}
}

func TestGetMappingByUUIDResolvesEitherSide(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpsertMapping(&Mapping{Name: "docs", PrimaryUUID: "p-1", ReplicaUUID: "r-1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for _, uuid := range []string{"p-1", "r-1"} {
		mp, err := st.GetMappingByUUID(uuid)
		if err != nil {
			t.Fatalf("get by %s: %v", uuid, err)
		}
		if mp == nil || mp.Name != "docs" {
			t.Fatalf("get by %s: got %v, want docs", uuid, mp)
		}
	}
	mp, err := st.GetMappingByUUID("unknown")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	if mp != nil {
		t.Fatal("unknown uuid must resolve to nil")
	}
}

func TestDeleteMapping(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpsertMapping(&Mapping{Name: "docs", PrimaryUUID: "p-1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.DeleteMapping("docs"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mp, _ := st.GetMappingByName("docs")
	if mp != nil {
		t.Fatal("mapping must be gone after delete")
	}
}

func TestDocumentIDsRoundTrip(t *testing.T) {
	st := newTestStore(t)

	if err := st.PutDocumentIDs("docs", []string{"a", "b"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Re-recording the same IDs is a no-op, not an error.
	if err := st.PutDocumentIDs("docs", []string{"b", "c"}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	logical, ok, err := st.LookupLogicalID("docs", "a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok || logical != "a" {
		t.Fatalf("lookup a: got (%q, %v), want (a, true)", logical, ok)
	}

	if _, ok, _ := st.LookupLogicalID("docs", "missing"); ok {
		t.Fatal("missing id must not resolve")
	}
	if _, ok, _ := st.LookupLogicalID("other", "a"); ok {
		t.Fatal("ids are scoped per collection")
	}

	if err := st.DeleteDocumentIDs("docs"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.LookupLogicalID("docs", "a"); ok {
		t.Fatal("ids must be gone after collection delete")
	}
}
