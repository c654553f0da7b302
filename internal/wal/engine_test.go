package wal

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/mapper"
	"github.com/replivec/replivec/internal/store"
	"github.com/replivec/replivec/internal/testutil"
)

// capture records the requests a fake backend served.
type capture struct {
	mu       sync.Mutex
	paths    []string
	bodies   []string
	failNext int    // respond 500 to this many requests
	respond  string // response body override
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failNext > 0 {
			c.failNext--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, string(body))
		resp := c.respond
		if resp == "" {
			resp = `{"ok":true}`
		}
		_, _ = w.Write([]byte(resp))
	}
}

func (c *capture) served() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func (c *capture) lastBody() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return ""
	}
	return c.bodies[len(c.bodies)-1]
}

type fixture struct {
	engine  *Engine
	st      *store.Store
	dsn     string
	mp      *mapper.Mapper
	primary *capture
	replica *capture
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, dsn := testutil.OpenStore(t)
	mp, err := mapper.New(st)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	pc, rc := &capture{}, &capture{}
	psrv := httptest.NewServer(pc.handler())
	rsrv := httptest.NewServer(rc.handler())
	t.Cleanup(psrv.Close)
	t.Cleanup(rsrv.Close)

	primary, err := backend.New(backend.Primary, psrv.URL, 1, 2*time.Second)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	replica, err := backend.New(backend.Replica, rsrv.URL, 2, 2*time.Second)
	if err != nil {
		t.Fatalf("replica: %v", err)
	}

	cfg.Store = st
	cfg.Mapper = mp
	cfg.Primary = primary
	cfg.Replica = replica
	return &fixture{engine: NewEngine(cfg), st: st, dsn: dsn, mp: mp, primary: pc, replica: rc}
}

// expireRetryBackoff makes every failed row immediately claimable again, so
// tests can run consecutive passes without waiting out the retry delay.
func (f *fixture) expireRetryBackoff(t *testing.T) {
	t.Helper()
	testutil.Exec(t, f.dsn, "UPDATE wal SET retry_after_ns = 0")
}

func (f *fixture) mapCollection(t *testing.T) {
	t.Helper()
	if err := f.mp.AutoMap(backend.Primary, []byte(`{"id":"p-1","name":"docs"}`)); err != nil {
		t.Fatalf("automap primary: %v", err)
	}
	if err := f.mp.AutoMap(backend.Replica, []byte(`{"id":"r-1","name":"docs"}`)); err != nil {
		t.Fatalf("automap replica: %v", err)
	}
}

const docsPath = "/api/v2/tenants/t/databases/d/collections/docs"

func TestAppendDurablyLogsBeforeForwarding(t *testing.T) {
	f := newFixture(t, Config{})

	writeID, err := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`),
		map[string]string{"Content-Type": "application/json"}, "docs", backend.Primary)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	row, err := f.st.GetWAL(writeID)
	if err != nil || row == nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != store.WalPending {
		t.Fatalf("status: got %s, want %s", row.Status, store.WalPending)
	}
	if row.TargetInstance != store.TargetBoth {
		t.Fatalf("target: got %s, want both", row.TargetInstance)
	}
	if row.BodyHash == "" || row.CollectionID != "docs" {
		t.Fatalf("row: %+v", row)
	}
}

func TestSyncPassDrainsLaggingReplica(t *testing.T) {
	f := newFixture(t, Config{})
	f.mapCollection(t)

	writeID, err := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`), nil, "docs", backend.Primary)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	f.engine.SyncPass()

	// The replica got the replay with its own UUID in the path.
	served := f.replica.served()
	if len(served) != 1 {
		t.Fatalf("replica requests: got %d, want 1", len(served))
	}
	if want := "/api/v2/tenants/t/databases/d/collections/r-1/add"; served[0] != want {
		t.Fatalf("replay path: got %q, want %q", served[0], want)
	}
	// The primary already applied it synchronously; no re-dispatch.
	if n := len(f.primary.served()); n != 0 {
		t.Fatalf("primary requests: got %d, want 0", n)
	}

	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalSynced {
		t.Fatalf("status: got %s, want %s", row.Status, store.WalSynced)
	}
}

func TestReplayedCreateMapsLaggingBackend(t *testing.T) {
	f := newFixture(t, Config{})
	// Only the primary executed the create; the replica has no slot yet.
	if err := f.mp.AutoMap(backend.Primary, []byte(`{"id":"p-1","name":"docs"}`)); err != nil {
		t.Fatalf("automap primary: %v", err)
	}
	f.replica.mu.Lock()
	f.replica.respond = `{"id":"r-1","name":"docs"}`
	f.replica.mu.Unlock()

	createPath := "/api/v2/tenants/t/databases/d/collections"
	writeID, err := f.engine.Append("POST", createPath, []byte(`{"name":"docs"}`), nil, "docs", backend.Primary)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	f.engine.SyncPass()

	mp, ok := f.mp.GetByName("docs")
	if !ok || mp.ReplicaUUID != "r-1" || mp.PrimaryUUID != "p-1" {
		t.Fatalf("mapping after replay: %+v", mp)
	}
	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalSynced {
		t.Fatalf("status: got %s, want %s", row.Status, store.WalSynced)
	}
}

func TestSyncPassPreservesPerCollectionOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.mapCollection(t)

	var ids []string
	for _, doc := range []string{"a", "b", "c"} {
		writeID, err := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["`+doc+`"]}`), nil, "docs", backend.Primary)
		if err != nil {
			t.Fatalf("append %s: %v", doc, err)
		}
		if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
			t.Fatalf("mark executed %s: %v", doc, err)
		}
		ids = append(ids, writeID)
	}

	f.engine.SyncPass()

	bodies := make([]string, 0, 3)
	f.replica.mu.Lock()
	bodies = append(bodies, f.replica.bodies...)
	f.replica.mu.Unlock()
	want := []string{`{"ids":["a"]}`, `{"ids":["b"]}`, `{"ids":["c"]}`}
	if len(bodies) != len(want) {
		t.Fatalf("replica bodies: got %d, want %d", len(bodies), len(want))
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Fatalf("order[%d]: got %q, want %q", i, bodies[i], want[i])
		}
	}
	for _, id := range ids {
		row, _ := f.st.GetWAL(id)
		if row.Status != store.WalSynced {
			t.Fatalf("row %s: got %s, want synced", id, row.Status)
		}
	}
}

func TestSyncPassStopsCollectionGroupOnFailure(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 5})
	f.mapCollection(t)

	first, _ := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`), nil, "docs", backend.Primary)
	second, _ := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["b"]}`), nil, "docs", backend.Primary)
	for _, id := range []string{first, second} {
		if err := f.engine.MarkExecuted(id, backend.Primary); err != nil {
			t.Fatalf("mark executed: %v", err)
		}
	}

	f.replica.mu.Lock()
	f.replica.failNext = 1
	f.replica.mu.Unlock()

	f.engine.SyncPass()

	// First row failed; the tail must not have been replayed out of order.
	if served := f.replica.served(); len(served) != 0 {
		t.Fatalf("replica applied %v despite head failure", served)
	}
	row, _ := f.st.GetWAL(first)
	if row.RetryCount != 1 || row.Status == store.WalSynced {
		t.Fatalf("head row: %+v", row)
	}

	// Next pass replays both, in order.
	f.expireRetryBackoff(t)
	f.engine.SyncPass()
	if served := f.replica.served(); len(served) != 2 {
		t.Fatalf("second pass served %d, want 2", len(served))
	}
	for _, id := range []string{first, second} {
		r, _ := f.st.GetWAL(id)
		if r.Status != store.WalSynced {
			t.Fatalf("row %s: got %s, want synced", id, r.Status)
		}
	}
}

func TestSyncPassExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 2})
	f.mapCollection(t)

	writeID, _ := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	f.replica.mu.Lock()
	f.replica.failNext = 10
	f.replica.mu.Unlock()

	f.engine.SyncPass()
	f.expireRetryBackoff(t)
	f.engine.SyncPass()

	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalFailed {
		t.Fatalf("status: got %s, want %s", row.Status, store.WalFailed)
	}
	if row.ErrorMessage == "" {
		t.Fatal("exhausted row must carry the last error")
	}

	// Terminal rows stay out of later passes.
	f.engine.SyncPass()
	if served := f.replica.served(); len(served) != 0 {
		t.Fatalf("failed row was re-dispatched: %v", served)
	}
}

func TestFailedReplayWaitsOutRetryDelay(t *testing.T) {
	f := newFixture(t, Config{RetryAttempts: 5, RetryDelay: time.Hour})
	f.mapCollection(t)

	writeID, _ := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	f.replica.mu.Lock()
	f.replica.failNext = 1
	f.replica.mu.Unlock()

	f.engine.SyncPass()

	// The failure stamped a deadline an hour out; an immediate pass must not
	// re-dispatch the row.
	f.engine.SyncPass()
	if served := f.replica.served(); len(served) != 0 {
		t.Fatalf("row re-dispatched inside its retry delay: %v", served)
	}

	f.expireRetryBackoff(t)
	f.engine.SyncPass()
	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalSynced {
		t.Fatalf("status after deadline: got %s, want %s", row.Status, store.WalSynced)
	}
}

func TestSyncSkipsUnhealthyBackend(t *testing.T) {
	f := newFixture(t, Config{})
	f.mapCollection(t)
	f.engine.replica.SetHealthy(false)

	writeID, _ := f.engine.Append("POST", docsPath+"/add", []byte(`{"ids":["a"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	f.engine.SyncPass()
	if served := f.replica.served(); len(served) != 0 {
		t.Fatalf("unhealthy replica must not be dispatched to, got %v", served)
	}
	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalExecuted {
		t.Fatalf("status: got %s, want executed while replica lags", row.Status)
	}

	// Recovery: the backend comes back, the next pass drains the backlog.
	f.engine.replica.SetHealthy(true)
	f.engine.SyncPass()
	row, _ = f.st.GetWAL(writeID)
	if row.Status != store.WalSynced {
		t.Fatalf("status after recovery: got %s, want synced", row.Status)
	}
}

func TestDeletionConversionRewritesIDsForPeer(t *testing.T) {
	f := newFixture(t, Config{DeletionConversion: true})
	f.mapCollection(t)
	if err := f.mp.RecordDocumentIDs("docs", []string{"doc-a"}); err != nil {
		t.Fatalf("record ids: %v", err)
	}

	writeID, _ := f.engine.Append("POST", docsPath+"/delete", []byte(`{"ids":["doc-a"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}

	f.engine.SyncPass()

	var got struct {
		Where map[string]map[string]any `json:"where"`
	}
	if err := json.Unmarshal([]byte(f.replica.lastBody()), &got); err != nil {
		t.Fatalf("replica body %q: %v", f.replica.lastBody(), err)
	}
	if got.Where["document_id"]["$eq"] != "doc-a" {
		t.Fatalf("converted body: %q", f.replica.lastBody())
	}

	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalSynced {
		t.Fatalf("status: got %s, want synced", row.Status)
	}
	// The stored row keeps the original form for forensics.
	if string(row.Body) != `{"ids":["doc-a"]}` {
		t.Fatalf("stored body mutated: %q", row.Body)
	}
}

func TestDeletionConversionUsesInForMultipleIDs(t *testing.T) {
	f := newFixture(t, Config{DeletionConversion: true})
	f.mapCollection(t)
	if err := f.mp.RecordDocumentIDs("docs", []string{"doc-a", "doc-b"}); err != nil {
		t.Fatalf("record ids: %v", err)
	}

	writeID, _ := f.engine.Append("POST", docsPath+"/delete", []byte(`{"ids":["doc-a","doc-b"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	f.engine.SyncPass()

	var got struct {
		Where map[string]map[string][]string `json:"where"`
	}
	if err := json.Unmarshal([]byte(f.replica.lastBody()), &got); err != nil {
		t.Fatalf("replica body %q: %v", f.replica.lastBody(), err)
	}
	in := got.Where["document_id"]["$in"]
	if len(in) != 2 || in[0] != "doc-a" || in[1] != "doc-b" {
		t.Fatalf("converted body: %q", f.replica.lastBody())
	}
}

func TestDeletionConversionFailsRowWithoutLogicalID(t *testing.T) {
	f := newFixture(t, Config{DeletionConversion: true})
	f.mapCollection(t)

	writeID, _ := f.engine.Append("POST", docsPath+"/delete", []byte(`{"ids":["ghost"]}`), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	f.engine.SyncPass()

	if served := f.replica.served(); len(served) != 0 {
		t.Fatalf("unconvertible delete must not reach the replica: %v", served)
	}
	row, _ := f.st.GetWAL(writeID)
	if row.Status != store.WalFailed {
		t.Fatalf("status: got %s, want %s", row.Status, store.WalFailed)
	}
	if row.ErrorMessage == "" {
		t.Fatal("failure must name the missing logical id")
	}
}

func TestFilterDeletesReplayUnconverted(t *testing.T) {
	f := newFixture(t, Config{DeletionConversion: true})
	f.mapCollection(t)

	body := `{"where":{"topic":{"$eq":"news"}}}`
	writeID, _ := f.engine.Append("POST", docsPath+"/delete", []byte(body), nil, "docs", backend.Primary)
	if err := f.engine.MarkExecuted(writeID, backend.Primary); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	f.engine.SyncPass()

	if got := f.replica.lastBody(); got != body {
		t.Fatalf("filter delete body: got %q, want %q", got, body)
	}
}
