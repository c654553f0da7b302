// Package proxy is the client-facing HTTP frontend: it buffers request
// bodies, classifies reads from writes, and drives the ledger, router,
// mapper and WAL pipeline around every forwarded request.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/replivec/replivec/internal/backend"
	"github.com/replivec/replivec/internal/buildinfo"
	"github.com/replivec/replivec/internal/ledger"
	"github.com/replivec/replivec/internal/mapper"
	"github.com/replivec/replivec/internal/routing"
	"github.com/replivec/replivec/internal/wal"
)

// Config wires the frontend.
type Config struct {
	Router *routing.Router
	Mapper *mapper.Mapper
	WAL    *wal.Engine
	Ledger *ledger.Ledger

	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// Frontend proxies client requests to the chosen backend.
type Frontend struct {
	router *routing.Router
	mapper *mapper.Mapper
	wal    *wal.Engine
	ledger *ledger.Ledger

	maxBodyBytes   int64
	requestTimeout time.Duration
	proxiedBy      string
}

// New creates the frontend.
func New(cfg Config) *Frontend {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Frontend{
		router:         cfg.Router,
		mapper:         cfg.Mapper,
		wal:            cfg.WAL,
		ledger:         cfg.Ledger,
		maxBodyBytes:   maxBody,
		requestTimeout: timeout,
		proxiedBy:      "replivec/" + buildinfo.Version,
	}
}

func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := f.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				map[string]any{"error": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable request body"})
		return
	}

	if isWrite(r.Method, r.URL.Path) {
		f.serveWrite(w, r, body)
		return
	}
	f.serveRead(w, r, body)
}

func (f *Frontend) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, f.maxBodyBytes))
}

// isWrite classifies a request. Read-only POST endpoints of the backend API
// (get, query, count) stay on the read path.
func isWrite(method, path string) bool {
	switch method {
	case http.MethodPost:
		return !readOnlyPost(path)
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func readOnlyPost(path string) bool {
	p := strings.TrimRight(path, "/")
	return strings.HasSuffix(p, "/get") || strings.HasSuffix(p, "/query") || strings.HasSuffix(p, "/count")
}

// serveRead forwards a read to the routed backend and streams the response
// back. Reads never touch the ledger or the WAL.
func (f *Frontend) serveRead(w http.ResponseWriter, r *http.Request, body []byte) {
	_, key := f.canonicalize(r.URL.Path)

	b, err := f.router.RouteRead(key)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "NoBackendAvailable"})
		return
	}

	rw := f.mapper.RewriteForBackend(r.URL.Path, b.Name)
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	resp, err := b.Forward(r.Context(), r.Method, rw.Path, r.URL.RawQuery, rd, stripHopByHop(r.Header))
	if err != nil {
		log.Printf("[proxy] read %s %s via %s: %v", r.Method, r.URL.Path, b.Name, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "BackendUnavailable"})
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp.Header)
	w.Header().Set("X-Proxied-By", f.proxiedBy)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// serveWrite runs the full safety pipeline: ledger first, then routing,
// rewrite, WAL append, execution, and identity bookkeeping.
func (f *Frontend) serveWrite(w http.ResponseWriter, r *http.Request, body []byte) {
	headers := headerMap(stripHopByHop(r.Header))
	opType := operationType(r.Method, r.URL.Path)

	txID, err := f.ledger.Begin(r.Method, r.URL.Path, body, headers, clientIP(r.RemoteAddr), opType)
	if err != nil {
		// Durability first: without a ledger row the write must not proceed.
		log.Printf("[proxy] ledger begin for %s %s: %v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "durable store unavailable"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.requestTimeout)
	defer cancel()

	if opType == "collection_delete" {
		f.serveCollectionDelete(ctx, w, r, body, headers, txID)
		return
	}

	res, b, err := f.executeWrite(ctx, r.Method, r.URL.Path, body, headers)
	if err != nil {
		f.failWrite(w, txID, b, nil, err)
		return
	}
	if !res.OK() {
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			// A live backend rejected the request: pass the rejection
			// through untouched, terminally.
			f.resolveLedger(txID, b, res, nil)
			f.respond(w, res)
			return
		}
		f.failWrite(w, txID, b, res, nil)
		return
	}

	if err := f.ledger.Complete(txID, res.StatusCode, res.Body); err != nil {
		log.Printf("[proxy] ledger complete %s: %v", txID, err)
	}
	f.respond(w, res)
}

// executeWrite is the shared write pipeline behind both the synchronous path
// and ledger recovery replay: route, rewrite, WAL append, execute, and on
// success record identity state and the consistency pin.
func (f *Frontend) executeWrite(ctx context.Context, method, path string, body []byte, headers map[string]string) (*backend.Result, *backend.Backend, error) {
	b, err := f.router.RouteWrite()
	if err != nil {
		return nil, nil, err
	}

	canonical, key := f.canonicalize(path)
	if key == "" && mapper.IsCollectionCreate(method, path) {
		key = collectionNameFromBody(body)
	}

	writeID, err := f.wal.Append(method, canonical, body, headers, key, b.Name)
	if err != nil {
		return nil, b, err
	}

	rw := f.mapper.RewriteForBackend(path, b.Name)
	res, err := b.Execute(ctx, method, rw.Path, body, headers)
	if err != nil || !res.OK() {
		// The safety ledger owns recovery of unexecuted writes; drop the WAL
		// row so the sync worker cannot apply it a second time.
		reason := "synchronous attempt failed"
		if err != nil {
			reason = err.Error()
		} else if res.StatusCode >= 400 {
			reason = fmt.Sprintf("rejected with status %d", res.StatusCode)
		}
		if ferr := f.wal.Fail(writeID, reason); ferr != nil {
			log.Printf("[proxy] fail wal row %s: %v", writeID, ferr)
		}
		return res, b, err
	}

	if err := f.wal.MarkExecuted(writeID, b.Name); err != nil {
		log.Printf("[proxy] mark executed %s: %v", writeID, err)
	}

	if mapper.IsCollectionCreate(method, path) {
		if err := f.mapper.AutoMap(b.Name, res.Body); err != nil {
			log.Printf("[proxy] automap from %s create response: %v", b.Name, err)
		}
		if key == "" {
			key = collectionNameFromBody(res.Body)
		}
	}
	if key != "" {
		if ids := documentIDs(method, path, body); len(ids) > 0 {
			if err := f.mapper.RecordDocumentIDs(key, ids); err != nil {
				log.Printf("[proxy] record document ids for %s: %v", key, err)
			}
		}
		f.router.PinCollection(key, b.Name)
	}
	return res, b, nil
}

// serveCollectionDelete runs the dual-backend delete and resolves the ledger
// the same way serveWrite does.
func (f *Frontend) serveCollectionDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, headers map[string]string, txID string) {
	res, b, err := f.executeCollectionDelete(ctx, r.Method, r.URL.Path, body, headers)
	if err != nil {
		f.failWrite(w, txID, b, nil, err)
		return
	}
	if !res.Applied() {
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			f.resolveLedger(txID, b, res, nil)
			f.respond(w, res)
			return
		}
		f.failWrite(w, txID, b, res, nil)
		return
	}
	if err := f.ledger.Complete(txID, res.StatusCode, res.Body); err != nil {
		log.Printf("[proxy] ledger complete %s: %v", txID, err)
	}
	f.respond(w, res)
}

// executeCollectionDelete addresses both backends directly: each side gets
// the delete with its own UUID, the mapping row and its document IDs are
// dropped, and a WAL row covers any side that was down. Shared by the
// synchronous path and ledger recovery replay so a recovered delete still
// cleans up identity state.
func (f *Frontend) executeCollectionDelete(ctx context.Context, method, path string, body []byte, headers map[string]string) (*backend.Result, *backend.Backend, error) {
	prefix, ident, suffix, ok := mapper.SplitCollectionPath(path)
	mp, found := f.mapper.GetByName(ident)
	if ok && !found {
		mp, found = f.mapper.GetByUUID(ident)
	}
	if !ok || !found {
		// Unknown collection: plain single-backend write.
		return f.executeWrite(ctx, method, path, body, headers)
	}

	canonical := prefix + mp.Name + suffix
	writeID, err := f.wal.Append(method, canonical, body, headers, mp.Name, "")
	if err != nil {
		return nil, nil, err
	}

	var firstOK *backend.Result
	var firstErr error
	for _, b := range f.router.HealthyBackends() {
		target := canonical
		if uuid := mapper.UUIDFor(mp, b.Name); uuid != "" {
			target = prefix + uuid + suffix
		}
		res, err := b.Execute(ctx, method, target, body, headers)
		if err != nil {
			log.Printf("[proxy] delete collection %s on %s: %v", mp.Name, b.Name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Applied() {
			if _, err := f.wal.MarkApplied(writeID, b.Name); err != nil {
				log.Printf("[proxy] mark applied %s on %s: %v", writeID, b.Name, err)
			}
			if firstOK == nil {
				firstOK = res
			}
		} else if firstErr == nil {
			firstErr = fmt.Errorf("delete rejected with status %d on %s", res.StatusCode, b.Name)
		}
	}

	if firstOK == nil {
		if ferr := f.wal.Fail(writeID, "delete failed on every backend"); ferr != nil {
			log.Printf("[proxy] fail wal row %s: %v", writeID, ferr)
		}
		if firstErr == nil {
			firstErr = routing.ErrNoBackendAvailable
		}
		return nil, nil, firstErr
	}

	if _, err := f.mapper.Delete(mp.Name); err != nil && !errors.Is(err, mapper.ErrMappingMissing) {
		log.Printf("[proxy] drop mapping %s: %v", mp.Name, err)
	}
	return firstOK, nil, nil
}

// ReplayWrite re-runs a logged write through the normal pipeline. Used by the
// ledger recovery worker. Collection deletes re-enter the dual-backend path
// so the mapping cleanup happens on recovery too.
func (f *Frontend) ReplayWrite(ctx context.Context, method, path string, body []byte, headers map[string]string) (*backend.Result, error) {
	if operationType(method, path) == "collection_delete" {
		res, _, err := f.executeCollectionDelete(ctx, method, path, body, headers)
		return res, err
	}
	res, _, err := f.executeWrite(ctx, method, path, body, headers)
	return res, err
}

// failWrite classifies the failure into the ledger and answers with the
// transaction handle clients poll for recovery.
func (f *Frontend) failWrite(w http.ResponseWriter, txID string, b *backend.Backend, res *backend.Result, err error) {
	outcome := f.resolveLedger(txID, b, res, err)

	msg := "BackendUnavailable"
	if outcome.Reason != "" {
		msg = outcome.Reason
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":               msg,
		"transaction_id":      txID,
		"retry_after_seconds": ledger.RetryAfter(),
	})
}

func (f *Frontend) resolveLedger(txID string, b *backend.Backend, res *backend.Result, err error) ledger.Outcome {
	var outcome ledger.Outcome
	switch {
	case err == nil && res != nil && res.OK():
		if cerr := f.ledger.Complete(txID, res.StatusCode, res.Body); cerr != nil {
			log.Printf("[proxy] ledger complete %s: %v", txID, cerr)
		}
		return outcome
	case err == nil && res == nil:
		err = routing.ErrNoBackendAvailable
	}
	outcome = ledger.Classify(b, res, err)
	target := ""
	if b != nil {
		target = b.Name
	}
	if rerr := f.ledger.Resolve(txID, target, outcome); rerr != nil {
		log.Printf("[proxy] ledger resolve %s: %v", txID, rerr)
	}
	return outcome
}

func (f *Frontend) respond(w http.ResponseWriter, res *backend.Result) {
	copyResponseHeaders(w, res.Header)
	w.Header().Set("X-Proxied-By", f.proxiedBy)
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body) //nolint:errcheck
}

// canonicalize resolves the collection identifier in a path to its logical
// name. The canonical form is what WAL rows store, so replay can rewrite per
// backend.
func (f *Frontend) canonicalize(path string) (canonical, key string) {
	prefix, ident, suffix, ok := mapper.SplitCollectionPath(path)
	if !ok {
		return path, ""
	}
	mp, found := f.mapper.GetByName(ident)
	if !found {
		mp, found = f.mapper.GetByUUID(ident)
	}
	if !found {
		return path, ident
	}
	return prefix + mp.Name + suffix, mp.Name
}

// operationType labels a write for the ledger record.
func operationType(method, path string) string {
	p := strings.TrimRight(path, "/")
	switch {
	case mapper.IsCollectionCreate(method, path):
		return "collection_create"
	case method == http.MethodDelete:
		if _, _, suffix, ok := mapper.SplitCollectionPath(p); ok && suffix == "" {
			return "collection_delete"
		}
		return "delete"
	case strings.HasSuffix(p, "/add"):
		return "document_add"
	case strings.HasSuffix(p, "/upsert"):
		return "document_upsert"
	case strings.HasSuffix(p, "/update"):
		return "document_update"
	case strings.HasSuffix(p, "/delete"):
		return "document_delete"
	default:
		return "write"
	}
}

// documentIDs extracts client-supplied IDs from add/upsert bodies; those IDs
// are the logical identities deletion-form conversion depends on.
func documentIDs(method, path string, body []byte) []string {
	if method != http.MethodPost {
		return nil
	}
	p := strings.TrimRight(path, "/")
	if !strings.HasSuffix(p, "/add") && !strings.HasSuffix(p, "/upsert") {
		return nil
	}
	var payload struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload.IDs
}

func collectionNameFromBody(body []byte) string {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Name
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
