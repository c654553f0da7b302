package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorKind classifies a failed backend call. The router, ledger and WAL all
// branch on the kind rather than on error text.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "BackendUnavailable" // connection-level or deadline
	KindRejected    ErrorKind = "BackendRejected"    // 4xx/5xx from a live backend
)

// Error is a kind-tagged backend failure.
type Error struct {
	Kind    ErrorKind
	Backend string
	Status  int // set for KindRejected
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: %s (status %d)", e.Backend, e.Kind, e.Status)
	}
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to KindUnavailable for raw
// transport errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnavailable
}

// Result is a buffered backend response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx response.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Applied reports whether a replay counts as applied: 2xx, or 404 meaning the
// target is already absent.
func (r *Result) Applied() bool {
	return r.OK() || r.StatusCode == http.StatusNotFound
}

// unavailableStatus reports the 5xx codes that indicate the backend itself
// was unreachable despite a live listener in front of it.
func unavailableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable
}

// Execute sends a request and buffers the full response. Transport-level
// failures and 502/503 responses come back as *Error with KindUnavailable;
// every other response, including 4xx/5xx, is returned as a Result so callers
// can decide what rejection means on their path.
func (b *Backend) Execute(ctx context.Context, method, path string, body []byte, headers map[string]string) (*Result, error) {
	target := b.BaseURL.String() + path

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("backend %s: build request: %w", b.Name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classifyTransportErr(err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Backend: b.Name, Err: fmt.Errorf("read response: %w", err)}
	}

	if unavailableStatus(resp.StatusCode) {
		return nil, &Error{Kind: KindUnavailable, Backend: b.Name, Status: resp.StatusCode,
			Err: fmt.Errorf("gateway status %d", resp.StatusCode)}
	}

	return &Result{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: buf}, nil
}

// Forward sends a request and returns the raw response for streaming back to
// a client. The caller owns resp.Body.
func (b *Backend) Forward(ctx context.Context, method, path, rawQuery string, body io.Reader, header http.Header) (*http.Response, error) {
	target := b.BaseURL.String() + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("backend %s: build request: %w", b.Name, err)
	}
	for k, vv := range header {
		req.Header[k] = vv
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classifyTransportErr(err)
	}
	return resp, nil
}

// Probe hits the liveness endpoint within the given context deadline.
func (b *Backend) Probe(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL.String()+path, nil)
	if err != nil {
		return fmt.Errorf("backend %s: build probe: %w", b.Name, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return b.classifyTransportErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: KindRejected, Backend: b.Name, Status: resp.StatusCode,
			Err: fmt.Errorf("probe status %d", resp.StatusCode)}
	}
	return nil
}

// classifyTransportErr tags connection-level failures. Refused connections,
// resets, DNS failures and deadlines all mean the backend is unreachable.
func (b *Backend) classifyTransportErr(err error) error {
	return &Error{Kind: KindUnavailable, Backend: b.Name, Err: err}
}
