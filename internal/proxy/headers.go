package proxy

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are the connection-specific headers of RFC 7230 section 6.1
// that must not travel past a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop returns a forwardable copy of h with hop-by-hop headers
// removed, including any field the Connection header names.
func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	for _, field := range out.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			name = strings.TrimSpace(name)
			if name != "" && httpguts.ValidHeaderFieldName(name) {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// headerMap flattens forwardable headers into the single-value form the WAL
// and ledger persist.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

// copyResponseHeaders writes backend response headers to the client, minus
// hop-by-hop fields.
func copyResponseHeaders(dst http.ResponseWriter, src http.Header) {
	for k, vv := range stripHopByHop(src) {
		for _, v := range vv {
			dst.Header().Add(k, v)
		}
	}
}
