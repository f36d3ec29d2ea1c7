// Package headers implements the router's pure HTTP plumbing helpers:
// authority parsing, forwarded-header insertion, response-header
// deduplication, request-method canonicalization, backend URL construction,
// and status-line formatting (spec.md §4.6).
package headers

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is the header name used for the router-generated request ID.
const RequestIDHeader = "X-OpenAperture-Request-ID"

var standardMethods = map[string]string{
	"DELETE":  "DELETE",
	"GET":     "GET",
	"HEAD":    "HEAD",
	"OPTIONS": "OPTIONS",
	"PATCH":   "PATCH",
	"POST":    "POST",
	"PUT":     "PUT",
}

// CanonicalMethod canonicalizes an HTTP method string. The seven standard
// verbs canonicalize case-insensitively to their upper-case form; any other
// verb is carried through as an opaque upper-cased string rather than being
// coerced into an enumerated value (spec.md §9 design note on non-standard
// methods). Canonicalizing twice is idempotent.
func CanonicalMethod(method string) string {
	upper := strings.ToUpper(strings.TrimSpace(method))
	if canon, ok := standardMethods[upper]; ok {
		return canon
	}
	return upper
}

// ParseAuthority extracts the substring between "://" and the first following
// "/" from a URL of the form scheme://authority[/rest]. Returns ("", false)
// if the pattern does not match. This is a diagnostic-only helper; actual
// routing uses the inbound request's own host/port fields (spec.md §4.6).
func ParseAuthority(rawURL string) (string, bool) {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return "", false
	}
	rest := rawURL[idx+3:]
	if rest == "" {
		return "", false
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// NewRequestID returns the 16 bytes of a random (version 4) UUID as 32
// lowercase hex characters. 122 of its 128 bits are random; the other six
// are the UUID version and variant bits.
func NewRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// hasHeader reports whether h contains name, matched case-insensitively (as
// guaranteed by http.Header's canonical-form storage). A header present with
// an empty value still counts as present.
func hasHeader(h http.Header, name string) bool {
	return len(h.Values(name)) > 0
}

// ForwardingParams carries the per-request values needed to compute the five
// forwarding headers described in spec.md §3/§4.5/§6.
type ForwardingParams struct {
	PeerAddr string // request.RemoteAddr, "ip:port" form (may be malformed)
	Host     string // original inbound host (no port)
	Port     string // original inbound port, decimal string
	Scheme   string // "http" or "https"
}

// InsertForwardingHeaders adds any of the five forwarding headers that are
// absent (case-insensitive check), never overwriting a client-supplied
// value. Returns the request ID that ends up on the request (either the
// client's own, or a freshly generated one). Headers are appended via
// http.Header.Set, which is safe here because they are only ever set when
// missing — no duplicates are ever introduced (spec.md §9 open question on
// append-vs-prepend order).
func InsertForwardingHeaders(h http.Header, p ForwardingParams) (requestID string) {
	if !hasHeader(h, RequestIDHeader) {
		h.Set(RequestIDHeader, NewRequestID())
	}
	requestID = h.Get(RequestIDHeader)

	if !hasHeader(h, "X-Forwarded-For") {
		h.Set("X-Forwarded-For", peerLabel(p.PeerAddr))
	}
	if !hasHeader(h, "X-Forwarded-Host") {
		h.Set("X-Forwarded-Host", p.Host)
	}
	if !hasHeader(h, "X-Forwarded-Port") {
		h.Set("X-Forwarded-Port", p.Port)
	}
	if !hasHeader(h, "X-Forwarded-Proto") {
		h.Set("X-Forwarded-Proto", p.Scheme)
	}
	return requestID
}

// peerLabel renders a RemoteAddr as "<ip>:<port>", or the literal "unknown"
// if it cannot be split into host and port.
func peerLabel(remoteAddr string) string {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return "unknown"
	}
	return host + ":" + port
}

// SanitizeResponseHeaders reverses the header list, then deduplicates by
// case-insensitive name keeping the first occurrence encountered in the
// reversed order — i.e. the last occurrence the origin actually supplied.
// This is what collapses hop headers (connection, date, server,
// transfer-encoding) down to the origin's own version when some earlier
// hop injected a duplicate; it is not a name-based strip, so a header that
// was never duplicated (e.g. a lone Connection: close) survives untouched
// (spec.md §4.6, §8 scenario 6). It must never panic; on any unexpected
// failure it returns the original headers unchanged (spec.md §7:
// on-response hooks are required to never raise).
func SanitizeResponseHeaders(original http.Header) (sanitized http.Header) {
	defer func() {
		if recover() != nil {
			sanitized = original
		}
	}()

	out := make(http.Header, len(original))
	for key, values := range original {
		if len(values) == 0 {
			continue
		}
		// Each name's values are already in the order the origin (and any
		// hop ahead of it) supplied them; reversing and keeping the first
		// is the same as keeping the last element directly.
		out[http.CanonicalHeaderKey(key)] = []string{values[len(values)-1]}
	}
	return out
}

// BuildBackendURL substitutes the scheme and authority of original with the
// chosen backend's, preserving path and query exactly (spec.md §4.5 step 5).
func BuildBackendURL(original *url.URL, backendHost string, backendPort int, secure bool) *url.URL {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	out := *original
	out.Scheme = scheme
	out.Host = net.JoinHostPort(backendHost, strconv.Itoa(backendPort))
	return &out
}

// FormatStatusLine renders an HTTP/1.1 status line, e.g. "HTTP/1.1 200 OK".
func FormatStatusLine(statusCode int, reasonPhrase string) string {
	if reasonPhrase == "" {
		reasonPhrase = http.StatusText(statusCode)
	}
	return fmt.Sprintf("HTTP/1.1 %d %s", statusCode, reasonPhrase)
}

// HasBody reports whether a request/response carries a body, per the
// Content-Length/Transfer-Encoding presence check used in spec.md §3 and §4.5.
func HasBody(h http.Header) bool {
	return hasHeader(h, "Content-Length") || hasHeader(h, "Transfer-Encoding")
}
