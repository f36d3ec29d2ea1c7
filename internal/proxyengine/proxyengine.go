// Package proxyengine orchestrates one inbound request end to end: route
// lookup, header rewriting, the backend exchange, and response delivery,
// per spec.md §4.5.
package proxyengine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/openaperture/go-router/internal/applog"
	"github.com/openaperture/go-router/internal/backendclient"
	"github.com/openaperture/go-router/internal/bodyhandlers"
	"github.com/openaperture/go-router/internal/config"
	"github.com/openaperture/go-router/internal/headers"
	"github.com/openaperture/go-router/internal/metrics"
	"github.com/openaperture/go-router/internal/routecache"
)

const component = "proxyengine"

// requestBodyChunkSize is the read size used when streaming an inbound
// request body to the backend (spec.md §4.5 step 8).
const requestBodyChunkSize = 4096

// Outcome is the terminal classification of one proxied request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
)

// Engine proxies inbound requests to backends chosen from a route cache.
type Engine struct {
	cache    *routecache.Cache
	backends *backendclient.Client
	timeouts config.StageTimeouts
}

// New constructs an Engine.
func New(cache *routecache.Cache, backends *backendclient.Client, timeouts config.StageTimeouts) *Engine {
	return &Engine{cache: cache, backends: backends, timeouts: timeouts}
}

// ServeHTTP implements http.Handler, running the full proxy algorithm for
// each inbound request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.proxy(w, r)
}

// proxy runs the algorithm in spec.md §4.5 and returns the terminal outcome
// plus the backend-observed duration in microseconds.
func (e *Engine) proxy(w http.ResponseWriter, r *http.Request) (Outcome, int64) {
	start := time.Now()
	method := headers.CanonicalMethod(r.Method)

	host, port := splitHostPort(r)
	authority := host + ":" + port

	backend, ok := e.cache.Select(authority)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		metrics.ObserveProxyResponse(method, http.StatusServiceUnavailable, "no_route", time.Since(start))
		return OutcomeOK, 0
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	requestID := headers.InsertForwardingHeaders(r.Header, headers.ForwardingParams{
		PeerAddr: r.RemoteAddr,
		Host:     host,
		Port:     port,
		Scheme:   scheme,
	})

	backendURL := headers.BuildBackendURL(r.URL, backend.Host, backend.Port, backend.Secure)
	hasBody := headers.HasBody(r.Header)

	ctx := r.Context()
	session, _, err := e.backends.Start(ctx, e.timeouts.Connecting, method, backendURL.String(), r.Header, hasBody)
	if err != nil {
		applog.Emit("error", component, map[string]string{"request_id": requestID}, "backend start failed: "+err.Error())
		w.WriteHeader(http.StatusServiceUnavailable)
		dur := time.Since(start)
		metrics.ObserveProxyResponse(method, http.StatusServiceUnavailable, "backend_start_failed", dur)
		return OutcomeError, dur.Microseconds()
	}

	backendAuthority := net.JoinHostPort(backend.Host, fmt.Sprint(backend.Port))
	metrics.IncBackendInflight(backendAuthority)
	defer metrics.DecBackendInflight(backendAuthority)

	if hasBody {
		if err := e.streamRequestBody(session, r.Body); err != nil {
			applog.Emit("error", component, map[string]string{"request_id": requestID}, "streaming request body failed: "+err.Error())
			session.Terminate()
			w.WriteHeader(http.StatusServiceUnavailable)
			dur := time.Since(start)
			metrics.ObserveProxyResponse(method, http.StatusServiceUnavailable, "backend_io_error", dur)
			return OutcomeError, dur.Microseconds()
		}
	}

	outcome, status, backendDur := e.driveResponse(w, session, requestID)
	metrics.ObserveBackendResponse(backendAuthority, method, status, backendDur)
	outcomeLabel := "ok"
	if outcome == OutcomeError {
		outcomeLabel = "error"
	}
	totalDur := time.Since(start)
	metrics.ObserveProxyResponse(method, status, outcomeLabel, totalDur)
	logOutcome(requestID, totalDur, backendDur)
	return outcome, backendDur.Microseconds()
}

// logOutcome emits the one-line-per-request summary required by spec.md §6:
// total time and in-router overhead (total minus backend time), both in
// milliseconds.
func logOutcome(requestID string, total, backend time.Duration) {
	overheadMs := (total - backend).Seconds() * 1000
	applog.Emit("info", component, map[string]string{"request_id": requestID}, fmt.Sprintf(
		"total_ms=%.3f overhead_ms=%.3f", total.Seconds()*1000, overheadMs,
	))
}

func splitHostPort(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		if r.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}

// streamRequestBody relays the inbound request body to the backend in
// requestBodyChunkSize reads, marking only the final chunk is_last. Each
// SendChunk is bounded by the sending_request_body stage timeout: a backend
// that stops draining the pipe (SendChunk blocks until the in-flight
// RoundTrip consumes it) terminates the session instead of hanging the
// request past its budget.
func (e *Engine) streamRequestBody(session *backendclient.Session, body io.Reader) error {
	buf := make([]byte, requestBodyChunkSize)
	for {
		n, readErr := body.Read(buf)
		if readErr == io.EOF {
			return e.sendChunkWithTimeout(session, buf[:n], true)
		}
		if readErr != nil {
			return readErr
		}
		if n > 0 {
			if err := e.sendChunkWithTimeout(session, buf[:n], false); err != nil {
				return err
			}
		}
	}
}

// sendChunkWithTimeout runs one SendChunk bounded by the
// sending_request_body stage timeout, terminating the session on expiry.
func (e *Engine) sendChunkWithTimeout(session *backendclient.Session, chunk []byte, isLast bool) error {
	done := make(chan error, 1)
	go func() {
		_, err := session.SendChunk(chunk, isLast)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(e.timeouts.SendingRequestBody):
		session.Terminate()
		return context.DeadlineExceeded
	}
}

// driveResponse waits for initial_response within waiting_for_response,
// applies the 204/304 shortcut, and otherwise dispatches response chunks to
// the chosen BodyHandler within receiving_response per event.
func (e *Engine) driveResponse(w http.ResponseWriter, session *backendclient.Session, requestID string) (Outcome, int, time.Duration) {
	events := session.Events()

	var ev backendclient.Event
	select {
	case got, okCh := <-events:
		if !okCh {
			w.WriteHeader(http.StatusServiceUnavailable)
			return OutcomeError, http.StatusServiceUnavailable, 0
		}
		ev = got
	case <-time.After(e.timeouts.WaitingForResponse):
		session.Terminate()
		w.WriteHeader(http.StatusServiceUnavailable)
		return OutcomeError, http.StatusServiceUnavailable, 0
	}

	if ev.Kind == backendclient.EventError {
		applog.Emit("error", component, map[string]string{"request_id": requestID}, "backend error: "+ev.Reason.Error())
		w.WriteHeader(http.StatusServiceUnavailable)
		return OutcomeError, http.StatusServiceUnavailable, time.Duration(ev.DurationUs) * time.Microsecond
	}

	applog.Emit("debug", component, map[string]string{"request_id": requestID}, "backend "+headers.FormatStatusLine(ev.StatusCode, ev.ReasonPhrase))

	sanitized := headers.SanitizeResponseHeaders(ev.Headers)
	for name, values := range sanitized {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	// Buffered holds the status line back until the whole body has arrived.
	buffered := bodyhandlers.Select(ev.Headers) == bodyhandlers.Buffered
	if !buffered {
		w.WriteHeader(ev.StatusCode)
	}
	dur := time.Duration(ev.DurationUs) * time.Microsecond

	if isEmptyBodyShortcut(ev.StatusCode, ev.Headers) {
		session.Terminate()
		return OutcomeOK, ev.StatusCode, dur
	}

	// Select on the raw backend headers, not the sanitized copy: sanitization
	// only dedupes by name and must never change which BodyHandler strategy
	// gets chosen (spec.md §4.4's Transfer-Encoding/Content-Length check).
	handler := bodyhandlers.New(bodyhandlers.Select(ev.Headers))
	for {
		select {
		case got, okCh := <-events:
			if !okCh {
				return OutcomeOK, ev.StatusCode, dur
			}
			switch got.Kind {
			case backendclient.EventChunk:
				if err := handler.WriteChunk(w, got.Chunk); err != nil {
					applog.Emit("error", component, map[string]string{"request_id": requestID}, "writing response chunk: "+err.Error())
					return OutcomeError, ev.StatusCode, dur
				}
			case backendclient.EventDone:
				dur = time.Duration(got.DurationUs) * time.Microsecond
				if buffered {
					w.WriteHeader(ev.StatusCode)
				}
				if err := handler.Finish(w); err != nil {
					applog.Emit("error", component, map[string]string{"request_id": requestID}, "finishing response: "+err.Error())
					return OutcomeError, ev.StatusCode, dur
				}
				return OutcomeOK, ev.StatusCode, dur
			case backendclient.EventError:
				dur = time.Duration(got.DurationUs) * time.Microsecond
				if !handler.Sent() {
					// Nothing has reached the client yet for Buffered; surface a clean error.
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				return OutcomeError, ev.StatusCode, dur
			}
		case <-time.After(e.timeouts.ReceivingResponse):
			session.Terminate()
			if buffered {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return OutcomeError, ev.StatusCode, dur
		}
	}
}

// isEmptyBodyShortcut implements the 204/304 workaround from spec.md §4.3:
// when neither Content-Length nor Transfer-Encoding is present, the
// response is already complete after headers.
func isEmptyBodyShortcut(statusCode int, backendHeaders http.Header) bool {
	if statusCode != http.StatusNoContent && statusCode != http.StatusNotModified {
		return false
	}
	return !headers.HasBody(backendHeaders)
}
