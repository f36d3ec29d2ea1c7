// Package backendclient performs one outbound HTTP exchange with a backend
// origin and delivers its lifecycle as an ordered event sequence, per
// spec.md §4.3. A Session's events channel always eventually closes, even
// on cancellation, so callers can safely range over it.
package backendclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EventKind identifies which lifecycle event a Session emitted.
type EventKind int

const (
	EventInitialResponse EventKind = iota
	EventChunk
	EventDone
	EventError
)

// Event is the sum type delivered on a Session's event channel. Exactly one
// InitialResponse or Error precedes any Chunk events; after InitialResponse,
// zero or more Chunk events are followed by exactly one Done or Error.
type Event struct {
	Kind         EventKind
	StatusCode   int
	ReasonPhrase string
	Headers      http.Header
	Chunk        []byte
	Reason       error
	DurationUs   int64
}

func microseconds(d time.Duration) int64 { return d.Microseconds() }

// reasonPhrase extracts the text following the status code in an
// http.Response's Status line (e.g. "200 OK" -> "OK"); falls back to the
// standard reason text if the line doesn't have the expected "<code> "
// prefix. Diagnostic only.
func reasonPhrase(status string, statusCode int) string {
	prefix := strconv.Itoa(statusCode) + " "
	if trimmed := strings.TrimPrefix(status, prefix); trimmed != status {
		return trimmed
	}
	return http.StatusText(statusCode)
}

// readChunkSize is the buffer size used when relaying response body bytes
// into Chunk events.
const readChunkSize = 32 * 1024

// Session is the state and event channel of one in-flight backend exchange
// (spec.md's BackendSession).
type Session struct {
	events     chan Event
	bodyWriter *io.PipeWriter
	start      time.Time
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// Events returns the ordered lifecycle channel for this session.
func (s *Session) Events() <-chan Event { return s.events }

// SendChunk writes one request-body chunk. If isLast is true, it also
// finalizes the request body, allowing the backend to begin responding.
func (s *Session) SendChunk(data []byte, isLast bool) (time.Duration, error) {
	start := time.Now()
	if s.bodyWriter == nil {
		return time.Since(start), errors.New("backendclient: session has no request body")
	}
	if len(data) > 0 {
		if _, err := s.bodyWriter.Write(data); err != nil {
			return time.Since(start), err
		}
	}
	if isLast {
		if err := s.bodyWriter.Close(); err != nil {
			return time.Since(start), err
		}
	}
	return time.Since(start), nil
}

// Terminate forcibly cancels the session (closing the outbound socket),
// used by the proxy engine on stage timeout, on a failed request-body
// stream, and on the 204/304 empty-body shortcut. Safe to call more than once.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		if s.bodyWriter != nil {
			_ = s.bodyWriter.CloseWithError(errors.New("backendclient: session terminated"))
		}
		s.cancel()
	})
}

// Client issues outbound HTTP requests to backend origins.
type Client struct {
	transport *http.Transport
}

// bypassHosts are the loopback/dev hostnames exempted from the outbound
// proxy, matched case-sensitively per spec.md §4.3.
var bypassHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"lvh.me":    true,
}

// proxySelector implements the proxy-bypass rule: outboundProxyURL (if
// non-nil) applies except when the destination scheme is https or its host
// is localhost/127.0.0.1/lvh.me; nil falls back to the process environment
// (HTTP_PROXY/HTTPS_PROXY/NO_PROXY), matching http.ProxyFromEnvironment.
func proxySelector(outboundProxyURL *url.URL) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" || bypassHosts[req.URL.Hostname()] {
			return nil, nil
		}
		if outboundProxyURL != nil {
			return outboundProxyURL, nil
		}
		return http.ProxyFromEnvironment(req)
	}
}

// New constructs a Client with a transport tuned the way the router's
// teacher configures its outbound transport (shared idle connections,
// bounded handshake/dial timeouts), generalized with the proxy-bypass rule.
// outboundProxyURL is the configured outbound proxy (spec.md §6
// hackney_config/outbound-proxy); pass "" to fall back to the standard
// proxy environment variables.
func New(outboundProxyURL string) *Client {
	var proxyURL *url.URL
	if outboundProxyURL != "" {
		if parsed, err := url.Parse(outboundProxyURL); err == nil {
			proxyURL = parsed
		}
	}
	return &Client{
		transport: &http.Transport{
			Proxy:                 proxySelector(proxyURL),
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     false, // the origins this proxies to are plain HTTP/1.1 (spec.md §1 non-goal: no HTTP/2)
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// Start opens the outbound exchange: it dials/connects within connectTimeout
// and, once connected, hands the request off to the transport in the
// background. hasBody controls whether the request gets a streaming pipe
// body for subsequent SendChunk calls. Returns the session plus the elapsed
// connect time, or an error with its own elapsed time on dial failure.
func (c *Client) Start(ctx context.Context, connectTimeout time.Duration, method, rawURL string, header http.Header, hasBody bool) (*Session, time.Duration, error) {
	start := time.Now()

	reqCtx, cancel := context.WithCancel(ctx)

	var pw *io.PipeWriter
	var body io.Reader
	if hasBody {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		body = pr
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		cancel()
		return nil, time.Since(start), err
	}
	req.Header = header.Clone()

	connectedCh := make(chan error, 1)
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) {
			select {
			case connectedCh <- nil:
			default:
			}
		},
		ConnectDone: func(_, _ string, err error) {
			if err != nil {
				select {
				case connectedCh <- err:
				default:
				}
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(reqCtx, trace))

	session := &Session{
		events:     make(chan Event, 8),
		bodyWriter: pw,
		start:      start,
		cancel:     cancel,
	}

	roundTripDone := make(chan struct{})
	go func() {
		defer close(session.events)
		defer close(roundTripDone)

		resp, err := c.transport.RoundTrip(req)
		elapsed := time.Since(session.start)
		if err != nil {
			session.events <- Event{Kind: EventError, Reason: err, DurationUs: microseconds(elapsed)}
			return
		}

		headerCopy := resp.Header.Clone()
		if len(resp.TransferEncoding) > 0 {
			// net/http's client parses and strips the wire Transfer-Encoding
			// header from resp.Header, recording it in resp.TransferEncoding
			// instead; restore it so downstream body-strategy selection still
			// sees it.
			headerCopy.Set("Transfer-Encoding", strings.Join(resp.TransferEncoding, ", "))
		}

		session.events <- Event{
			Kind:         EventInitialResponse,
			StatusCode:   resp.StatusCode,
			ReasonPhrase: reasonPhrase(resp.Status, resp.StatusCode),
			Headers:      headerCopy,
			DurationUs:   microseconds(elapsed),
		}

		buf := make([]byte, readChunkSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				session.events <- Event{Kind: EventChunk, Chunk: chunk}
			}
			if rerr != nil {
				_ = resp.Body.Close()
				if errors.Is(rerr, io.EOF) {
					session.events <- Event{Kind: EventDone, DurationUs: microseconds(time.Since(session.start))}
				} else {
					session.events <- Event{Kind: EventError, Reason: rerr, DurationUs: microseconds(time.Since(session.start))}
				}
				return
			}
		}
	}()

	// Connecting stage: wait for a connection (new or reused) or for the
	// caller's connect-stage deadline/cancellation to fire.
	select {
	case err := <-connectedCh:
		if err != nil {
			session.Terminate()
			return nil, time.Since(start), err
		}
		return session, time.Since(start), nil
	case <-time.After(connectTimeout):
		session.Terminate()
		return nil, time.Since(start), context.DeadlineExceeded
	case <-roundTripDone:
		// The whole round trip (including a cached/instant connection) finished
		// before we observed a trace callback; treat as connected.
		return session, time.Since(start), nil
	case <-ctx.Done():
		session.Terminate()
		return nil, time.Since(start), ctx.Err()
	}
}
