package proxyengine

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openaperture/go-router/internal/backendclient"
	"github.com/openaperture/go-router/internal/config"
	"github.com/openaperture/go-router/internal/routecache"
)

func testTimeouts() config.StageTimeouts {
	return config.StageTimeouts{
		Connecting:         time.Second,
		SendingRequestBody: time.Second,
		WaitingForResponse: time.Second,
		ReceivingResponse:  time.Second,
	}
}

func backendAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := splitHostPortString(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func splitHostPortString(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func TestProxyGetEchoesForwardingHeadersAndQuery(t *testing.T) {
	var gotPath, gotQuery, gotHost, gotPort, gotProto, gotReqID string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Header.Get("X-Forwarded-Host")
		gotPort = r.Header.Get("X-Forwarded-Port")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		gotReqID = r.Header.Get("X-OpenAperture-Request-ID")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("echo"))
	}))
	defer backend.Close()

	host, port := backendAddr(t, backend)
	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: host, Port: port, Secure: false}})

	engine := New(cache, backendclient.New(""), testTimeouts())

	req := httptest.NewRequest(http.MethodGet, "http://router:8080/get?a=1&b=2", nil)
	req.Host = "router:8080"
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "echo", rec.Body.String())
	require.Equal(t, "/get", gotPath)
	require.Equal(t, "a=1&b=2", gotQuery)
	require.Equal(t, "router", gotHost)
	require.Equal(t, "8080", gotPort)
	require.Equal(t, "http", gotProto)
	require.Len(t, gotReqID, 32)
}

func TestProxyUnknownAuthorityReturns503WithoutDialing(t *testing.T) {
	cache := routecache.New()
	engine := New(cache, backendclient.New(""), testTimeouts())

	req := httptest.NewRequest(http.MethodGet, "http://ghost:8080/", nil)
	req.Host = "ghost:8080"
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestProxyChunkedBackendResponseRelayedByteForByte(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 16*1024*1024)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer backend.Close()

	host, port := backendAddr(t, backend)
	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: host, Port: port}})

	engine := New(cache, backendclient.New(""), testTimeouts())
	req := httptest.NewRequest(http.MethodGet, "http://router:8080/big", nil)
	req.Host = "router:8080"
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestProxyStreamsClientChunkedRequestBodyToBackend(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 4*1024*1024)
	var received []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body[:4])
	}))
	defer backend.Close()

	host, port := backendAddr(t, backend)
	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: host, Port: port}})

	engine := New(cache, backendclient.New(""), testTimeouts())
	req := httptest.NewRequest(http.MethodPost, "http://router:8080/post", bytes.NewReader(payload))
	req.Host = "router:8080"
	req.Header.Set("Transfer-Encoding", "chunked")
	req.ContentLength = -1
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, received)
}

func TestProxy204WithoutContentLengthShortcutsImmediately(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	host, port := backendAddr(t, backend)
	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: host, Port: port}})

	engine := New(cache, backendclient.New(""), testTimeouts())
	req := httptest.NewRequest(http.MethodGet, "http://router:8080/empty", nil)
	req.Host = "router:8080"
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		engine.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("204 shortcut did not complete promptly")
	}

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestProxyDuplicateHeadersDedupedBeforeResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Server", "Cowboy")
		w.Header().Add("Server", "nginx")
		w.Header().Add("Connection", "close")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	host, port := backendAddr(t, backend)
	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: host, Port: port}})

	engine := New(cache, backendclient.New(""), testTimeouts())
	req := httptest.NewRequest(http.MethodGet, "http://router:8080/dup", nil)
	req.Host = "router:8080"
	rec := httptest.NewRecorder()

	engine.ServeHTTP(rec, req)

	require.Equal(t, []string{"nginx"}, rec.Header()["Server"])
}
