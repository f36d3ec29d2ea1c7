package routerefresher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openaperture/go-router/internal/routecache"
)

func TestBootstrapFullFetchPopulatesCacheAndTransitionsToSteady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "Bearer test-token", req.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"router:8080":[{"hostname":"backend","port":4007,"secure_connection":false}],"timestamp":100}`))
	}))
	defer srv.Close()

	cache := routecache.New()
	r := New(cache, srv.URL, StaticToken("test-token"), time.Hour)
	r.tick(context.Background())

	require.Equal(t, stateSteady, r.state)
	ts, known := r.LastRefreshTimestamp()
	require.True(t, known)
	require.Equal(t, int64(100), ts)

	backends, ok := cache.Get("router:8080")
	require.True(t, ok)
	require.Equal(t, "backend", backends[0].Host)
}

func TestBootstrapRemainsBootstrappingOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := routecache.New()
	r := New(cache, srv.URL, StaticToken("t"), time.Hour)
	r.tick(context.Background())

	require.Equal(t, stateBootstrapping, r.state)
	_, known := r.LastRefreshTimestamp()
	require.False(t, known)
}

func TestSteadyDeletesThenUpdatesSameAuthority(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch {
		case strings.HasSuffix(req.URL.Path, "/deleted"):
			_, _ = w.Write([]byte(`["router:8080"]`))
		default:
			_, _ = w.Write([]byte(`{"router:8080":[{"hostname":"new-backend","port":9000,"secure_connection":false}],"timestamp":200}`))
		}
	}))
	defer srv.Close()

	cache := routecache.New()
	cache.Put("router:8080", []routecache.Backend{{Host: "old-backend", Port: 1}})

	r := New(cache, srv.URL, StaticToken("t"), time.Hour)
	r.state = stateSteady
	r.setTimestamp(50)

	r.tick(context.Background())

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	backends, ok := cache.Get("router:8080")
	require.True(t, ok)
	require.Equal(t, "new-backend", backends[0].Host)

	ts, _ := r.LastRefreshTimestamp()
	require.Equal(t, int64(200), ts)
}

func TestSteadyDoesNotAdvanceTimestampOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasSuffix(req.URL.Path, "/deleted") {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := routecache.New()
	r := New(cache, srv.URL, StaticToken("t"), time.Hour)
	r.state = stateSteady
	r.setTimestamp(50)

	r.tick(context.Background())

	ts, _ := r.LastRefreshTimestamp()
	require.Equal(t, int64(50), ts, "a failed iteration must not advance the watermark")
	require.Equal(t, stateSteady, r.state)
}
