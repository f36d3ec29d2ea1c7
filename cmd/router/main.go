package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/openaperture/go-router/internal/applog"
	"github.com/openaperture/go-router/internal/backendclient"
	"github.com/openaperture/go-router/internal/config"
	"github.com/openaperture/go-router/internal/proxyengine"
	"github.com/openaperture/go-router/internal/routecache"
	"github.com/openaperture/go-router/internal/routerefresher"
)

// staleRefreshWindow bounds how long LastRefreshTimestamp may go without
// advancing before the health endpoint reports unhealthy.
const staleRefreshWindow = 600 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env file (%v), using system environment variables", err)
	}

	cfg := config.Load()

	cache := routecache.New()
	tokens := routerefresher.StaticToken(cfg.ClientSecret)
	refresher := routerefresher.New(cache, cfg.RouteServerURL, tokens, cfg.RouteServerTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go refresher.Run(ctx)

	engine := proxyengine.New(cache, backendclient.New(cfg.OutboundProxyURL), cfg.Timeouts)

	router := chi.NewRouter()
	router.Get("/openaperture_router_status_check", healthHandler(refresher))
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/*", engine)

	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("router: failed to listen on %s: %v", addr, err)
	}
	bounded := netutil.LimitListener(listener, cfg.AcceptorPoolSize)

	applog.Emit("info", "main", map[string]string{"addr": addr}, "router listening, acceptor pool "+humanize.Comma(int64(cfg.AcceptorPoolSize))+" connections")

	server := &http.Server{Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(bounded); err != nil && err != http.ErrServerClosed {
		log.Fatalf("router: server exited: %v", err)
	}
}

// healthHandler reports 503 until the route cache has completed at least
// one refresh, and again if the refresher has gone stale for longer than
// staleRefreshWindow (spec.md §6).
func healthHandler(refresher *routerefresher.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ts, known := refresher.LastRefreshTimestamp()
		if !known {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		age := time.Since(time.Unix(ts, 0))
		if age > staleRefreshWindow {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
