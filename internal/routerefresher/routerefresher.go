// Package routerefresher reconciles the route cache against a control-plane
// route server on a timer, per spec.md §4.2. It never exits its loop: a
// failed iteration is logged and retried on the next tick.
package routerefresher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/openaperture/go-router/internal/applog"
	"github.com/openaperture/go-router/internal/metrics"
	"github.com/openaperture/go-router/internal/routecache"
)

const component = "routerefresher"

// state names the refresher's two-state machine.
type state int

const (
	stateBootstrapping state = iota
	stateSteady
)

func (s state) String() string {
	if s == stateSteady {
		return "steady"
	}
	return "bootstrapping"
}

// TokenSource supplies the bearer token sent with every route-server
// request. Left as an interface seam: the spec leaves the OAuth protocol
// unprescribed, so the shipped implementation is a static token read from
// config (see StaticToken).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same pre-configured value.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// routeEntry is one backend entry as returned by the route server.
type routeEntry struct {
	Hostname         string `json:"hostname"`
	Port             int    `json:"port"`
	SecureConnection bool   `json:"secure_connection"`
}

// routesResponse is the JSON schema shared by the full and incremental
// route-fetch endpoints: a map of authority to backend list, plus a
// top-level "timestamp" the refresher adopts as its new watermark.
type routesResponse map[string]json.RawMessage

func (r routesResponse) timestamp() (int64, bool) {
	raw, ok := r["timestamp"]
	if !ok {
		return 0, false
	}
	var ts int64
	if err := json.Unmarshal(raw, &ts); err != nil {
		return 0, false
	}
	return ts, true
}

func (r routesResponse) authorities() map[string][]routeEntry {
	out := make(map[string][]routeEntry, len(r))
	for authority, raw := range r {
		if authority == "timestamp" {
			continue
		}
		var entries []routeEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			continue
		}
		out[authority] = entries
	}
	return out
}

// Refresher owns the cache-reconciliation loop.
type Refresher struct {
	cache      *routecache.Cache
	client     *http.Client
	routesURL  string
	tokens     TokenSource
	interval   time.Duration
	lastMu     sync.RWMutex
	lastTs     int64
	lastNever  bool
	state      state
}

// New constructs a Refresher. interval is the polling period (spec.md §4.2
// default 60,000ms, chosen by the caller). lastRefreshTimestamp starts at
// "never" until a successful full fetch completes.
func New(cache *routecache.Cache, routesURL string, tokens TokenSource, interval time.Duration) *Refresher {
	return &Refresher{
		cache:     cache,
		client:    &http.Client{Timeout: 30 * time.Second},
		routesURL: routesURL,
		tokens:    tokens,
		interval:  interval,
		lastNever: true,
		state:     stateBootstrapping,
	}
}

// LastRefreshTimestamp returns the watermark's value and whether it has
// ever been set (false means "never", per spec.md §4.2). Reset to "never"
// only at process startup, never again afterward.
func (r *Refresher) LastRefreshTimestamp() (int64, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.lastTs, !r.lastNever
}

func (r *Refresher) setTimestamp(ts int64) {
	r.lastMu.Lock()
	r.lastNever = false
	r.lastTs = ts
	r.lastMu.Unlock()
	metrics.SetLastRefreshTimestamp(ts)
}

// Run blocks, ticking every interval until ctx is canceled. It never
// returns early on a failed iteration (spec.md §4.2: "the loop must never
// exit").
func (r *Refresher) Run(ctx context.Context) {
	r.tick(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	switch r.state {
	case stateBootstrapping:
		r.bootstrapTick(ctx)
	case stateSteady:
		r.steadyTick(ctx)
	}
}

func (r *Refresher) bootstrapTick(ctx context.Context) {
	resp, err := r.fetch(ctx, r.routesURL)
	if err != nil {
		applog.Emit("error", component, map[string]string{"state": r.state.String()}, "full fetch failed: "+err.Error())
		metrics.ObserveRefreshOutcome(r.state.String(), "error")
		return
	}
	ts, ok := resp.timestamp()
	if !ok {
		applog.Emit("error", component, map[string]string{"state": r.state.String()}, "full fetch response missing timestamp")
		metrics.ObserveRefreshOutcome(r.state.String(), "error")
		return
	}
	r.applyAuthorities(resp.authorities())
	r.setTimestamp(ts)
	r.state = stateSteady
	metrics.ObserveRefreshOutcome("bootstrapping", "success")
	applog.Emit("info", component, nil, "bootstrap complete, entering steady state")
}

func (r *Refresher) steadyTick(ctx context.Context) {
	ts, _ := r.LastRefreshTimestamp()

	deletedURL := fmt.Sprintf("%s/deleted?updated_since=%s", r.routesURL, strconv.FormatInt(ts, 10))
	var deleted []string
	if err := r.fetchJSON(ctx, deletedURL, &deleted); err != nil {
		applog.Emit("error", component, map[string]string{"state": "steady", "step": "deleted"}, err.Error())
		metrics.ObserveRefreshOutcome("steady", "error")
		return
	}

	updatedURL := fmt.Sprintf("%s?updated_since=%s", r.routesURL, strconv.FormatInt(ts, 10))
	resp, err := r.fetch(ctx, updatedURL)
	if err != nil {
		applog.Emit("error", component, map[string]string{"state": "steady", "step": "updated"}, err.Error())
		metrics.ObserveRefreshOutcome("steady", "error")
		return
	}
	newTs, ok := resp.timestamp()
	if !ok {
		applog.Emit("error", component, map[string]string{"state": "steady", "step": "updated"}, "response missing timestamp")
		metrics.ObserveRefreshOutcome("steady", "error")
		return
	}

	for _, authority := range deleted {
		r.cache.Delete(authority)
	}
	r.applyAuthorities(resp.authorities())
	r.setTimestamp(newTs)
	metrics.ObserveRefreshOutcome("steady", "success")
}

func (r *Refresher) applyAuthorities(authorities map[string][]routeEntry) {
	for authority, entries := range authorities {
		backends := make([]routecache.Backend, 0, len(entries))
		for _, e := range entries {
			backends = append(backends, routecache.Backend{Host: e.Hostname, Port: e.Port, Secure: e.SecureConnection})
		}
		if len(backends) == 0 {
			r.cache.Delete(authority)
			continue
		}
		r.cache.Put(authority, backends)
	}
}

func (r *Refresher) fetch(ctx context.Context, url string) (routesResponse, error) {
	var resp routesResponse
	if err := r.fetchJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Refresher) fetchJSON(ctx context.Context, url string, out interface{}) error {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token acquisition: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("route server returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing route server response: %w", err)
	}
	return nil
}
