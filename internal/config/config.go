// Package config loads the router's runtime configuration from environment
// variables, with an optional configs/config.yaml overlay for the values
// that are more naturally expressed as a file (spec.md §6).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StageTimeouts holds the per-stage wait limits a single request's backend
// exchange is allowed before the proxy engine gives up on it (spec.md §4.5/§5).
type StageTimeouts struct {
	Connecting         time.Duration
	SendingRequestBody time.Duration
	WaitingForResponse time.Duration
	ReceivingResponse  time.Duration
}

// Config is the router's full runtime configuration.
type Config struct {
	HTTPPort        int
	AcceptorPoolSize int

	RouteServerURL string
	RouteServerTTL time.Duration

	ClientID     string
	ClientSecret string
	OAuthURL     string

	Timeouts StageTimeouts

	OutboundProxyURL string
}

const (
	defaultHTTPPort        = 8080
	defaultAcceptorPool    = 100
	defaultRouteServerTTL  = 60000 * time.Millisecond
	defaultConnecting      = 5000 * time.Millisecond
	defaultSendingBody     = 60000 * time.Millisecond
	defaultWaitingResponse = 60000 * time.Millisecond
	defaultReceivingResp   = 60000 * time.Millisecond
)

// fileOverlay is the shape of the optional YAML config file. Any field left
// zero-valued does not override the corresponding environment-derived default.
type fileOverlay struct {
	HTTPPort         int    `yaml:"http_port"`
	AcceptorPoolSize int    `yaml:"acceptor_pool_size"`
	RouteServerURL   string `yaml:"route_server_url"`
	RouteServerTTLMs int    `yaml:"route_server_ttl_ms"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	OAuthURL         string `yaml:"oauth_url"`
	OutboundProxyURL string `yaml:"outbound_proxy_url"`
	Timeouts         struct {
		ConnectingMs         int `yaml:"connecting_ms"`
		SendingRequestBodyMs int `yaml:"sending_request_body_ms"`
		WaitingForResponseMs int `yaml:"waiting_for_response_ms"`
		ReceivingResponseMs  int `yaml:"receiving_response_ms"`
	} `yaml:"timeouts"`
}

func loadFileOverlay() fileOverlay {
	var overlay fileOverlay
	for _, path := range []string{"configs/config.yaml", "configs/config.yml"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = yaml.Unmarshal(data, &overlay)
		break
	}
	return overlay
}

// Load reads environment variables, applies the optional file overlay on top
// of them, and returns the resulting Config. There is no required field:
// an unconfigured router simply never resolves any route until the route
// server responds (spec.md §4.2 Bootstrapping).
func Load() *Config {
	overlay := loadFileOverlay()

	httpPort := getEnvInt("ROUTER_HTTP_PORT", defaultHTTPPort)
	if overlay.HTTPPort != 0 {
		httpPort = overlay.HTTPPort
	}

	acceptorPool := getEnvInt("ROUTER_ACCEPTOR_POOL_SIZE", defaultAcceptorPool)
	if overlay.AcceptorPoolSize != 0 {
		acceptorPool = overlay.AcceptorPoolSize
	}

	routeServerURL := getEnv("ROUTER_ROUTE_SERVER_URL", "")
	if overlay.RouteServerURL != "" {
		routeServerURL = overlay.RouteServerURL
	}

	routeServerTTL := getEnvDuration("ROUTER_ROUTE_SERVER_TTL", defaultRouteServerTTL)
	if overlay.RouteServerTTLMs != 0 {
		routeServerTTL = time.Duration(overlay.RouteServerTTLMs) * time.Millisecond
	}

	clientID := getEnv("ROUTER_CLIENT_ID", "")
	if overlay.ClientID != "" {
		clientID = overlay.ClientID
	}
	clientSecret := getEnv("ROUTER_CLIENT_SECRET", "")
	if overlay.ClientSecret != "" {
		clientSecret = overlay.ClientSecret
	}
	oauthURL := getEnv("ROUTER_OAUTH_URL", "")
	if overlay.OAuthURL != "" {
		oauthURL = overlay.OAuthURL
	}

	outboundProxyURL := getEnv("ROUTER_OUTBOUND_PROXY_URL", "")
	if overlay.OutboundProxyURL != "" {
		outboundProxyURL = overlay.OutboundProxyURL
	}

	timeouts := StageTimeouts{
		Connecting:         getEnvDuration("ROUTER_TIMEOUT_CONNECTING", defaultConnecting),
		SendingRequestBody: getEnvDuration("ROUTER_TIMEOUT_SENDING_REQUEST_BODY", defaultSendingBody),
		WaitingForResponse: getEnvDuration("ROUTER_TIMEOUT_WAITING_FOR_RESPONSE", defaultWaitingResponse),
		ReceivingResponse:  getEnvDuration("ROUTER_TIMEOUT_RECEIVING_RESPONSE", defaultReceivingResp),
	}
	if overlay.Timeouts.ConnectingMs != 0 {
		timeouts.Connecting = time.Duration(overlay.Timeouts.ConnectingMs) * time.Millisecond
	}
	if overlay.Timeouts.SendingRequestBodyMs != 0 {
		timeouts.SendingRequestBody = time.Duration(overlay.Timeouts.SendingRequestBodyMs) * time.Millisecond
	}
	if overlay.Timeouts.WaitingForResponseMs != 0 {
		timeouts.WaitingForResponse = time.Duration(overlay.Timeouts.WaitingForResponseMs) * time.Millisecond
	}
	if overlay.Timeouts.ReceivingResponseMs != 0 {
		timeouts.ReceivingResponse = time.Duration(overlay.Timeouts.ReceivingResponseMs) * time.Millisecond
	}

	return &Config{
		HTTPPort:         httpPort,
		AcceptorPoolSize: acceptorPool,
		RouteServerURL:   routeServerURL,
		RouteServerTTL:   routeServerTTL,
		ClientID:         clientID,
		ClientSecret:     clientSecret,
		OAuthURL:         oauthURL,
		Timeouts:         timeouts,
		OutboundProxyURL: outboundProxyURL,
	}
}

// Retrieves an environment variable or returns the default value.
func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Retrieves an integer environment variable or returns the default value.
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

// Retrieves a duration environment variable (Go duration syntax, e.g. "5s")
// or returns the default value.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
