// Package applog provides the router's leveled logging: a local stdout sink
// plus an optional fire-and-forget push to a Loki endpoint, both driven by
// the same structured label set used across the proxy engine, route
// refresher, and process entrypoint.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

// lokiFileConfig mirrors the subset of configs/config.yaml this package cares about.
type lokiFileConfig struct {
	Logging *struct {
		LokiURL      string `yaml:"loki_url"`
		InfoEnabled  *bool  `yaml:"info_enabled"`
		DebugEnabled *bool  `yaml:"debug_enabled"`
		ErrorEnabled *bool  `yaml:"error_enabled"`
	} `yaml:"logging"`
}

func initLoki() {
	lokiURL = ""

	configPath := ""
	for _, candidate := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
			break
		}
	}
	if configPath != "" {
		var cfg lokiFileConfig
		if raw, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err == nil && cfg.Logging != nil {
				if strings.TrimSpace(cfg.Logging.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Logging.LokiURL)
				}
				if cfg.Logging.InfoEnabled != nil {
					infoEnabled = *cfg.Logging.InfoEnabled
				}
				if cfg.Logging.DebugEnabled != nil {
					debugEnabled = *cfg.Logging.DebugEnabled
				}
				if cfg.Logging.ErrorEnabled != nil {
					errorEnabled = *cfg.Logging.ErrorEnabled
				}
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("ROUTER_LOKI_URL")); v != "" {
		lokiURL = v
	}
	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

// SetLevels overrides the INFO/DEBUG/ERROR toggles, bypassing config-file discovery.
// Intended for tests and for cmd/router wiring explicit CLI/env overrides.
func SetLevels(info, debug, errorLvl bool) {
	infoEnabled, debugEnabled, errorEnabled = info, debug, errorLvl
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

func logEnabled() bool {
	// Quiet inside any test binary (the testing package registers test.v);
	// SetLevels does not lift this.
	if flag.Lookup("test.v") != nil {
		return false
	}
	return true
}

// Emit prints a line locally (if enabled) and forwards it to Loki with a "level" label.
func Emit(level, component string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if logEnabled() && levelEnabled(lvl) {
		log.Print(line)
	}
	PushLoki(lvl, component, labels, line)
}

// PushLoki sends a single log line with labels to Loki. No-op if unconfigured or disabled.
func PushLoki(level, component string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	streamLabels := map[string]string{"component": component, "level": strings.ToLower(level), "host": MustHostname()}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		streamLabels[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: streamLabels, Values: [][2]string{{ts, line}}},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, lokiURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req) // fire-and-forget
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
