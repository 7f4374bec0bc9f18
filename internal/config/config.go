// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker          string
	MQTTClientIDWeb     string
	MQTTClientIDAPI     string
	MQTTClientIDConsole string
	MQTTClientIDScan    string

	// Topics
	TopicSession string // session written / cleared, consumed by every controller instance
	TopicScans   string // scan counter increments published by the api

	// Collaborators
	AnalyzeURL  string
	LatencyURL  string
	ScansURL    string
	HTTPTimeout int // milliseconds

	// Upstream image-analysis service (api only)
	AnalyzeUpstreamURL string

	// Storage
	SessionDBPath string // shared storage origin for every controller instance
	CollabDBPath  string
	SessionKey    string

	// Capture
	OverlayPath      string // empty renders the built-in silhouette
	CameraSource     string // "mock" or a directory of frames
	FrameRateHz      int
	CaptureTimeoutMs int // 0 waits forever

	// Timing
	ScansPollInterval    int // milliseconds
	SessionCheckInterval int // milliseconds
	ProgressTick         int // milliseconds

	// Servers
	WebServerPort int
	APIServerPort int
	StaticDir     string
}

// Defaults returns a Config with every optional value filled in.
func Defaults() *Config {
	return &Config{
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDWeb:      "insole-web",
		MQTTClientIDAPI:      "insole-api",
		MQTTClientIDConsole:  "insole-console",
		MQTTClientIDScan:     "insole-scan",
		TopicSession:         "insole/session",
		TopicScans:           "insole/scans",
		AnalyzeURL:           "http://localhost:8081/api/analyze",
		LatencyURL:           "http://localhost:8081/api/latency",
		ScansURL:             "http://localhost:8081/api/scans",
		HTTPTimeout:          60000,
		SessionDBPath:        "data/session.db",
		CollabDBPath:         "data/collab.db",
		SessionKey:           "insoleSession",
		CameraSource:         "mock",
		FrameRateHz:          60,
		ScansPollInterval:    30000,
		SessionCheckInterval: 30000,
		ProgressTick:         60,
		WebServerPort:        8080,
		APIServerPort:        8081,
		StaticDir:            "web",
	}
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads KEY=VALUE lines on top of Defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Defaults()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_API":
		c.MQTTClientIDAPI = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_SCAN":
		c.MQTTClientIDScan = value

	// Topics
	case "TOPIC_SESSION":
		c.TopicSession = value
	case "TOPIC_SCANS":
		c.TopicScans = value

	// Collaborators
	case "ANALYZE_URL":
		c.AnalyzeURL = value
	case "LATENCY_URL":
		c.LatencyURL = value
	case "SCANS_URL":
		c.ScansURL = value
	case "ANALYZE_UPSTREAM_URL":
		c.AnalyzeUpstreamURL = value
	case "HTTP_TIMEOUT":
		return parsePositive(key, value, &c.HTTPTimeout)

	// Storage
	case "SESSION_DB_PATH":
		c.SessionDBPath = value
	case "COLLAB_DB_PATH":
		c.CollabDBPath = value
	case "SESSION_KEY":
		c.SessionKey = value

	// Capture
	case "OVERLAY_PATH":
		c.OverlayPath = value
	case "CAMERA_SOURCE":
		c.CameraSource = value
	case "FRAME_RATE_HZ":
		if err := parsePositive(key, value, &c.FrameRateHz); err != nil {
			return err
		}
		if c.FrameRateHz > 240 {
			return fmt.Errorf("FRAME_RATE_HZ must be 1-240, got %d", c.FrameRateHz)
		}
	case "CAPTURE_TIMEOUT_MS":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid CAPTURE_TIMEOUT_MS %q: %w", value, err)
		}
		if ms < 0 {
			return fmt.Errorf("CAPTURE_TIMEOUT_MS must be >= 0, got %d", ms)
		}
		c.CaptureTimeoutMs = ms

	// Timing
	case "SCANS_POLL_INTERVAL":
		return parsePositive(key, value, &c.ScansPollInterval)
	case "SESSION_CHECK_INTERVAL":
		return parsePositive(key, value, &c.SessionCheckInterval)
	case "PROGRESS_TICK":
		return parsePositive(key, value, &c.ProgressTick)

	// Servers
	case "WEB_SERVER_PORT":
		return parsePort(key, value, &c.WebServerPort)
	case "API_SERVER_PORT":
		return parsePort(key, value, &c.APIServerPort)
	case "STATIC_DIR":
		c.StaticDir = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func parsePositive(key, value string, dst *int) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0, got %d", key, n)
	}
	*dst = n
	return nil
}

func parsePort(key, value string, dst *int) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	*dst = port
	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.AnalyzeURL == "" {
		return fmt.Errorf("ANALYZE_URL is required")
	}
	if c.SessionKey == "" {
		return fmt.Errorf("SESSION_KEY is required")
	}
	if c.SessionDBPath == "" {
		return fmt.Errorf("SESSION_DB_PATH is required")
	}
	return nil
}

// HTTPTimeoutDuration is HTTPTimeout as a time.Duration.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return time.Duration(c.HTTPTimeout) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Only the first call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
