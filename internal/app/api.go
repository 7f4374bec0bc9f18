// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/insole_scanner/internal/analysis"
	"github.com/relabs-tech/insole_scanner/internal/collab"
	"github.com/relabs-tech/insole_scanner/internal/config"
)

// RunAPI serves the collaborator routes: analyze proxy, latency history
// and the scan counter.
func RunAPI() error {
	cfg := config.Get()
	if cfg.AnalyzeUpstreamURL == "" {
		return fmt.Errorf("api: ANALYZE_UPSTREAM_URL is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := collab.OpenStore(cfg.CollabDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var events collab.EventPublisher
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDAPI)
	if err != nil {
		log.Printf("api: MQTT unavailable, scan events off: %v", err)
	} else {
		defer client.Disconnect(250)
		events = collab.NewMQTTEvents(client, cfg.TopicScans)
	}

	upstream := analysis.NewClient(cfg.AnalyzeUpstreamURL, &http.Client{Timeout: cfg.HTTPTimeoutDuration()})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIServerPort),
		Handler: collab.NewServer(store, upstream, events).Routes(),
	}
	return serve(ctx, srv, "api")
}
