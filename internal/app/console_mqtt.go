// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/insole_scanner/internal/config"
	"github.com/relabs-tech/insole_scanner/internal/scans"
	"github.com/relabs-tech/insole_scanner/internal/session"
)

func RunConsoleMQTT() error {
	cfg := config.Get()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	// Subscribe to session changes
	sessionToken := client.Subscribe(cfg.TopicSession, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var c session.Change
		if err := json.Unmarshal(msg.Payload(), &c); err != nil {
			log.Printf("console: session unmarshal error: %v", err)
			return
		}

		fmt.Printf(
			"[SESSION] %-8s key=%s origin=%s at=%s\n",
			c.Kind, c.Key, c.Origin, c.At.Format(time.RFC3339),
		)
	})
	sessionToken.Wait()
	if sessionToken.Error() != nil {
		return sessionToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicSession)

	// Subscribe to scan events
	scansToken := client.Subscribe(cfg.TopicScans, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev scans.Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("console: scans unmarshal error: %v", err)
			return
		}

		fmt.Printf("[SCANS]   total=%d at=%s\n", ev.Total, ev.At.Format(time.RFC3339))
	})
	scansToken.Wait()
	if scansToken.Error() != nil {
		return scansToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicScans)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
