// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package collab

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/insole_scanner/internal/scans"
)

// MQTTEvents publishes scan events on one topic.
type MQTTEvents struct {
	client mqtt.Client
	topic  string
}

// NewMQTTEvents uses an already connected client.
func NewMQTTEvents(client mqtt.Client, topic string) *MQTTEvents {
	return &MQTTEvents{client: client, topic: topic}
}

// PublishScan sends ev with QoS 0; the counter endpoint stays the source
// of truth.
func (m *MQTTEvents) PublishScan(ctx context.Context, ev scans.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal scan event: %w", err)
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}
