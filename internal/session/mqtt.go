// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTNotifier carries Change events between instances over one topic.
type MQTTNotifier struct {
	client mqtt.Client
	topic  string
	origin string
}

// NewMQTTNotifier uses an already connected client.
func NewMQTTNotifier(client mqtt.Client, topic, origin string) *MQTTNotifier {
	return &MQTTNotifier{client: client, topic: topic, origin: origin}
}

// Publish sends c, not retained: a change is an event, not state.
func (n *MQTTNotifier) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	token := n.client.Publish(n.topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return token.Error()
}

// Subscribe calls fn for every change made by another instance.
func (n *MQTTNotifier) Subscribe(fn func(Change)) error {
	token := n.client.Subscribe(n.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var c Change
		if err := json.Unmarshal(msg.Payload(), &c); err != nil {
			log.Printf("session: change unmarshal error: %v", err)
			return
		}
		if c.Origin == n.origin {
			return
		}
		fn(c)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("session: subscribed to %s", n.topic)
	return nil
}
