// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/insole_scanner/internal/classify"
)

// doneToken is an already completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// loopbackBroker delivers every publish to every subscriber of the topic.
type loopbackBroker struct {
	mu   sync.Mutex
	subs map[string][]mqtt.MessageHandler
}

// loopbackClient implements the parts of mqtt.Client the notifier uses.
type loopbackClient struct {
	mqtt.Client
	broker *loopbackBroker
}

func (c *loopbackClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.broker.mu.Lock()
	handlers := append([]mqtt.MessageHandler(nil), c.broker.subs[topic]...)
	c.broker.mu.Unlock()
	for _, h := range handlers {
		h(c, message{topic: topic, payload: payload.([]byte)})
	}
	return doneToken{}
}

func (c *loopbackClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.broker.mu.Lock()
	if c.broker.subs == nil {
		c.broker.subs = make(map[string][]mqtt.MessageHandler)
	}
	c.broker.subs[topic] = append(c.broker.subs[topic], cb)
	c.broker.mu.Unlock()
	return doneToken{}
}

func TestMQTTNotifierSkipsOwnChanges(t *testing.T) {
	broker := &loopbackBroker{}
	tabA := NewMQTTNotifier(&loopbackClient{broker: broker}, "insole/session", "tab-a")
	tabB := NewMQTTNotifier(&loopbackClient{broker: broker}, "insole/session", "tab-b")

	var mu sync.Mutex
	var gotA, gotB []Change
	if err := tabA.Subscribe(func(c Change) { mu.Lock(); gotA = append(gotA, c); mu.Unlock() }); err != nil {
		t.Fatal(err)
	}
	if err := tabB.Subscribe(func(c Change) { mu.Lock(); gotB = append(gotB, c); mu.Unlock() }); err != nil {
		t.Fatal(err)
	}

	store := NewStore(NewMemoryBackend(), "insoleSession", WithPublisher(tabA, "tab-a"))
	if err := store.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotA) != 0 {
		t.Errorf("tab A received its own change: %v", gotA)
	}
	if len(gotB) != 1 || gotB[0].Kind != "cleared" || gotB[0].Origin != "tab-a" {
		t.Errorf("tab B received %v", gotB)
	}
}

func TestMQTTNotifierDrivesWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := &loopbackBroker{}
	backend := NewMemoryBackend()
	notA := NewMQTTNotifier(&loopbackClient{broker: broker}, "t", "a")
	notB := NewMQTTNotifier(&loopbackClient{broker: broker}, "t", "b")

	writer := NewStore(backend, "k", WithPublisher(notA, "a"))
	reader := NewStore(backend, "k", WithPublisher(notB, "b"))
	w := NewWatcher(reader, WithIntervals(time.Hour, time.Hour))
	if err := notB.Subscribe(func(Change) { w.StorageChanged() }); err != nil {
		t.Fatal(err)
	}
	go w.Run(ctx)

	if _, err := writer.TryPersist(ctx, classify.Classify("arco"), time.Now(), ""); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !w.View().Present() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the other instance's write")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
