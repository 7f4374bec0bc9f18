// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package scans keeps a read-only view of the global scan counter.
package scans

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultInterval is the polling period.
const DefaultInterval = 30 * time.Second

// Response is the counter endpoint body. Total may be null while the
// counter store warms up.
type Response struct {
	Total *int64 `json:"total"`
}

// Counter polls the scan counter on an interval and on demand.
type Counter struct {
	url      string
	client   *http.Client
	interval time.Duration
	onChange func(*int64)

	refresh chan struct{}

	mu    sync.Mutex
	total *int64
}

// Option customises a Counter.
type Option func(*Counter)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option { return func(c *Counter) { c.interval = d } }

// WithOnChange is called whenever the known total changes.
func WithOnChange(fn func(*int64)) Option { return func(c *Counter) { c.onChange = fn } }

// NewCounter returns a Counter for url. A nil client uses a 5s timeout.
func NewCounter(url string, client *http.Client, opts ...Option) *Counter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	c := &Counter{
		url:      url,
		client:   client,
		interval: DefaultInterval,
		refresh:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Total returns the last known total, nil while unknown.
func (c *Counter) Total() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == nil {
		return nil
	}
	v := *c.total
	return &v
}

// Refresh asks Run for an immediate poll.
func (c *Counter) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run polls once, then on every tick and Refresh until ctx is done.
func (c *Counter) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Poll(ctx)
		case <-c.refresh:
			c.Poll(ctx)
		}
	}
}

// Poll fetches the counter once. Failures keep the previous value.
func (c *Counter) Poll(ctx context.Context) {
	total, err := c.fetch(ctx)
	if err != nil {
		log.Printf("scans: poll error: %v", err)
		return
	}
	c.set(total)
}

func (c *Counter) set(total *int64) {
	c.mu.Lock()
	changed := !equal(c.total, total)
	c.total = total
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(total)
	}
}

func (c *Counter) fetch(ctx context.Context) (*int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", c.url, resp.StatusCode)
	}
	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode scans: %w", err)
	}
	return body.Total, nil
}

// SubscribeMQTT refreshes the counter whenever the api announces a new
// scan on topic, so viewers do not wait for the next tick.
func (c *Counter) SubscribeMQTT(client mqtt.Client, topic string) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, _ mqtt.Message) {
		c.Refresh()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("scans: subscribed to %s", topic)
	return nil
}

// Event is the payload published on the scans topic.
type Event struct {
	Total int64     `json:"total"`
	At    time.Time `json:"at"`
}

func equal(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
