// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package latency provides the smoothed duration estimate of the remote
// analysis call, both the smoothing rule and the client that fetches it.
package latency

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"
)

// Fallback is used whenever no estimate is available.
const Fallback = 4000 * time.Millisecond

// Alpha is the EWMA smoothing factor.
const Alpha = 0.3

// Smooth returns the EWMA of samples (oldest first), seeded with the first.
func Smooth(samples []time.Duration) time.Duration {
	switch len(samples) {
	case 0:
		return Fallback
	case 1:
		return samples[0]
	}
	ewma := float64(samples[0].Milliseconds())
	for _, s := range samples[1:] {
		ewma = Alpha*float64(s.Milliseconds()) + (1-Alpha)*ewma
	}
	return time.Duration(math.Round(ewma)) * time.Millisecond
}

// Response is the body served by the latency endpoint.
type Response struct {
	Mean *float64 `json:"mean"`
}

// Estimator fetches the current estimate from the latency collaborator.
type Estimator struct {
	url    string
	client *http.Client
}

// NewEstimator returns an Estimator for url. A nil client uses a 5s timeout.
func NewEstimator(url string, client *http.Client) *Estimator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Estimator{url: url, client: client}
}

// Estimate never fails: any problem yields Fallback.
func (e *Estimator) Estimate(ctx context.Context) time.Duration {
	d, err := e.fetch(ctx)
	if err != nil {
		log.Printf("latency: using fallback %v: %v", Fallback, err)
		return Fallback
	}
	return d
}

func (e *Estimator) fetch(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", e.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get %s: status %d", e.url, resp.StatusCode)
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode latency: %w", err)
	}
	if body.Mean == nil || *body.Mean < 0 || math.IsNaN(*body.Mean) {
		return 0, fmt.Errorf("latency body has no usable mean")
	}
	return time.Duration(math.Round(*body.Mean)) * time.Millisecond, nil
}
