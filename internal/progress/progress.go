// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package progress animates an optimistic percentage while the analysis
// request is in flight. The value is cosmetic and never gates completion.
package progress

import (
	"sync"
	"time"
)

// DefaultTick is the publish interval of a running simulator.
const DefaultTick = 60 * time.Millisecond

// State is what the presentation layer renders.
type State struct {
	Percent float64 `json:"percent"`
	Running bool    `json:"running"`
}

// Simulator owns one State. All mutations happen under mu, and both the
// ticker goroutine and publish check the generation, so a tick computed
// before Finish or Reset is never written or delivered after it.
type Simulator struct {
	mu       sync.Mutex
	state    State
	started  time.Time
	estimate time.Duration
	gen      uint64
	stop     chan struct{}

	pubMu    sync.Mutex
	tick     time.Duration
	now      func() time.Time
	onChange func(State)
}

// Option customises a Simulator.
type Option func(*Simulator)

// WithTick sets the publish interval.
func WithTick(d time.Duration) Option { return func(s *Simulator) { s.tick = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Simulator) { s.now = now } }

// WithOnChange registers a callback invoked with every published state.
// It runs without the simulator lock held.
func WithOnChange(fn func(State)) Option { return func(s *Simulator) { s.onChange = fn } }

// New returns an idle simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{tick: DefaultTick, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins animating towards estimate. With active false it behaves
// like Reset.
func (s *Simulator) Start(estimate time.Duration, active bool) {
	if !active {
		s.Reset()
		return
	}
	if estimate <= 0 {
		estimate = time.Millisecond
	}

	s.mu.Lock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.started = s.now()
	s.estimate = estimate
	s.state = State{Percent: 0, Running: true}
	stop := make(chan struct{})
	s.stop = stop
	st := s.state
	s.mu.Unlock()

	s.publish(gen, st)
	go s.run(gen, stop)
}

func (s *Simulator) run(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st, ok := s.advance(gen)
			if !ok {
				return
			}
			s.publish(gen, st)
		}
	}
}

// advance recomputes the percentage for generation gen. It reports false
// once that generation is no longer the running one.
func (s *Simulator) advance(gen uint64) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.state.Running {
		return State{}, false
	}
	elapsed := s.now().Sub(s.started)
	pct := float64(elapsed) / float64(s.estimate) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < s.state.Percent {
		pct = s.state.Percent
	}
	s.state.Percent = pct
	return s.state, true
}

// Finish stops the animation and forces the percentage to exactly 100.
func (s *Simulator) Finish() {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.state = State{Percent: 100, Running: false}
	st := s.state
	s.mu.Unlock()

	s.publish(gen, st)
}

// Reset stops the animation and sets the percentage to 0.
func (s *Simulator) Reset() {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.state = State{}
	st := s.state
	s.mu.Unlock()

	s.publish(gen, st)
}

// State returns the current value.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Simulator) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// publish delivers st unless a newer generation has started meanwhile.
func (s *Simulator) publish(gen uint64, st State) {
	if s.onChange == nil {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	current := s.gen
	s.mu.Unlock()
	if gen != current {
		return
	}
	s.onChange(st)
}
