// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Trigger names what caused a revalidation.
type Trigger string

const (
	TriggerCountdown Trigger = "countdown"
	TriggerInterval  Trigger = "interval"
	TriggerFocus     Trigger = "focus"
	TriggerStorage   Trigger = "storage"
	TriggerManual    Trigger = "manual"
)

const (
	DefaultCountdownTick = time.Second
	DefaultCheckInterval = 30 * time.Second
)

// View is the validated session plus its countdown.
type View struct {
	Session   *Persisted
	Remaining time.Duration
}

// Present reports whether a session is currently valid.
func (v View) Present() bool { return v.Session != nil }

// Watcher keeps one View current. Every trigger goes through Validate.
type Watcher struct {
	store     *Store
	countdown time.Duration
	interval  time.Duration
	onChange  func(View, Trigger)

	// pending holds at most one queued revalidation per trigger kind
	wake    chan struct{}
	pendMu  sync.Mutex
	pending map[Trigger]bool

	mu   sync.Mutex
	view View
}

// queueOrder is the order pending triggers are served in.
var queueOrder = []Trigger{TriggerManual, TriggerFocus, TriggerStorage}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithIntervals overrides the countdown tick and the periodic check.
func WithIntervals(countdown, interval time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.countdown = countdown
		w.interval = interval
	}
}

// WithOnValidate is called after every validation with its result.
func WithOnValidate(fn func(View, Trigger)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher returns a Watcher over store. Call Run to start the timers.
func NewWatcher(store *Store, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:     store,
		countdown: DefaultCountdownTick,
		interval:  DefaultCheckInterval,
		wake:      make(chan struct{}, 1),
		pending:   make(map[Trigger]bool),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Validate is the single read-or-expire routine. It is idempotent.
func (w *Watcher) Validate(ctx context.Context, why Trigger) View {
	p, err := w.store.Read(ctx)
	if err != nil {
		// keep the last view; a storage hiccup is not an expiry
		log.Printf("session: validate (%s): %v", why, err)
		w.mu.Lock()
		v := w.view
		w.mu.Unlock()
		return v
	}

	v := View{Session: p}
	if p != nil {
		v.Remaining = p.Remaining(w.store.Now())
	}

	w.mu.Lock()
	w.view = v
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(v, why)
	}
	return v
}

// View returns the last validated view.
func (w *Watcher) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

// Refocus signals that the user came back to the page.
func (w *Watcher) Refocus() { w.fire(TriggerFocus) }

// StorageChanged signals that another instance wrote or cleared the slot.
func (w *Watcher) StorageChanged() { w.fire(TriggerStorage) }

// Poke asks for a revalidation, e.g. right after a local write.
func (w *Watcher) Poke() { w.fire(TriggerManual) }

// fire queues t. Repeats of a kind already queued coalesce into one.
func (w *Watcher) fire(t Trigger) {
	w.pendMu.Lock()
	w.pending[t] = true
	w.pendMu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// takePending empties the queue in queueOrder.
func (w *Watcher) takePending() []Trigger {
	w.pendMu.Lock()
	defer w.pendMu.Unlock()
	var out []Trigger
	for _, t := range queueOrder {
		if w.pending[t] {
			out = append(out, t)
			delete(w.pending, t)
		}
	}
	return out
}

// Run validates once, then on every trigger until ctx is done. The
// countdown tick only validates while a session is present.
func (w *Watcher) Run(ctx context.Context) error {
	countdown := time.NewTicker(w.countdown)
	defer countdown.Stop()
	interval := time.NewTicker(w.interval)
	defer interval.Stop()

	w.Validate(ctx, TriggerManual)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-countdown.C:
			if w.View().Present() {
				w.Validate(ctx, TriggerCountdown)
			}
		case <-interval.C:
			w.Validate(ctx, TriggerInterval)
		case <-w.wake:
			for _, t := range w.takePending() {
				w.Validate(ctx, t)
			}
		}
	}
}

// FormatCountdown renders d as HH:MM:SS.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
