// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package session remembers the last successful scan for a bounded window,
// consistently across every controller instance sharing one storage origin.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/insole_scanner/internal/classify"
)

// TTL is how long a persisted scan stays valid after capture.
const TTL = 2 * time.Hour

// ErrCorrupt marks a stored document that could not be decoded. Read
// treats it as absent.
var ErrCorrupt = errors.New("session: corrupt stored session")

// Persisted is the single stored session.
type Persisted struct {
	Outcome    classify.Outcome
	CapturedAt time.Time
	ExpiresAt  time.Time
	PreviewRef string
}

// Remaining is the countdown until expiry, never negative.
func (p *Persisted) Remaining(now time.Time) time.Duration {
	if d := p.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// document is the stored JSON shape. The first four field names are the
// ones the web client reads.
type document struct {
	Result            string   `json:"result"`
	Zones             []string `json:"zonesDetectadas"`
	Expiry            int64    `json:"expiry"`
	CompressedPreview string   `json:"compressedPreview,omitempty"`

	CapturedAt int64    `json:"capturedAt,omitempty"`
	Side       string   `json:"side,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

func encode(p *Persisted) ([]byte, error) {
	doc := document{
		Result:            p.Outcome.RawText,
		Expiry:            p.ExpiresAt.UnixMilli(),
		CompressedPreview: p.PreviewRef,
		CapturedAt:        p.CapturedAt.UnixMilli(),
		Side:              string(p.Outcome.Side),
		Confidence:        p.Outcome.Confidence,
	}
	for _, z := range p.Outcome.Zones {
		doc.Zones = append(doc.Zones, z.Token())
	}
	return json.Marshal(doc)
}

func decode(data []byte) (*Persisted, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Expiry <= 0 {
		return nil, fmt.Errorf("%w: missing expiry", ErrCorrupt)
	}

	p := &Persisted{
		ExpiresAt:  time.UnixMilli(doc.Expiry),
		PreviewRef: doc.CompressedPreview,
	}
	if doc.CapturedAt > 0 {
		p.CapturedAt = time.UnixMilli(doc.CapturedAt)
	} else {
		p.CapturedAt = p.ExpiresAt.Add(-TTL)
	}
	if !p.CapturedAt.Before(p.ExpiresAt) {
		return nil, fmt.Errorf("%w: captured after expiry", ErrCorrupt)
	}

	out := classify.Outcome{
		RawText:    doc.Result,
		Side:       classify.Side(doc.Side),
		Confidence: doc.Confidence,
	}
	for _, tok := range doc.Zones {
		z, ok := classify.ParseZone(tok)
		if !ok {
			return nil, fmt.Errorf("%w: unknown zone %q", ErrCorrupt, tok)
		}
		out.Zones = append(out.Zones, z)
	}
	out.Trend = classify.TrendFor(out.Zones)
	p.Outcome = out
	return p, nil
}

// Change is broadcast whenever an instance writes or clears the slot.
type Change struct {
	Origin string    `json:"origin"`
	Key    string    `json:"key"`
	Kind   string    `json:"kind"` // "written" or "cleared"
	At     time.Time `json:"at"`
}

// Publisher announces changes to the other instances.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Store is the single-slot session store.
type Store struct {
	backend Backend
	key     string
	ttl     time.Duration
	now     func() time.Time
	pub     Publisher
	origin  string
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithPublisher announces writes and clears through p, tagged with origin.
func WithPublisher(p Publisher, origin string) Option {
	return func(s *Store) {
		s.pub = p
		s.origin = origin
	}
}

// NewStore returns a Store keeping its slot under key.
func NewStore(backend Backend, key string, opts ...Option) *Store {
	s := &Store{backend: backend, key: key, ttl: TTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now is the store's clock.
func (s *Store) Now() time.Time { return s.now() }

// TryPersist stores outcome unless an unexpired session already exists.
// The first successful scan of a window wins.
func (s *Store) TryPersist(ctx context.Context, outcome classify.Outcome, capturedAt time.Time, preview string) (bool, error) {
	p := &Persisted{
		Outcome:    outcome,
		CapturedAt: capturedAt,
		ExpiresAt:  capturedAt.Add(s.ttl),
		PreviewRef: preview,
	}
	data, err := encode(p)
	if err != nil {
		return false, fmt.Errorf("session: encode: %w", err)
	}

	now := s.now()
	written, err := s.backend.PutUnless(ctx, s.key, data, func(existing []byte) bool {
		cur, err := decode(existing)
		return err == nil && now.Before(cur.ExpiresAt)
	})
	if err != nil {
		return false, err
	}
	if written {
		log.Printf("session: persisted scan, expires %s", p.ExpiresAt.Format(time.RFC3339))
		s.publish(ctx, "written")
	} else {
		log.Printf("session: unexpired session present, keeping it")
	}
	return written, nil
}

// Read returns the current session, or nil. Expired and corrupt entries
// are removed and reported as absent.
func (s *Store) Read(ctx context.Context) (*Persisted, error) {
	data, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	p, err := decode(data)
	if err != nil {
		log.Printf("session: dropping stored session: %v", err)
		s.remove(ctx, data)
		return nil, nil
	}
	if !s.now().Before(p.ExpiresAt) {
		log.Printf("session: session expired at %s", p.ExpiresAt.Format(time.RFC3339))
		s.remove(ctx, data)
		return nil, nil
	}
	return p, nil
}

// Clear removes the session unconditionally.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return err
	}
	s.publish(ctx, "cleared")
	return nil
}

func (s *Store) remove(ctx context.Context, old []byte) {
	removed, err := s.backend.DeleteIf(ctx, s.key, old)
	if err != nil {
		log.Printf("session: remove stale entry: %v", err)
		return
	}
	if removed {
		s.publish(ctx, "cleared")
	}
}

func (s *Store) publish(ctx context.Context, kind string) {
	if s.pub == nil {
		return
	}
	c := Change{Origin: s.origin, Key: s.key, Kind: kind, At: s.now()}
	if err := s.pub.Publish(ctx, c); err != nil {
		log.Printf("session: publish %s: %v", kind, err)
	}
}
