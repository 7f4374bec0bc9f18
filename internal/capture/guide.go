// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package capture owns the live camera and decides when to take the photo.
//
// A Session samples the region behind the guide overlay once per refresh
// and fires a single capture when enough of it is bright. The loop is an
// explicit Scheduler task that re-enqueues itself until it fires or the
// session is closed.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CaptureQuality is the JPEG quality of the full-frame capture.
const CaptureQuality = 90

// FlashDuration is how long the capture acknowledgement stays on.
const FlashDuration = 150 * time.Millisecond

// RawCapture is the full frame taken when the trigger fires.
type RawCapture struct {
	ID     string
	Data   []byte // JPEG
	Width  int
	Height int
	At     time.Time
}

// Stats is the running exposure statistic of a session.
type Stats struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Fraction float64 `json:"fraction"`
	Samples  int     `json:"samples"`
}

// Guide opens capture sessions against one camera. At most one session is
// open at a time.
type Guide struct {
	camera  Camera
	overlay *Overlay
	sched   Scheduler
	onFlash func(on bool)

	// openMu serializes Open so the previous session is always known
	openMu  sync.Mutex
	mu      sync.Mutex
	current *Session
}

// GuideOption customises a Guide.
type GuideOption func(*Guide)

// WithScheduler replaces the default 60 Hz refresh scheduler.
func WithScheduler(s Scheduler) GuideOption { return func(g *Guide) { g.sched = s } }

// WithFlash registers the capture acknowledgement callback. It is called
// with true on capture and with false FlashDuration later.
func WithFlash(fn func(on bool)) GuideOption { return func(g *Guide) { g.onFlash = fn } }

// NewGuide returns a Guide for camera, gated on overlay.
func NewGuide(camera Camera, overlay *Overlay, opts ...GuideOption) *Guide {
	if overlay == nil {
		overlay = NewOverlay("")
	}
	g := &Guide{
		camera:  camera,
		overlay: overlay,
		sched:   NewRefreshScheduler(60),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Overlay returns the guide overlay.
func (g *Guide) Overlay() *Overlay { return g.overlay }

// Open acquires the camera and starts sampling. A session that is still
// open is closed first.
func (g *Guide) Open(ctx context.Context) (*Session, error) {
	g.openMu.Lock()
	defer g.openMu.Unlock()

	g.mu.Lock()
	prev := g.current
	g.current = nil
	g.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	g.overlay.Ensure()

	stream, err := g.camera.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrCameraUnavailable) {
			err = fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
		}
		log.Printf("capture: open camera: %v", err)
		return nil, err
	}

	s := &Session{
		ID:       uuid.NewString(),
		guide:    g,
		stream:   stream,
		captured: make(chan RawCapture, 1),
		done:     make(chan struct{}),
	}

	g.mu.Lock()
	g.current = s
	g.mu.Unlock()

	s.mu.Lock()
	s.pending = g.sched.Schedule(s.step)
	s.mu.Unlock()

	log.Printf("capture: session %s opened", s.ID)
	return s, nil
}

// Close closes the current session, if any.
func (g *Guide) Close() {
	g.mu.Lock()
	s := g.current
	g.current = nil
	g.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (g *Guide) release(s *Session) {
	g.mu.Lock()
	if g.current == s {
		g.current = nil
	}
	g.mu.Unlock()
}

func (g *Guide) flash() {
	if g.onFlash == nil {
		return
	}
	g.onFlash(true)
	time.AfterFunc(FlashDuration, func() { g.onFlash(false) })
}

// Session is one open camera. It ends on capture, Close, or a camera error,
// and in every case releases the stream exactly once.
type Session struct {
	ID string

	guide    *Guide
	stream   Stream
	captured chan RawCapture
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	pending func()
	err     error
	stats   Stats
}

// Captured delivers the single capture of the session.
func (s *Session) Captured() <-chan RawCapture { return s.captured }

// Done is closed when the session ends for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the camera failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the last sampled frame size and exposure fraction.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops sampling and releases the stream. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	released := s.endLocked(nil)
	s.mu.Unlock()
	if released {
		s.guide.release(s)
		log.Printf("capture: session %s closed", s.ID)
	}
}

// endLocked is the only place the stream is released.
func (s *Session) endLocked(err error) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}
	if cerr := s.stream.Close(); cerr != nil {
		log.Printf("capture: session %s: stream close: %v", s.ID, cerr)
	}
	close(s.done)
	return true
}

func (s *Session) step() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = nil

	if !s.guide.overlay.Ready() {
		s.guide.overlay.Ensure()
		s.rescheduleLocked()
		s.mu.Unlock()
		return
	}

	frame, err := s.stream.Frame()
	if err != nil {
		s.endLocked(fmt.Errorf("%w: %v", ErrCameraUnavailable, err))
		s.mu.Unlock()
		s.guide.release(s)
		log.Printf("capture: session %s failed: %v", s.ID, err)
		return
	}
	if frame == nil || frame.Bounds().Empty() {
		s.rescheduleLocked()
		s.mu.Unlock()
		return
	}

	fire, fraction := ShouldTrigger(frame)
	b := frame.Bounds()
	s.stats = Stats{Width: b.Dx(), Height: b.Dy(), Fraction: fraction, Samples: s.stats.Samples + 1}
	if !fire {
		s.rescheduleLocked()
		s.mu.Unlock()
		return
	}

	raw, err := encodeFrame(frame)
	if err != nil {
		s.endLocked(fmt.Errorf("%w: %v", ErrCameraUnavailable, err))
		s.mu.Unlock()
		s.guide.release(s)
		return
	}
	s.captured <- raw
	s.endLocked(nil)
	s.mu.Unlock()

	s.guide.release(s)
	s.guide.flash()
	log.Printf("capture: session %s captured %dx%d (bright %.1f%%)", s.ID, raw.Width, raw.Height, fraction*100)
}

func (s *Session) rescheduleLocked() {
	s.pending = s.guide.sched.Schedule(s.step)
}

func encodeFrame(img image.Image) (RawCapture, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: CaptureQuality}); err != nil {
		return RawCapture{}, fmt.Errorf("encode capture: %w", err)
	}
	b := img.Bounds()
	return RawCapture{
		ID:     uuid.NewString(),
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		At:     time.Now(),
	}, nil
}

// FromImage wraps a picked photo as a RawCapture, for the file-select path
// that skips the camera.
func FromImage(data []byte) (RawCapture, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return RawCapture{}, fmt.Errorf("decode picked image: %w", err)
	}
	return RawCapture{
		ID:     uuid.NewString(),
		Data:   data,
		Width:  cfg.Width,
		Height: cfg.Height,
		At:     time.Now(),
	}, nil
}
