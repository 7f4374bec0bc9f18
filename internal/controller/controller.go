// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package controller drives one scan from capture to a remembered result.
//
// The controller owns the state machine
//
//	Idle -> Capturing -> Compressing -> Submitting -> Classifying -> Result | Discarded | Failed
//
// and converts every collaborator failure into a transition plus a message.
// Nothing it calls can end the hosting process.
package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/insole_scanner/internal/capture"
	"github.com/relabs-tech/insole_scanner/internal/classify"
	"github.com/relabs-tech/insole_scanner/internal/compress"
	"github.com/relabs-tech/insole_scanner/internal/progress"
	"github.com/relabs-tech/insole_scanner/internal/scans"
	"github.com/relabs-tech/insole_scanner/internal/session"
)

// State is a step of the scan flow.
type State string

const (
	Idle        State = "idle"
	Capturing   State = "capturing"
	Compressing State = "compressing"
	Submitting  State = "submitting"
	Classifying State = "classifying"
	Result      State = "result"
	Discarded   State = "discarded"
	Failed      State = "failed"
)

// busy reports whether a submission is in flight.
func (s State) busy() bool {
	return s == Compressing || s == Submitting || s == Classifying
}

// User-facing messages.
const (
	MsgConnection = "No se pudo conectar con el servicio de análisis. Inténtalo de nuevo."
	MsgCamera     = "No se pudo acceder a la cámara. Revisa los permisos e inténtalo de nuevo."
	MsgImage      = "No se pudo procesar la imagen. Prueba con otra foto."
	MsgNoZones    = "No se detectaron zonas de presión en la foto."
)

var (
	// ErrLocked is returned while a Result holds the submit action.
	ErrLocked = errors.New("controller: result shown, restart first")
	// ErrBusy is returned while a submission is in flight.
	ErrBusy = errors.New("controller: submission in progress")
)

// Analyzer is the remote analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, jpeg []byte) (string, error)
}

// Estimator supplies the expected analysis latency.
type Estimator interface {
	Estimate(ctx context.Context) time.Duration
}

// Options wires a Controller to its collaborators. Guide, Analyzer, Latency
// and Store are required.
type Options struct {
	Guide      *capture.Guide
	Compressor *compress.Compressor
	Analyzer   Analyzer
	Latency    Estimator
	Store      *session.Store

	// ScansURL enables the scan counter poller.
	ScansURL   string
	HTTPClient *http.Client

	ProgressTick  time.Duration
	CountdownTick time.Duration
	CheckInterval time.Duration
	ScansInterval time.Duration
}

// Outcome is the JSON view of a classified answer.
type Outcome struct {
	Text       string   `json:"text"`
	Zones      []string `json:"zones"`
	Side       string   `json:"side,omitempty"`
	Trend      string   `json:"trend,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// View is everything the presentation layer renders.
type View struct {
	State          State          `json:"state"`
	Progress       progress.State `json:"progress"`
	Message        string         `json:"message,omitempty"`
	Outcome        *Outcome       `json:"outcome,omitempty"`
	Countdown      string         `json:"countdown,omitempty"`
	SubmitEnabled  bool           `json:"submitEnabled"`
	Recommendation string         `json:"recommendation,omitempty"`
	Scans          *int64         `json:"scans"`
	Capture        *capture.Stats `json:"capture,omitempty"`
	Flash          bool           `json:"flash,omitempty"`

	Preview string `json:"-"`
}

// Controller is the scan state machine. All transitions happen under mu.
type Controller struct {
	guide      *capture.Guide
	compressor *compress.Compressor
	analyzer   Analyzer
	latency    Estimator
	store      *session.Store
	progress   *progress.Simulator
	watcher    *session.Watcher
	counter    *scans.Counter

	mu       sync.Mutex
	state    State
	message  string
	outcome  *classify.Outcome
	preview  string
	locked   bool
	restored bool
	capture  *capture.Session
	opening  bool
	sess     session.View
	flash    bool

	inflight sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan View]struct{}
}

// New builds an idle Controller. Call Run to start its background loops.
func New(o Options) *Controller {
	c := &Controller{
		guide:      o.Guide,
		compressor: o.Compressor,
		analyzer:   o.Analyzer,
		latency:    o.Latency,
		store:      o.Store,
		state:      Idle,
		subs:       make(map[chan View]struct{}),
	}
	if c.compressor == nil {
		c.compressor = compress.New()
	}

	var popts []progress.Option
	if o.ProgressTick > 0 {
		popts = append(popts, progress.WithTick(o.ProgressTick))
	}
	popts = append(popts, progress.WithOnChange(func(progress.State) { c.broadcast() }))
	c.progress = progress.New(popts...)

	countdown, interval := session.DefaultCountdownTick, session.DefaultCheckInterval
	if o.CountdownTick > 0 {
		countdown = o.CountdownTick
	}
	if o.CheckInterval > 0 {
		interval = o.CheckInterval
	}
	c.watcher = session.NewWatcher(c.store,
		session.WithIntervals(countdown, interval),
		session.WithOnValidate(c.sessionValidated))

	if o.ScansURL != "" {
		sopts := []scans.Option{scans.WithOnChange(func(*int64) { c.broadcast() })}
		if o.ScansInterval > 0 {
			sopts = append(sopts, scans.WithInterval(o.ScansInterval))
		}
		c.counter = scans.NewCounter(o.ScansURL, o.HTTPClient, sopts...)
	}
	return c
}

// Watcher exposes the session watcher so hosts can forward focus and
// storage-change events.
func (c *Controller) Watcher() *session.Watcher { return c.watcher }

// Scans exposes the scan counter, nil when not configured.
func (c *Controller) Scans() *scans.Counter { return c.counter }

// Run drives the session watcher and the scan counter until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.watcher.Run(ctx) })
	if c.counter != nil {
		g.Go(func() error { return c.counter.Run(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Restore moves Idle to Result when an unexpired session is stored. It
// reports whether it did.
func (c *Controller) Restore(ctx context.Context) bool {
	v := c.watcher.Validate(ctx, session.TriggerManual)
	if !v.Present() {
		return false
	}

	c.mu.Lock()
	ok := c.restoreLocked(v.Session)
	c.mu.Unlock()
	if ok {
		log.Printf("controller: restored session, %s left", session.FormatCountdown(v.Remaining))
		c.broadcast()
	}
	return ok
}

func (c *Controller) restoreLocked(p *session.Persisted) bool {
	if c.state != Idle {
		return false
	}
	out := p.Outcome
	c.state = Result
	c.outcome = &out
	c.preview = p.PreviewRef
	c.message = ""
	c.locked = true
	c.restored = true
	return true
}

// SelectOrCapture opens the camera and waits for the guide to fire.
func (c *Controller) SelectOrCapture(ctx context.Context) error {
	c.mu.Lock()
	if err := c.enterCapturingLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.opening = true
	c.mu.Unlock()
	c.progress.Reset()

	sess, err := c.guide.Open(ctx)

	c.mu.Lock()
	c.opening = false
	if err != nil {
		c.mu.Unlock()
		c.fail(MsgCamera)
		return err
	}
	if c.state != Capturing {
		// restarted while the camera was opening
		c.mu.Unlock()
		sess.Close()
		return nil
	}
	c.capture = sess
	c.mu.Unlock()
	c.broadcast()

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.awaitCapture(context.WithoutCancel(ctx), sess)
	}()
	return nil
}

// SelectImage submits a picked photo instead of a camera capture.
func (c *Controller) SelectImage(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if err := c.enterCapturingLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.progress.Reset()

	raw, err := capture.FromImage(data)
	if err != nil {
		log.Printf("controller: picked file rejected: %v", err)
		c.fail(MsgImage)
		return err
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.submit(context.WithoutCancel(ctx), raw)
	}()
	return nil
}

// enterCapturingLocked clears the previous result and closes any open
// camera.
func (c *Controller) enterCapturingLocked() error {
	if c.locked {
		return ErrLocked
	}
	if c.state.busy() || c.opening {
		return ErrBusy
	}
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	c.state = Capturing
	c.message = ""
	c.outcome = nil
	c.preview = ""
	c.restored = false
	return nil
}

// CloseCapture cancels an open camera. The controller returns to Idle.
func (c *Controller) CloseCapture() {
	c.mu.Lock()
	sess := c.capture
	c.capture = nil
	if c.state == Capturing {
		c.state = Idle
	}
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	c.broadcast()
}

// Restart is the explicit user action that unlocks submission after a
// result. The stored session is kept: it is only replaced once it expires.
func (c *Controller) Restart() error {
	c.mu.Lock()
	if c.state.busy() {
		c.mu.Unlock()
		return ErrBusy
	}
	sess := c.capture
	c.capture = nil
	c.state = Idle
	c.message = ""
	c.outcome = nil
	c.preview = ""
	c.locked = false
	c.restored = false
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	c.progress.Reset()
	log.Println("controller: restarted")
	return nil
}

func (c *Controller) awaitCapture(ctx context.Context, sess *capture.Session) {
	var raw capture.RawCapture
	select {
	case raw = <-sess.Captured():
	case <-sess.Done():
		select {
		case raw = <-sess.Captured():
		default:
			c.captureEnded(sess)
			return
		}
	}

	c.mu.Lock()
	if c.capture != sess {
		c.mu.Unlock()
		return
	}
	c.capture = nil
	c.mu.Unlock()

	c.submit(ctx, raw)
}

// captureEnded handles a session that stopped without a capture.
func (c *Controller) captureEnded(sess *capture.Session) {
	c.mu.Lock()
	if c.capture != sess {
		c.mu.Unlock()
		return
	}
	c.capture = nil
	err := sess.Err()
	if err != nil {
		c.state = Failed
		c.message = MsgCamera
	} else if c.state == Capturing {
		c.state = Idle
	}
	c.mu.Unlock()

	if err != nil {
		log.Printf("controller: capture failed: %v", err)
	}
	c.broadcast()
}

// submit runs compress, submit and classify for one capture.
func (c *Controller) submit(ctx context.Context, raw capture.RawCapture) {
	c.transition(Compressing)

	res := <-c.compressor.Async(ctx, raw)
	if res.Err != nil {
		log.Printf("controller: compress %s: %v", raw.ID, res.Err)
		c.fail(MsgImage)
		return
	}
	img := res.Image

	c.transition(Submitting)
	estimate := c.latency.Estimate(ctx)
	c.progress.Start(estimate, true)

	text, err := c.analyzer.Analyze(ctx, img.Data)
	c.progress.Finish()

	if err != nil {
		log.Printf("controller: analyze %s: %v", raw.ID, err)
		c.fail(MsgConnection)
		return
	}

	c.transition(Classifying)
	out := classify.Classify(text)

	if out.Discarded() {
		msg := text
		if msg == "" {
			msg = MsgNoZones
		}
		c.mu.Lock()
		c.state = Discarded
		c.message = msg
		c.mu.Unlock()
		log.Printf("controller: scan %s discarded", raw.ID)
		c.broadcast()
		return
	}

	preview := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img.Data)
	if _, err := c.store.TryPersist(ctx, out, raw.At, preview); err != nil {
		log.Printf("controller: persist %s: %v", raw.ID, err)
	}

	c.mu.Lock()
	c.state = Result
	c.outcome = &out
	c.preview = preview
	c.locked = true
	c.mu.Unlock()

	log.Printf("controller: scan %s -> %v (%s)", raw.ID, out.Zones, out.Trend)
	c.watcher.Poke()
	if c.counter != nil {
		c.counter.Refresh()
	}
	c.broadcast()
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.broadcast()
}

func (c *Controller) fail(msg string) {
	c.mu.Lock()
	c.state = Failed
	c.message = msg
	c.mu.Unlock()
	c.broadcast()
}

// Flash records the capture acknowledgement; wire it to capture.WithFlash.
func (c *Controller) Flash(on bool) {
	c.mu.Lock()
	c.flash = on
	c.mu.Unlock()
	c.broadcast()
}

// Wait blocks until no capture or submission is in flight.
func (c *Controller) Wait() { c.inflight.Wait() }

// sessionValidated runs after every watcher validation.
func (c *Controller) sessionValidated(v session.View, why session.Trigger) {
	c.mu.Lock()
	c.sess = v
	switch {
	case v.Present() && why == session.TriggerStorage:
		// another instance finished a scan
		c.restoreLocked(v.Session)
	case !v.Present() && c.restored && c.state == Result:
		// the restored session expired or was cleared elsewhere
		c.state = Idle
		c.outcome = nil
		c.preview = ""
		c.locked = false
		c.restored = false
	}
	c.mu.Unlock()
	c.broadcast()
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		State:         c.state,
		Progress:      c.progress.State(),
		Message:       c.message,
		SubmitEnabled: !c.locked && !c.state.busy(),
		Flash:         c.flash,
		Preview:       c.preview,
	}
	if c.outcome != nil {
		v.Outcome = outcomeView(c.outcome)
		v.Recommendation = classify.Recommend(c.outcome.Trend)
	}
	if c.sess.Present() {
		v.Countdown = session.FormatCountdown(c.sess.Remaining)
	}
	if c.counter != nil {
		v.Scans = c.counter.Total()
	}
	if c.capture != nil {
		st := c.capture.Stats()
		v.Capture = &st
	}
	return v
}

func outcomeView(o *classify.Outcome) *Outcome {
	out := &Outcome{
		Text:       o.RawText,
		Zones:      make([]string, 0, len(o.Zones)),
		Side:       string(o.Side),
		Trend:      string(o.Trend),
		Confidence: o.Confidence,
	}
	for _, z := range o.Zones {
		out.Zones = append(out.Zones, z.String())
	}
	return out
}

// Subscribe streams views. Slow subscribers only ever see the latest one.
// Call the returned function to unsubscribe.
func (c *Controller) Subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	c.subMu.Lock()
	ch <- c.Snapshot()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
}

func (c *Controller) broadcast() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	v := c.Snapshot()
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// String is used in logs.
func (v View) String() string {
	return fmt.Sprintf("%s %.0f%% submit=%t", v.State, v.Progress.Percent, v.SubmitEnabled)
}
