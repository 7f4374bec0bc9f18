// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	queue []*task
	count int
}

type task struct {
	fn       func()
	canceled bool
}

func (m *manualScheduler) Schedule(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &task{fn: fn}
	m.queue = append(m.queue, t)
	m.count++
	return func() {
		m.mu.Lock()
		t.canceled = true
		m.mu.Unlock()
	}
}

// runNext runs the oldest queued task and reports whether one ran.
func (m *manualScheduler) runNext() bool {
	m.mu.Lock()
	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]
		if t.canceled {
			continue
		}
		m.mu.Unlock()
		t.fn()
		return true
	}
	m.mu.Unlock()
	return false
}

func (m *manualScheduler) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type fakeStream struct {
	mu     sync.Mutex
	frames []image.Image
	err    error
	closes int
}

func (f *fakeStream) Frame() (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.frames) == 0 {
		return nil, nil
	}
	img := f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	return img, nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeCamera struct {
	stream *fakeStream
	err    error
}

func (c *fakeCamera) Open(context.Context) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func readyOverlay() *Overlay {
	o := NewOverlay("")
	o.img = RenderOverlay(40, 40)
	return o
}

// frameWithBright returns a 100x100 dark frame where n pixels of the
// sampled region (20x60 = 1200 pixels) are bright.
func frameWithBright(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+3] = 255
	}
	roi := Region(img.Bounds())
	for y := roi.Min.Y; y < roi.Max.Y && n > 0; y++ {
		for x := roi.Min.X; x < roi.Max.X && n > 0; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
			n--
		}
	}
	return img
}

func TestRegion(t *testing.T) {
	got := Region(image.Rect(0, 0, 100, 100))
	if want := image.Rect(40, 20, 60, 80); got != want {
		t.Errorf("Region = %v, want %v", got, want)
	}
}

func TestLuminanceThreshold(t *testing.T) {
	if Luminance(80, 80, 80) > BrightnessThreshold {
		t.Error("luminance equal to the threshold must not count")
	}
	if Luminance(81, 81, 81) <= BrightnessThreshold {
		t.Error("grey 81 should count as bright")
	}
	// pure blue is dark by Rec. 709 weights
	if Luminance(0, 0, 255) > BrightnessThreshold {
		t.Error("pure blue should be dark")
	}
}

func TestBrightFraction(t *testing.T) {
	img := frameWithBright(300)
	if got := BrightFraction(img, Region(img.Bounds())); got != 0.25 {
		t.Errorf("BrightFraction = %v, want 0.25", got)
	}
	// same frame through the generic path
	gray := image.NewNRGBA(img.Bounds())
	copy(gray.Pix, img.Pix)
	if got := BrightFraction(gray, Region(gray.Bounds())); got != 0.25 {
		t.Errorf("BrightFraction (NRGBA) = %v, want 0.25", got)
	}
}

func TestShouldTrigger(t *testing.T) {
	// 96 of 1200 is exactly 8%, which does not exceed the threshold
	if fire, _ := ShouldTrigger(frameWithBright(96)); fire {
		t.Error("8% must not trigger")
	}
	if fire, _ := ShouldTrigger(frameWithBright(97)); !fire {
		t.Error("just above 8% must trigger")
	}
}

func TestSessionFiresOnceAndStops(t *testing.T) {
	stream := &fakeStream{frames: []image.Image{frameWithBright(0), frameWithBright(10), frameWithBright(600)}}
	sched := &manualScheduler{}
	var flashes []bool
	var flashMu sync.Mutex
	g := NewGuide(&fakeCamera{stream: stream}, readyOverlay(), WithScheduler(sched), WithFlash(func(on bool) {
		flashMu.Lock()
		flashes = append(flashes, on)
		flashMu.Unlock()
	}))

	s, err := g.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// two dark frames: each step reschedules and does not fire
	for i := 0; i < 2; i++ {
		if !sched.runNext() {
			t.Fatalf("step %d was not scheduled", i)
		}
		select {
		case <-s.Captured():
			t.Fatalf("fired on dark frame %d", i)
		default:
		}
	}
	if got := sched.scheduled(); got != 3 {
		t.Errorf("scheduled %d steps, want 3", got)
	}

	sched.runNext()
	select {
	case raw := <-s.Captured():
		if raw.Width != 100 || raw.Height != 100 {
			t.Errorf("capture is %dx%d, want full frame", raw.Width, raw.Height)
		}
		if _, err := jpeg.Decode(bytes.NewReader(raw.Data)); err != nil {
			t.Errorf("capture is not a JPEG: %v", err)
		}
	default:
		t.Fatal("bright frame did not fire")
	}

	if sched.runNext() {
		t.Error("loop kept running after capture")
	}
	<-s.Done()
	if stream.closeCount() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closeCount())
	}
	s.Close()
	if stream.closeCount() != 1 {
		t.Errorf("Close after capture released the stream again")
	}
	if s.Err() != nil {
		t.Errorf("Err = %v after capture", s.Err())
	}
	if st := s.Stats(); st.Samples != 3 || st.Fraction != 0.5 {
		t.Errorf("Stats = %+v", st)
	}

	flashMu.Lock()
	if len(flashes) == 0 || !flashes[0] {
		t.Errorf("flash not signaled: %v", flashes)
	}
	flashMu.Unlock()
}

func TestSessionWaitsForOverlay(t *testing.T) {
	stream := &fakeStream{frames: []image.Image{frameWithBright(1200)}}
	sched := &manualScheduler{}
	overlay := NewOverlay("")
	overlay.load = func() (image.Image, error) { return nil, ErrOverlayLoad }
	g := NewGuide(&fakeCamera{stream: stream}, overlay, WithScheduler(sched))

	s, err := g.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		sched.runNext()
	}
	select {
	case <-s.Captured():
		t.Fatal("fired before the overlay was ready")
	default:
	}

	overlay.mu.Lock()
	overlay.img = RenderOverlay(10, 10)
	overlay.mu.Unlock()

	sched.runNext()
	select {
	case <-s.Captured():
	default:
		t.Fatal("did not fire once the overlay was ready")
	}
}

func TestSessionWaitsForFirstFrame(t *testing.T) {
	stream := &fakeStream{}
	sched := &manualScheduler{}
	g := NewGuide(&fakeCamera{stream: stream}, readyOverlay(), WithScheduler(sched))
	s, _ := g.Open(context.Background())

	sched.runNext()
	sched.runNext()
	if st := s.Stats(); st.Samples != 0 {
		t.Errorf("sampled without a frame: %+v", st)
	}

	stream.mu.Lock()
	stream.frames = []image.Image{image.NewRGBA(image.Rectangle{})}
	stream.mu.Unlock()
	sched.runNext()
	if st := s.Stats(); st.Samples != 0 {
		t.Errorf("sampled a zero-size frame: %+v", st)
	}
	s.Close()
}

func TestCloseIsIdempotentAndStopsLoop(t *testing.T) {
	stream := &fakeStream{frames: []image.Image{frameWithBright(0)}}
	sched := &manualScheduler{}
	g := NewGuide(&fakeCamera{stream: stream}, readyOverlay(), WithScheduler(sched))
	s, _ := g.Open(context.Background())

	sched.runNext()
	s.Close()
	s.Close()
	g.Close()

	if sched.runNext() {
		t.Error("loop ran after Close")
	}
	if stream.closeCount() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closeCount())
	}
}

func TestOpenClosesPreviousSession(t *testing.T) {
	first := &fakeStream{}
	cam := &fakeCamera{stream: first}
	g := NewGuide(cam, readyOverlay(), WithScheduler(&manualScheduler{}))
	s1, _ := g.Open(context.Background())

	cam.stream = &fakeStream{}
	if _, err := g.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s1.Done():
	default:
		t.Fatal("previous session still open")
	}
	if first.closeCount() != 1 {
		t.Errorf("previous stream closed %d times", first.closeCount())
	}
}

func TestCameraErrors(t *testing.T) {
	g := NewGuide(&fakeCamera{err: errors.New("permission denied")}, readyOverlay(), WithScheduler(&manualScheduler{}))
	if _, err := g.Open(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("Open error = %v, want ErrCameraUnavailable", err)
	}

	stream := &fakeStream{err: errors.New("device lost")}
	sched := &manualScheduler{}
	g = NewGuide(&fakeCamera{stream: stream}, readyOverlay(), WithScheduler(sched))
	s, err := g.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sched.runNext()
	<-s.Done()
	if !errors.Is(s.Err(), ErrCameraUnavailable) {
		t.Errorf("Err = %v, want ErrCameraUnavailable", s.Err())
	}
	if stream.closeCount() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.closeCount())
	}
	if sched.runNext() {
		t.Error("loop continued after a camera error")
	}
}

func TestMockCameraEventuallyTriggers(t *testing.T) {
	cam := NewMockCamera(160, 120, 0)
	st, err := cam.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	frame, _ := st.Frame()
	if fire, _ := ShouldTrigger(frame); !fire {
		t.Error("mock frame after warmup should trigger")
	}

	cam = NewMockCamera(160, 120, time.Hour)
	st, _ = cam.Open(context.Background())
	frame, _ = st.Frame()
	if fire, _ := ShouldTrigger(frame); fire {
		t.Error("mock frame during warmup should not trigger")
	}
}

func TestDirCamera(t *testing.T) {
	dir := t.TempDir()
	for i, n := range []int{0, 600} {
		var buf bytes.Buffer
		if err := png.Encode(&buf, frameWithBright(n)); err != nil {
			t.Fatal(err)
		}
		name := filepath.Join(dir, []string{"a.png", "b.png"}[i])
		if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := NewDirCamera(dir).Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f1, _ := st.Frame()
	f2, _ := st.Frame()
	f3, _ := st.Frame()
	if fire, _ := ShouldTrigger(f1); fire {
		t.Error("first frame should be dark")
	}
	for _, f := range []image.Image{f2, f3} {
		if fire, _ := ShouldTrigger(f); !fire {
			t.Error("later frames should hold the bright one")
		}
	}
	st.Close()
	if _, err := st.Frame(); !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("Frame after Close = %v", err)
	}

	if _, err := NewDirCamera(t.TempDir()).Open(context.Background()); !errors.Is(err, ErrCameraUnavailable) {
		t.Errorf("empty dir: %v", err)
	}
}

func TestOverlayEnsureLoads(t *testing.T) {
	o := NewOverlay("")
	o.Ensure()
	deadline := time.Now().Add(2 * time.Second)
	for !o.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !o.Ready() {
		t.Fatal("overlay never became ready")
	}
	if _, err := png.Decode(bytes.NewReader(o.PNG())); err != nil {
		t.Errorf("overlay PNG: %v", err)
	}

	missing := NewOverlay(filepath.Join(t.TempDir(), "nope.png"))
	if _, err := missing.loadAsset(); !errors.Is(err, ErrOverlayLoad) {
		t.Errorf("loadAsset = %v, want ErrOverlayLoad", err)
	}
}

func TestFromImage(t *testing.T) {
	var buf bytes.Buffer
	jpeg.Encode(&buf, frameWithBright(0), nil)
	raw, err := FromImage(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if raw.Width != 100 || raw.Height != 100 || raw.ID == "" {
		t.Errorf("FromImage = %+v", raw)
	}
	if _, err := FromImage([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

// slowCamera hands out a fresh dark stream per Open after a delay.
type slowCamera struct {
	delay time.Duration

	mu      sync.Mutex
	streams []*fakeStream
}

func (c *slowCamera) Open(context.Context) (Stream, error) {
	time.Sleep(c.delay)
	s := &fakeStream{}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func TestConcurrentOpensKeepOneSession(t *testing.T) {
	cam := &slowCamera{delay: 20 * time.Millisecond}
	g := NewGuide(cam, readyOverlay(), WithScheduler(&manualScheduler{}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Open(context.Background()); err != nil {
				t.Errorf("open: %v", err)
			}
		}()
	}
	wg.Wait()

	cam.mu.Lock()
	streams := cam.streams
	cam.mu.Unlock()
	if len(streams) != 2 {
		t.Fatalf("opened %d streams", len(streams))
	}
	if open := streams[0].closeCount() + streams[1].closeCount(); open != 1 {
		t.Fatalf("closed %d streams, want 1 before Close", open)
	}

	g.Close()
	for i, s := range streams {
		if s.closeCount() != 1 {
			t.Errorf("stream %d closed %d times", i, s.closeCount())
		}
	}
}
