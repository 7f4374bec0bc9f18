// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/insole_scanner/internal/classify"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) Publish(_ context.Context, c Change) error {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
	return nil
}

func (l *changeLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.changes {
		out = append(out, c.Kind)
	}
	return out
}

var epoch = time.UnixMilli(1_700_000_000_000)

func TestTryPersistFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: epoch}
	store := NewStore(NewMemoryBackend(), "insoleSession", WithClock(clk.Now))

	first := classify.Classify("presión en el arco y metatarsos")
	ok, err := store.TryPersist(ctx, first, clk.Now(), "preview-1")
	if err != nil || !ok {
		t.Fatalf("first TryPersist = %v, %v", ok, err)
	}

	clk.Advance(time.Minute)
	ok, err = store.TryPersist(ctx, classify.Classify("dedos"), clk.Now(), "preview-2")
	if err != nil || ok {
		t.Fatalf("second TryPersist = %v, %v; want no-op", ok, err)
	}

	p, err := store.Read(ctx)
	if err != nil || p == nil {
		t.Fatalf("Read = %v, %v", p, err)
	}
	if !reflect.DeepEqual(p.Outcome.Zones, first.Zones) {
		t.Errorf("zones = %v, want %v", p.Outcome.Zones, first.Zones)
	}
	if p.Outcome.Trend != classify.TrendFlatPronator {
		t.Errorf("trend = %q", p.Outcome.Trend)
	}
	if p.PreviewRef != "preview-1" {
		t.Errorf("preview = %q", p.PreviewRef)
	}
	if want := epoch.Add(2 * time.Hour); !p.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", p.ExpiresAt, want)
	}
	if p.ExpiresAt.UnixMilli()-p.CapturedAt.UnixMilli() != 7_200_000 {
		t.Errorf("window = %d ms", p.ExpiresAt.UnixMilli()-p.CapturedAt.UnixMilli())
	}
}

func TestReadAfterExpiryClearsSlot(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: epoch}
	backend := NewMemoryBackend()
	log := &changeLog{}
	store := NewStore(backend, "k", WithClock(clk.Now), WithPublisher(log, "tab-a"))

	if _, err := store.TryPersist(ctx, classify.Classify("talon"), clk.Now(), ""); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2*time.Hour - time.Millisecond)
	if p, _ := store.Read(ctx); p == nil {
		t.Fatal("session gone before expiry")
	}

	clk.Advance(time.Millisecond) // now == expiresAt
	if p, _ := store.Read(ctx); p != nil {
		t.Fatal("session readable at expiry")
	}
	if _, ok, _ := backend.Get(ctx, "k"); ok {
		t.Error("expired entry not removed")
	}
	if got := log.kinds(); !reflect.DeepEqual(got, []string{"written", "cleared"}) {
		t.Errorf("changes = %v", got)
	}

	// a fresh scan is accepted once the slot has expired
	ok, err := store.TryPersist(ctx, classify.Classify("dedos"), clk.Now(), "")
	if err != nil || !ok {
		t.Errorf("TryPersist after expiry = %v, %v", ok, err)
	}
}

func TestTryPersistReplacesExpiredWithoutRead(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: epoch}
	store := NewStore(NewMemoryBackend(), "k", WithClock(clk.Now))
	store.TryPersist(ctx, classify.Classify("arco"), clk.Now(), "")

	clk.Advance(3 * time.Hour)
	ok, err := store.TryPersist(ctx, classify.Classify("metatarsos"), clk.Now(), "")
	if err != nil || !ok {
		t.Fatalf("TryPersist over expired entry = %v, %v", ok, err)
	}
}

func TestCorruptEntryReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewStore(backend, "k")

	for _, raw := range []string{`{not json`, `{"result":"x","zonesDetectadas":["rodilla"],"expiry":99999999999999}`, `{"result":"x"}`} {
		backend.PutUnless(ctx, "k", []byte(raw), func([]byte) bool { return false })
		p, err := store.Read(ctx)
		if err != nil || p != nil {
			t.Errorf("Read(%s) = %v, %v; want absent", raw, p, err)
		}
		if _, ok, _ := backend.Get(ctx, "k"); ok {
			t.Errorf("corrupt entry %s left in place", raw)
		}
	}

	// a corrupt entry never blocks a new write
	backend.PutUnless(ctx, "k", []byte(`garbage`), func([]byte) bool { return false })
	if ok, _ := store.TryPersist(ctx, classify.Classify("arco"), time.Now(), ""); !ok {
		t.Error("corrupt entry blocked TryPersist")
	}
}

func TestStoredDocumentFieldNames(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewStore(backend, "k")
	store.TryPersist(ctx, classify.Classify("arco, metatarsos"), epoch, "data:image/jpeg;base64,AA==")

	raw, _, _ := backend.Get(ctx, "k")
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"result", "zonesDetectadas", "expiry", "compressedPreview"} {
		if _, ok := doc[k]; !ok {
			t.Errorf("stored document lacks %q: %s", k, raw)
		}
	}
	if got := doc["zonesDetectadas"]; !reflect.DeepEqual(got, []any{"metatarsos", "arco"}) {
		t.Errorf("zonesDetectadas = %v", got)
	}
	if got := doc["expiry"].(float64); int64(got) != epoch.Add(TTL).UnixMilli() {
		t.Errorf("expiry = %v", got)
	}
}

func TestSQLBackendSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.db")
	a, err := OpenSQLBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := OpenSQLBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	tabA := NewStore(a, "insoleSession")
	tabB := NewStore(b, "insoleSession")

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := tabA
			if i%2 == 1 {
				store = tabB
			}
			ok, err := store.TryPersist(ctx, classify.Classify("arco"), time.Now(), "")
			if err != nil {
				t.Errorf("TryPersist: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d concurrent writers won, want exactly 1", wins)
	}

	p, err := tabB.Read(ctx)
	if err != nil || p == nil {
		t.Fatalf("tab B Read = %v, %v", p, err)
	}
	if err := tabA.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := tabB.Read(ctx); p != nil {
		t.Error("tab B still sees a cleared session")
	}
}

func TestDeleteIfOnlyRemovesMatchingValue(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLBackend(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for _, backend := range []Backend{NewMemoryBackend(), db} {
		backend.PutUnless(ctx, "k", []byte("new"), func([]byte) bool { return false })
		if ok, _ := backend.DeleteIf(ctx, "k", []byte("old")); ok {
			t.Errorf("%T: DeleteIf removed a newer value", backend)
		}
		if ok, _ := backend.DeleteIf(ctx, "k", []byte("new")); !ok {
			t.Errorf("%T: DeleteIf did not remove the matching value", backend)
		}
	}
}

func TestWatcherTriggersShareValidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := &clock{t: epoch}
	backend := NewMemoryBackend()
	tab := NewStore(backend, "k", WithClock(clk.Now))
	other := NewStore(backend, "k", WithClock(clk.Now))

	var mu sync.Mutex
	seen := map[Trigger]int{}
	w := NewWatcher(tab,
		WithIntervals(time.Hour, time.Hour),
		WithOnValidate(func(_ View, why Trigger) {
			mu.Lock()
			seen[why]++
			mu.Unlock()
		}))
	go w.Run(ctx)

	waitView := func(present bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if w.View().Present() == present {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		t.Fatalf("view never became present=%v", present)
	}

	// another tab writes; storage notification revalidates
	other.TryPersist(ctx, classify.Classify("arco"), clk.Now(), "")
	w.StorageChanged()
	waitView(true)
	if got := w.View().Remaining; got != TTL {
		t.Errorf("Remaining = %v, want %v", got, TTL)
	}

	// expiry is noticed on refocus
	clk.Advance(TTL)
	w.Refocus()
	waitView(false)

	mu.Lock()
	defer mu.Unlock()
	if seen[TriggerStorage] == 0 || seen[TriggerFocus] == 0 || seen[TriggerManual] == 0 {
		t.Errorf("triggers seen: %v", seen)
	}
}

func TestWatcherStorageTriggerSurvivesPokeBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[Trigger]int{}
	storage := make(chan struct{}, 1)
	w := NewWatcher(NewStore(NewMemoryBackend(), "k"),
		WithIntervals(time.Hour, time.Hour),
		WithOnValidate(func(_ View, why Trigger) {
			mu.Lock()
			seen[why]++
			mu.Unlock()
			if why == TriggerStorage {
				storage <- struct{}{}
			}
		}))

	for i := 0; i < 20; i++ {
		w.Poke()
	}
	w.StorageChanged()
	go w.Run(ctx)

	select {
	case <-storage:
	case <-time.After(2 * time.Second):
		t.Fatal("storage trigger lost behind pokes")
	}

	mu.Lock()
	defer mu.Unlock()
	// the startup validation plus one coalesced poke
	if seen[TriggerManual] > 2 {
		t.Errorf("pokes not coalesced: %v", seen)
	}
}

func TestWatcherCountdownTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := &clock{t: epoch}
	store := NewStore(NewMemoryBackend(), "k", WithClock(clk.Now))
	store.TryPersist(ctx, classify.Classify("arco"), clk.Now(), "")

	ticks := make(chan View, 16)
	w := NewWatcher(store,
		WithIntervals(5*time.Millisecond, time.Hour),
		WithOnValidate(func(v View, why Trigger) {
			if why == TriggerCountdown {
				select {
				case ticks <- v:
				default:
				}
			}
		}))
	go w.Run(ctx)

	clk.Advance(90 * time.Minute)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ticks:
			if v.Remaining == 30*time.Minute {
				return
			}
		case <-deadline:
			t.Fatal("countdown never reflected the clock")
		}
	}
}

func TestFormatCountdown(t *testing.T) {
	cases := map[time.Duration]string{
		2 * time.Hour:                     "02:00:00",
		time.Hour + 59*time.Minute + 59e9: "01:59:59",
		-time.Second:                      "00:00:00",
	}
	for d, want := range cases {
		if got := FormatCountdown(d); got != want {
			t.Errorf("FormatCountdown(%v) = %q, want %q", d, got, want)
		}
	}
}
