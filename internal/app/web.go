// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/insole_scanner/internal/analysis"
	"github.com/relabs-tech/insole_scanner/internal/capture"
	"github.com/relabs-tech/insole_scanner/internal/config"
	"github.com/relabs-tech/insole_scanner/internal/controller"
	"github.com/relabs-tech/insole_scanner/internal/latency"
	"github.com/relabs-tech/insole_scanner/internal/session"
)

// maxPick bounds a picked photo.
const maxPick = 16 << 20

// scanner is one controller with everything it was built from.
type scanner struct {
	ctl     *controller.Controller
	overlay *capture.Overlay
	close   func()
}

// newScanner builds a controller from cfg. The MQTT client is optional:
// without it, instances still share the session database and notice each
// other's changes on the periodic check.
func newScanner(cfg *config.Config, clientID string) (*scanner, error) {
	backend, err := session.OpenSQLBackend(cfg.SessionDBPath)
	if err != nil {
		return nil, err
	}
	s := &scanner{close: func() { backend.Close() }}

	origin := clientID + "-" + uuid.NewString()[:8]
	var storeOpts []session.Option
	var notifier *session.MQTTNotifier
	client, err := connectMQTT(cfg.MQTTBroker, clientID)
	if err != nil {
		log.Printf("MQTT unavailable, session changes will not be pushed: %v", err)
	} else {
		notifier = session.NewMQTTNotifier(client, cfg.TopicSession, origin)
		storeOpts = append(storeOpts, session.WithPublisher(notifier, origin))
		s.close = func() {
			client.Disconnect(250)
			backend.Close()
		}
	}
	store := session.NewStore(backend, cfg.SessionKey, storeOpts...)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeoutDuration()}
	s.overlay = capture.NewOverlay(cfg.OverlayPath)

	var ctl *controller.Controller
	guide := capture.NewGuide(cameraFor(cfg.CameraSource), s.overlay,
		capture.WithScheduler(capture.NewRefreshScheduler(cfg.FrameRateHz)),
		capture.WithFlash(func(on bool) { ctl.Flash(on) }))

	ctl = controller.New(controller.Options{
		Guide:         guide,
		Analyzer:      analysis.NewClient(cfg.AnalyzeURL, httpClient),
		Latency:       latency.NewEstimator(cfg.LatencyURL, httpClient),
		Store:         store,
		ScansURL:      cfg.ScansURL,
		HTTPClient:    httpClient,
		ProgressTick:  ms(cfg.ProgressTick),
		CheckInterval: ms(cfg.SessionCheckInterval),
		ScansInterval: ms(cfg.ScansPollInterval),
	})
	s.ctl = ctl

	if notifier != nil {
		if err := notifier.Subscribe(func(session.Change) { ctl.Watcher().StorageChanged() }); err != nil {
			log.Printf("session change subscribe error: %v", err)
		}
		if counter := ctl.Scans(); counter != nil {
			if err := counter.SubscribeMQTT(client, cfg.TopicScans); err != nil {
				log.Printf("scans subscribe error: %v", err)
			}
		}
	}
	return s, nil
}

func RunWeb() error {
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := newScanner(cfg, cfg.MQTTClientIDWeb)
	if err != nil {
		return err
	}
	defer sc.close()

	sc.overlay.Ensure()
	if sc.ctl.Restore(ctx) {
		log.Println("web: restored previous scan")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler: webRoutes(sc.ctl, sc.overlay, cfg.StaticDir),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.ctl.Run(ctx) })
	g.Go(func() error { return serve(ctx, srv, "web") })
	return g.Wait()
}

// webRoutes mounts the page API on a chi router.
func webRoutes(ctl *controller.Controller, overlay *capture.Overlay, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/session", HandleSessionWS(ctl))

	// JSON API endpoint: latest view
	r.Get("/api/view", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	})

	r.Post("/api/select", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPick)
		data, err := analysis.ReadImage(r, maxPick)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch err := ctl.SelectImage(r.Context(), data); {
		case errors.Is(err, controller.ErrLocked), errors.Is(err, controller.ErrBusy):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, ctl.Snapshot())
	})

	r.Get("/api/preview", func(w http.ResponseWriter, r *http.Request) {
		data, ok := decodePreview(ctl.Snapshot().Preview)
		if !ok {
			http.Error(w, "no preview", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(data)
	})

	r.Get("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		data := overlay.PNG()
		if data == nil {
			overlay.Ensure()
			http.Error(w, "overlay not ready", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	})

	// Static files as the root
	r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	return r
}

func decodePreview(ref string) ([]byte, bool) {
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(ref, prefix) {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(ref[len(prefix):])
	if err != nil {
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("json encode error: %v", err)
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
