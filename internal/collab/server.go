// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relabs-tech/insole_scanner/internal/analysis"
	"github.com/relabs-tech/insole_scanner/internal/latency"
	"github.com/relabs-tech/insole_scanner/internal/scans"
)

// Window is how many recent samples feed the latency estimate.
const Window = 20

// MaxUpload bounds one proxied image.
const MaxUpload = 16 << 20

// EventPublisher announces counter changes, e.g. over MQTT.
type EventPublisher interface {
	PublishScan(ctx context.Context, ev scans.Event) error
}

// Server serves the collaborator routes.
type Server struct {
	store    *Store
	upstream *analysis.Client
	events   EventPublisher
	now      func() time.Time
}

// NewServer returns a Server proxying analyses to upstream. events may be
// nil.
func NewServer(store *Store, upstream *analysis.Client, events EventPublisher) *Server {
	return &Server{store: store, upstream: upstream, events: events, now: time.Now}
}

// Routes returns the chi router with every route mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/latency", s.handleLatency)
		r.Get("/scans", s.handleScans)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

// handleAnalyze forwards the image, times the round trip, and counts the
// scan. The client-facing contract is the upstream's: 200 {result} or
// 500 {error}.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUpload)
	img, err := analysis.ReadImage(r, MaxUpload)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, analysis.Response{Error: err.Error()})
		return
	}

	start := s.now()
	text, err := s.upstream.Analyze(r.Context(), img)
	elapsed := s.now().Sub(start)
	if err != nil {
		log.Printf("collab: upstream analyze: %v", err)
		writeJSON(w, http.StatusInternalServerError, analysis.Response{Error: "analysis failed"})
		return
	}

	ctx := r.Context()
	if err := s.store.RecordLatency(ctx, elapsed, start); err != nil {
		log.Printf("collab: %v", err)
	}
	total, err := s.store.IncrementScans(ctx)
	if err != nil {
		log.Printf("collab: %v", err)
	} else if s.events != nil {
		if err := s.events.PublishScan(ctx, scans.Event{Total: total, At: s.now()}); err != nil {
			log.Printf("collab: publish scan event: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, analysis.Response{Result: &text})
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	samples, err := s.store.RecentLatencies(r.Context(), Window)
	if err != nil {
		log.Printf("collab: %v", err)
		http.Error(w, "latency unavailable", http.StatusInternalServerError)
		return
	}
	mean := float64(latency.Smooth(samples).Milliseconds())
	writeJSON(w, http.StatusOK, latency.Response{Mean: &mean})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.Scans(r.Context())
	if err != nil {
		log.Printf("collab: %v", err)
		http.Error(w, "scans unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scans.Response{Total: total})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Printf("collab: json encode error: %v", err)
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.Copy(w, &buf)
}
