// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/insole_scanner/internal/controller"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocket message types
type WSMessage struct {
	Action string `json:"action"` // capture, restart, close, focus
}

type WSResponse struct {
	Type    string           `json:"type"` // view, error
	View    *controller.View `json:"view,omitempty"`
	Message string           `json:"message,omitempty"`
}

// sessionConn serializes writes: views and errors come from two goroutines.
type sessionConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// opened is set once this page has opened the camera
	opened bool
}

func (s *sessionConn) send(resp WSResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(resp)
}

func (s *sessionConn) sendError(msg string) {
	if err := s.send(WSResponse{Type: "error", Message: msg}); err != nil {
		log.Printf("session ws: send error: %v", err)
	}
}

// HandleSessionWS bridges one browser page to the controller: it pushes
// every view and turns client actions into controller calls.
func HandleSessionWS(ctl *controller.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("session ws: upgrade error: %v", err)
			return
		}
		defer conn.Close()

		sc := &sessionConn{conn: conn}
		views, unsubscribe := ctl.Subscribe()
		defer unsubscribe()

		// a page that connects is a page that regained focus
		ctl.Watcher().Refocus()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg WSMessage
				if err := conn.ReadJSON(&msg); err != nil {
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						log.Printf("session ws: read error: %v", err)
					}
					return
				}
				sc.handle(r, ctl, msg)
			}
		}()

		defer func() {
			// navigating away releases the camera this page opened
			sc.mu.Lock()
			opened := sc.opened
			sc.mu.Unlock()
			if opened && ctl.Snapshot().State == controller.Capturing {
				ctl.CloseCapture()
			}
		}()

		for {
			select {
			case <-done:
				return
			case v := <-views:
				if err := sc.send(WSResponse{Type: "view", View: &v}); err != nil {
					log.Printf("session ws: write error: %v", err)
					return
				}
			}
		}
	}
}

func (s *sessionConn) handle(r *http.Request, ctl *controller.Controller, msg WSMessage) {
	switch msg.Action {
	case "capture":
		err := ctl.SelectOrCapture(r.Context())
		switch {
		case err == nil:
			s.mu.Lock()
			s.opened = true
			s.mu.Unlock()
		case errors.Is(err, controller.ErrLocked), errors.Is(err, controller.ErrBusy):
			s.sendError(err.Error())
		}
		// camera failures are already in the view message

	case "restart":
		if err := ctl.Restart(); err != nil {
			s.sendError(err.Error())
		}

	case "close":
		ctl.CloseCapture()

	case "focus":
		ctl.Watcher().Refocus()

	default:
		s.sendError("unknown action: " + msg.Action)
	}
}
