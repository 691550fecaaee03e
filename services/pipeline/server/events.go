// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/PersonalPipeline/services/pipeline/breaker"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/health"
	"github.com/AleutianAI/PersonalPipeline/services/pipeline/observability"
)

// clientQueue buffers per-client delivery. A client that falls this far
// behind is dropped; the stream favors live publishers over slow
// consumers.
const clientQueue = 32

// event is one pushed notification on the /events stream.
type event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Event type tags on the wire.
const (
	eventBreaker = "breaker_event"
	eventHealth  = "health_transition"
)

// hub fans breaker events and health transitions out to WebSocket
// clients.
type hub struct {
	upgrader websocket.Upgrader
	metrics  *observability.PipelineMetrics
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*eventClient]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type eventClient struct {
	conn *websocket.Conn
	send chan event
}

func newHub(origins []string, metrics *observability.PipelineMetrics, log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		metrics: metrics,
		log:     log.With("component", "events"),
		clients: make(map[*eventClient]struct{}),
		done:    make(chan struct{}),
	}
}

// originChecker mirrors the CORS policy: with no configured origins any
// client may connect; otherwise browser connections must come from an
// allowed origin. Requests without an Origin header are not from a
// browser and pass.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	wildcard := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

// Start begins pumping the subscriptions into connected clients.
func (h *hub) Start(breakerEvents <-chan breaker.Event, healthEvents <-chan health.Transition) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.done:
				return
			case ev, ok := <-breakerEvents:
				if !ok {
					breakerEvents = nil
					continue
				}
				h.broadcast(eventBreaker, ev)
			case tr, ok := <-healthEvents:
				if !ok {
					healthEvents = nil
					continue
				}
				h.broadcast(eventHealth, tr)
			}
		}
	}()
}

// Stop ends the pump and closes every client.
func (h *hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
	h.wg.Wait()

	h.mu.Lock()
	dropped := len(h.clients)
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	for i := 0; i < dropped; i++ {
		if h.metrics != nil {
			h.metrics.EventClientDisconnected()
		}
	}
}

// broadcast delivers one event to every client. Delivery never blocks:
// a client whose queue is full gets disconnected instead.
func (h *hub) broadcast(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("event marshal failed", "type", kind, "error", err)
		return
	}
	ev := event{Type: kind, At: time.Now(), Data: data}

	var dropped int
	h.mu.Lock()
	for cl := range h.clients {
		select {
		case cl.send <- ev:
		default:
			delete(h.clients, cl)
			close(cl.send)
			dropped++
		}
	}
	h.mu.Unlock()

	for i := 0; i < dropped; i++ {
		if h.metrics != nil {
			h.metrics.EventClientDisconnected()
		}
	}
	if dropped > 0 {
		h.log.Warn("dropped slow event clients", "count", dropped, "type", kind)
	}
}

// remove unregisters a client if it is still registered. Whoever deletes
// the map entry closes the send channel, so the close happens exactly
// once even when a broadcast drop races a reader disconnect.
func (h *hub) remove(cl *eventClient) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	if ok && h.metrics != nil {
		h.metrics.EventClientDisconnected()
	}
}

// serve upgrades the request and runs the connection until the client
// goes away.
func (h *hub) serve(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade wrote the HTTP error response already.
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &eventClient{conn: ws, send: make(chan event, clientQueue)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.EventClientConnected()
	}
	h.log.Info("event client connected", "clients", total)

	go cl.writeLoop()

	// Clients send nothing meaningful; the read loop exists to honor
	// close frames and notice dropped connections.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(cl)
	_ = ws.Close()
}

func (cl *eventClient) writeLoop() {
	for ev := range cl.send {
		if err := cl.conn.WriteJSON(ev); err != nil {
			break
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = cl.conn.Close()
}

// HandleEvents serves GET /api/v1/events, upgrading to a WebSocket that
// streams breaker events and health transitions as they happen.
func (h *Handlers) HandleEvents(c *gin.Context) {
	h.hub.serve(c)
}
