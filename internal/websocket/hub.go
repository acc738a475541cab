// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package websocket delivers the live event feed to connected clients.
//
// Delivery is best-effort by contract: every event is durable in the log
// before it reaches the bus, so a dropped client replays from its stored
// cursor on reconnect and misses nothing. The hub never blocks on a slow
// client; it drops the connection instead.
package websocket

import (
	"context"
	"sync"

	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/presence"
)

// Hub fans bus events out to websocket clients.
type Hub struct {
	bus      *eventlog.Bus
	log      *eventlog.Log
	presence *presence.Store

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates the hub.
func NewHub(bus *eventlog.Bus, log *eventlog.Log, store *presence.Store) *Hub {
	return &Hub{
		bus:      bus,
		log:      log,
		presence: store,
		clients:  make(map[*Client]struct{}),
	}
}

// Serve consumes the bus until ctx is cancelled. Runs under the
// supervision tree.
func (h *Hub) Serve(ctx context.Context) error {
	messages, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	logging.Component("websocket").Info().Msg("event hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			logging.Component("websocket").Info().Msg("event hub stopped")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				h.closeAll()
				return nil
			}
			event, err := eventlog.DecodeEvent(msg)
			msg.Ack()
			if err != nil {
				logging.Component("websocket").Error().Err(err).Msg("undecodable bus message")
				continue
			}
			h.broadcast(event.InstitutionID, event.Cursor, msg.Payload)
		}
	}
}

// broadcast offers the serialized event to every client of the event's
// institution. A client whose buffer is full is disconnected rather than
// awaited.
func (h *Hub) broadcast(institutionID, cursor int64, payload []byte) {
	h.mu.RLock()
	stale := make([]*Client, 0)
	for c := range h.clients {
		if c.institutionID != institutionID {
			continue
		}
		select {
		case c.send <- outbound{cursor: cursor, payload: payload}:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		metrics.WebsocketDropped.Inc()
		logging.Component("websocket").Warn().
			Int64("participant_id", c.participantID).
			Msg("dropping slow client")
		h.remove(c)
		c.conn.Close()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))

	if present {
		if err := h.presence.Drop(c.sessionID, c.participantID); err != nil {
			logging.Component("websocket").Error().Err(err).
				Int64("participant_id", c.participantID).
				Msg("presence drop failed")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	metrics.WebsocketClients.Set(0)
}

func (h *Hub) String() string { return "websocket.hub" }
