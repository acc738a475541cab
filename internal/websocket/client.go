// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gavelworks/oyez/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the API gateway; the engine binds to
	// internal interfaces.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outbound is one queued event delivery.
type outbound struct {
	cursor  int64
	payload []byte
}

// inbound is the client-to-server message envelope. Clients send
// heartbeats and cursor acknowledgements only; all mutations go over the
// HTTP API.
type inbound struct {
	Type   string `json:"type"`
	Cursor int64  `json:"cursor,omitempty"`
}

// Client is one connected websocket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	institutionID int64
	sessionID     int64
	participantID int64

	send chan outbound
}

// ServeWS upgrades the request and attaches the client to the hub. Missed
// events since the participant's stored cursor are replayed before the
// live feed begins. The client only ever receives events of its own
// institution.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, institutionID, sessionID, participantID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Component("websocket").Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &Client{
		hub:           h,
		conn:          conn,
		institutionID: institutionID,
		sessionID:     sessionID,
		participantID: participantID,
		send:          make(chan outbound, sendBuffer),
	}

	if err := h.replay(r.Context(), c); err != nil {
		logging.Component("websocket").Error().Err(err).
			Int64("participant_id", participantID).
			Msg("replay failed")
		conn.Close()
		return
	}

	h.add(c)
	go c.writePump()
	go c.readPump()
}

// replay queues events the participant missed while disconnected. The
// cursor comes from the presence store; a zero cursor replays nothing
// (fresh clients fetch state over HTTP first).
func (h *Hub) replay(ctx context.Context, c *Client) error {
	cursor, err := h.presence.Cursor(c.participantID)
	if err != nil {
		return err
	}
	if cursor == 0 {
		return nil
	}

	missed, err := h.log.Since(ctx, c.institutionID, cursor, sendBuffer)
	if err != nil {
		return err
	}
	for _, e := range missed {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case c.send <- outbound{cursor: e.Cursor, payload: payload}:
		default:
			// Buffer exhausted mid-replay; the client reconnects and
			// resumes from its advanced cursor.
			return nil
		}
	}
	return nil
}

// readPump consumes heartbeats and cursor acks until the connection
// drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.heartbeat()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Component("websocket").Debug().Err(err).
					Int64("participant_id", c.participantID).
					Msg("connection closed")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "heartbeat":
			c.heartbeat()
		case "ack":
			if msg.Cursor > 0 {
				if err := c.hub.presence.SetCursor(c.participantID, msg.Cursor); err != nil {
					logging.Component("websocket").Error().Err(err).
						Int64("participant_id", c.participantID).
						Msg("cursor store failed")
				}
			}
		}
	}
}

func (c *Client) heartbeat() {
	if err := c.hub.presence.Heartbeat(c.sessionID, c.participantID, time.Now().UTC()); err != nil {
		logging.Component("websocket").Error().Err(err).
			Int64("participant_id", c.participantID).
			Msg("heartbeat store failed")
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, out.payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
