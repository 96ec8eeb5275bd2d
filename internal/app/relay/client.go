/*
Package relay contains the core logic bridging one upstream live-room event
stream to any number of overlay subscriber connections.

This file defines the Client struct, representing one overlay websocket
connection. It manages the connection's lifecycle, the read and write pumps,
and the one-shot room join handshake.
*/
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blivecast/internal/pkg/logx"
)

const (
	// timeout duration for writing to the websocket connection.
	writeWait = 10 * time.Second

	// maximum time to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of an inbound message.
	maxMessageSize = 4096

	// sendBuffer is the per-subscriber outbound queue depth. Broadcasts to a
	// subscriber whose queue is full are dropped rather than stalling the room.
	sendBuffer = 256
)

// Client represents one overlay subscriber connection. It implements
// Subscriber; the room assignment is one-shot and immutable once set.
type Client struct {
	manager *Manager
	conn    *websocket.Conn

	// id is an opaque per-connection handle used for logging.
	id string

	// roomID is set by the first valid join message and never changes.
	// Only the read pump touches it.
	roomID int64
	joined bool

	// send queues outbound broadcast bodies for the write pump.
	send chan []byte

	// done is closed when the connection is being torn down; Send observes
	// it so broadcasts to a dying connection fail fast.
	done chan struct{}

	logger zerolog.Logger
}

// NewClient constructs a Client for an upgraded websocket connection.
func NewClient(manager *Manager, conn *websocket.Conn) *Client {
	id := uuid.NewString()

	return &Client{
		manager: manager,
		conn:    conn,
		id:      id,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		logger: logx.Logger().With().
			Str("client_id", id).
			Str("remote_addr", conn.RemoteAddr().String()).
			Logger(),
	}
}

// Send queues a broadcast body for delivery, without blocking. Messages to a
// closing connection or past a full queue are dropped; the room skips this
// subscriber and carries on.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// ReadPump reads messages from the websocket connection. It handles the
// heartbeat (Pong), the one-shot join handshake, and cleanup on close.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (client close/going away)")
			}
			break
		}

		c.processInboundMessage(messageBytes)
	}
}

// cleanupOnDisconnect deregisters the client from its room (if joined) and
// closes the connection when the read pump terminates.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Int64("room_id", c.roomID).Msg("Subscriber connection cleanup starting.")

	if c.joined {
		c.manager.RemoveSubscriber(c.roomID, c)
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Subscriber connection close error")
	}
}

// processInboundMessage handles one raw message from the subscriber. Room
// assignment is one-shot: anything after a successful join, and any command
// other than join, is logged and ignored.
func (c *Client) processInboundMessage(messageBytes []byte) {
	if c.joined {
		c.logger.Warn().Msg("Subscriber already joined a room, ignoring message.")
		return
	}

	var envelope inboundEnvelope
	if err := json.Unmarshal(messageBytes, &envelope); err != nil {
		c.logger.Warn().Err(err).
			Bytes("message_bytes", messageBytes).
			Msg("Subscriber sent invalid JSON")
		return
	}

	if envelope.Cmd != CmdJoinRoom {
		c.logger.Warn().Int("cmd", int(envelope.Cmd)).Msg("Subscriber sent unknown command")
		return
	}

	var join JoinPayload
	if err := json.Unmarshal(envelope.Data, &join); err != nil || join.RoomID <= 0 {
		c.logger.Warn().Err(err).Msg("Subscriber sent invalid JOIN_ROOM payload")
		return
	}

	c.roomID = int64(join.RoomID)
	c.joined = true

	c.logger.Info().Int64("room_id", c.roomID).Msg("Subscriber joining room.")

	c.manager.AddSubscriber(c.roomID, c)
}

// WritePump writes queued messages to the websocket connection and keeps the
// heartbeat Ping going.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Subscriber connection close error in WritePump")
		}
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				c.logger.Debug().Err(err).Msg("Error writing close message")
			}
			return

		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Info().Err(err).Msg("Error writing message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info().Err(err).Msg("Error writing ping")
				return
			}
		}
	}
}
