/*
Package blive implements the client side of the bilibili live danmaku protocol.

This file defines the Client, which owns one websocket connection to the
broadcast server for a single room: it resolves the room (short id and owner
uid) over the REST API, authenticates, keeps the heartbeat, and dispatches
decoded notifications to an EventHandler.
*/
package blive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"blivecast/internal/pkg/logx"
)

const (
	defaultWSURL       = "wss://broadcastlv.chat.bilibili.com/sub"
	defaultRoomInitURL = "https://api.live.bilibili.com/room/v1/Room/room_init"

	// defaultHeartbeatInterval keeps the broadcast server from dropping the
	// connection; the server tolerates up to 30 seconds between beats.
	defaultHeartbeatInterval = 10 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config holds the client's endpoints and timing. Zero fields fall back to
// the package defaults.
type Config struct {
	WSURL             string
	RoomInitURL       string
	HeartbeatInterval time.Duration
}

// Client is one upstream connection to a live room's event stream.
type Client struct {
	cfg     Config
	handler EventHandler

	httpClient *http.Client

	// roomID is the externally supplied id, possibly a short id.
	roomID int64

	// mu protects the fields below.
	mu         sync.RWMutex
	conn       *websocket.Conn
	realRoomID int64
	ownerUID   int64
	running    bool
	stopped    bool

	// writeMu serializes websocket writes.
	writeMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	logger zerolog.Logger
}

// authBody is the payload of the auth packet sent right after dialing.
type authBody struct {
	UID       int64  `json:"uid"`
	RoomID    int64  `json:"roomid"`
	ProtoVer  int    `json:"protover"`
	Platform  string `json:"platform"`
	ClientVer string `json:"clientver"`
}

// NewClient constructs a Client for the given room. Start must be called
// before any events are delivered.
func NewClient(roomID int64, handler EventHandler, cfg Config) *Client {
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	if cfg.RoomInitURL == "" {
		cfg.RoomInitURL = defaultRoomInitURL
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Client{
		cfg:        cfg,
		handler:    handler,
		httpClient: &http.Client{Timeout: handshakeTimeout},
		roomID:     roomID,
		done:       make(chan struct{}),
		logger: logx.Logger().With().
			Str("component", "BLiveClient").
			Int64("room_id", roomID).
			Logger(),
	}
}

// Start resolves the room, dials the broadcast server, authenticates, and
// spawns the read and heartbeat loops.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("client already stopped")
	}
	c.mu.Unlock()

	if err := c.initRoom(ctx); err != nil {
		return fmt.Errorf("resolve room %d: %w", c.roomID, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial broadcast server: %w", err)
	}

	// Stop may have raced the room resolution or the dial. The fresh
	// connection must not outlive a client that is already stopped.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client stopped during startup")
	}
	c.conn = conn
	c.running = true
	realRoomID := c.realRoomID
	c.mu.Unlock()

	auth, err := json.Marshal(authBody{
		UID:       0,
		RoomID:    realRoomID,
		ProtoVer:  2,
		Platform:  "web",
		ClientVer: "1.4.0",
	})
	if err != nil {
		conn.Close()
		return err
	}

	if err := c.sendPacket(OpAuth, auth); err != nil {
		conn.Close()
		return fmt.Errorf("send auth packet: %w", err)
	}

	// Second check before the loops go live: a concurrent Stop already
	// returned (nothing was spawned yet), so it will not wait for them.
	// The connection is left for Close, which the stop path owns.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("client stopped during startup")
	}
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Info().Int64("real_room_id", realRoomID).Msg("Upstream client started.")

	return nil
}

// Stop cancels the read and heartbeat loops and waits for them to exit.
// It is safe to call while Start is still in flight: the startup path
// re-checks the stopped flag and abandons its connection instead of going
// live. The connection itself stays open until Close.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.running = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	// Unblock a pending ReadMessage so the read loop can observe done.
	if conn != nil {
		conn.SetReadDeadline(time.Now())
	}

	c.wg.Wait()

	c.logger.Info().Msg("Upstream client stopped.")
}

// Close releases the underlying connection. Callers must sequence this after
// Stop when the client has been started; the read loop's resources are tied
// to the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return conn.Close()
}

// IsRunning reports whether the client has been started and not yet stopped.
func (c *Client) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// RoomOwnerUID returns the room owner's user id, learned during Start.
// It is zero until the room has been resolved.
func (c *Client) RoomOwnerUID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ownerUID
}

// RealRoomID returns the canonical room id, which differs from the supplied
// id when the room uses a short id.
func (c *Client) RealRoomID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.realRoomID
}

// initRoom resolves a possibly-short room id into the real id and learns the
// room owner's uid.
func (c *Client) initRoom(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.RoomInitURL, nil)
	if err != nil {
		return err
	}

	query := req.URL.Query()
	query.Set("id", strconv.FormatInt(c.roomID, 10))
	req.URL.RawQuery = query.Encode()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("room init returned status %d", res.StatusCode)
	}

	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			RoomID int64 `json:"room_id"`
			UID    int64 `json:"uid"`
		} `json:"data"`
	}

	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return err
	}

	if body.Code != 0 {
		return fmt.Errorf("room init failed: code=%d msg=%s", body.Code, body.Msg)
	}

	c.mu.Lock()
	c.realRoomID = body.Data.RoomID
	c.ownerUID = body.Data.UID
	c.mu.Unlock()

	return nil
}

// readLoop reads websocket messages, decodes the packet stream, and
// dispatches each packet until the connection fails or Stop is called.
func (c *Client) readLoop() {
	defer c.wg.Done()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("Upstream read failed, read loop exiting.")
			}
			return
		}

		packets, err := decodePackets(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to decode upstream packet stream.")
		}

		for _, p := range packets {
			c.handlePacket(p)
		}
	}
}

// heartbeatLoop sends periodic heartbeat packets until Stop.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendPacket(OpHeartbeat, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to send heartbeat.")
			}
		}
	}
}

func (c *Client) sendPacket(op uint32, body []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, encodePacket(op, body))
}

func (c *Client) handlePacket(p packet) {
	switch p.Operation {
	case OpHeartbeatReply:
		// Body is the room popularity counter; nothing consumes it here.

	case OpAuthReply:
		c.logger.Debug().Msg("Upstream auth acknowledged.")

	case OpNotification:
		c.handleNotification(p.Body)

	default:
		c.logger.Debug().Uint32("op", p.Operation).Msg("Ignoring unknown upstream operation.")
	}
}

// handleNotification dispatches a JSON notification by its cmd tag. Some
// cmds carry a colon-separated variant suffix that is not significant here.
func (c *Client) handleNotification(body []byte) {
	var head struct {
		Cmd string `json:"cmd"`
	}

	if err := json.Unmarshal(body, &head); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed upstream notification.")
		return
	}

	cmd := head.Cmd
	if i := strings.IndexByte(cmd, ':'); i >= 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "DANMU_MSG":
		var msg struct {
			Info []any `json:"info"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed DANMU_MSG notification.")
			return
		}

		danmaku, err := parseDanmaku(msg.Info)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse DANMU_MSG info.")
			return
		}

		c.handler.OnDanmaku(danmaku)

	case "SEND_GIFT":
		var msg struct {
			Data GiftMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed SEND_GIFT notification.")
			return
		}

		c.handler.OnGift(msg.Data)

	case "GUARD_BUY":
		var msg struct {
			Data GuardBuyMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Malformed GUARD_BUY notification.")
			return
		}

		c.handler.OnGuardBuy(msg.Data)

	default:
		// The stream carries many notification kinds the overlay ignores.
	}
}
