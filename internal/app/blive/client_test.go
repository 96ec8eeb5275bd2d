package blive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// safeHandler wraps recordingHandler so the client's read goroutine and the
// test goroutine can share it.
type safeHandler struct {
	mu    sync.Mutex
	inner recordingHandler
}

func (h *safeHandler) OnDanmaku(msg DanmakuMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner.OnDanmaku(msg)
}

func (h *safeHandler) OnGift(msg GiftMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner.OnGift(msg)
}

func (h *safeHandler) OnGuardBuy(msg GuardBuyMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inner.OnGuardBuy(msg)
}

func (h *safeHandler) giftCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inner.gifts)
}

// fakeBroadcast serves the room_init REST endpoint and a websocket endpoint
// that records the auth packet and pushes canned notifications.
type fakeBroadcast struct {
	t *testing.T

	mu       sync.Mutex
	authBody []byte
	conn     *websocket.Conn

	authReceived chan struct{}
}

func newFakeBroadcast(t *testing.T) (*fakeBroadcast, *httptest.Server) {
	fb := &fakeBroadcast{t: t, authReceived: make(chan struct{})}

	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/room_init", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"msg":  "",
			"data": map[string]any{"room_id": 99999, "uid": 31337},
		})
	})
	mux.HandleFunc("/sub", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		packets, err := decodePackets(data)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		require.EqualValues(t, OpAuth, packets[0].Operation)

		fb.mu.Lock()
		fb.authBody = packets[0].Body
		fb.conn = conn
		fb.mu.Unlock()

		conn.WriteMessage(websocket.BinaryMessage, encodePacket(OpAuthReply, []byte("{}")))
		close(fb.authReceived)

		// Keep reading so heartbeats are drained until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return fb, srv
}

func (fb *fakeBroadcast) push(t *testing.T, notification string) {
	t.Helper()

	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()

	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodePacket(OpNotification, []byte(notification))))
}

func TestClientLifecycle(t *testing.T) {
	fb, srv := newFakeBroadcast(t)

	handler := &safeHandler{}
	c := NewClient(42, handler, Config{
		WSURL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/sub",
		RoomInitURL: srv.URL + "/room_init",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx))

	assert.True(t, c.IsRunning())
	assert.EqualValues(t, 99999, c.RealRoomID(), "short id resolved to the real room id")
	assert.EqualValues(t, 31337, c.RoomOwnerUID())

	select {
	case <-fb.authReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the auth packet")
	}

	var auth authBody
	fb.mu.Lock()
	require.NoError(t, json.Unmarshal(fb.authBody, &auth))
	fb.mu.Unlock()

	assert.EqualValues(t, 0, auth.UID)
	assert.EqualValues(t, 99999, auth.RoomID)
	assert.Equal(t, 2, auth.ProtoVer)
	assert.Equal(t, "web", auth.Platform)

	fb.push(t, `{"cmd":"SEND_GIFT","data":{"giftName":"flowers","coin_type":"gold","num":1}}`)

	require.Eventually(t, func() bool {
		return handler.giftCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.NoError(t, c.Close())
}

func TestClientStartFailsOnRoomInitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 60004, "msg": "room not exist"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(1, &safeHandler{}, Config{RoomInitURL: srv.URL})

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room not exist")
	assert.False(t, c.IsRunning())
}

// A Stop that lands while Start is still resolving the room must win: the
// startup path observes it after dialing and abandons the connection instead
// of spawning the loops.
func TestClientStopDuringStartup(t *testing.T) {
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/room_init", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"msg":  "",
			"data": map[string]any{"room_id": 99999, "uid": 31337},
		})
	})
	mux.HandleFunc("/sub", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient(42, &safeHandler{}, Config{
		WSURL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/sub",
		RoomInitURL: srv.URL + "/room_init",
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	c.Stop()

	select {
	case err := <-errCh:
		assert.Error(t, err, "startup racing a stop must not report success")
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	assert.False(t, c.IsRunning())
	assert.NoError(t, c.Close())
}

func TestClientStartAfterStopFails(t *testing.T) {
	c := NewClient(1, &safeHandler{}, Config{})
	c.Stop()

	assert.Error(t, c.Start(context.Background()))
}
