package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blivecast/internal/app/blive"
)

// fakeUpstream implements Upstream, recording lifecycle calls.
type fakeUpstream struct {
	mu         sync.Mutex
	ownerUID   int64
	realRoomID int64
	running    bool
	startCalls int
	stopCalls  int
	closeCalls int
	// stoppedBeforeClose records whether Stop had completed when Close ran.
	stoppedBeforeClose bool
}

func (f *fakeUpstream) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	f.running = true
	return nil
}

func (f *fakeUpstream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.running = false
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.stoppedBeforeClose = f.stopCalls > 0
	return nil
}

func (f *fakeUpstream) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeUpstream) RoomOwnerUID() int64 { return f.ownerUID }
func (f *fakeUpstream) RealRoomID() int64   { return f.realRoomID }

// chanSubscriber buffers received broadcast bodies on a channel.
type chanSubscriber struct {
	received chan []byte
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{received: make(chan []byte, 64)}
}

func (s *chanSubscriber) Send(data []byte) error {
	s.received <- data
	return nil
}

func (s *chanSubscriber) next(t *testing.T) Message {
	t.Helper()

	select {
	case body := <-s.received:
		var msg struct {
			Cmd  Command         `json:"cmd"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &msg))
		return Message{Cmd: msg.Cmd, Data: msg.Data}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return Message{}
	}
}

// failingSubscriber always reports a dead transport.
type failingSubscriber struct{}

func (failingSubscriber) Send([]byte) error { return fmt.Errorf("transport closed") }

// stubResolver returns a deterministic URL per user id, after an optional delay.
type stubResolver struct {
	delay time.Duration
}

func (s stubResolver) Resolve(ctx context.Context, userID int64) string {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return fmt.Sprintf("https://img.example.com/face/%d.jpg@48w_48h", userID)
}

// newTestManager wires a Manager whose rooms get fakeUpstreams. The returned
// map collects the fakes by room id.
func newTestManager(resolver AvatarResolver, ownerUID int64) (*Manager, *sync.Map) {
	upstreams := &sync.Map{}

	factory := func(roomID int64, handler blive.EventHandler) Upstream {
		f := &fakeUpstream{ownerUID: ownerUID, realRoomID: roomID}
		upstreams.Store(roomID, f)
		return f
	}

	return NewManager(resolver, factory, false), upstreams
}

func TestManagerCreatesOneRoomPerID(t *testing.T) {
	m, upstreams := newTestManager(stubResolver{}, 1)

	var creations atomic.Int64
	base := m.factory
	m.factory = func(roomID int64, handler blive.EventHandler) Upstream {
		creations.Add(1)
		return base(roomID, handler)
	}

	const joins = 20

	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.AddSubscriber(12345, newChanSubscriber())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, creations.Load(), "concurrent joins must share one room")
	assert.Equal(t, 1, m.RoomCount())

	m.mu.Lock()
	room := m.rooms[12345]
	m.mu.Unlock()
	assert.Equal(t, joins, room.subscriberCount())

	// The upstream client is started exactly once.
	require.Eventually(t, func() bool {
		v, ok := upstreams.Load(int64(12345))
		return ok && v.(*fakeUpstream).IsRunning()
	}, time.Second, 5*time.Millisecond)

	v, _ := upstreams.Load(int64(12345))
	assert.Equal(t, 1, v.(*fakeUpstream).startCalls)
}

func TestManagerTearsDownOnLastLeave(t *testing.T) {
	m, upstreams := newTestManager(stubResolver{}, 1)

	a := newChanSubscriber()
	b := newChanSubscriber()

	m.AddSubscriber(555, a)
	m.AddSubscriber(555, b)

	v, _ := upstreams.Load(int64(555))
	up := v.(*fakeUpstream)

	require.Eventually(t, up.IsRunning, time.Second, 5*time.Millisecond)

	m.RemoveSubscriber(555, a)
	assert.Equal(t, 1, m.RoomCount(), "room survives while subscribers remain")

	m.RemoveSubscriber(555, b)
	assert.Equal(t, 0, m.RoomCount())

	// Exactly one stop-then-close sequence.
	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.closeCalls == 1
	}, time.Second, 5*time.Millisecond)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, 1, up.stopCalls)
	assert.True(t, up.stoppedBeforeClose, "close must not run before stop completes")
}

// slowUpstream models a client whose startup takes real time, the way the
// real one does while resolving the room and dialing. A stop arriving during
// startup must win: Start observes it and refuses to go live.
type slowUpstream struct {
	startDelay time.Duration

	mu         sync.Mutex
	stopped    bool
	running    bool
	stopCalls  int
	closeCalls int
}

func (u *slowUpstream) Start(ctx context.Context) error {
	time.Sleep(u.startDelay)

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return fmt.Errorf("client stopped during startup")
	}
	u.running = true
	return nil
}

func (u *slowUpstream) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopped = true
	u.running = false
	u.stopCalls++
}

func (u *slowUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeCalls++
	return nil
}

func (u *slowUpstream) RoomOwnerUID() int64 { return 0 }
func (u *slowUpstream) RealRoomID() int64   { return 0 }

// An overlay page refreshing during the upstream dial window joins and
// leaves before Start completes. Teardown must still stop the client exactly
// once, and the late-finishing Start must not leave it running.
func TestTeardownDuringSlowStartStopsUpstream(t *testing.T) {
	up := &slowUpstream{startDelay: 100 * time.Millisecond}
	m := NewManager(stubResolver{}, func(int64, blive.EventHandler) Upstream { return up }, false)

	sub := newChanSubscriber()
	m.AddSubscriber(321, sub)
	m.RemoveSubscriber(321, sub)

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.stopCalls == 1 && up.closeCalls == 1
	}, time.Second, 5*time.Millisecond, "teardown must stop and close the upstream client")

	assert.Equal(t, 0, m.RoomCount())

	// Wait out the startup delay; the client must not have come up.
	time.Sleep(up.startDelay + 50*time.Millisecond)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.False(t, up.running, "upstream client must not be left running after teardown")
	assert.Equal(t, 1, up.stopCalls)
	assert.Equal(t, 1, up.closeCalls)
}

func TestRemoveSubscriberUnknownRoomIsNoop(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	m.RemoveSubscriber(999, newChanSubscriber())
	assert.Equal(t, 0, m.RoomCount())
}

func TestBroadcastDeliversToEverySubscriberOnce(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	subs := []*chanSubscriber{newChanSubscriber(), newChanSubscriber(), newChanSubscriber()}
	for _, s := range subs {
		m.AddSubscriber(777, s)
	}

	m.mu.Lock()
	room := m.rooms[777]
	m.mu.Unlock()

	room.Broadcast(NewGiftMessage(GiftPayload{GiftName: "flowers", GiftNum: 2, TotalCoin: 100}))

	var bodies [][]byte
	for _, s := range subs {
		body := <-s.received
		bodies = append(bodies, body)
		assert.Empty(t, s.received, "each subscriber receives the broadcast exactly once")
	}

	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[1], bodies[2])
}

func TestBroadcastToEmptyRoomIsNoop(t *testing.T) {
	room := newRoom(1, stubResolver{}, func(int64, blive.EventHandler) Upstream {
		return &fakeUpstream{}
	})

	// No subscribers; must not panic or error.
	room.Broadcast(NewMemberMessage(MemberPayload{AuthorName: "nobody"}))
	assert.Equal(t, 0, room.subscriberCount())
}

func TestBroadcastSkipsFailedTransport(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	good := newChanSubscriber()
	m.AddSubscriber(42, failingSubscriber{})
	m.AddSubscriber(42, good)

	m.mu.Lock()
	room := m.rooms[42]
	m.mu.Unlock()

	room.Broadcast(NewGiftMessage(GiftPayload{GiftName: "rocket"}))

	msg := good.next(t)
	assert.Equal(t, CmdAddGift, msg.Cmd)
}

func TestGiftFilterDropsNonPremium(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	sub := newChanSubscriber()
	m.AddSubscriber(42, sub)

	m.mu.Lock()
	room := m.rooms[42]
	m.mu.Unlock()

	room.OnGift(blive.GiftMessage{CoinType: "silver", GiftName: "freebie", Uname: "bob"})

	select {
	case <-sub.received:
		t.Fatal("free-currency gift must produce zero broadcasts")
	case <-time.After(50 * time.Millisecond):
	}

	room.OnGift(blive.GiftMessage{
		CoinType: "gold", GiftName: "rocket", Uname: "bob",
		Face: "https://img.example.com/bob.jpg", Num: 3, TotalCoin: 4500, Timestamp: 1700000000,
	})

	msg := sub.next(t)
	require.Equal(t, CmdAddGift, msg.Cmd)

	var payload GiftPayload
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &payload))
	assert.Equal(t, "rocket", payload.GiftName)
	assert.Equal(t, "bob", payload.AuthorName)
	assert.Equal(t, "https://img.example.com/bob.jpg", payload.AvatarURL)
	assert.EqualValues(t, 3, payload.GiftNum)
	assert.EqualValues(t, 4500, payload.TotalCoin)
	assert.EqualValues(t, 1700000000, payload.Timestamp)
}

func TestClassifyAuthorPrecedence(t *testing.T) {
	const ownerUID = 100

	room := newRoom(1, stubResolver{}, func(int64, blive.EventHandler) Upstream {
		return &fakeUpstream{ownerUID: ownerUID}
	})

	tests := []struct {
		name string
		msg  blive.DanmakuMessage
		want AuthorType
	}{
		{
			name: "owner wins regardless of other flags",
			msg:  blive.DanmakuMessage{UID: ownerUID, Admin: true, PrivilegeType: 3},
			want: AuthorOwner,
		},
		{
			name: "admin flag makes a moderator",
			msg:  blive.DanmakuMessage{UID: 200, Admin: true, PrivilegeType: 3},
			want: AuthorModerator,
		},
		{
			name: "privilege tier makes a member",
			msg:  blive.DanmakuMessage{UID: 200, PrivilegeType: 1},
			want: AuthorMember,
		},
		{
			name: "plain viewer",
			msg:  blive.DanmakuMessage{UID: 200},
			want: AuthorViewer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, room.classifyAuthor(tt.msg))
		})
	}
}

func TestDanmakuEnrichedAndBroadcastToAll(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	a := newChanSubscriber()
	b := newChanSubscriber()
	m.AddSubscriber(12345, a)
	m.AddSubscriber(12345, b)

	m.mu.Lock()
	room := m.rooms[12345]
	m.mu.Unlock()

	room.OnDanmaku(blive.DanmakuMessage{
		UID:            777,
		Uname:          "alice",
		Msg:            "hello overlay",
		Timestamp:      1700000001,
		URank:          5000,
		UserLevel:      12,
		MobileVerified: true,
		MedalLevel:     9,
		MedalRoomID:    99999, // earned elsewhere: must be zeroed
	})

	for _, sub := range []*chanSubscriber{a, b} {
		msg := sub.next(t)
		require.Equal(t, CmdAddText, msg.Cmd)

		var payload TextPayload
		require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &payload))

		assert.Equal(t, AuthorViewer, payload.AuthorType)
		assert.Equal(t, "hello overlay", payload.Content)
		assert.True(t, payload.IsNewbie, "rank 5000 is below the newbie threshold")
		assert.True(t, payload.IsMobileVerified)
		assert.EqualValues(t, 12, payload.AuthorLevel)
		assert.EqualValues(t, 0, payload.MedalLevel, "medal from another room is hidden")
		assert.Equal(t, "https://img.example.com/face/777.jpg@48w_48h", payload.AvatarURL)
	}
}

func TestMedalKeptForOwnRoom(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	sub := newChanSubscriber()
	m.AddSubscriber(12345, sub)

	m.mu.Lock()
	room := m.rooms[12345]
	m.mu.Unlock()

	room.OnDanmaku(blive.DanmakuMessage{UID: 5, Uname: "carol", Msg: "hi", MedalLevel: 21, MedalRoomID: 12345})

	msg := sub.next(t)
	var payload TextPayload
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &payload))
	assert.EqualValues(t, 21, payload.MedalLevel)
}

func TestGuardBuyBroadcastsMember(t *testing.T) {
	m, _ := newTestManager(stubResolver{}, 1)

	sub := newChanSubscriber()
	m.AddSubscriber(7, sub)

	m.mu.Lock()
	room := m.rooms[7]
	m.mu.Unlock()

	room.OnGuardBuy(blive.GuardBuyMessage{UID: 321, Username: "dave", StartTime: 1700000100})

	msg := sub.next(t)
	require.Equal(t, CmdAddMember, msg.Cmd)

	var payload MemberPayload
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &payload))
	assert.Equal(t, "dave", payload.AuthorName)
	assert.EqualValues(t, 1700000100, payload.Timestamp)
	assert.Equal(t, "https://img.example.com/face/321.jpg@48w_48h", payload.AvatarURL)
}

// Text and member events are enriched on detached tasks, so a gift received
// after a slow-resolving text event may reach subscribers first. This is a
// documented relaxation of cross-type ordering, not a bug.
func TestGiftMayOvertakeEnrichmentPendingText(t *testing.T) {
	m, _ := newTestManager(stubResolver{delay: 150 * time.Millisecond}, 1)

	sub := newChanSubscriber()
	m.AddSubscriber(8, sub)

	m.mu.Lock()
	room := m.rooms[8]
	m.mu.Unlock()

	room.OnDanmaku(blive.DanmakuMessage{UID: 1, Uname: "slow", Msg: "first in, last out"})
	room.OnGift(blive.GiftMessage{CoinType: "gold", GiftName: "fast", Uname: "quick"})

	first := sub.next(t)
	second := sub.next(t)

	assert.Equal(t, CmdAddGift, first.Cmd, "inline gift broadcast overtakes the pending text enrichment")
	assert.Equal(t, CmdAddText, second.Cmd)
}

func TestBroadcastAfterLastLeaveIsNoop(t *testing.T) {
	m, _ := newTestManager(stubResolver{delay: 100 * time.Millisecond}, 1)

	sub := newChanSubscriber()
	m.AddSubscriber(9, sub)

	m.mu.Lock()
	room := m.rooms[9]
	m.mu.Unlock()

	// Enrichment is in flight when the last subscriber leaves; the eventual
	// broadcast lands in an empty room without error.
	room.OnDanmaku(blive.DanmakuMessage{UID: 2, Uname: "ghost", Msg: "anyone there?"})
	m.RemoveSubscriber(9, sub)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, sub.received)
}
