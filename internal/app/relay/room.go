/*
Package relay contains the core logic bridging one upstream live-room event
stream to any number of overlay subscriber connections.

This file defines the Room struct, which owns the upstream protocol client
for one room id, normalizes and enriches its events, and broadcasts the
resulting payloads to every current subscriber.
*/
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blivecast/internal/app/blive"
	"blivecast/internal/pkg/logx"
)

// enrichTimeout bounds the avatar lookup performed while composing a payload.
const enrichTimeout = 15 * time.Second

// premiumCoinType marks gifts paid with real currency. Free-currency gifts
// never reach the overlay.
const premiumCoinType = "gold"

// RoomState tracks a Room through its lifecycle.
type RoomState int

const (
	RoomStarting RoomState = iota
	RoomActive
	RoomStopping
	RoomClosed
)

// Upstream is the capability surface the Room consumes from the protocol
// client. Stop must be safe to call at any point in the client's lifecycle,
// including while Start is still in flight, and must not return before any
// spawned read loop has exited. Close must only follow a completed Stop.
type Upstream interface {
	Start(ctx context.Context) error
	Stop()
	Close() error
	RoomOwnerUID() int64
	RealRoomID() int64
}

// AvatarResolver resolves a user's avatar URL. Implementations never fail;
// degraded paths return a placeholder.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID int64) string
}

// Subscriber is one overlay connection attached to a room. Send must not
// block on a slow transport.
type Subscriber interface {
	Send(data []byte) error
}

// Room bridges one live room's upstream event stream to its subscribers.
// Exactly one Room exists per room id at any time; the Manager enforces this.
type Room struct {
	// ID is the externally supplied room identifier.
	ID int64

	upstream Upstream
	avatars  AvatarResolver

	// mu protects subscribers and state.
	mu          sync.Mutex
	subscribers []Subscriber
	state       RoomState

	logger zerolog.Logger
}

func newRoom(roomID int64, avatars AvatarResolver, factory UpstreamFactory) *Room {
	r := &Room{
		ID:      roomID,
		avatars: avatars,
		state:   RoomStarting,
		logger: logx.Logger().With().
			Int64("room_id", roomID).
			Logger(),
	}

	// The room itself handles the upstream client's events.
	r.upstream = factory(roomID, r)

	return r
}

// start connects the upstream client in the background so callers (and the
// Manager's directory lock) never wait on network I/O.
func (r *Room) start() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := r.upstream.Start(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to start upstream client.")
			return
		}

		r.mu.Lock()
		if r.state == RoomStarting {
			r.state = RoomActive
		}
		r.mu.Unlock()
	}()
}

// addSubscriber appends a subscriber; insertion order is join order.
func (r *Room) addSubscriber(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers = append(r.subscribers, s)

	r.logger.Info().Int("total_subscribers", len(r.subscribers)).Msg("Subscriber joined room.")
}

// removeSubscriber removes a subscriber by identity. Removing the last one
// does not tear the room down; that is the Manager's decision.
func (r *Room) removeSubscriber(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subscribers {
		if sub == s {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}

	r.logger.Info().Int("total_subscribers", len(r.subscribers)).Msg("Subscriber left room.")
}

func (r *Room) subscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// State returns the room's lifecycle state.
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// stopAndClose shuts down the upstream client. Stop runs unconditionally: a
// client whose Start is still in flight must observe the stop and abandon
// its connection, otherwise a dial completing after teardown would leave the
// connection and its loops running with no room attached.
func (r *Room) stopAndClose() {
	r.mu.Lock()
	r.state = RoomStopping
	r.mu.Unlock()

	r.upstream.Stop()

	if err := r.upstream.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Upstream connection close error.")
	}

	r.mu.Lock()
	r.state = RoomClosed
	r.mu.Unlock()

	r.logger.Info().Msg("Room closed.")
}

// Broadcast encodes the message once and delivers it to every current
// subscriber. Subscribers whose transport has failed are skipped; an empty
// subscriber set is a no-op, which also covers enrichment tasks finishing
// after the last subscriber left.
func (r *Room) Broadcast(msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Int("cmd", int(msg.Cmd)).Msg("Failed to encode broadcast message.")
		return
	}

	r.mu.Lock()
	subs := make([]Subscriber, len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Send(body); err != nil {
			r.logger.Debug().Err(err).Msg("Skipping subscriber with failed transport.")
		}
	}
}

// OnDanmaku implements blive.EventHandler. Enrichment (avatar resolution)
// runs as a detached task so a slow lookup never stalls the upstream read
// loop; failures never propagate back.
func (r *Room) OnDanmaku(d blive.DanmakuMessage) {
	go r.addText(d)
}

func (r *Room) addText(d blive.DanmakuMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	avatarURL := r.avatars.Resolve(ctx, d.UID)

	// A medal earned in a different room is not shown.
	medalLevel := d.MedalLevel
	if d.MedalRoomID != r.upstream.RealRoomID() {
		medalLevel = 0
	}

	r.Broadcast(NewTextMessage(TextPayload{
		AvatarURL:        avatarURL,
		Timestamp:        d.Timestamp,
		AuthorName:       d.Uname,
		AuthorType:       r.classifyAuthor(d),
		Content:          d.Msg,
		PrivilegeType:    d.PrivilegeType,
		IsGiftDanmaku:    d.IsGiftDanmaku,
		AuthorLevel:      d.UserLevel,
		IsNewbie:         d.URank < newbieRankThreshold,
		IsMobileVerified: d.MobileVerified,
		MedalLevel:       medalLevel,
	}))
}

// classifyAuthor applies the strict precedence owner > moderator > paid
// member > viewer.
func (r *Room) classifyAuthor(d blive.DanmakuMessage) AuthorType {
	switch {
	case d.UID == r.upstream.RoomOwnerUID():
		return AuthorOwner
	case d.Admin:
		return AuthorModerator
	case d.PrivilegeType != 0:
		return AuthorMember
	default:
		return AuthorViewer
	}
}

// OnGift implements blive.EventHandler. The event already carries the avatar
// URL, so the broadcast happens inline.
func (r *Room) OnGift(g blive.GiftMessage) {
	if g.CoinType != premiumCoinType {
		return
	}

	r.Broadcast(NewGiftMessage(GiftPayload{
		AvatarURL:  g.Face,
		Timestamp:  g.Timestamp,
		AuthorName: g.Uname,
		GiftName:   g.GiftName,
		GiftNum:    g.Num,
		TotalCoin:  g.TotalCoin,
	}))
}

// OnGuardBuy implements blive.EventHandler. Enrichment runs detached, same
// as for text events.
func (r *Room) OnGuardBuy(m blive.GuardBuyMessage) {
	go r.addMember(m)
}

func (r *Room) addMember(m blive.GuardBuyMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	r.Broadcast(NewMemberMessage(MemberPayload{
		AvatarURL:  r.avatars.Resolve(ctx, m.UID),
		Timestamp:  m.StartTime,
		AuthorName: m.Username,
	}))
}
