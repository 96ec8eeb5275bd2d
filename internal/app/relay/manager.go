/*
Package relay contains the core logic bridging one upstream live-room event
stream to any number of overlay subscriber connections.

This file defines the Manager struct, the process-wide directory of active
Rooms. It creates a Room on the first subscriber for a room id and tears it
down when the last subscriber leaves.
*/
package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"blivecast/internal/app/blive"
	"blivecast/internal/pkg/logx"
)

// UpstreamFactory builds the upstream protocol client for a room. The
// Manager's default dials the live broadcast service; tests substitute fakes.
type UpstreamFactory func(roomID int64, handler blive.EventHandler) Upstream

// Manager is the directory of active Rooms keyed by room id. Its mutex is
// held across the existence check and the create/register (or
// remove/teardown) mutation, so concurrent joins and leaves can never
// produce two Rooms for one id or destroy a Room with a registration
// pending against it.
type Manager struct {
	mu    sync.Mutex
	rooms map[int64]*Room

	avatars AvatarResolver
	factory UpstreamFactory

	// debug pushes a fixed sample message sequence to the room on every
	// join, so operators can preview the overlay without a live stream.
	debug bool

	logger zerolog.Logger
}

// NewManager constructs a Manager. A nil factory uses the real upstream
// protocol client.
func NewManager(avatars AvatarResolver, factory UpstreamFactory, debug bool) *Manager {
	if factory == nil {
		factory = func(roomID int64, handler blive.EventHandler) Upstream {
			return blive.NewClient(roomID, handler, blive.Config{})
		}
	}

	return &Manager{
		rooms:   make(map[int64]*Room),
		avatars: avatars,
		factory: factory,
		debug:   debug,
		logger:  logx.Logger().With().Str("component", "RoomManager").Logger(),
	}
}

// AddSubscriber registers a subscriber with the room, creating and starting
// the room first if this is its first subscriber.
func (m *Manager) AddSubscriber(roomID int64, sub Subscriber) {
	m.mu.Lock()

	room, ok := m.rooms[roomID]
	if !ok {
		m.logger.Info().Int64("room_id", roomID).Msg("Creating room.")

		room = newRoom(roomID, m.avatars, m.factory)
		m.rooms[roomID] = room
		room.start()
	}

	room.addSubscriber(sub)

	m.mu.Unlock()

	if m.debug {
		sendSampleMessages(room)
	}
}

// RemoveSubscriber deregisters a subscriber from the room. It is a no-op for
// unknown rooms. When the last subscriber leaves, the room is removed from
// the directory and its upstream client is stopped and closed, in that order.
func (m *Manager) RemoveSubscriber(roomID int64, sub Subscriber) {
	m.mu.Lock()

	room, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}

	room.removeSubscriber(sub)

	var teardown *Room
	if room.subscriberCount() == 0 {
		m.logger.Info().Int64("room_id", roomID).Msg("Removing room.")
		delete(m.rooms, roomID)
		teardown = room
	}

	m.mu.Unlock()

	// Stop blocks until the upstream read loop exits; keep that off the
	// caller's connection-cleanup path.
	if teardown != nil {
		go teardown.stopAndClose()
	}
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown stops and closes every active room.
func (m *Manager) Shutdown() {
	m.logger.Info().Msg("Shutting down room manager...")

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.rooms = make(map[int64]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.stopAndClose()
	}

	m.logger.Info().Msg("Room manager shutdown complete.")
}
