// Package presence is the real-time fan-out layer. Clients connect over one
// WebSocket, join logical rooms keyed "kind:id" (note, task, chat), and
// receive entity events plus ephemeral signals (typing, focus, cursor) from
// other members. Membership is checked against the authz engine on every
// join; nothing here is the source of truth, the store is.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxRoomsPerClient caps how many rooms one socket may join.
const maxRoomsPerClient = 100

// authzChecker decides room joins. Satisfied by *authz.Engine.
type authzChecker interface {
	CanViewRoom(ctx context.Context, callerID, roomKey string) (bool, error)
}

// Broker tracks which clients are in which rooms and fans events out to
// them. All map access is guarded by mu; actual socket writes happen in each
// client's write pump, so holding mu never blocks on a slow peer.
type Broker struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Client]bool
	clientRooms map[*Client]map[string]bool

	authz authzChecker

	authzTimeout time.Duration
}

// NewBroker creates a broker that consults checker on every join.
func NewBroker(checker authzChecker) *Broker {
	return &Broker{
		rooms:        make(map[string]map[*Client]bool),
		clientRooms:  make(map[*Client]map[string]bool),
		authz:        checker,
		authzTimeout: 5 * time.Second,
	}
}

// register adds a connected client with no room memberships yet.
func (b *Broker) register(c *Client) {
	b.mu.Lock()
	b.clientRooms[c] = make(map[string]bool)
	b.mu.Unlock()
	log.Debug().Str("socketId", c.SocketID).Str("userId", c.UserID).Msg("presence client connected")
}

// disconnect removes the client from every room, announcing user:left to
// each, and closes its send channel.
func (b *Broker) disconnect(c *Client) {
	b.mu.Lock()
	joined := b.clientRooms[c]
	delete(b.clientRooms, c)
	for room := range joined {
		b.removeFromRoomLocked(c, room)
	}
	b.mu.Unlock()

	for room := range joined {
		b.announce(room, "user:left", c)
	}
	c.close()
	log.Debug().Str("socketId", c.SocketID).Str("userId", c.UserID).Msg("presence client disconnected")
}

// route dispatches one inbound frame. Unknown types are ignored.
func (b *Broker) route(c *Client, f Frame) {
	switch f.Type {
	case "join":
		b.join(c, f.Room)
	case "leave":
		b.leave(c, f.Room)
	case "typing", "focus", "cursor":
		b.relay(c, f)
	default:
		// ignore
	}
}

// join adds the client to a room after an authorization check. Denied joins
// get an unauthorized frame and no membership.
func (b *Broker) join(c *Client, room string) {
	if room == "" {
		return
	}

	b.mu.RLock()
	joined := len(b.clientRooms[c])
	already := b.clientRooms[c][room]
	b.mu.RUnlock()
	if already {
		return
	}
	if joined >= maxRoomsPerClient {
		c.sendFrame(Frame{Type: "error", Room: room, Event: "room-limit"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.authzTimeout)
	ok, err := b.authz.CanViewRoom(ctx, c.UserID, room)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("room", room).Str("userId", c.UserID).Msg("presence join check failed")
		c.sendFrame(Frame{Type: "error", Room: room, Event: "internal"})
		return
	}
	if !ok {
		c.sendFrame(Frame{Type: "unauthorized", Room: room})
		return
	}

	b.mu.Lock()
	if b.clientRooms[c] == nil {
		// disconnected while the check ran
		b.mu.Unlock()
		return
	}
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[*Client]bool)
	}
	b.rooms[room][c] = true
	b.clientRooms[c][room] = true
	b.mu.Unlock()

	b.announce(room, "user:joined", c)
}

// leave drops one membership and announces user:left.
func (b *Broker) leave(c *Client, room string) {
	b.mu.Lock()
	was := b.clientRooms[c][room]
	if was {
		delete(b.clientRooms[c], room)
		b.removeFromRoomLocked(c, room)
	}
	b.mu.Unlock()

	if was {
		b.announce(room, "user:left", c)
	}
}

func (b *Broker) removeFromRoomLocked(c *Client, room string) {
	if members := b.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

// relay forwards an ephemeral frame (typing, focus, cursor) to the other
// members of a room the sender has joined. Never persisted, never echoed.
func (b *Broker) relay(c *Client, f Frame) {
	b.mu.RLock()
	member := b.clientRooms[c][f.Room]
	b.mu.RUnlock()
	if !member {
		return
	}

	out := Frame{Type: "event", Room: f.Room, Event: f.Type, Payload: f.Payload}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	b.mu.RLock()
	for member := range b.rooms[f.Room] {
		if member == c {
			continue
		}
		member.enqueue(data)
	}
	b.mu.RUnlock()
}

// announce broadcasts a membership event to everyone else in the room.
func (b *Broker) announce(room, event string, c *Client) {
	payload, _ := json.Marshal(map[string]string{"userId": c.UserID})
	data, err := json.Marshal(Frame{Type: "event", Room: room, Event: event, Payload: payload})
	if err != nil {
		return
	}
	b.mu.RLock()
	for member := range b.rooms[room] {
		if member == c {
			continue
		}
		member.enqueue(data)
	}
	b.mu.RUnlock()
}

// Publish fans an event to every socket in the room, in enqueue order.
func (b *Broker) Publish(room, event string, payload any) {
	b.PublishExcept(room, event, payload, "")
}

// PublishExcept fans an event to every socket in the room except those
// owned by exceptUserID, and reports how many sockets accepted the frame.
// Chat uses the count to derive delivered status.
func (b *Broker) PublishExcept(room, event string, payload any, exceptUserID string) int {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("room", room).Str("event", event).Msg("presence payload marshal failed")
		return 0
	}
	data, err := json.Marshal(Frame{Type: "event", Room: room, Event: event, Payload: body})
	if err != nil {
		return 0
	}

	b.mu.RLock()
	members := make([]*Client, 0, len(b.rooms[room]))
	for member := range b.rooms[room] {
		if exceptUserID != "" && member.UserID == exceptUserID {
			continue
		}
		members = append(members, member)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, member := range members {
		if member.enqueue(data) {
			delivered++
		}
	}
	return delivered
}

// RoomSize reports the current member count of a room.
func (b *Broker) RoomSize(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Shutdown closes every connected client.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clientRooms))
	for c := range b.clientRooms {
		clients = append(clients, c)
	}
	b.rooms = make(map[string]map[*Client]bool)
	b.clientRooms = make(map[*Client]map[string]bool)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	log.Info().Int("clients", len(clients)).Msg("presence broker shut down")
}
