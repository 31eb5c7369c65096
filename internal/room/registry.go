package room

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/metrics"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Room ids avoid 0/O/1/I lookalikes and compare case-insensitively.
const (
	idAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	idLength   = 4
)

// Options tunes room construction.
type Options struct {
	DefaultCapacity uint8
	ReconnectGrace  time.Duration
}

// Registry owns the id->room table and the one-room-per-user invariant. Its
// mutex is never held while waiting on a room actor: joins reserve the user
// slot, release the lock, run the room-side admission, then commit or roll
// the reservation back.
type Registry struct {
	mu    sync.Mutex
	gw    Gateway
	opts  Options
	rooms map[string]*Room
	users map[int32]string // room id, or "" while a join is in flight
}

// NewRegistry builds an empty registry fanning out through gw.
func NewRegistry(gw Gateway, opts Options) *Registry {
	if opts.DefaultCapacity == 0 {
		opts.DefaultCapacity = 8
	}
	return &Registry{
		gw:    gw,
		opts:  opts,
		rooms: make(map[string]*Room),
		users: make(map[int32]string),
	}
}

// Create allocates a fresh room with host as its first member and returns
// the room plus the host's catch-up snapshot. A zero capacity means the
// configured default.
func (reg *Registry) Create(ctx context.Context, host protocol.User, name string, capacity uint8) (*Room, protocol.RoomSnapshot, error) {
	if capacity == 0 {
		capacity = reg.opts.DefaultCapacity
	}
	reg.mu.Lock()
	if _, busy := reg.users[host.ID]; busy {
		reg.mu.Unlock()
		return nil, protocol.RoomSnapshot{}, protocol.Errf(protocol.CodeAlreadyInRoom, "user %d is already in a room", host.ID)
	}
	id := reg.allocID()
	r := newRoom(id, name, capacity, reg.opts.ReconnectGrace, reg.gw,
		func(userID int32) { reg.noteLeft(userID, id) },
		func() { reg.remove(id) },
	)
	reg.rooms[id] = r
	reg.users[host.ID] = id
	reg.mu.Unlock()

	go r.run()
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room created",
		zap.String("room_id", id), zap.Int32("host_id", host.ID), zap.String("name", name))

	snap, err := r.joinAs(ctx, host, true)
	if err != nil {
		// Should not happen for a fresh room; roll back to stay consistent.
		reg.mu.Lock()
		delete(reg.users, host.ID)
		delete(reg.rooms, id)
		reg.mu.Unlock()
		metrics.ActiveRooms.Dec()
		return nil, protocol.RoomSnapshot{}, err
	}
	reg.gw.RoomsChanged()
	return r, snap, nil
}

// Join adds the user to the identified room, enforcing one room per user. A
// rejoin of the user's own room resumes their membership.
func (reg *Registry) Join(ctx context.Context, roomID string, user protocol.User) (*Room, protocol.RoomSnapshot, error) {
	id := NormalizeID(roomID)

	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if !ok {
		reg.mu.Unlock()
		return nil, protocol.RoomSnapshot{}, protocol.Errf(protocol.CodeRoomNotFound, "room %s not found", id)
	}
	current, bound := reg.users[user.ID]
	resuming := bound && current == id
	if bound && !resuming {
		reg.mu.Unlock()
		return nil, protocol.RoomSnapshot{}, protocol.Errf(protocol.CodeAlreadyInRoom, "user %d is already in a room", user.ID)
	}
	if !bound {
		reg.users[user.ID] = "" // reservation
	}
	reg.mu.Unlock()

	snap, err := r.Join(ctx, user)

	reg.mu.Lock()
	if err != nil {
		if !resuming {
			delete(reg.users, user.ID)
		}
		reg.mu.Unlock()
		return nil, protocol.RoomSnapshot{}, err
	}
	reg.users[user.ID] = id
	reg.mu.Unlock()
	return r, snap, nil
}

// Lookup resolves a room id (case-insensitive).
func (reg *Registry) Lookup(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[NormalizeID(roomID)]
	return r, ok
}

// ByUser resolves the room the user currently belongs to, if any.
func (reg *Registry) ByUser(userID int32) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	id, ok := reg.users[userID]
	if !ok || id == "" {
		return nil, false
	}
	r, ok := reg.rooms[id]
	return r, ok
}

// Rooms returns all live rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Count reports the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Digests collects the observer room list.
func (reg *Registry) Digests(ctx context.Context) []protocol.RoomDigest {
	rooms := reg.Rooms()
	out := make([]protocol.RoomDigest, 0, len(rooms))
	for _, r := range rooms {
		d, err := r.Digest(ctx)
		if err != nil {
			continue // room closed under us
		}
		out = append(out, d)
	}
	return out
}

// Shutdown closes every room, evicting members with reason.
func (reg *Registry) Shutdown(ctx context.Context, reason string) {
	for _, r := range reg.Rooms() {
		_ = r.Close(ctx, reason)
	}
}

func (reg *Registry) noteLeft(userID int32, roomID string) {
	reg.mu.Lock()
	if reg.users[userID] == roomID {
		delete(reg.users, userID)
	}
	reg.mu.Unlock()
	reg.gw.UserLeftRoom(userID, roomID)
}

func (reg *Registry) remove(roomID string) {
	reg.mu.Lock()
	_, ok := reg.rooms[roomID]
	delete(reg.rooms, roomID)
	reg.mu.Unlock()
	if ok {
		metrics.ActiveRooms.Dec()
		logging.Info(context.Background(), "room destroyed", zap.String("room_id", roomID))
	}
}

// allocID picks an unused id. Caller holds reg.mu.
func (reg *Registry) allocID() string {
	buf := make([]byte, idLength)
	for {
		for i := range buf {
			buf[i] = idAlphabet[rand.Intn(len(idAlphabet))]
		}
		id := string(buf)
		if _, taken := reg.rooms[id]; !taken {
			return id
		}
	}
}

// NormalizeID maps a client-supplied room id to its canonical form.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
