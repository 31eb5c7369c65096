package room

import (
	"context"
	"sort"

	"k8s.io/utils/set"

	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// ForceStart starts the game regardless of ready quorum. Valid from
// WaitingForReady, or from Selecting once a chart is picked.
func (r *Room) ForceStart(ctx context.Context) error {
	return r.call(ctx, func() error {
		switch r.state {
		case protocol.StateSelecting, protocol.StateWaitingForReady:
		default:
			return protocol.Errf(protocol.CodeRoomWrongState, "cannot force-start while %s", r.state)
		}
		if r.chart == nil {
			return protocol.Errf(protocol.CodeRoomWrongState, "no chart selected")
		}
		r.emit(protocol.Event{Kind: protocol.EventGameStart})
		r.startPlaying()
		r.broadcastState()
		return nil
	})
}

// ToggleLock flips the locked flag and returns the new value.
func (r *Room) ToggleLock(ctx context.Context) (bool, error) {
	var locked bool
	err := r.call(ctx, func() error {
		r.locked = !r.locked
		locked = r.locked
		text := "off"
		if locked {
			text = "on"
		}
		r.emit(protocol.Event{Kind: protocol.EventLockRoom, Text: text})
		r.broadcastState()
		return nil
	})
	return locked, err
}

// ToggleCycle flips cycle mode and returns the new value.
func (r *Room) ToggleCycle(ctx context.Context) (bool, error) {
	var cycle bool
	err := r.call(ctx, func() error {
		r.cycle = !r.cycle
		cycle = r.cycle
		text := "off"
		if cycle {
			text = "on"
		}
		r.emit(protocol.Event{Kind: protocol.EventCycleRoom, Text: text})
		r.broadcastState()
		return nil
	})
	return cycle, err
}

// SetCapacity changes the member cap. Shrinking below the current headcount
// is allowed; nobody is evicted, new joins are simply refused until the room
// drains.
func (r *Room) SetCapacity(ctx context.Context, n uint8) error {
	return r.call(ctx, func() error {
		if n == 0 {
			return protocol.Errf(protocol.CodeProtocolViolation, "capacity must be positive")
		}
		r.capacity = n
		r.broadcastState()
		return nil
	})
}

// Kick removes the member and terminates their session.
func (r *Room) Kick(ctx context.Context, userID int32, reason string) error {
	return r.call(ctx, func() error {
		m := r.findMember(userID)
		if m == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in room %s", userID, r.id)
		}
		if r.state == protocol.StatePlaying {
			if e := r.findRoster(userID); e != nil && !e.settled() {
				r.abortEntry(e)
			}
		}
		r.gw.SendTo(userID, protocol.Kicked{Code: protocol.CodeUnauthorized, Reason: reason})
		r.removeMember(m, true)
		r.gw.Disconnect(userID, protocol.CodeUnauthorized, reason)
		return nil
	})
}

// SetBlacklist replaces the room blacklist. Members matching the new list are
// removed immediately.
func (r *Room) SetBlacklist(ctx context.Context, ids []int32) error {
	return r.call(ctx, func() error {
		r.blacklist = set.New(ids...)

		var evict []*member
		for _, m := range r.members {
			if r.blacklist.Has(m.user.ID) {
				evict = append(evict, m)
			}
		}
		for _, m := range evict {
			if r.state == protocol.StatePlaying {
				if e := r.findRoster(m.user.ID); e != nil && !e.settled() {
					r.abortEntry(e)
				}
			}
			r.gw.SendTo(m.user.ID, protocol.Kicked{Code: protocol.CodeRoomBlacklisted, Reason: "blacklisted"})
			r.removeMember(m, true)
		}
		if len(evict) == 0 {
			r.broadcastState()
		}
		return nil
	})
}

// Blacklist returns the blacklist in ascending id order.
func (r *Room) Blacklist(ctx context.Context) ([]int32, error) {
	var ids []int32
	err := r.call(ctx, func() error {
		ids = r.blacklist.UnsortedList()
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// SetWhitelist replaces the lock bypass list. While locked, members no longer
// on the list are removed.
func (r *Room) SetWhitelist(ctx context.Context, ids []int32) error {
	return r.call(ctx, func() error {
		r.whitelist = set.New(ids...)

		if !r.locked {
			r.broadcastState()
			return nil
		}
		var evict []*member
		for _, m := range r.members {
			if !r.whitelist.Has(m.user.ID) {
				evict = append(evict, m)
			}
		}
		for _, m := range evict {
			if r.state == protocol.StatePlaying {
				if e := r.findRoster(m.user.ID); e != nil && !e.settled() {
					r.abortEntry(e)
				}
			}
			r.gw.SendTo(m.user.ID, protocol.Kicked{Code: protocol.CodeRoomLocked, Reason: "not on the room whitelist"})
			r.removeMember(m, true)
		}
		if len(evict) == 0 {
			r.broadcastState()
		}
		return nil
	})
}

// Whitelist returns the lock bypass list in ascending id order.
func (r *Room) Whitelist(ctx context.Context) ([]int32, error) {
	var ids []int32
	err := r.call(ctx, func() error {
		ids = r.whitelist.UnsortedList()
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// Close evicts everyone and destroys the room.
func (r *Room) Close(ctx context.Context, reason string) error {
	return r.call(ctx, func() error {
		for _, m := range append([]*member(nil), r.members...) {
			r.gw.SendTo(m.user.ID, protocol.Kicked{Code: protocol.CodeRoomNotFound, Reason: reason})
			r.onUserLeft(m.user.ID)
		}
		r.members = nil
		r.destroy()
		return nil
	})
}

// ServerMessage pushes an operator broadcast to all online members.
func (r *Room) ServerMessage(ctx context.Context, text string) error {
	return r.call(ctx, func() error {
		r.broadcast(protocol.ServerMessage{Text: text})
		return nil
	})
}
