// Package room implements the per-room domain engine: membership, host
// election, chart selection, the ready/play/results state machine, access
// lists, the chat event ring, and cycle mode.
//
// Each room is a single-writer actor. Every mutation and snapshot read is a
// task posted into a bounded mailbox and executed by the room's own
// goroutine, so all mutations on one room linearise in a single total order
// and every observer sees events in that order. Tasks never block on I/O:
// outbound delivery is enqueue-only through the Gateway.
package room

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/metrics"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Gateway connects room actors to the transport and observer planes. All
// methods must be non-blocking; implementations enqueue and drop rather than
// stall the actor.
type Gateway interface {
	// SendTo delivers one frame to the user's live session, if any.
	SendTo(userID int32, msg protocol.Message)
	// Disconnect terminates the user's session after flushing a Kicked frame.
	Disconnect(userID int32, code protocol.ErrorCode, reason string)
	// UserLeftRoom clears the user's room binding on their session.
	UserLeftRoom(userID int32, roomID string)
	// RoomsChanged marks the observer room list dirty.
	RoomsChanged()
}

const (
	chatBufferBound = 100
	mailboxCap      = 64
)

type task struct {
	fn   func()
	done chan struct{}
}

type member struct {
	user   protocol.User
	order  int
	ready  bool
	online bool
}

// rosterEntry is one participant of the current game instance. The roster is
// fixed at game start; members who leave mid-game stay in the roster so the
// final ranking accounts for everyone who started.
type rosterEntry struct {
	user        protocol.User
	order       int
	score       *protocol.ScoreRecord
	submittedAt time.Time
	aborted     bool
}

func (e *rosterEntry) settled() bool { return e.score != nil || e.aborted }

// Room is one coordination group. All fields below mailbox are owned by the
// actor goroutine and must only be touched from inside tasks.
type Room struct {
	id string
	gw Gateway

	mailbox chan task
	stopped chan struct{}

	// registry callbacks
	onUserLeft func(userID int32)
	onDestroy  func()

	// actor-owned state
	name        string
	state       protocol.RoomState
	capacity    uint8
	hostID      int32
	locked      bool
	cycle       bool
	members     []*member
	blacklist   set.Set[int32]
	whitelist   set.Set[int32]
	chart       *protocol.Chart
	lastChart   *protocol.Chart
	events      []protocol.Event
	roster      []*rosterEntry
	results     []protocol.GameResult
	graceTimers map[int32]*time.Timer
	grace       time.Duration
	joinSeq     int
	destroyed   bool
	now         func() time.Time
}

func newRoom(id, name string, capacity uint8, grace time.Duration, gw Gateway, onUserLeft func(int32), onDestroy func()) *Room {
	return &Room{
		id:          id,
		gw:          gw,
		mailbox:     make(chan task, mailboxCap),
		stopped:     make(chan struct{}),
		onUserLeft:  onUserLeft,
		onDestroy:   onDestroy,
		name:        name,
		state:       protocol.StateSelecting,
		capacity:    capacity,
		blacklist:   set.New[int32](),
		whitelist:   set.New[int32](),
		graceTimers: make(map[int32]*time.Timer),
		grace:       grace,
		now:         time.Now,
	}
}

// ID returns the room's opaque id.
func (r *Room) ID() string { return r.id }

// --- actor plumbing ---

func (r *Room) run() {
	for {
		select {
		case t := <-r.mailbox:
			r.exec(t)
		case <-r.stopped:
			// Drain: fail queued tasks so no caller hangs. Submission is
			// rejected once stopped is closed, so the mailbox empties.
			for {
				select {
				case t := <-r.mailbox:
					r.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) exec(t task) {
	defer close(t.done)
	defer func() {
		if p := recover(); p != nil {
			r.contain(p)
		}
	}()
	t.fn()
}

// contain handles a panic inside a room task: members are forcibly
// disconnected with a reconnect hint and the room is destroyed.
func (r *Room) contain(p any) {
	logging.Error(context.Background(), "room task panicked",
		zap.String("room_id", r.id), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))

	for _, m := range r.members {
		r.gw.Disconnect(m.user.ID, protocol.CodeInternal, "room failure, please reconnect")
		r.onUserLeft(m.user.ID)
	}
	r.members = nil
	r.destroy()
}

// do posts fn to the actor and waits for completion (or ctx expiry; the task
// still runs in that case, its effects are simply unobserved by the caller).
func (r *Room) do(ctx context.Context, fn func()) error {
	closedErr := func() error {
		return protocol.Errf(protocol.CodeRoomNotFound, "room %s is closed", r.id)
	}

	t := task{fn: fn, done: make(chan struct{})}
	select {
	case r.mailbox <- t:
	case <-r.stopped:
		return closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-r.stopped:
		// The drain executes (or discards) queued tasks; settle either way.
		select {
		case <-t.done:
			return nil
		default:
			return closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call posts fn and returns its error, translating a closed room into
// ROOM_NOT_FOUND at the boundary.
func (r *Room) call(ctx context.Context, fn func() error) error {
	var opErr error
	if err := r.do(ctx, func() {
		if r.destroyed {
			opErr = protocol.Errf(protocol.CodeRoomNotFound, "room %s is closed", r.id)
			return
		}
		opErr = fn()
	}); err != nil {
		return err
	}
	return opErr
}

func (r *Room) destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	for _, timer := range r.graceTimers {
		timer.Stop()
	}
	close(r.stopped)
	r.onDestroy()
	r.gw.RoomsChanged()
}

// --- events and fan-out ---

func (r *Room) emit(e protocol.Event) {
	e.Time = r.now()
	r.events = append(r.events, e)
	if len(r.events) > chatBufferBound {
		r.events = r.events[len(r.events)-chatBufferBound:]
	}
	for _, m := range r.members {
		if m.online {
			r.gw.SendTo(m.user.ID, protocol.ChatEvent{Event: e})
		}
	}
}

func (r *Room) broadcast(msg protocol.Message) {
	for _, m := range r.members {
		if m.online {
			r.gw.SendTo(m.user.ID, msg)
		}
	}
}

func (r *Room) broadcastState() {
	snap := r.snapshot()
	for _, m := range r.members {
		if m.online {
			r.gw.SendTo(m.user.ID, protocol.RoomStateUpdate{Snapshot: snap})
		}
	}
	r.gw.RoomsChanged()
}

func (r *Room) snapshot() protocol.RoomSnapshot {
	snap := protocol.RoomSnapshot{
		ID:        r.id,
		Name:      r.name,
		State:     r.state,
		HostID:    r.hostID,
		Capacity:  r.capacity,
		Locked:    r.locked,
		Cycle:     r.cycle,
		Chart:     r.chart,
		LastChart: r.lastChart,
		Members:   make([]protocol.MemberInfo, 0, len(r.members)),
		Events:    append([]protocol.Event(nil), r.events...),
		Results:   append([]protocol.GameResult(nil), r.results...),
	}
	for _, m := range r.members {
		snap.Members = append(snap.Members, protocol.MemberInfo{
			ID:     m.user.ID,
			Name:   m.user.Name,
			Avatar: m.user.Avatar,
			Ready:  m.ready,
			Online: m.online,
		})
	}
	return snap
}

func (r *Room) digest() protocol.RoomDigest {
	return protocol.RoomDigest{
		ID:       r.id,
		Name:     r.name,
		Players:  len(r.members),
		Capacity: r.capacity,
		Locked:   r.locked,
		State:    r.state,
	}
}

func (r *Room) findMember(userID int32) *member {
	for _, m := range r.members {
		if m.user.ID == userID {
			return m
		}
	}
	return nil
}

func (r *Room) findRoster(userID int32) *rosterEntry {
	for _, e := range r.roster {
		if e.user.ID == userID {
			return e
		}
	}
	return nil
}

// --- membership ---

// Join adds the user (or resumes their membership after a reconnect) and
// returns the post-join snapshot for the client's catch-up.
func (r *Room) Join(ctx context.Context, user protocol.User) (protocol.RoomSnapshot, error) {
	return r.joinAs(ctx, user, false)
}

func (r *Room) joinAs(ctx context.Context, user protocol.User, created bool) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.call(ctx, func() error {
		if m := r.findMember(user.ID); m != nil {
			// Membership resume after reconnect.
			if timer, ok := r.graceTimers[user.ID]; ok {
				timer.Stop()
				delete(r.graceTimers, user.ID)
			}
			m.online = true
			snap = r.snapshot()
			r.broadcastState()
			return nil
		}

		if !created {
			switch r.state {
			case protocol.StateSelecting, protocol.StateWaitingForReady:
			default:
				return protocol.Errf(protocol.CodeRoomWrongState, "room %s is %s", r.id, r.state)
			}
			if r.blacklist.Has(user.ID) {
				return protocol.Errf(protocol.CodeRoomBlacklisted, "user %d is blacklisted from room %s", user.ID, r.id)
			}
			if r.locked && !r.whitelist.Has(user.ID) {
				return protocol.Errf(protocol.CodeRoomLocked, "room %s is locked", r.id)
			}
			if len(r.members) >= int(r.capacity) {
				return protocol.Errf(protocol.CodeRoomFull, "room %s is full", r.id)
			}
		}

		r.joinSeq++
		m := &member{user: user, order: r.joinSeq, online: true}
		r.members = append(r.members, m)
		if created {
			r.hostID = user.ID
			r.emit(protocol.Event{Kind: protocol.EventCreateRoom, UserID: user.ID, UserName: user.Name, Text: r.name})
		} else {
			r.emit(protocol.Event{Kind: protocol.EventJoinRoom, UserID: user.ID, UserName: user.Name})
		}
		snap = r.snapshot()
		r.broadcastState()
		return nil
	})
	return snap, err
}

// Leave processes an explicit LeaveRoom. While Playing it records an Abort
// and keeps the membership (the player returns to the room screen); in every
// other state it removes the member.
func (r *Room) Leave(ctx context.Context, userID int32) error {
	return r.call(ctx, func() error {
		m := r.findMember(userID)
		if m == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in room %s", userID, r.id)
		}
		if r.state == protocol.StatePlaying {
			if e := r.findRoster(userID); e != nil && !e.settled() {
				r.abortEntry(e)
				r.checkGameComplete()
				r.broadcastState()
				return nil
			}
		}
		r.removeMember(m, true)
		return nil
	})
}

// Disconnected handles a dropped transport. In Playing the member goes
// offline and gets a reconnect grace window; elsewhere it is a leave.
func (r *Room) Disconnected(userID int32) {
	_ = r.call(context.Background(), func() error {
		m := r.findMember(userID)
		if m == nil {
			return nil
		}
		if r.state == protocol.StatePlaying && r.grace > 0 {
			if e := r.findRoster(userID); e != nil && !e.settled() {
				m.online = false
				m.ready = false
				r.graceTimers[userID] = time.AfterFunc(r.grace, func() {
					_ = r.call(context.Background(), func() error {
						r.graceExpired(userID)
						return nil
					})
				})
				r.broadcastState()
				return nil
			}
		}
		r.removeMember(m, true)
		return nil
	})
}

func (r *Room) graceExpired(userID int32) {
	delete(r.graceTimers, userID)
	m := r.findMember(userID)
	if m == nil || m.online {
		return
	}
	if e := r.findRoster(userID); e != nil && !e.settled() {
		r.abortEntry(e)
	}
	r.removeMember(m, false)
	r.checkGameComplete()
}

// removeMember drops m from the member list, migrates the host, fires the
// all-ready check, and destroys the room when it empties.
func (r *Room) removeMember(m *member, checkGame bool) {
	if timer, ok := r.graceTimers[m.user.ID]; ok {
		timer.Stop()
		delete(r.graceTimers, m.user.ID)
	}

	idx := -1
	for i, other := range r.members {
		if other == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	r.emit(protocol.Event{Kind: protocol.EventLeaveRoom, UserID: m.user.ID, UserName: m.user.Name})
	r.onUserLeft(m.user.ID)

	if len(r.members) == 0 {
		r.destroy()
		return
	}

	if r.hostID == m.user.ID {
		next := r.members[0]
		for _, cand := range r.members[1:] {
			if cand.order < next.order {
				next = cand
			}
		}
		r.hostID = next.user.ID
		r.emit(protocol.Event{Kind: protocol.EventNewHost, UserID: next.user.ID, UserName: next.user.Name})
	}

	switch r.state {
	case protocol.StateWaitingForReady:
		r.checkAllReady()
	case protocol.StatePlaying:
		if checkGame {
			r.checkGameComplete()
		}
	}
	r.broadcastState()
}

// --- chart / ready / play ---

// SelectChart replaces the selected chart. Host only; permitted while
// Selecting, or in Results as the "next chart" edge back to Selecting.
func (r *Room) SelectChart(ctx context.Context, userID int32, chart protocol.Chart) error {
	return r.call(ctx, func() error {
		if userID != r.hostID {
			return protocol.Errf(protocol.CodeNotHost, "user %d is not the host of room %s", userID, r.id)
		}
		switch r.state {
		case protocol.StateSelecting:
		case protocol.StateResults:
			r.lastChart = r.chart
			r.results = nil
			r.state = protocol.StateSelecting
		default:
			return protocol.Errf(protocol.CodeRoomWrongState, "cannot select chart while %s", r.state)
		}
		c := chart
		r.chart = &c
		for _, m := range r.members {
			m.ready = false
		}
		host := r.findMember(userID)
		r.emit(protocol.Event{Kind: protocol.EventSelectChart, UserID: userID, UserName: host.user.Name, Text: chart.Name})
		r.broadcastState()
		return nil
	})
}

// Ready marks the member ready. The host's Ready while Selecting doubles as
// "start game" and moves the room to WaitingForReady.
func (r *Room) Ready(ctx context.Context, userID int32) error {
	return r.call(ctx, func() error {
		m := r.findMember(userID)
		if m == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in room %s", userID, r.id)
		}
		switch r.state {
		case protocol.StateSelecting:
			if userID != r.hostID {
				return protocol.Errf(protocol.CodeRoomWrongState, "waiting for the host to start")
			}
			if r.chart == nil {
				return protocol.Errf(protocol.CodeRoomWrongState, "no chart selected")
			}
			r.state = protocol.StateWaitingForReady
		case protocol.StateWaitingForReady:
		default:
			return protocol.Errf(protocol.CodeRoomWrongState, "cannot ready while %s", r.state)
		}
		if !m.ready {
			m.ready = true
			r.emit(protocol.Event{Kind: protocol.EventReady, UserID: userID, UserName: m.user.Name})
		}
		r.checkAllReady()
		r.broadcastState()
		return nil
	})
}

// CancelReady clears the member's ready flag. The host cancelling aborts the
// ready phase for everyone and returns the room to Selecting.
func (r *Room) CancelReady(ctx context.Context, userID int32) error {
	return r.call(ctx, func() error {
		m := r.findMember(userID)
		if m == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in room %s", userID, r.id)
		}
		if r.state != protocol.StateWaitingForReady {
			return protocol.Errf(protocol.CodeRoomWrongState, "cannot cancel ready while %s", r.state)
		}
		if userID == r.hostID {
			for _, other := range r.members {
				other.ready = false
			}
			r.state = protocol.StateSelecting
			r.emit(protocol.Event{Kind: protocol.EventCancelGame, UserID: userID, UserName: m.user.Name})
		} else if m.ready {
			m.ready = false
			r.emit(protocol.Event{Kind: protocol.EventCancelReady, UserID: userID, UserName: m.user.Name})
		}
		r.broadcastState()
		return nil
	})
}

func (r *Room) checkAllReady() {
	if r.state != protocol.StateWaitingForReady || len(r.members) == 0 {
		return
	}
	for _, m := range r.members {
		if !m.ready {
			return
		}
	}
	r.startPlaying()
}

func (r *Room) startPlaying() {
	r.state = protocol.StatePlaying
	r.results = nil
	r.roster = r.roster[:0]
	for _, m := range r.members {
		r.roster = append(r.roster, &rosterEntry{user: m.user, order: m.order})
	}
	r.emit(protocol.Event{Kind: protocol.EventStartPlaying})
	r.broadcast(protocol.StartPlaying{Chart: *r.chart})
}

// SubmitScore records the member's result for the current game instance.
// The first submission per user wins; later ones are ignored.
func (r *Room) SubmitScore(ctx context.Context, userID int32, rec protocol.ScoreRecord) error {
	return r.call(ctx, func() error {
		if r.state != protocol.StatePlaying {
			return protocol.Errf(protocol.CodeRoomWrongState, "no game in progress")
		}
		e := r.findRoster(userID)
		if e == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not playing in room %s", userID, r.id)
		}
		if e.settled() {
			// First submission wins.
			return nil
		}
		score := rec
		e.score = &score
		e.submittedAt = r.now()
		r.emit(protocol.Event{
			Kind:     protocol.EventPlayed,
			UserID:   userID,
			UserName: e.user.Name,
			Score:    rec.Score,
			Accuracy: rec.Accuracy,
		})
		r.checkGameComplete()
		r.broadcastState()
		return nil
	})
}

func (r *Room) abortEntry(e *rosterEntry) {
	e.aborted = true
	r.emit(protocol.Event{Kind: protocol.EventAbort, UserID: e.user.ID, UserName: e.user.Name})
}

func (r *Room) checkGameComplete() {
	if r.state != protocol.StatePlaying {
		return
	}
	for _, e := range r.roster {
		if !e.settled() {
			return
		}
	}
	r.finishGame()
}

// finishGame ranks the roster (score desc, accuracy desc, submission time
// asc; aborted entries last in join order) and moves to Results, or straight
// back to Selecting with a rotated host in cycle mode.
func (r *Room) finishGame() {
	submitted := make([]*rosterEntry, 0, len(r.roster))
	aborted := make([]*rosterEntry, 0)
	for _, e := range r.roster {
		if e.score != nil {
			submitted = append(submitted, e)
		} else {
			aborted = append(aborted, e)
		}
	}
	sort.SliceStable(submitted, func(i, j int) bool {
		a, b := submitted[i], submitted[j]
		if a.score.Score != b.score.Score {
			return a.score.Score > b.score.Score
		}
		if a.score.Accuracy != b.score.Accuracy {
			return a.score.Accuracy > b.score.Accuracy
		}
		return a.submittedAt.Before(b.submittedAt)
	})
	sort.SliceStable(aborted, func(i, j int) bool {
		return aborted[i].order < aborted[j].order
	})

	r.results = make([]protocol.GameResult, 0, len(r.roster))
	for _, e := range submitted {
		r.results = append(r.results, protocol.GameResult{UserID: e.user.ID, UserName: e.user.Name, Score: *e.score})
	}
	for _, e := range aborted {
		r.results = append(r.results, protocol.GameResult{UserID: e.user.ID, UserName: e.user.Name, Aborted: true})
	}

	r.state = protocol.StateResults
	r.roster = nil
	r.emit(protocol.Event{Kind: protocol.EventGameEnd})
	r.broadcast(protocol.GameEnd{Results: append([]protocol.GameResult(nil), r.results...)})
	metrics.GamesFinishedTotal.Inc()

	if r.cycle {
		r.cycleAdvance()
	}
}

// cycleAdvance auto-returns a cycle-mode room to Selecting: the selected
// chart becomes lastChart and the host rotates to the next member in join
// order among the members present at results time.
func (r *Room) cycleAdvance() {
	r.lastChart = r.chart
	r.chart = nil
	for _, m := range r.members {
		m.ready = false
	}
	r.state = protocol.StateSelecting

	if len(r.members) > 0 {
		ordered := append([]*member(nil), r.members...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
		next := ordered[0]
		for i, m := range ordered {
			if m.user.ID == r.hostID {
				next = ordered[(i+1)%len(ordered)]
				break
			}
		}
		if next.user.ID != r.hostID {
			r.hostID = next.user.ID
			r.emit(protocol.Event{Kind: protocol.EventNewHost, UserID: next.user.ID, UserName: next.user.Name})
		}
	}
}

// --- chat ---

// Chat appends a chat line from a member to the room's event ring.
func (r *Room) Chat(ctx context.Context, userID int32, text string) error {
	return r.call(ctx, func() error {
		m := r.findMember(userID)
		if m == nil {
			return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in room %s", userID, r.id)
		}
		r.emit(protocol.Event{Kind: protocol.EventChat, UserID: userID, UserName: m.user.Name, Text: text})
		return nil
	})
}

// --- snapshots ---

// Snapshot returns the full room projection.
func (r *Room) Snapshot(ctx context.Context) (protocol.RoomSnapshot, error) {
	var snap protocol.RoomSnapshot
	err := r.call(ctx, func() error {
		snap = r.snapshot()
		return nil
	})
	return snap, err
}

// Digest returns the observer room-list entry.
func (r *Room) Digest(ctx context.Context) (protocol.RoomDigest, error) {
	var d protocol.RoomDigest
	err := r.call(ctx, func() error {
		d = r.digest()
		return nil
	})
	return d, err
}

func (r *Room) String() string {
	return fmt.Sprintf("room(%s)", r.id)
}
