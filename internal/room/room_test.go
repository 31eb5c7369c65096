package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/phira-community/phira-mp-server/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeGateway struct {
	mu          sync.Mutex
	frames      map[int32][]protocol.Message
	disconnects []int32
	left        []int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{frames: make(map[int32][]protocol.Message)}
}

func (g *fakeGateway) SendTo(userID int32, msg protocol.Message) {
	g.mu.Lock()
	g.frames[userID] = append(g.frames[userID], msg)
	g.mu.Unlock()
}

func (g *fakeGateway) Disconnect(userID int32, code protocol.ErrorCode, reason string) {
	g.mu.Lock()
	g.disconnects = append(g.disconnects, userID)
	g.mu.Unlock()
}

func (g *fakeGateway) UserLeftRoom(userID int32, roomID string) {
	g.mu.Lock()
	g.left = append(g.left, userID)
	g.mu.Unlock()
}

func (g *fakeGateway) RoomsChanged() {}

func (g *fakeGateway) framesFor(userID int32) []protocol.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.Message(nil), g.frames[userID]...)
}

func (g *fakeGateway) kicksFor(userID int32) int {
	n := 0
	for _, f := range g.framesFor(userID) {
		if _, ok := f.(protocol.Kicked); ok {
			n++
		}
	}
	return n
}

var (
	alice = protocol.User{ID: 100, Name: "Alice", Avatar: "a"}
	bob   = protocol.User{ID: 200, Name: "Bob", Avatar: "b"}
	carol = protocol.User{ID: 300, Name: "Carol", Avatar: "c"}
)

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	reg := NewRegistry(gw, opts)
	t.Cleanup(func() {
		reg.Shutdown(context.Background(), "test teardown")
	})
	return reg, gw
}

func eventKinds(events []protocol.Event) []protocol.EventKind {
	out := make([]protocol.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func requireCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	var de *protocol.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, code, de.Code, "got %v", err)
}

func testChart() protocol.Chart {
	return protocol.Chart{ID: "42", Name: "Rrhar'il", Level: "IN 15", Difficulty: 15.9, Charter: "someone"}
}

func TestFullGameFlow(t *testing.T) {
	ctx := context.Background()
	reg, gw := newTestRegistry(t, Options{DefaultCapacity: 8})

	r, snap, err := reg.Create(ctx, alice, "test room", 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSelecting, snap.State)
	assert.Equal(t, alice.ID, snap.HostID)
	assert.Len(t, r.ID(), idLength)

	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), carol)
	require.NoError(t, err)

	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))

	// The host's ready doubles as "start game".
	require.NoError(t, r.Ready(ctx, alice.ID))
	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateWaitingForReady, snap.State)

	require.NoError(t, r.Ready(ctx, bob.ID))
	require.NoError(t, r.Ready(ctx, carol.ID))

	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatePlaying, snap.State)

	for _, u := range []protocol.User{alice, bob, carol} {
		var got *protocol.StartPlaying
		for _, f := range gw.framesFor(u.ID) {
			if sp, ok := f.(protocol.StartPlaying); ok {
				got = &sp
			}
		}
		require.NotNil(t, got, "user %d did not receive the game start frame", u.ID)
		assert.Equal(t, "42", got.Chart.ID)
	}

	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 1_000_000, Accuracy: 1.0}))
	require.NoError(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{Score: 950_000, Accuracy: 0.98}))

	// Carol bails out mid-chart. That records an abort but keeps her in the
	// room, and it settles the game.
	require.NoError(t, r.Leave(ctx, carol.ID))

	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateResults, snap.State)
	require.Len(t, snap.Members, 3)
	require.Len(t, snap.Results, 3)
	assert.Equal(t, alice.ID, snap.Results[0].UserID)
	assert.Equal(t, bob.ID, snap.Results[1].UserID)
	assert.Equal(t, carol.ID, snap.Results[2].UserID)
	assert.True(t, snap.Results[2].Aborted)

	assert.Equal(t, []protocol.EventKind{
		protocol.EventCreateRoom,
		protocol.EventJoinRoom,
		protocol.EventJoinRoom,
		protocol.EventSelectChart,
		protocol.EventReady,
		protocol.EventReady,
		protocol.EventReady,
		protocol.EventStartPlaying,
		protocol.EventPlayed,
		protocol.EventPlayed,
		protocol.EventAbort,
		protocol.EventGameEnd,
	}, eventKinds(snap.Events))
}

func TestRankingOrder(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "ranked", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), carol)
	require.NoError(t, err)

	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))
	require.NoError(t, r.Ready(ctx, bob.ID))
	require.NoError(t, r.Ready(ctx, carol.ID))

	// Equal scores; accuracy breaks the tie.
	require.NoError(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{Score: 900_000, Accuracy: 0.95}))
	require.NoError(t, r.SubmitScore(ctx, carol.ID, protocol.ScoreRecord{Score: 900_000, Accuracy: 0.97}))
	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 800_000, Accuracy: 0.99}))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Results, 3)
	assert.Equal(t, carol.ID, snap.Results[0].UserID)
	assert.Equal(t, bob.ID, snap.Results[1].UserID)
	assert.Equal(t, alice.ID, snap.Results[2].UserID)
}

func TestDuplicateScoreIgnored(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "solo", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))
	require.NoError(t, r.Ready(ctx, bob.ID))

	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 500_000}))
	// Second submission is dropped, not an error.
	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 999_999}))
	require.NoError(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{Score: 100_000}))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(500_000), snap.Results[0].Score.Score)
}

func TestHostMigratesToEarliestJoined(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "migrate", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), carol)
	require.NoError(t, err)

	require.NoError(t, r.Leave(ctx, alice.ID))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, snap.HostID)

	kinds := eventKinds(snap.Events)
	assert.Equal(t, protocol.EventNewHost, kinds[len(kinds)-1])
	assert.Equal(t, bob.ID, snap.Events[len(snap.Events)-1].UserID)

	// Alice is free to join elsewhere.
	_, _, err = reg.Create(ctx, alice, "second", 0)
	require.NoError(t, err)
}

func TestLockAndWhitelist(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "locked", 0)
	require.NoError(t, err)

	locked, err := r.ToggleLock(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	_, _, err = reg.Join(ctx, r.ID(), protocol.User{ID: 600, Name: "Mallory"})
	requireCode(t, err, protocol.CodeRoomLocked)

	require.NoError(t, r.SetWhitelist(ctx, []int32{700, alice.ID}))
	_, _, err = reg.Join(ctx, r.ID(), protocol.User{ID: 700, Name: "Trent"})
	require.NoError(t, err)

	// Narrowing the whitelist while locked evicts non-listed members.
	require.NoError(t, r.SetWhitelist(ctx, []int32{alice.ID}))
	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, alice.ID, snap.Members[0].ID)
}

func TestBlacklistEvictsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg, gw := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "bl", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	require.NoError(t, r.SetBlacklist(ctx, []int32{bob.ID}))
	require.NoError(t, r.SetBlacklist(ctx, []int32{bob.ID}))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, 1, gw.kicksFor(bob.ID))

	_, _, err = reg.Join(ctx, r.ID(), bob)
	requireCode(t, err, protocol.CodeRoomBlacklisted)

	ids, err := r.Blacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int32{bob.ID}, ids)
}

func TestCycleModeRotatesHost(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "cycle", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	cycle, err := r.ToggleCycle(ctx)
	require.NoError(t, err)
	assert.True(t, cycle)

	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))
	require.NoError(t, r.Ready(ctx, bob.ID))
	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 1}))
	require.NoError(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{Score: 2}))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSelecting, snap.State)
	assert.Equal(t, bob.ID, snap.HostID)
	assert.Nil(t, snap.Chart)
	require.NotNil(t, snap.LastChart)
	assert.Equal(t, "42", snap.LastChart.ID)

	// Bob, now host, can pick the next chart.
	require.NoError(t, r.SelectChart(ctx, bob.ID, testChart()))
}

func TestJoinFullRoom(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "tiny", 2)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	_, _, err = reg.Join(ctx, r.ID(), carol)
	requireCode(t, err, protocol.CodeRoomFull)
}

func TestOneRoomPerUser(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r1, _, err := reg.Create(ctx, alice, "first", 0)
	require.NoError(t, err)
	r2, _, err := reg.Create(ctx, bob, "second", 0)
	require.NoError(t, err)

	_, _, err = reg.Join(ctx, r2.ID(), alice)
	requireCode(t, err, protocol.CodeAlreadyInRoom)

	_, _, err = reg.Create(ctx, alice, "third", 0)
	requireCode(t, err, protocol.CodeAlreadyInRoom)

	got, ok := reg.ByUser(alice.ID)
	require.True(t, ok)
	assert.Equal(t, r1.ID(), got.ID())
}

func TestCaseInsensitiveRoomID(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "case", 0)
	require.NoError(t, err)

	lower := ""
	for _, c := range r.ID() {
		lower += string(c | 0x20)
	}
	_, _, err = reg.Join(ctx, lower, bob)
	require.NoError(t, err)
}

func TestDisconnectGraceThenAbort(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{ReconnectGrace: 30 * time.Millisecond})

	r, _, err := reg.Create(ctx, alice, "grace", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))
	require.NoError(t, r.Ready(ctx, bob.ID))

	r.Disconnected(bob.ID)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 2)
	assert.False(t, snap.Members[1].Online)

	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 1}))

	assert.Eventually(t, func() bool {
		snap, err := r.Snapshot(ctx)
		if err != nil {
			return false
		}
		return snap.State == protocol.StateResults && len(snap.Members) == 1
	}, time.Second, 5*time.Millisecond)

	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Results, 2)
	assert.True(t, snap.Results[1].Aborted)
	assert.Equal(t, bob.ID, snap.Results[1].UserID)
}

func TestReconnectWithinGrace(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{ReconnectGrace: time.Minute})

	r, _, err := reg.Create(ctx, alice, "resume", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))
	require.NoError(t, r.Ready(ctx, bob.ID))

	r.Disconnected(bob.ID)

	// Re-join with the same identity resumes the membership.
	_, snap, err := reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatePlaying, snap.State)
	require.Len(t, snap.Members, 2)
	assert.True(t, snap.Members[1].Online)

	require.NoError(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{Score: 7}))
	require.NoError(t, r.SubmitScore(ctx, alice.ID, protocol.ScoreRecord{Score: 6}))

	snap, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateResults, snap.State)
	assert.False(t, snap.Results[0].Aborted)
}

func TestDisconnectOutsidePlayingLeaves(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{ReconnectGrace: time.Minute})

	r, _, err := reg.Create(ctx, alice, "dc", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	r.Disconnected(bob.ID)

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)

	_, ok := reg.ByUser(bob.ID)
	assert.False(t, ok)
}

func TestRoomDestroyedWhenEmpty(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "gone", 0)
	require.NoError(t, err)
	id := r.ID()
	require.NoError(t, r.Leave(ctx, alice.ID))

	_, ok := reg.Lookup(id)
	assert.False(t, ok)
	assert.Zero(t, reg.Count())

	err = r.Chat(ctx, alice.ID, "anyone home?")
	requireCode(t, err, protocol.CodeRoomNotFound)
}

func TestHostCancelAbortsReadyPhase(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "cancel", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)
	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.Ready(ctx, alice.ID))

	require.NoError(t, r.CancelReady(ctx, alice.ID))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StateSelecting, snap.State)
	for _, m := range snap.Members {
		assert.False(t, m.Ready)
	}
	kinds := eventKinds(snap.Events)
	assert.Equal(t, protocol.EventCancelGame, kinds[len(kinds)-1])
}

func TestForceStart(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "force", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	requireCode(t, r.ForceStart(ctx), protocol.CodeRoomWrongState)

	require.NoError(t, r.SelectChart(ctx, alice.ID, testChart()))
	require.NoError(t, r.ForceStart(ctx))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatePlaying, snap.State)
	kinds := eventKinds(snap.Events)
	assert.Contains(t, kinds, protocol.EventGameStart)
}

func TestWrongStateAndPermissionErrors(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "errs", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	requireCode(t, r.SelectChart(ctx, bob.ID, testChart()), protocol.CodeNotHost)
	requireCode(t, r.Ready(ctx, bob.ID), protocol.CodeRoomWrongState)
	requireCode(t, r.Ready(ctx, alice.ID), protocol.CodeRoomWrongState) // no chart yet
	requireCode(t, r.SubmitScore(ctx, bob.ID, protocol.ScoreRecord{}), protocol.CodeRoomWrongState)
	requireCode(t, r.CancelReady(ctx, bob.ID), protocol.CodeRoomWrongState)
	requireCode(t, r.Leave(ctx, carol.ID), protocol.CodeNotInRoom)
	requireCode(t, r.Chat(ctx, carol.ID, "hi"), protocol.CodeNotInRoom)
}

func TestChatRingIsBounded(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "chatty", 0)
	require.NoError(t, err)

	for i := 0; i < chatBufferBound+20; i++ {
		require.NoError(t, r.Chat(ctx, alice.ID, fmt.Sprintf("msg %d", i)))
	}

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Events, chatBufferBound)
	// The oldest entries (including the createRoom event) were trimmed.
	assert.Equal(t, protocol.EventChat, snap.Events[0].Kind)
	assert.Equal(t, "msg 119", snap.Events[len(snap.Events)-1].Text)
}

func TestKickTerminatesSession(t *testing.T) {
	ctx := context.Background()
	reg, gw := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "kick", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	require.NoError(t, r.Kick(ctx, bob.ID, "misconduct"))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, 1, gw.kicksFor(bob.ID))

	gw.mu.Lock()
	disconnected := append([]int32(nil), gw.disconnects...)
	gw.mu.Unlock()
	assert.Contains(t, disconnected, bob.ID)

	// Bob's registry binding is gone.
	_, ok := reg.ByUser(bob.ID)
	assert.False(t, ok)
}

func TestCloseEvictsEveryone(t *testing.T) {
	ctx := context.Background()
	reg, gw := newTestRegistry(t, Options{})

	r, _, err := reg.Create(ctx, alice, "closing", 0)
	require.NoError(t, err)
	_, _, err = reg.Join(ctx, r.ID(), bob)
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx, "shutting down"))

	assert.Zero(t, reg.Count())
	assert.Equal(t, 1, gw.kicksFor(alice.ID))
	assert.Equal(t, 1, gw.kicksFor(bob.ID))

	_, ok := reg.ByUser(alice.ID)
	assert.False(t, ok)
}
