package observer

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/phira-community/phira-mp-server/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDirectory struct {
	mu    sync.Mutex
	stats Stats
	rooms []protocol.RoomDigest
	snaps map[string]protocol.RoomSnapshot
}

func (d *fakeDirectory) RoomList(ctx context.Context) []protocol.RoomDigest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.RoomDigest(nil), d.rooms...)
}

func (d *fakeDirectory) RoomDetails(ctx context.Context, roomID string) (protocol.RoomSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if snap, ok := d.snaps[roomID]; ok {
		return snap, nil
	}
	return protocol.RoomSnapshot{}, protocol.Errf(protocol.CodeRoomNotFound, "room %s not found", roomID)
}

func (d *fakeDirectory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func startHub(t *testing.T, dir *fakeDirectory) *websocket.Conn {
	t.Helper()

	hub := NewHub(dir)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
		cancel()
		wg.Wait()
		srv.Close()
	})
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sampleDirectory() *fakeDirectory {
	return &fakeDirectory{
		stats: Stats{ServerName: "test", PlayersOnline: 3, Rooms: 1},
		rooms: []protocol.RoomDigest{
			{ID: "ABCD", Name: "alpha", Players: 3, Capacity: 8, State: protocol.StateSelecting},
		},
		snaps: map[string]protocol.RoomSnapshot{
			"ABCD": {ID: "ABCD", Name: "alpha", State: protocol.StateSelecting, HostID: 100},
		},
	}
}

func TestCatchUpOnSubscribe(t *testing.T) {
	conn := startHub(t, sampleDirectory())

	env := readEnvelope(t, conn)
	assert.Equal(t, typeServerStats, env.Type)
	var stats Stats
	require.NoError(t, json.Unmarshal(env.Payload, &stats))
	assert.Equal(t, 3, stats.PlayersOnline)

	env = readEnvelope(t, conn)
	assert.Equal(t, typeRoomList, env.Type)
	var rooms []protocol.RoomDigest
	require.NoError(t, json.Unmarshal(env.Payload, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, "ABCD", rooms[0].ID)
}

func TestRoomDetailsQuery(t *testing.T) {
	dir := sampleDirectory()
	dir.rooms = append(dir.rooms, protocol.RoomDigest{ID: "EFGH", Name: "beta", Capacity: 8})
	conn := startHub(t, dir)
	readEnvelope(t, conn) // serverStats
	readEnvelope(t, conn) // roomList

	query := `{"type":"getRoomDetails","payload":{"roomId":"ABCD"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(query)))

	env := readEnvelope(t, conn)
	assert.Equal(t, typeRoomDetails, env.Type)
	var details roomDetailsPayload
	require.NoError(t, json.Unmarshal(env.Payload, &details))
	assert.Equal(t, "ABCD", details.ID)
	assert.Equal(t, int32(100), details.HostID)
	require.Len(t, details.OtherRooms, 1)
	assert.Equal(t, "EFGH", details.OtherRooms[0].ID)
}

func TestRoomDetailsUnknownRoom(t *testing.T) {
	conn := startHub(t, sampleDirectory())
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	query := `{"type":"getRoomDetails","payload":{"roomId":"ZZZZ"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(query)))

	env := readEnvelope(t, conn)
	assert.Equal(t, typeError, env.Type)
}

func TestInvalidationsAreCoalesced(t *testing.T) {
	dir := sampleDirectory()
	hub := NewHub(dir)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		wg.Wait()
		srv.Close()
	})

	readEnvelope(t, conn) // catch-up stats
	readEnvelope(t, conn) // catch-up room list

	// A burst of invalidations must collapse into one push.
	for i := 0; i < 20; i++ {
		hub.Invalidate()
	}

	var pushes int
	deadline := time.Now().Add(3 * coalesceWindow)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typeRoomList {
			pushes++
		}
	}
	assert.Equal(t, 1, pushes)
}

func TestMalformedQueryIgnored(t *testing.T) {
	conn := startHub(t, sampleDirectory())
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mutateEverything"}`)))

	// Still alive and answering.
	query := `{"type":"getRoomDetails","payload":{"roomId":"ABCD"}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(query)))
	env := readEnvelope(t, conn)
	assert.Equal(t, typeRoomDetails, env.Type)
}
