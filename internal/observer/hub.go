// Package observer implements the read-only WebSocket fan-out for dashboards
// and spectator UIs: a hub of subscribers fed with JSON room-list and server
// stat updates, coalesced so room churn cannot flood the sockets.
package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/metrics"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Stats is the live server summary pushed to observers.
type Stats struct {
	ServerName    string `json:"serverName"`
	PlayersOnline int    `json:"playersOnline"`
	Rooms         int    `json:"rooms"`
}

// Directory is the hub's read-only view of the game state.
type Directory interface {
	RoomList(ctx context.Context) []protocol.RoomDigest
	RoomDetails(ctx context.Context, roomID string) (protocol.RoomSnapshot, error)
	Stats() Stats
}

// envelope frames every message on the observer socket.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	typeServerStats    = "serverStats"
	typeRoomList       = "roomList"
	typeRoomDetails    = "roomDetails"
	typeError          = "error"
	typeGetRoomDetails = "getRoomDetails"
)

// coalesceWindow batches invalidations: at most one roomList/serverStats
// push per window no matter how many rooms changed.
const coalesceWindow = 250 * time.Millisecond

type detailsRequest struct {
	sub    *subscriber
	roomID string
}

// roomDetailsPayload is a room snapshot plus the digest of every other room,
// so a dashboard can render the room switcher from one frame.
type roomDetailsPayload struct {
	protocol.RoomSnapshot
	OtherRooms []protocol.RoomDigest `json:"otherRooms"`
}

// Hub fans state updates out to observer sockets. All subscriber map access
// happens on the Run goroutine.
type Hub struct {
	dir        Directory
	subs       map[*subscriber]bool
	register   chan *subscriber
	unregister chan *subscriber
	dirty      chan struct{}
	details    chan detailsRequest
	done       chan struct{}
	upgrader   websocket.Upgrader
}

// NewHub builds a hub over the directory. Call Run before serving sockets.
func NewHub(dir Directory) *Hub {
	return &Hub{
		dir:        dir,
		subs:       make(map[*subscriber]bool),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		dirty:      make(chan struct{}, 1),
		details:    make(chan detailsRequest, 64),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The observer surface is public and read-only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Invalidate marks the room list dirty. Safe from any goroutine; repeated
// calls within one coalescing window collapse into a single push.
func (h *Hub) Invalidate() {
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

// Run services the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for sub := range h.subs {
				delete(h.subs, sub)
				close(sub.send)
				sub.conn.Close()
				metrics.ActiveObservers.Dec()
			}
			return

		case sub := <-h.register:
			h.subs[sub] = true
			metrics.ActiveObservers.Inc()
			// Immediate catch-up so the dashboard renders without waiting
			// for the next invalidation.
			for _, frame := range h.stateFrames(ctx) {
				sub.enqueue(frame)
			}

		case sub := <-h.unregister:
			if h.subs[sub] {
				delete(h.subs, sub)
				close(sub.send)
				metrics.ActiveObservers.Dec()
			}

		case <-h.dirty:
			if flush == nil {
				flush = time.After(coalesceWindow)
			}

		case <-flush:
			flush = nil
			frames := h.stateFrames(ctx)
			for sub := range h.subs {
				for _, frame := range frames {
					sub.enqueue(frame)
				}
			}

		case req := <-h.details:
			h.answerDetails(ctx, req)
		}
	}
}

// ServeHTTP upgrades an HTTP request to an observer socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(r.Context(), "observer upgrade failed", zap.Error(err))
		return
	}
	sub := newSubscriber(h, conn)
	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}
	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) stateFrames(ctx context.Context) [][]byte {
	listCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	frames := make([][]byte, 0, 2)
	if frame, err := marshalEnvelope(typeServerStats, h.dir.Stats()); err == nil {
		frames = append(frames, frame)
	}
	if frame, err := marshalEnvelope(typeRoomList, h.dir.RoomList(listCtx)); err == nil {
		frames = append(frames, frame)
	}
	return frames
}

func (h *Hub) answerDetails(ctx context.Context, req detailsRequest) {
	if !h.subs[req.sub] {
		return
	}
	detailCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	snap, err := h.dir.RoomDetails(detailCtx, req.roomID)
	if err != nil {
		if frame, merr := marshalEnvelope(typeError, map[string]string{"message": err.Error()}); merr == nil {
			req.sub.enqueue(frame)
		}
		return
	}
	others := make([]protocol.RoomDigest, 0)
	for _, d := range h.dir.RoomList(detailCtx) {
		if d.ID != snap.ID {
			others = append(others, d)
		}
	}
	if frame, err := marshalEnvelope(typeRoomDetails, roomDetailsPayload{RoomSnapshot: snap, OtherRooms: others}); err == nil {
		req.sub.enqueue(frame)
	}
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "observer payload marshal failed",
			zap.String("type", msgType), zap.Error(err))
		return nil, err
	}
	return json.Marshal(envelope{Type: msgType, Payload: raw})
}
