package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
)

const (
	subscriberQueueSize = 64
	writeWait           = 10 * time.Second
	readLimit           = 4 << 10
)

// subscriber is one observer socket. Two goroutines service it: readPump for
// inbound queries, writePump for the outbound queue. A subscriber that stops
// draining its queue is cut off rather than allowed to stall the hub.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newSubscriber(h *Hub, conn *websocket.Conn) *subscriber {
	return &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, subscriberQueueSize),
	}
}

// enqueue queues one frame; called only from the hub goroutine. A full queue
// closes the socket, which unregisters the subscriber via its readPump.
func (s *subscriber) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		logging.Warn(context.Background(), "observer too slow, dropping connection",
			zap.String("remote", s.conn.RemoteAddr().String()))
		s.conn.Close()
	}
}

func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()
	s.conn.SetReadLimit(readLimit)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case typeGetRoomDetails:
			var q struct {
				RoomID string `json:"roomId"`
			}
			if err := json.Unmarshal(env.Payload, &q); err != nil || q.RoomID == "" {
				continue
			}
			select {
			case s.hub.details <- detailsRequest{sub: s, roomID: q.RoomID}:
			default:
			}
		default:
			// Unknown queries are ignored; the surface is read-only.
		}
	}
}

func (s *subscriber) writePump() {
	defer s.conn.Close()

	for frame := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
