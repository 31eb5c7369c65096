package server

import (
	"sync/atomic"

	"github.com/phira-community/phira-mp-server/internal/protocol"
	"github.com/phira-community/phira-mp-server/internal/session"
)

// Gateway adapts the session table to the room engine's fan-out interface.
// Room actors call it; everything here is enqueue-only.
type Gateway struct {
	table  *session.Table
	notify atomic.Pointer[func()]
}

// NewGateway builds a Gateway over the session table. The rooms-changed hook
// is attached later, once the observer hub exists.
func NewGateway(table *session.Table) *Gateway {
	return &Gateway{table: table}
}

// SetNotify installs the observer invalidation hook.
func (g *Gateway) SetNotify(fn func()) {
	g.notify.Store(&fn)
}

func (g *Gateway) SendTo(userID int32, msg protocol.Message) {
	if s, ok := g.table.ByUser(userID); ok {
		s.Send(msg)
	}
}

func (g *Gateway) Disconnect(userID int32, code protocol.ErrorCode, reason string) {
	if s, ok := g.table.ByUser(userID); ok {
		s.Terminate(protocol.Error{Code: code, Message: reason}, reason)
	}
}

func (g *Gateway) UserLeftRoom(userID int32, roomID string) {
	if s, ok := g.table.ByUser(userID); ok {
		s.ClearRoomID(roomID)
	}
}

func (g *Gateway) RoomsChanged() {
	if fn := g.notify.Load(); fn != nil {
		(*fn)()
	}
}
