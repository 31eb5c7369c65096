package server

import (
	"context"

	"github.com/phira-community/phira-mp-server/internal/observer"
	"github.com/phira-community/phira-mp-server/internal/protocol"
	"github.com/phira-community/phira-mp-server/internal/room"
	"github.com/phira-community/phira-mp-server/internal/session"
)

// Directory exposes the live game state read-only for the observer hub.
type Directory struct {
	serverName string
	table      *session.Table
	rooms      *room.Registry
}

// NewDirectory builds the observer-facing view.
func NewDirectory(serverName string, table *session.Table, rooms *room.Registry) *Directory {
	return &Directory{serverName: serverName, table: table, rooms: rooms}
}

func (d *Directory) RoomList(ctx context.Context) []protocol.RoomDigest {
	return d.rooms.Digests(ctx)
}

func (d *Directory) RoomDetails(ctx context.Context, roomID string) (protocol.RoomSnapshot, error) {
	r, ok := d.rooms.Lookup(roomID)
	if !ok {
		return protocol.RoomSnapshot{}, protocol.Errf(protocol.CodeRoomNotFound, "room %s not found", roomID)
	}
	return r.Snapshot(ctx)
}

func (d *Directory) Stats() observer.Stats {
	return observer.Stats{
		ServerName:    d.serverName,
		PlayersOnline: d.table.CountAuthenticated(),
		Rooms:         d.rooms.Count(),
	}
}
