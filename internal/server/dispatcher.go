package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/ban"
	"github.com/phira-community/phira-mp-server/internal/identity"
	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/metrics"
	"github.com/phira-community/phira-mp-server/internal/protocol"
	"github.com/phira-community/phira-mp-server/internal/room"
	"github.com/phira-community/phira-mp-server/internal/session"
)

// Dispatcher routes decoded frames to the auth flow and the room engine. It
// implements session.Handler.
type Dispatcher struct {
	identity     *identity.Client
	bans         *ban.Registry
	table        *session.Table
	rooms        *room.Registry
	gw           *Gateway
	serverName   string
	announcement string
	silencer     *logging.Silencer
}

// NewDispatcher wires the frame router.
func NewDispatcher(
	idc *identity.Client,
	bans *ban.Registry,
	table *session.Table,
	rooms *room.Registry,
	gw *Gateway,
	serverName, announcement string,
	silencer *logging.Silencer,
) *Dispatcher {
	return &Dispatcher{
		identity:     idc,
		bans:         bans,
		table:        table,
		rooms:        rooms,
		gw:           gw,
		serverName:   serverName,
		announcement: announcement,
		silencer:     silencer,
	}
}

// HandleFrame implements session.Handler.
func (d *Dispatcher) HandleFrame(ctx context.Context, s *session.Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Hello:
		return d.handleHello(s, m)
	case protocol.Authenticate:
		return d.handleAuthenticate(ctx, s, m)
	case protocol.CreateRoom:
		return d.handleCreateRoom(ctx, s, m)
	case protocol.JoinRoom:
		return d.handleJoinRoom(ctx, s, m)
	case protocol.LeaveRoom:
		return d.handleLeaveRoom(ctx, s)
	case protocol.SelectChart:
		return d.withRoom(s, func(r *room.Room, userID int32) error {
			return r.SelectChart(ctx, userID, m.Chart)
		})
	case protocol.Ready:
		return d.withRoom(s, func(r *room.Room, userID int32) error {
			return r.Ready(ctx, userID)
		})
	case protocol.CancelReady:
		return d.withRoom(s, func(r *room.Room, userID int32) error {
			return r.CancelReady(ctx, userID)
		})
	case protocol.SubmitScore:
		return d.withRoom(s, func(r *room.Room, userID int32) error {
			return r.SubmitScore(ctx, userID, m.Score)
		})
	case protocol.Chat:
		if m.Text == "" {
			return nil
		}
		return d.withRoom(s, func(r *room.Room, userID int32) error {
			return r.Chat(ctx, userID, m.Text)
		})
	case protocol.Goodbye:
		s.Terminate(protocol.Goodbye{}, "client goodbye")
		return nil
	default:
		// Server-to-client frames arriving inbound mean a broken peer.
		return protocol.Errf(protocol.CodeProtocolViolation, "unexpected frame %#x", msg.Tag())
	}
}

func (d *Dispatcher) handleHello(s *session.Session, m protocol.Hello) error {
	if m.ProtocolVersion != protocol.Version {
		return protocol.Errf(protocol.CodeUnsupportedVersion,
			"protocol version %d not supported, want %d", m.ProtocolVersion, protocol.Version)
	}
	s.SetHelloed()
	s.Send(protocol.Hello{ProtocolVersion: protocol.Version, ClientVersion: d.serverName})
	return nil
}

func (d *Dispatcher) handleAuthenticate(ctx context.Context, s *session.Session, m protocol.Authenticate) error {
	// Version negotiation comes first; a client that skips it is broken.
	if !s.Helloed() {
		return protocol.Errf(protocol.CodeProtocolViolation, "authenticate before hello")
	}
	if u := s.User(); u != nil {
		// Duplicate Authenticate; re-acknowledge rather than punish.
		s.Send(protocol.AuthenticateResult{OK: true, User: u, Announcement: d.announcement})
		return nil
	}

	user, err := d.identity.Me(ctx, m.Token)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUnauthorized):
			metrics.AuthFailuresTotal.WithLabelValues("rejected").Inc()
		case errors.Is(err, identity.ErrUnreachable):
			metrics.AuthFailuresTotal.WithLabelValues("unreachable").Inc()
			logging.Warn(ctx, "identity service unavailable during auth", zap.Error(err))
		default:
			metrics.AuthFailuresTotal.WithLabelValues("malformed").Inc()
			logging.Warn(ctx, "identity response unusable", zap.Error(err))
		}
		s.Send(protocol.AuthenticateResult{OK: false})
		return protocol.Errf(protocol.CodeUnauthorized, "token rejected")
	}

	if verdict := d.bans.Check(user.ID, s.RemoteIP()); !verdict.Allowed {
		metrics.AuthFailuresTotal.WithLabelValues("banned").Inc()
		reason := verdict.Reason
		if reason == "" {
			reason = "access denied"
		}
		return protocol.Errf(protocol.CodeBanned, "%s", reason)
	}

	if old := d.table.BindUser(s, user.ID); old != nil {
		old.Terminate(protocol.Error{Code: protocol.CodeUnauthorized, Message: "logged in from another location"},
			"displaced by new login")
	}
	s.SetUser(user)

	if !d.silencer.Silenced(user.ID) {
		logging.Info(ctx, "user authenticated",
			zap.Int32("user_id", user.ID), zap.String("name", user.Name), zap.String("ip", s.RemoteIP()))
	}
	s.Send(protocol.AuthenticateResult{OK: true, User: &user, Announcement: d.announcement})
	d.gw.RoomsChanged()
	return nil
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, s *session.Session, m protocol.CreateRoom) error {
	u := s.User()
	if u == nil {
		return protocol.Errf(protocol.CodeUnauthorized, "authenticate first")
	}
	name := m.Name
	if name == "" {
		name = u.Name + "'s room"
	}
	r, _, err := d.rooms.Create(ctx, *u, name, m.Capacity)
	if err != nil {
		return err
	}
	s.SetRoomID(r.ID())
	return nil
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, s *session.Session, m protocol.JoinRoom) error {
	u := s.User()
	if u == nil {
		return protocol.Errf(protocol.CodeUnauthorized, "authenticate first")
	}
	r, _, err := d.rooms.Join(ctx, m.RoomID, *u)
	if err != nil {
		return err
	}
	s.SetRoomID(r.ID())
	return nil
}

func (d *Dispatcher) handleLeaveRoom(ctx context.Context, s *session.Session) error {
	return d.withRoom(s, func(r *room.Room, userID int32) error {
		return r.Leave(ctx, userID)
	})
}

// withRoom resolves the session's room membership and runs op against it.
func (d *Dispatcher) withRoom(s *session.Session, op func(r *room.Room, userID int32) error) error {
	u := s.User()
	if u == nil {
		return protocol.Errf(protocol.CodeUnauthorized, "authenticate first")
	}
	r, ok := d.rooms.ByUser(u.ID)
	if !ok {
		return protocol.Errf(protocol.CodeNotInRoom, "user %d is not in a room", u.ID)
	}
	return op(r, u.ID)
}

// HandleDisconnect implements session.Handler.
func (d *Dispatcher) HandleDisconnect(s *session.Session) {
	if u := s.User(); u != nil {
		// Only the session currently bound to the user may detach their
		// membership; a displaced login must not evict its successor.
		if cur, ok := d.table.ByUser(u.ID); ok && cur == s {
			if r, inRoom := d.rooms.ByUser(u.ID); inRoom {
				r.Disconnected(u.ID)
			}
		}
	}
	d.table.Remove(s)
	d.gw.RoomsChanged()
}
