// Package session owns the per-connection transport plumbing: the read and
// write pumps, frame decode, keepalive, the authentication window, and the
// session table. Domain routing lives behind the Handler interface.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/metrics"
	"github.com/phira-community/phira-mp-server/internal/protocol"
)

// Handler routes decoded domain frames. Ping/Pong never reach it; the
// session answers those itself.
type Handler interface {
	// HandleFrame processes one inbound frame. A returned DomainError is
	// reported to the client; fatal codes also terminate the session.
	HandleFrame(ctx context.Context, s *Session, msg protocol.Message) error
	// HandleDisconnect runs exactly once after the connection is gone.
	HandleDisconnect(s *Session)
}

// Config tunes session transport behaviour.
type Config struct {
	MaxFrame          uint32
	KeepaliveInterval time.Duration
	AuthWindow        time.Duration
	WriteTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFrame == 0 {
		c.MaxFrame = protocol.DefaultMaxFrame
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 20 * time.Second
	}
	if c.AuthWindow == 0 {
		c.AuthWindow = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

const (
	sendQueueSize  = 256
	maxUnknownTags = 8
	readChunkSize  = 4096
)

// Session is one TCP connection's server-side state.
type Session struct {
	ID uuid.UUID

	conn     net.Conn
	remoteIP string
	cfg      Config
	handler  Handler

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	final     []byte
	done      chan struct{}

	lastInbound atomic.Int64
	pingSeq     atomic.Uint32
	lastAcked   atomic.Uint32

	mu      sync.RWMutex
	helloed bool
	user    *protocol.User
	roomID  string

	authTimer   *time.Timer
	unknownTags int
}

// New wraps an accepted connection. Call Run to start the pumps.
func New(conn net.Conn, handler Handler, cfg Config) *Session {
	ip := ""
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		ip = host
	}
	s := &Session{
		ID:       uuid.New(),
		conn:     conn,
		remoteIP: ip,
		cfg:      cfg.withDefaults(),
		handler:  handler,
		send:     make(chan []byte, sendQueueSize),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.lastInbound.Store(time.Now().UnixNano())
	return s
}

// RemoteIP is the peer address, after any PROXY header rewrite.
func (s *Session) RemoteIP() string { return s.remoteIP }

// Helloed reports whether version negotiation completed.
func (s *Session) Helloed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.helloed
}

// SetHelloed records a successful version negotiation.
func (s *Session) SetHelloed() {
	s.mu.Lock()
	s.helloed = true
	s.mu.Unlock()
}

// User returns the authenticated identity, or nil before authentication.
func (s *Session) User() *protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetUser binds the authenticated identity and cancels the auth deadline.
func (s *Session) SetUser(u protocol.User) {
	s.mu.Lock()
	s.user = &u
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()
}

// RoomID returns the id of the room this session is in, or "".
func (s *Session) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// SetRoomID records the session's room binding.
func (s *Session) SetRoomID(id string) {
	s.mu.Lock()
	s.roomID = id
	s.mu.Unlock()
}

// ClearRoomID drops the binding if it still points at roomID.
func (s *Session) ClearRoomID(roomID string) {
	s.mu.Lock()
	if s.roomID == roomID {
		s.roomID = ""
	}
	s.mu.Unlock()
}

// Send enqueues one frame. A full queue means the peer cannot keep up; the
// session is terminated rather than letting the backlog grow.
func (s *Session) Send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		logging.Error(context.Background(), "frame encode failed", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
		metrics.FramesTotal.WithLabelValues("out", "ok").Inc()
	case <-s.closed:
	default:
		metrics.FramesTotal.WithLabelValues("out", "dropped").Inc()
		go s.Terminate(nil, "send queue overflow")
	}
}

// Terminate shuts the session down. A non-nil final frame is flushed
// best-effort before the socket closes. Safe to call multiple times and from
// any goroutine.
func (s *Session) Terminate(final protocol.Message, reason string) {
	s.closeOnce.Do(func() {
		if final != nil {
			if data, err := protocol.Encode(final); err == nil {
				s.final = data
			}
		}
		logging.Debug(s.logCtx(), "session terminating", zap.String("reason", reason))
		close(s.closed)
	})
}

// Done is closed once both pumps have exited and HandleDisconnect ran.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run services the connection until it terminates. It blocks; callers run it
// in its own goroutine per connection.
func (s *Session) Run(ctx context.Context) {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.mu.Lock()
	s.authTimer = time.AfterFunc(s.cfg.AuthWindow, func() {
		if s.User() == nil {
			s.Terminate(protocol.Error{Code: protocol.CodeAuthTimeout, Message: "authentication window elapsed"}, "auth timeout")
		}
	})
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Terminate(protocol.Goodbye{}, "server shutting down")
		case <-s.closed:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	s.readPump(ctx)
	s.Terminate(nil, "connection closed")
	wg.Wait()

	s.mu.Lock()
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.mu.Unlock()

	// Detach from room and table before the transport goes away, so a
	// reconnecting client never races a half-dismantled session.
	s.handler.HandleDisconnect(s)
	s.conn.Close()
	close(s.done)
}

func (s *Session) readPump(ctx context.Context) {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.lastInbound.Store(time.Now().UnixNano())
			buf = append(buf, chunk[:n]...)
			var ok bool
			buf, ok = s.drainFrames(ctx, buf)
			if !ok {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				logging.Debug(s.logCtx(), "read failed", zap.Error(err))
			}
			return
		}
	}
}

// drainFrames decodes every complete frame in buf and returns the remainder.
// A false result means the session must close.
func (s *Session) drainFrames(ctx context.Context, buf []byte) ([]byte, bool) {
	for {
		msg, consumed, err := protocol.Decode(buf, s.cfg.MaxFrame)
		if errors.Is(err, protocol.ErrShortBuffer) {
			return buf, true
		}
		buf = append(buf[:0:0], buf[consumed:]...)

		if err != nil {
			var unknown *protocol.UnknownTagError
			if errors.As(err, &unknown) {
				metrics.FramesTotal.WithLabelValues("in", "unknown").Inc()
				s.unknownTags++
				if s.unknownTags > maxUnknownTags {
					s.Terminate(protocol.Error{Code: protocol.CodeProtocolViolation, Message: "too many unknown frames"}, "unknown tag limit")
					return buf, false
				}
				continue
			}
			// Framing violations are unrecoverable; the stream position is lost.
			metrics.FramesTotal.WithLabelValues("in", "error").Inc()
			s.Terminate(protocol.Error{Code: protocol.CodeProtocolViolation, Message: err.Error()}, "framing violation")
			return buf, false
		}

		metrics.FramesTotal.WithLabelValues("in", "ok").Inc()
		if !s.dispatch(ctx, msg) {
			return buf, false
		}
	}
}

// dispatch answers keepalive frames locally and hands everything else to the
// Handler. A false result closes the session.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Ping:
		s.Send(protocol.Pong{Seq: m.Seq})
		return true
	case protocol.Pong:
		if m.Seq > s.pingSeq.Load() || m.Seq < s.lastAcked.Load() {
			s.Terminate(protocol.Error{Code: protocol.CodeProtocolViolation, Message: "keepalive ack out of order"}, "bad pong")
			return false
		}
		s.lastAcked.Store(m.Seq)
		return true
	}

	err := s.handler.HandleFrame(ctx, s, msg)
	if err == nil {
		return true
	}

	var de *protocol.DomainError
	if !errors.As(err, &de) {
		logging.Error(s.logCtx(), "frame handler failed", zap.Error(err))
		de = protocol.Errf(protocol.CodeInternal, "internal error")
	}
	s.Send(protocol.Error{Code: de.Code, Message: de.Message})
	if de.Code.Fatal() {
		s.Terminate(nil, de.Message)
		return false
	}
	return true
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	// Unblock the read pump without closing the transport; Run closes the
	// socket after disconnect handling.
	defer s.conn.SetReadDeadline(time.Now())

	for {
		select {
		case data := <-s.send:
			if !s.write(data) {
				s.Terminate(nil, "write failed")
				return
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastInbound.Load()))
			if idle > 2*s.cfg.KeepaliveInterval {
				s.Terminate(nil, "keepalive timeout")
				return
			}
			seq := s.pingSeq.Add(1)
			if data, err := protocol.Encode(protocol.Ping{Seq: seq}); err == nil {
				if !s.write(data) {
					s.Terminate(nil, "write failed")
					return
				}
			}
		case <-s.closed:
			s.flush()
			return
		}
	}
}

// flush drains whatever is already queued, then the terminal frame.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.send:
			if !s.write(data) {
				return
			}
		default:
			if s.final != nil {
				s.write(s.final)
			}
			return
		}
	}
}

func (s *Session) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err := s.conn.Write(data)
	return err == nil
}

func (s *Session) logCtx() context.Context {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, s.ID.String())
	if u := s.User(); u != nil {
		ctx = context.WithValue(ctx, logging.UserIDKey, u.ID)
	}
	return ctx
}
