// Package server owns the TCP accept loop and the frame dispatcher that
// binds sessions, rooms, bans, and identity together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/session"
)

// Server accepts game client connections and runs one session per
// connection.
type Server struct {
	addr        string
	useProxy    bool
	handler     session.Handler
	table       *session.Table
	sessionCfg  session.Config
	drainWindow time.Duration
	ln          net.Listener
}

// New builds a Server listening on addr. With useProxy the listener expects
// a PROXY protocol v1/v2 header on every connection and reports the real
// client address to sessions.
func New(addr string, useProxy bool, handler session.Handler, table *session.Table, sessionCfg session.Config) *Server {
	return &Server{
		addr:        addr,
		useProxy:    useProxy,
		handler:     handler,
		table:       table,
		sessionCfg:  sessionCfg,
		drainWindow: 5 * time.Second,
	}
}

// Listen binds the TCP socket without serving yet.
func (srv *Server) Listen() error {
	base, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.addr, err)
	}
	if srv.useProxy {
		srv.ln = &proxyproto.Listener{
			Listener:          base,
			ReadHeaderTimeout: 10 * time.Second,
		}
	} else {
		srv.ln = base
	}
	return nil
}

// Addr reports the bound address; valid after Listen.
func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Run listens and serves until ctx is cancelled, then drains live sessions.
// Each session gets a Goodbye frame on shutdown.
func (srv *Server) Run(ctx context.Context) error {
	if srv.ln == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
	}
	ln := srv.ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logging.Info(ctx, "tcp server listening",
		zap.String("addr", srv.addr), zap.Bool("proxy_protocol", srv.useProxy))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			logging.Error(ctx, "accept failed", zap.Error(err))
			return err
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		s := session.New(conn, srv.handler, srv.sessionCfg)
		srv.table.Add(s)
		logging.Debug(ctx, "connection accepted", zap.String("remote", s.RemoteIP()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(srv.drainWindow):
		logging.Warn(context.Background(), "shutdown drain window elapsed with sessions still open")
	}
	return nil
}
