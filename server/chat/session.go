package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/pkg/metrics"
	serverPkg "github.com/verayang01/chatd/server"
	"github.com/verayang01/chatd/wire"
)

// Session is one client connection.
type Session struct {
	serverPkg.Session

	server      *ChatServer
	conn        net.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	releaseConn func()
	startTime   time.Time

	closeOnce     sync.Once
	authenticated bool
	requests      int
}

func (s *Session) handleConnection() {
	defer s.close()

	// Closing the connection is the only way to interrupt a blocked read.
	go func() {
		<-s.ctx.Done()
		s.conn.Close()
	}()

	reader := bufio.NewReader(s.conn)
	s.DebugLog("connected")

	for {
		if s.server.idleTimeout > 0 {
			// One deadline covers the whole frame, header and body.
			if err := s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout)); err != nil {
				s.DebugLog("failed to set read deadline: %v", err)
				return
			}
		}

		frame, err := wire.ReadFrame(reader, s.server.maxFrameSize)
		if err != nil {
			s.handleReadError(err)
			return
		}

		start := time.Now()
		resp, status := HandleFrame(s.server.backend, frame, s.server.maxFrameSize)
		s.requests++
		metrics.RequestsTotal.WithLabelValues(resp.Op.String(), status).Inc()
		metrics.RequestDuration.WithLabelValues(resp.Op.String()).Observe(time.Since(start).Seconds())

		if status == StatusInvalid {
			s.DebugLog("rejected %s frame (version %d): %s", frame.Opcode, frame.Version, resp.Message)
		}
		if login, ok := s.loginUser(frame, resp); ok {
			s.markAuthenticated(login)
		}

		if s.server.writeTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
		}
		if err := wire.WriteFrame(s.conn, resp.Frame()); err != nil {
			if serverPkg.IsConnectionError(err) {
				s.DebugLog("write failed: %v", err)
			} else {
				s.WarnLog("write failed: %v", err)
			}
			return
		}
	}
}

func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, consts.ErrMalformedFrame):
		metrics.FramesRejected.WithLabelValues("malformed").Inc()
		s.WarnLog("closing connection: %v", err)
	case s.ctx.Err() != nil:
		s.DebugLog("closing connection: server shutting down")
	case isTimeout(err):
		metrics.FramesRejected.WithLabelValues("timeout").Inc()
		s.DebugLog("idle timeout, closing connection")
	case serverPkg.IsConnectionError(err):
		s.DebugLog("client dropped connection: %v", err)
	default:
		s.WarnLog("read error: %v", err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// loginUser reports the username of a successful Login exchange.
func (s *Session) loginUser(f wire.Frame, resp wire.Response) (string, bool) {
	if f.Opcode != wire.OpLogin || !resp.Success || len(f.Fields) == 0 {
		return "", false
	}
	return f.Fields[0].Str, true
}

func (s *Session) markAuthenticated(username string) {
	if !s.authenticated {
		s.authenticated = true
		s.server.authenticatedConnections.Add(1)
	}
	s.User = username
	s.DebugLog("logged in")
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()

		totalCount := s.server.totalConnections.Add(-1)
		authCount := s.server.authenticatedConnections.Load()
		if s.authenticated {
			authCount = s.server.authenticatedConnections.Add(-1)
		}

		metrics.ConnectionsCurrent.WithLabelValues(protocolName).Dec()
		metrics.ConnectionDuration.WithLabelValues(protocolName).Observe(time.Since(s.startTime).Seconds())

		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		s.Log("closed after %d requests (connections: total=%d, authenticated=%d)", s.requests, totalCount, authCount)
	})
}
