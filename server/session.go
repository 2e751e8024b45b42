package server

import (
	"fmt"

	"github.com/verayang01/chatd/logger"
)

// ConnectionStatsProvider reports the live connection counts of a server.
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries what every protocol session logs with.
type Session struct {
	Id         string
	RemoteIP   string
	User       string // Empty until the client logs in
	ServerName string
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) attrs(format string, args []any) []any {
	user := s.User
	if user == "" {
		user = "none"
	}
	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = s.Protocol + "-" + s.ServerName
	}
	out := []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		out = append(out, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(out, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.attrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.attrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.attrs(format, args)...)
}
