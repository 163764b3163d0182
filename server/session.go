package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/twmailer/twmailer/consts"
	"github.com/twmailer/twmailer/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session is the protocol-independent part of a client connection: who is
// connected, from where, and how to log about it.
type Session struct {
	Id         string
	RemoteIP   string
	Username   string // empty until authenticated
	ServerName string // name of the server instance, e.g. "twmailer-0"
	Protocol   string
	Stats      ConnectionStatsProvider
}

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSession returns ctx annotated with the session id and client address,
// for collaborators that log on behalf of a session.
func (s *Session) WithSession(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, consts.SessionIDKey, s.Id)
	return context.WithValue(ctx, consts.RemoteIPKey, s.RemoteIP)
}

func (s *Session) attrs(format string, args ...any) []any {
	user := s.Username
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

func (s *Session) log(level slog.Level, format string, args ...any) {
	l := logger.Get()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, "Session", s.attrs(format, args...)...)
}

func (s *Session) Log(format string, args ...any) {
	s.log(slog.LevelInfo, format, args...)
}

func (s *Session) DebugLog(format string, args ...any) {
	s.log(slog.LevelDebug, format, args...)
}

func (s *Session) WarnLog(format string, args ...any) {
	s.log(slog.LevelWarn, format, args...)
}
