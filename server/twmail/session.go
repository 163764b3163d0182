package twmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/twmailer/twmailer/consts"
	"github.com/twmailer/twmailer/helpers"
	"github.com/twmailer/twmailer/pkg/metrics"
	"github.com/twmailer/twmailer/protocol"
	"github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/storage"
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateClosed
)

// Session is one client connection. Only its own goroutine touches the
// protocol state, so it needs no lock.
type Session struct {
	server.Session
	server *Server
	conn   net.Conn
	reader *protocol.Reader
	writer *bufio.Writer
	ctx    context.Context
	cancel context.CancelFunc

	state        state
	failedLogins int // consecutive failed LOGINs on this connection

	releaseConn func()
	startTime   time.Time
	closeOnce   sync.Once
}

func (s *Session) handleConnection() {
	defer s.Close()

	s.DebugLog("connected")

	for s.state != stateClosed {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		req, err := s.reader.ReadRequest()
		if err != nil {
			var formatErr *protocol.FormatError
			if errors.As(err, &formatErr) {
				// The reader has already resynchronized; answer and go on.
				reason := "malformed"
				if errors.Is(err, consts.ErrMessageTooLarge) {
					reason = "too_large"
				}
				metrics.FramingErrors.WithLabelValues(protocolName, reason).Inc()
				s.DebugLog("framing error: %v", err)
				if !s.respond(protocol.RespERR) {
					return
				}
				continue
			}

			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				s.Log("idle timeout")
			case server.IsConnectionError(err):
				s.DebugLog("client dropped connection: %v", err)
			default:
				s.WarnLog("read error: %v", err)
			}
			return
		}

		if !s.respond(s.dispatch(req)) {
			return
		}
	}
}

func (s *Session) respond(payload []byte) bool {
	if err := protocol.WriteFrame(s.writer, payload); err != nil {
		if server.IsConnectionError(err) {
			s.DebugLog("write failed: %v", err)
		} else {
			s.WarnLog("write failed: %v", err)
		}
		return false
	}
	return true
}

// dispatch runs one request and returns the response payload. Every error
// becomes ERR; none of them ends the session.
func (s *Session) dispatch(req *protocol.Request) []byte {
	start := time.Now()
	cmd := req.Command
	s.DebugLog("%s request: %q", req.Name, helpers.MaskRequestBody(cmd.String(), req.Body, protocol.CmdLogin.String()))

	var (
		resp []byte
		err  error
	)
	switch {
	case cmd.RequiresAuth() && s.state != stateAuthenticated:
		resp = protocol.RespUnauthorized
		err = consts.ErrUnauthorized
	default:
		switch cmd {
		case protocol.CmdLogin:
			resp, err = s.handleLogin(req.Body)
		case protocol.CmdSend:
			resp, err = s.handleSend(req.Body)
		case protocol.CmdList:
			resp, err = s.handleList()
		case protocol.CmdRead:
			resp, err = s.handleRead(req.Body)
		case protocol.CmdDel:
			resp, err = s.handleDel(req.Body)
		case protocol.CmdQuit:
			s.state = stateClosed
			resp = protocol.RespOK
		default:
			err = fmt.Errorf("%w: unknown command %q", consts.ErrProtocol, req.Name)
		}
	}

	status := "success"
	if err != nil {
		status = errorStatus(err)
		if resp == nil {
			resp = protocol.RespERR
		}
		s.DebugLog("%s failed: %v", cmd, err)
	}
	metrics.CommandsTotal.WithLabelValues(protocolName, cmd.String(), status).Inc()
	metrics.CommandDuration.WithLabelValues(protocolName, cmd.String()).Observe(time.Since(start).Seconds())
	return resp
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, consts.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, consts.ErrBlacklisted):
		return "blacklisted"
	case errors.Is(err, consts.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, consts.ErrNotFound):
		return "not_found"
	case errors.Is(err, consts.ErrInvalidUsername), errors.Is(err, consts.ErrProtocol):
		return "invalid"
	case errors.Is(err, consts.ErrIO):
		return "io_error"
	default:
		return "error"
	}
}

func (s *Session) handleLogin(body []byte) ([]byte, error) {
	if s.state == stateAuthenticated {
		return nil, fmt.Errorf("%w: already authenticated as %s", consts.ErrProtocol, s.Username)
	}
	login, err := protocol.ParseLogin(body)
	if err != nil {
		return nil, err
	}

	listed, err := s.server.blacklist.IsBlacklisted(s.ctx, s.RemoteIP)
	if err != nil {
		// Fail open on store errors.
		s.WarnLog("blacklist lookup failed: %v", err)
	} else if listed {
		metrics.BlacklistRejections.WithLabelValues(protocolName).Inc()
		metrics.AuthenticationAttempts.WithLabelValues(protocolName, "blacklisted").Inc()
		s.Log("login for %s refused: source is blacklisted", login.Username)
		return nil, consts.ErrBlacklisted
	}

	var (
		ok      bool
		authErr error
	)
	if helpers.ValidateUsername(login.Username) == nil {
		ok, authErr = s.server.auth.Authenticate(s.WithSession(s.ctx), login.Username, login.Password)
		if authErr != nil {
			metrics.AuthenticationAttempts.WithLabelValues(protocolName, "error").Inc()
			s.WarnLog("authentication backend error for %s: %v", login.Username, authErr)
			ok = false
		}
	}

	if ok {
		s.state = stateAuthenticated
		s.Username = login.Username
		s.failedLogins = 0
		s.server.authenticatedConnections.Add(1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(protocolName).Inc()
		metrics.AuthenticationAttempts.WithLabelValues(protocolName, "success").Inc()
		s.Log("authenticated")
		return protocol.RespOK, nil
	}

	if authErr == nil {
		metrics.AuthenticationAttempts.WithLabelValues(protocolName, "failure").Inc()
	}
	s.failedLogins++
	s.Log("login failed for %s (%d/%d)", login.Username, s.failedLogins, s.server.maxLoginAttempts)

	if s.failedLogins >= s.server.maxLoginAttempts {
		s.failedLogins = 0
		if err := s.server.blacklist.Add(s.ctx, s.RemoteIP); err != nil {
			s.WarnLog("failed to blacklist source: %v", err)
		} else {
			metrics.BlacklistAdditions.Inc()
			s.Log("source blacklisted after %d failed logins", s.server.maxLoginAttempts)
		}
	}
	return nil, consts.ErrAuthFailed
}

func (s *Session) handleSend(body []byte) ([]byte, error) {
	req, err := protocol.ParseSend(body)
	if err != nil {
		return nil, err
	}
	if err := helpers.ValidateUsername(req.Receiver); err != nil {
		return nil, err
	}

	id, err := s.server.store.Append(&storage.Message{
		Sender:   s.Username,
		Receiver: req.Receiver,
		Subject:  req.Subject,
		Body:     req.Body,
	})
	if err != nil {
		return nil, err
	}

	size := 0
	for _, line := range req.Body {
		size += len(line) + 1
	}
	metrics.MessagesDelivered.WithLabelValues("send").Inc()
	metrics.MessageSizeBytes.WithLabelValues("send").Observe(float64(size))
	s.Log("delivered message to %s as %s", req.Receiver, id)
	return protocol.RespOK, nil
}

func (s *Session) handleList() ([]byte, error) {
	list, err := s.server.store.List(s.Username)
	if err != nil {
		return nil, err
	}
	subjects := make([]string, len(list))
	for i, m := range list {
		subjects[i] = m.Subject
	}
	return protocol.ListResponse(subjects), nil
}

func (s *Session) handleRead(body []byte) ([]byte, error) {
	pos, err := protocol.ParsePosition(body)
	if err != nil {
		return nil, err
	}
	msg, err := s.server.store.Read(s.Username, pos)
	if err != nil {
		return nil, err
	}
	return protocol.MessageResponse(msg.Text()), nil
}

func (s *Session) handleDel(body []byte) ([]byte, error) {
	pos, err := protocol.ParsePosition(body)
	if err != nil {
		return nil, err
	}
	if err := s.server.store.Delete(s.Username, pos); err != nil {
		return nil, err
	}
	s.Log("deleted message %d", pos)
	return protocol.RespOK, nil
}

// Close releases the connection and its counters. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.cancel()
		if s.releaseConn != nil {
			s.releaseConn()
		}
		s.server.removeSession(s)

		totalCount := s.server.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues(protocolName).Dec()
		metrics.ConnectionDuration.WithLabelValues(protocolName).Observe(time.Since(s.startTime).Seconds())

		authCount := s.server.authenticatedConnections.Load()
		if s.Username != "" {
			authCount = s.server.authenticatedConnections.Add(-1)
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues(protocolName).Dec()
		}
		s.state = stateClosed
		s.DebugLog("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)
	})
	return nil
}
