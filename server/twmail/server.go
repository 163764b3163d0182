// Package twmail serves the Content-Length framed mail protocol: LOGIN,
// SEND, LIST, READ, DEL and QUIT over plain TCP, one goroutine per
// connection.
package twmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmailer/twmailer/auth"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/metrics"
	"github.com/twmailer/twmailer/protocol"
	serverPkg "github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/storage"
)

const protocolName = "twmail"

// drainTimeout bounds how long Close waits for sessions to exit after their
// connections have been closed.
const drainTimeout = 10 * time.Second

type Server struct {
	addr   string
	name   string
	appCtx context.Context
	cancel context.CancelFunc

	store     *storage.MailStore
	auth      auth.Authenticator
	blacklist serverPkg.Blacklist

	maxLoginAttempts int
	maxLineLength    int
	maxRequestSize   int64
	idleTimeout      time.Duration

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*Session]struct{}
	sessionsWg          sync.WaitGroup
}

type ServerOptions struct {
	Name                string
	MaxLoginAttempts    int
	MaxLineLength       int
	MaxRequestSize      int64
	IdleTimeout         time.Duration // 0 disables the read deadline
	MaxConnections      int
	MaxConnectionsPerIP int
}

func New(appCtx context.Context, addr string, store *storage.MailStore, authenticator auth.Authenticator, blacklist serverPkg.Blacklist, options ServerOptions) (*Server, error) {
	if store == nil || authenticator == nil || blacklist == nil {
		return nil, errors.New("twmail: store, authenticator and blacklist are required")
	}
	if options.MaxLoginAttempts <= 0 {
		return nil, fmt.Errorf("twmail: max login attempts must be positive, got %d", options.MaxLoginAttempts)
	}
	if options.Name == "" {
		options.Name = "twmailer"
	}

	ctx, cancel := context.WithCancel(appCtx)
	return &Server{
		addr:             addr,
		name:             options.Name,
		appCtx:           ctx,
		cancel:           cancel,
		store:            store,
		auth:             authenticator,
		blacklist:        blacklist,
		maxLoginAttempts: options.MaxLoginAttempts,
		maxLineLength:    options.MaxLineLength,
		maxRequestSize:   options.MaxRequestSize,
		idleTimeout:      options.IdleTimeout,
		limiter:          serverPkg.NewConnectionLimiter(protocolName, options.MaxConnections, options.MaxConnectionsPerIP),
		activeSessions:   make(map[*Session]struct{}),
	}, nil
}

// Start listens on the configured address and serves until Close. Fatal
// errors are sent to errChan.
func (s *Server) Start(errChan chan error) {
	listener, err := serverPkg.Listen(s.appCtx, s.addr)
	if err != nil {
		s.cancel()
		errChan <- err
		return
	}
	logger.Info("TWMAIL server listening", "name", s.name, "addr", listener.Addr().String(), "idle_timeout", s.idleTimeout)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on l until Close is called. It returns nil
// after a graceful stop.
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Debug("TWMAIL: stopping", "name", s.name)
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("TWMAIL server stopped gracefully", "name", s.name)
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			reason := "limit"
			var limitErr *serverPkg.LimitError
			if errors.As(err, &limitErr) {
				reason = limitErr.Reason
			}
			metrics.ConnectionsRejected.WithLabelValues(protocolName, reason).Inc()
			logger.Debug("TWMAIL: connection rejected", "name", s.name, "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}

		s.startSession(conn, releaseConn)
	}
}

func (s *Server) startSession(conn net.Conn, releaseConn func()) {
	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(protocolName).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(protocolName).Inc()

	session := &Session{
		server:      s,
		conn:        conn,
		reader:      protocol.NewReader(conn, s.maxLineLength, s.maxRequestSize),
		writer:      bufio.NewWriter(conn),
		ctx:         sessionCtx,
		cancel:      sessionCancel,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
	session.Id = serverPkg.NewSessionID()
	session.RemoteIP = serverPkg.RemoteIP(conn.RemoteAddr())
	session.Protocol = protocolName
	session.ServerName = s.name
	session.Stats = s

	logger.Debug("TWMAIL: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", s.authenticatedConnections.Load())

	s.sessionsWg.Add(1)
	s.addSession(session)
	// Close may have taken its snapshot of active sessions before this one
	// was added.
	if s.appCtx.Err() != nil {
		conn.Close()
	}
	go func() {
		defer s.sessionsWg.Done()
		session.handleConnection()
	}()
}

// Close stops accepting, closes every open connection and waits for the
// sessions to finish.
func (s *Server) Close() {
	s.cancel()

	s.activeSessionsMutex.RLock()
	active := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		active = append(active, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(active) > 0 {
		logger.Debug("TWMAIL: closing active connections", "name", s.name, "count", len(active))
	}
	// Closing the socket unblocks sessions waiting in a read.
	for _, session := range active {
		session.conn.Close()
	}

	s.waitForSessionsDrain(drainTimeout)
}

func (s *Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("TWMAIL: all sessions drained", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("TWMAIL: session drain timeout", "name", s.name, "timeout", timeout)
	}
}

func (s *Server) addSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *Server) removeSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

func (s *Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// GetLimiterStats exposes the connection limiter counters.
func (s *Server) GetLimiterStats() serverPkg.ConnectionStats {
	return s.limiter.GetStats()
}
