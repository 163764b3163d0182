// Package lmtp delivers mail arriving over LMTP or SMTP submission into the
// mailbox store, next to the framed protocol's SEND.
//
// In "lmtp" mode the peer is a trusted MTA and no authentication is
// offered. In "submission" mode clients must AUTH PLAIN against the same
// credential backend as LOGIN, and the same blacklist applies.
package lmtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/twmailer/twmailer/auth"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/metrics"
	"github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/storage"
)

const (
	ModeLMTP       = "lmtp"
	ModeSubmission = "submission"
)

// connectionLimitingListener enforces connection limits before go-smtp
// sees a connection.
type connectionLimitingListener struct {
	net.Listener
	limiter *server.ConnectionLimiter
	name    string
	mode    string
}

func (l *connectionLimitingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		releaseConn, limitErr := l.limiter.Accept(conn.RemoteAddr())
		if limitErr != nil {
			reason := "limit"
			var le *server.LimitError
			if errors.As(limitErr, &le) {
				reason = le.Reason
			}
			metrics.ConnectionsRejected.WithLabelValues(l.mode, reason).Inc()
			logger.Debug("LMTP: connection rejected", "name", l.name, "error", limitErr)
			conn.Close()
			continue
		}

		return &connectionLimitingConn{Conn: conn, releaseFunc: releaseConn}, nil
	}
}

// connectionLimitingConn releases its limiter slot on Close.
type connectionLimitingConn struct {
	net.Conn
	releaseFunc func()
}

func (c *connectionLimitingConn) Close() error {
	c.releaseFunc()
	return c.Conn.Close()
}

type LMTPServerBackend struct {
	name   string
	mode   string
	appCtx context.Context
	cancel context.CancelFunc

	store            *storage.MailStore
	auth             auth.Authenticator
	blacklist        server.Blacklist
	maxLoginAttempts int

	server  *smtp.Server
	limiter *server.ConnectionLimiter

	totalConnections         atomic.Int64
	activeConnections        atomic.Int64
	authenticatedConnections atomic.Int64
}

type LMTPServerOptions struct {
	Name                string
	Mode                string // ModeLMTP or ModeSubmission
	Domain              string
	MaxMessageSize      int64
	MaxRecipients       int
	ReadTimeout         time.Duration
	MaxLoginAttempts    int
	MaxConnections      int
	MaxConnectionsPerIP int
}

// New builds the backend and its go-smtp server. authenticator and
// blacklist may be nil in LMTP mode.
func New(appCtx context.Context, addr string, store *storage.MailStore, authenticator auth.Authenticator, blacklist server.Blacklist, options LMTPServerOptions) (*LMTPServerBackend, error) {
	if store == nil {
		return nil, errors.New("lmtp: store is required")
	}
	switch options.Mode {
	case "", ModeLMTP:
		options.Mode = ModeLMTP
	case ModeSubmission:
		if authenticator == nil || blacklist == nil {
			return nil, errors.New("lmtp: submission mode needs an authenticator and a blacklist")
		}
		if options.MaxLoginAttempts <= 0 {
			return nil, fmt.Errorf("lmtp: max login attempts must be positive, got %d", options.MaxLoginAttempts)
		}
	default:
		return nil, fmt.Errorf("lmtp: unknown mode %q", options.Mode)
	}
	if options.Name == "" {
		options.Name = "twmailer"
	}

	ctx, cancel := context.WithCancel(appCtx)
	backend := &LMTPServerBackend{
		name:             options.Name,
		mode:             options.Mode,
		appCtx:           ctx,
		cancel:           cancel,
		store:            store,
		auth:             authenticator,
		blacklist:        blacklist,
		maxLoginAttempts: options.MaxLoginAttempts,
		limiter:          server.NewConnectionLimiter(options.Mode, options.MaxConnections, options.MaxConnectionsPerIP),
	}

	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Network = "tcp"
	s.Domain = options.Domain
	s.LMTP = options.Mode == ModeLMTP
	// Plain TCP only; TLS is expected to be terminated in front.
	s.AllowInsecureAuth = true
	s.MaxMessageBytes = options.MaxMessageSize
	s.MaxRecipients = options.MaxRecipients
	if options.ReadTimeout > 0 {
		s.ReadTimeout = options.ReadTimeout
		s.WriteTimeout = options.ReadTimeout
	}
	backend.server = s

	return backend, nil
}

func (b *LMTPServerBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	sessionCtx, sessionCancel := context.WithCancel(b.appCtx)

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(b.mode).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(b.mode).Inc()

	s := &LMTPSession{
		backend:   b,
		conn:      c,
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		startTime: time.Now(),
	}
	s.Id = server.NewSessionID()
	s.RemoteIP = server.RemoteIP(c.Conn().RemoteAddr())
	s.ServerName = b.name
	s.Protocol = b.mode
	s.Stats = b

	s.DebugLog("new session (connections: active=%d)", b.activeConnections.Load())

	if b.mode == ModeSubmission {
		return &SubmissionSession{LMTPSession: s}, nil
	}
	return s, nil
}

// Start listens on the configured address and serves until Close.
func (b *LMTPServerBackend) Start(errChan chan error) {
	listener, err := server.Listen(b.appCtx, b.server.Addr)
	if err != nil {
		errChan <- err
		return
	}
	logger.Info("LMTP server listening", "name", b.name, "addr", listener.Addr().String(), "mode", b.mode)

	if err := b.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve runs the server on l. It returns nil after Close.
func (b *LMTPServerBackend) Serve(l net.Listener) error {
	limited := &connectionLimitingListener{Listener: l, limiter: b.limiter, name: b.name, mode: b.mode}
	err := b.server.Serve(limited)
	if err == nil || b.appCtx.Err() != nil || errors.Is(err, smtp.ErrServerClosed) {
		logger.Info("LMTP server stopped gracefully", "name", b.name)
		return nil
	}
	return fmt.Errorf("LMTP server error: %w", err)
}

func (b *LMTPServerBackend) Close() error {
	b.cancel()
	return b.server.Close()
}

func (b *LMTPServerBackend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the number of open sessions.
func (b *LMTPServerBackend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

func (b *LMTPServerBackend) GetAuthenticatedConnections() int64 {
	return b.authenticatedConnections.Load()
}
