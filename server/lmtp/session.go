package lmtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/twmailer/twmailer/consts"
	"github.com/twmailer/twmailer/helpers"
	"github.com/twmailer/twmailer/pkg/metrics"
	"github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/storage"
)

// nullSender is recorded as the sender of bounces (MAIL FROM:<>).
const nullSender = "MAILER-DAEMON"

type recipient struct {
	addr string // as given in RCPT TO
	user string // mailbox
}

// LMTPSession is one LMTP or SMTP conversation.
type LMTPSession struct {
	server.Session
	backend   *LMTPServerBackend
	conn      *smtp.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	sender     string
	recipients []recipient

	logoutOnce sync.Once
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	s.sender = from
	if s.sender == "" {
		s.sender = nullSender
	}
	s.DebugLog("mail from=%s", s.sender)
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	user := localPart(to)
	if err := helpers.ValidateUsername(user); err != nil {
		s.DebugLog("rejecting recipient %s: %v", to, err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such mailbox",
		}
	}
	s.recipients = append(s.recipients, recipient{addr: to, user: user})
	return nil
}

// Data delivers to every recipient and fails the transaction on the first
// failure. It is used in submission mode.
func (s *LMTPSession) Data(r io.Reader) error {
	msg, size, err := s.readMessage(r)
	if err != nil {
		return err
	}
	for _, rcpt := range s.recipients {
		if err := s.deliver(msg, rcpt.user, size); err != nil {
			return err
		}
	}
	return nil
}

// LMTPData delivers to each recipient separately and reports one status
// per recipient.
func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	msg, size, err := s.readMessage(r)
	if err != nil {
		return err
	}
	for _, rcpt := range s.recipients {
		status.SetStatus(rcpt.addr, s.deliver(msg, rcpt.user, size))
	}
	return nil
}

func (s *LMTPSession) readMessage(r io.Reader) (*parsedMessage, int, error) {
	if len(s.recipients) == 0 {
		return nil, 0, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		if errors.Is(err, smtp.ErrDataTooLarge) {
			return nil, 0, smtp.ErrDataTooLarge
		}
		return nil, 0, s.internalError("failed to read message: %v", err)
	}

	msg, err := parseMessage(bytes.NewReader(buf.Bytes()))
	if err != nil {
		s.WarnLog("failed to parse message: %v", err)
		return nil, 0, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message",
		}
	}
	return msg, buf.Len(), nil
}

func (s *LMTPSession) deliver(msg *parsedMessage, rcpt string, size int) error {
	id, err := s.backend.store.Append(&storage.Message{
		Sender:   s.sender,
		Receiver: rcpt,
		Subject:  msg.subject,
		Body:     msg.body,
	})
	if err != nil {
		if errors.Is(err, consts.ErrInvalidUsername) {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "No such mailbox",
			}
		}
		return s.internalError("delivery to %s failed: %v", rcpt, err)
	}

	metrics.MessagesDelivered.WithLabelValues(s.backend.mode).Inc()
	metrics.MessageSizeBytes.WithLabelValues(s.backend.mode).Observe(float64(size))
	s.Log("delivered message from %s to %s as %s", s.sender, rcpt, id)
	return nil
}

func (s *LMTPSession) internalError(format string, a ...any) error {
	s.WarnLog(format, a...)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary delivery failure",
	}
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *LMTPSession) Logout() error {
	s.logoutOnce.Do(func() {
		s.cancel()
		active := s.backend.activeConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues(s.backend.mode).Dec()
		metrics.ConnectionDuration.WithLabelValues(s.backend.mode).Observe(time.Since(s.startTime).Seconds())
		if s.Username != "" {
			s.backend.authenticatedConnections.Add(-1)
			metrics.AuthenticatedConnectionsCurrent.WithLabelValues(s.backend.mode).Dec()
		}
		s.DebugLog("session closed (connections: active=%d)", active)
	})
	return nil
}

// SubmissionSession adds AUTH PLAIN and requires it before MAIL.
type SubmissionSession struct {
	*LMTPSession
	failedLogins int
}

func (s *SubmissionSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *SubmissionSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return s.authenticate(identity, username, password)
	}), nil
}

func (s *SubmissionSession) authenticate(identity, username, password string) error {
	if identity != "" && identity != username {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authorization identity not supported",
		}
	}

	b := s.backend
	listed, err := b.blacklist.IsBlacklisted(s.ctx, s.RemoteIP)
	if err != nil {
		s.WarnLog("blacklist lookup failed: %v", err)
	} else if listed {
		metrics.BlacklistRejections.WithLabelValues(b.mode).Inc()
		metrics.AuthenticationAttempts.WithLabelValues(b.mode, "blacklisted").Inc()
		s.Log("authentication for %s refused: source is blacklisted", username)
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many failed logins, try again later",
		}
	}

	var (
		ok      bool
		authErr error
	)
	if helpers.ValidateUsername(username) == nil {
		ok, authErr = b.auth.Authenticate(s.WithSession(s.ctx), username, password)
		if authErr != nil {
			metrics.AuthenticationAttempts.WithLabelValues(b.mode, "error").Inc()
			s.WarnLog("authentication backend error for %s: %v", username, authErr)
			ok = false
		}
	}

	if ok {
		s.Username = username
		s.failedLogins = 0
		b.authenticatedConnections.Add(1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(b.mode).Inc()
		metrics.AuthenticationAttempts.WithLabelValues(b.mode, "success").Inc()
		s.Log("authenticated")
		return nil
	}

	if authErr == nil {
		metrics.AuthenticationAttempts.WithLabelValues(b.mode, "failure").Inc()
	}
	s.failedLogins++
	if s.failedLogins >= b.maxLoginAttempts {
		s.failedLogins = 0
		if err := b.blacklist.Add(s.ctx, s.RemoteIP); err != nil {
			s.WarnLog("failed to blacklist source: %v", err)
		} else {
			metrics.BlacklistAdditions.Inc()
			s.Log("source blacklisted after %d failed logins", b.maxLoginAttempts)
		}
	}
	return smtp.ErrAuthFailed
}

// Mail requires a prior AUTH and records the authenticated user as sender,
// whatever the envelope says.
func (s *SubmissionSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.Username == "" {
		return smtp.ErrAuthRequired
	}
	if from != "" && !strings.EqualFold(localPart(from), s.Username) {
		s.DebugLog("envelope sender %s replaced by %s", from, s.Username)
	}
	s.sender = s.Username
	return nil
}

func localPart(addr string) string {
	addr = strings.Trim(addr, "<>")
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		return addr[:at]
	}
	return addr
}

var _ smtp.AuthSession = (*SubmissionSession)(nil)
var _ smtp.LMTPSession = (*LMTPSession)(nil)
