package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/helpers"
	"github.com/twmailer/twmailer/logger"
)

// LDAPAuthenticator checks credentials with a simple bind as the DN built
// from a template. A fresh connection is dialed for every attempt.
type LDAPAuthenticator struct {
	url        string
	dnTemplate string
	startTLS   bool
	tlsConfig  *tls.Config
	timeout    time.Duration
}

func NewLDAPAuthenticator(cfg config.LDAPAuthConfig, timeout time.Duration) *LDAPAuthenticator {
	a := &LDAPAuthenticator{
		url:        cfg.URL,
		dnTemplate: cfg.BindDNTemplate,
		startTLS:   cfg.StartTLS,
		timeout:    timeout,
	}
	serverName := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		serverName = u.Hostname()
	}
	a.tlsConfig = &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	return a
}

// dial connects with a dialer bounded by both the configured timeout and
// the deadline of ctx.
func (a *LDAPAuthenticator) dial(ctx context.Context) (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: a.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	return ldap.DialURL(a.url, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(a.tlsConfig))
}

// BindDN returns the DN a user binds as.
func (a *LDAPAuthenticator) BindDN(username string) string {
	return fmt.Sprintf(a.dnTemplate, username)
}

func (a *LDAPAuthenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	// An empty password would be an unauthenticated bind, which most
	// directories accept.
	if password == "" {
		return false, nil
	}
	// The username goes into a DN unescaped.
	if err := helpers.ValidateUsername(username); err != nil {
		return false, nil
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}
	conn, err := a.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("ldap dial %s: %w", a.url, err)
	}
	defer conn.Close()

	// Closing the connection unblocks a StartTLS or Bind in flight.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if a.timeout > 0 {
		conn.SetTimeout(a.timeout)
	}
	if a.startTLS {
		if err := conn.StartTLS(a.tlsConfig); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("ldap starttls: %w", err)
		}
	}

	err = conn.Bind(a.BindDN(username), password)
	switch {
	case ctx.Err() != nil:
		return false, ctx.Err()
	case err == nil:
		return true, nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials),
		ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidDNSyntax):
		logger.Debug("LDAP: bind rejected", "user", username, "error", err)
		return false, nil
	default:
		return false, fmt.Errorf("ldap bind: %w", err)
	}
}

func (a *LDAPAuthenticator) Close() error { return nil }
