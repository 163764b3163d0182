// Package auth verifies LOGIN credentials against a directory, a password
// file, or a SQL table.
//
// An Authenticator answers (true, nil) for valid credentials and
// (false, nil) for rejected ones. A non-nil error means the backend could
// not give an answer; callers treat that as a failed login.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/pkg/metrics"
)

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	Close() error
}

// New builds the backend selected by cfg.Type. Network backends sit behind
// a circuit breaker, and everything is wrapped in a success cache when
// cfg.CacheTTL is positive.
func New(ctx context.Context, cfg config.AuthConfig) (Authenticator, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, err
	}

	var backend Authenticator
	switch cfg.Type {
	case "ldap":
		backend = NewLDAPAuthenticator(cfg.LDAP, timeout)
	case "file":
		backend, err = NewFileAuthenticator(cfg.File.Path)
	case "postgres":
		backend, err = NewPostgresAuthenticator(ctx, cfg.Postgres, timeout)
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Type != "file" {
		backend = newGuarded(cfg.Type, backend)
	}
	backend = &timed{name: cfg.Type, next: backend}
	if ttl > 0 {
		return NewCache(backend, ttl, 0, 0), nil
	}
	return backend, nil
}

// timed records backend latency.
type timed struct {
	name string
	next Authenticator
}

func (t *timed) Authenticate(ctx context.Context, username, password string) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.AuthBackendDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())
	}()
	return t.next.Authenticate(ctx, username, password)
}

func (t *timed) Close() error {
	return t.next.Close()
}
