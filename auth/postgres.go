package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/retry"
)

// PostgresAuthenticator looks the password hash up with a configurable
// query taking the username as $1.
type PostgresAuthenticator struct {
	pool    *pgxpool.Pool
	query   string
	timeout time.Duration
}

func NewPostgresAuthenticator(ctx context.Context, cfg config.PostgresAuthConfig, timeout time.Duration) (*PostgresAuthenticator, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	err = retry.WithRetry(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := pool.Ping(pingCtx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// The server answered; credentials or database are wrong.
			return retry.Stop(err)
		}
		return err
	}, retry.DefaultBackoffConfig())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	logger.Info("Auth: connected to postgres", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return &PostgresAuthenticator{pool: pool, query: cfg.Query, timeout: timeout}, nil
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if password == "" {
		return false, nil
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var hash string
	err := a.pool.QueryRow(ctx, a.query, username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("credential lookup: %w", err)
	}

	if err := VerifyPassword(hash, password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			logger.Warn("Auth: unusable stored hash", "user", username, "error", err)
		}
		return false, nil
	}
	return true, nil
}

func (a *PostgresAuthenticator) Close() error {
	a.pool.Close()
	return nil
}
