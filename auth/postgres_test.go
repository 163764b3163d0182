package auth

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/config"
)

func TestPostgresAuthenticator(t *testing.T) {
	dsn := os.Getenv("TWMAILER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TWMAILER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)

	// Temp tables are per connection; the pool needs a regular table.
	_, err = conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS public.twmailer_test_credentials (username TEXT PRIMARY KEY, password_hash TEXT NOT NULL)`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), `DROP TABLE IF EXISTS public.twmailer_test_credentials`)
	})
	_, err = conn.Exec(ctx, `INSERT INTO public.twmailer_test_credentials VALUES ($1, $2) ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`,
		"alice", bcryptHash(t, "wonderland"))
	require.NoError(t, err)

	a, err := NewPostgresAuthenticator(ctx, config.PostgresAuthConfig{
		DSN:      dsn,
		Query:    `SELECT password_hash FROM public.twmailer_test_credentials WHERE username = $1`,
		MaxConns: 2,
	}, 5*time.Second)
	require.NoError(t, err)
	defer a.Close()

	ok, err := a.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Authenticate(ctx, "alice", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Authenticate(ctx, "mallory", "wonderland")
	require.NoError(t, err)
	assert.False(t, ok)
}
