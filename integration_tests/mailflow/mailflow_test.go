//go:build integration

package mailflow_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/auth"
	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/server"
	"github.com/twmailer/twmailer/server/adminapi"
	"github.com/twmailer/twmailer/server/lmtp"
	"github.com/twmailer/twmailer/server/twmail"
	"github.com/twmailer/twmailer/storage"
	"github.com/twmailer/twmailer/testutils"
)

const apiKey = "integration-key"

// stack is one twmailer process: framed server, LMTP and admin API sharing
// a store, a file authenticator and a SQLite blacklist.
type stack struct {
	mailAddr  string
	lmtpAddr  string
	admin     *httptest.Server
	store     *storage.MailStore
	blacklist server.Blacklist
}

func writeUsersFile(t *testing.T, users map[string]string) string {
	t.Helper()
	var b strings.Builder
	for user, password := range users {
		hash, err := auth.HashPassword(password)
		require.NoError(t, err)
		fmt.Fprintf(&b, "%s:%s\n", user, hash)
	}
	path := filepath.Join(t.TempDir(), "users.passwd")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func startStack(t *testing.T, mailDir, blacklistPath, usersPath string) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.NewDefaultConfig()
	cfg.Storage.MailDir = mailDir
	cfg.Blacklist.Backend = "sqlite"
	cfg.Blacklist.Path = blacklistPath
	cfg.Auth.Type = "file"
	cfg.Auth.File.Path = usersPath
	require.NoError(t, cfg.Validate())

	store, err := storage.New(cfg.Storage.MailDir)
	require.NoError(t, err)
	bl, err := server.NewBlacklist(cfg.Blacklist)
	require.NoError(t, err)
	t.Cleanup(func() { bl.Close() })
	authenticator, err := auth.New(ctx, cfg.Auth)
	require.NoError(t, err)
	t.Cleanup(func() { authenticator.Close() })

	mailServer, err := twmail.New(ctx, "", store, authenticator, bl, twmail.ServerOptions{
		MaxLoginAttempts: cfg.Server.MaxLoginAttempts,
		MaxLineLength:    cfg.Server.MaxLineLength,
		MaxRequestSize:   1 << 20,
	})
	require.NoError(t, err)
	mailListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go mailServer.Serve(mailListener)
	t.Cleanup(mailServer.Close)

	lmtpServer, err := lmtp.New(ctx, "", store, authenticator, bl, lmtp.LMTPServerOptions{
		Mode:           lmtp.ModeLMTP,
		Domain:         "mail.example.org",
		MaxMessageSize: 1 << 20,
	})
	require.NoError(t, err)
	lmtpListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go lmtpServer.Serve(lmtpListener)
	t.Cleanup(func() { lmtpServer.Close() })

	adminOpts := adminapi.ServerOptions{
		Name:      "integration",
		APIKey:    apiKey,
		Store:     store,
		Blacklist: bl,
		Listeners: map[string]server.ConnectionStatsProvider{"twmail": mailServer, "lmtp": lmtpServer},
	}
	if c, ok := authenticator.(*auth.Cache); ok {
		adminOpts.AuthCache = c
	}
	admin, err := adminapi.New(adminOpts)
	require.NoError(t, err)
	ts := httptest.NewServer(admin.Handler())
	t.Cleanup(ts.Close)

	return &stack{
		mailAddr:  mailListener.Addr().String(),
		lmtpAddr:  lmtpListener.Addr().String(),
		admin:     ts,
		store:     store,
		blacklist: bl,
	}
}

func (s *stack) adminRequest(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.admin.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func deliverLMTP(t *testing.T, addr, from string, to []string, message string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	c := textproto.NewConn(conn)
	defer c.Close()

	expect := func(code int, format string, args ...any) {
		t.Helper()
		if format != "" {
			require.NoError(t, c.PrintfLine(format, args...))
		}
		_, _, err := c.ReadResponse(code)
		require.NoError(t, err)
	}

	expect(220, "")
	expect(250, "LHLO integration.test")
	expect(250, "MAIL FROM:<%s>", from)
	for _, rcpt := range to {
		expect(250, "RCPT TO:<%s>", rcpt)
	}
	expect(354, "DATA")
	w := c.DotWriter()
	_, err = w.Write([]byte(strings.ReplaceAll(message, "\n", "\r\n")))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	for range to {
		expect(250, "")
	}
	expect(221, "QUIT")
}

func TestLMTPDeliveryIsReadableOverFramedProtocol(t *testing.T) {
	dir := t.TempDir()
	users := writeUsersFile(t, map[string]string{"alice": "pw1", "bob": "pw2"})
	s := startStack(t, filepath.Join(dir, "spool"), filepath.Join(dir, "blacklist.db"), users)

	deliverLMTP(t, s.lmtpAddr, "news@remote.example", []string{"alice@mail.example.org", "bob@mail.example.org"},
		"From: news@remote.example\nSubject: Weekly digest\n\nline one\nline two\n")

	c := testutils.Dial(t, s.mailAddr)
	require.Equal(t, "OK\n", c.Login("alice", "pw1"))
	assert.Equal(t, "1\n[1] Weekly digest\n", c.List())

	msg := c.Read(1)
	assert.Contains(t, msg, "From: news@remote.example\n")
	assert.True(t, strings.HasSuffix(msg, "\n\nline one\nline two\n"), msg)

	require.Equal(t, "OK\n", c.Send("bob", "Re: digest", "thanks"))
	require.Equal(t, "OK\n", c.Quit())

	resp := s.adminRequest(t, "GET", "/api/v1/mailboxes/bob")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, err := s.store.List("bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Weekly digest", list[0].Subject)
	assert.Equal(t, "Re: digest", list[1].Subject)
}

func TestBlacklistIsSharedAcrossProcessesAndManageable(t *testing.T) {
	dir := t.TempDir()
	users := writeUsersFile(t, map[string]string{"alice": "pw1"})
	blacklistPath := filepath.Join(dir, "blacklist.db")
	first := startStack(t, filepath.Join(dir, "spool"), blacklistPath, users)
	second := startStack(t, filepath.Join(dir, "spool"), blacklistPath, users)

	c := testutils.Dial(t, first.mailAddr)
	for i := 0; i < 3; i++ {
		require.Equal(t, "ERR\n", c.Login("alice", "wrong"))
	}
	require.Equal(t, "ERR\n", c.Login("alice", "pw1"), "blacklisted on the first process")

	other := testutils.Dial(t, second.mailAddr)
	assert.Equal(t, "ERR\n", other.Login("alice", "pw1"), "and on the second")

	resp := second.adminRequest(t, "GET", "/api/v1/blacklist")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = second.adminRequest(t, "DELETE", "/api/v1/blacklist/127.0.0.1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "OK\n", c.Login("alice", "pw1"), "removal is visible to the first process")
}
