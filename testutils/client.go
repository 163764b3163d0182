package testutils

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/protocol"
)

// Client is a blocking protocol client for tests. Every helper fails the
// test on transport errors.
type Client struct {
	t    testing.TB
	conn net.Conn
	r    *bufio.Reader
}

func Dial(t testing.TB, addr string) *Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	c := &Client{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	return c
}

// Do sends one request and returns the response payload.
func (c *Client) Do(command, body string) string {
	c.t.Helper()
	c.Write(protocol.EncodeRequest(command, []byte(body)))
	return c.ReadResponse()
}

// Write sends raw bytes, framed or not.
func (c *Client) Write(p []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := c.conn.Write(p)
	require.NoError(c.t, err)
}

func (c *Client) ReadResponse() string {
	c.t.Helper()
	payload, err := c.TryReadResponse(5 * time.Second)
	require.NoError(c.t, err)
	return payload
}

// TryReadResponse reads one frame and returns the error instead of failing,
// for tests that expect the server to hang up.
func (c *Client) TryReadResponse(timeout time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	payload, err := protocol.ReadFrame(c.r, 0)
	return string(payload), err
}

func (c *Client) Login(user, password string) string {
	c.t.Helper()
	return c.Do("LOGIN", user+"\n"+password+"\n")
}

// Send delivers a message; body lines are joined with '\n' and terminated
// with a "." line.
func (c *Client) Send(receiver, subject string, body ...string) string {
	c.t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", receiver, subject)
	for _, line := range body {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(".\n")
	return c.Do("SEND", b.String())
}

func (c *Client) List() string {
	c.t.Helper()
	return c.Do("LIST", "")
}

func (c *Client) Read(n int) string {
	c.t.Helper()
	return c.Do("READ", fmt.Sprintf("%d\n", n))
}

func (c *Client) Del(n int) string {
	c.t.Helper()
	return c.Do("DEL", fmt.Sprintf("%d\n", n))
}

func (c *Client) Quit() string {
	c.t.Helper()
	return c.Do("QUIT", "")
}

func (c *Client) Close() error {
	return c.conn.Close()
}
