package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/consts"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    int64
		wantErr bool
	}{
		{"plain", "Content-Length: 12", 12, false},
		{"no space", "Content-Length:7", 7, false},
		{"tabs and spaces", "Content-Length:\t  42 \t", 42, false},
		{"zero", "Content-Length: 0", 0, false},
		{"carriage return", "Content-Length: 5\r", 5, false},
		{"missing prefix", "Length: 5", 0, true},
		{"wrong case", "content-length: 5", 0, true},
		{"empty value", "Content-Length:   ", 0, true},
		{"not a number", "Content-Length: five", 0, true},
		{"negative", "Content-Length: -1", 0, true},
		{"trailing junk", "Content-Length: 5x", 0, true},
		{"overflow", "Content-Length: 99999999999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParseHeader([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				var fe *FormatError
				assert.True(t, errors.As(err, &fe))
				assert.ErrorIs(t, err, consts.ErrFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("OK\n"),
		[]byte("ERR\n"),
		[]byte("3\n[1] a\n[2] b\n[3] c\n"),
		bytes.Repeat([]byte("x"), 4096),
		[]byte("Content-Length: 9\nembedded"),
	}
	for n := 0; n < 64; n++ {
		payloads = append(payloads, bytes.Repeat([]byte{byte('a' + n%26)}, n))
	}

	var stream bytes.Buffer
	for _, p := range payloads {
		stream.Write(EncodeResponse(p))
	}

	r := bufio.NewReader(&stream)
	for _, p := range payloads {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(got))
		assert.True(t, bytes.Equal(p, got))
	}
	_, err := ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeRequest(t *testing.T) {
	got := EncodeRequest("LOGIN", []byte("alice\npw1\n"))
	assert.Equal(t, "LOGIN\nContent-Length: 10\nalice\npw1\n", string(got))

	got = EncodeRequest("LIST", nil)
	assert.Equal(t, "LIST\nContent-Length: 0\n", string(got))
}

func TestReadFrameLimit(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 100\n"))
	_, err := ReadFrame(r, 10)
	assert.ErrorIs(t, err, consts.ErrFormat)
}

func TestListResponse(t *testing.T) {
	assert.Equal(t, "0\n", string(ListResponse(nil)))
	assert.Equal(t, "2\n[1] Hi\n[2] Re: Hi\n", string(ListResponse([]string{"Hi", "Re: Hi"})))
}

func TestMessageResponse(t *testing.T) {
	assert.Equal(t, "OK\nhello\n", string(MessageResponse("hello")))
	assert.Equal(t, "OK\nhello\n", string(MessageResponse("hello\n")))
}

func TestCommandParsing(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"LOGIN", CmdLogin},
		{"SEND", CmdSend},
		{"LIST", CmdList},
		{"READ", CmdRead},
		{"DEL", CmdDel},
		{"QUIT", CmdQuit},
		{"login", CmdUnknown},
		{"LOGIN ", CmdUnknown},
		{"", CmdUnknown},
		{"DELETE", CmdUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCommand(tt.in), "command %q", tt.in)
	}

	assert.Equal(t, "DEL", CmdDel.String())
	assert.Equal(t, "UNKNOWN", Command(99).String())
	assert.True(t, CmdRead.RequiresAuth())
	assert.False(t, CmdLogin.RequiresAuth())
	assert.False(t, CmdQuit.RequiresAuth())
}

func TestParseBodies(t *testing.T) {
	login, err := ParseLogin([]byte("alice\npw1\n"))
	require.NoError(t, err)
	assert.Equal(t, LoginRequest{Username: "alice", Password: "pw1"}, login)

	_, err = ParseLogin([]byte("alice\n"))
	assert.ErrorIs(t, err, consts.ErrProtocol)

	send, err := ParseSend([]byte("bob\nHi\nhello\nsecond line\n.\n"))
	require.NoError(t, err)
	assert.Equal(t, "bob", send.Receiver)
	assert.Equal(t, "Hi", send.Subject)
	assert.Equal(t, []string{"hello", "second line"}, send.Body)

	send, err = ParseSend([]byte("bob\nHi\nno terminator"))
	require.NoError(t, err)
	assert.Equal(t, []string{"no terminator"}, send.Body)

	send, err = ParseSend([]byte("bob\nHi\n.\nafter terminator\n"))
	require.NoError(t, err)
	assert.Empty(t, send.Body)

	_, err = ParseSend([]byte("\nHi\n.\n"))
	assert.ErrorIs(t, err, consts.ErrProtocol)

	_, err = ParseSend([]byte("bob\n"))
	assert.ErrorIs(t, err, consts.ErrProtocol)

	_, err = ParseSend([]byte("bob\n\nhello\n.\n"))
	assert.ErrorIs(t, err, consts.ErrProtocol, "the subject line is required")

	send, err = ParseSend([]byte("bob\n  padded  \n.\n"))
	require.NoError(t, err)
	assert.Equal(t, "  padded  ", send.Subject, "subjects are taken verbatim")

	pos, err := ParsePosition([]byte("3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	_, err = ParsePosition([]byte("three\n"))
	assert.ErrorIs(t, err, consts.ErrProtocol)

	_, err = ParsePosition(nil)
	assert.ErrorIs(t, err, consts.ErrProtocol)
}

func TestReaderOneByteAtATime(t *testing.T) {
	stream := EncodeRequest("LOGIN", []byte("alice\npw1\n"))
	stream = append(stream, EncodeRequest("QUIT", nil)...)

	r := NewReader(iotest.OneByteReader(bytes.NewReader(stream)), 0, 0)

	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, CmdLogin, req.Command)
	assert.Equal(t, "alice\npw1\n", string(req.Body))

	req, err = r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, CmdQuit, req.Command)

	_, err = r.ReadRequest()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("SEND\nContent-Length: 50\nbob\n"), 0, 0)
	_, err := r.ReadRequest()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// countingReader records the size of every read buffer it is handed.
type countingReader struct {
	r     io.Reader
	sizes []int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.sizes = append(c.sizes, len(p))
	return c.r.Read(p)
}

func TestReaderDoesNotReadPastFrame(t *testing.T) {
	first := EncodeRequest("READ", []byte("1\n"))
	rest := []byte("this belongs to whoever reads next")

	// Deliver the header in one read, then make the body trickle in so the
	// reader has to ask for the remainder explicitly.
	header := first[:len(first)-2]
	cr := &countingReader{r: io.MultiReader(bytes.NewReader(header), bytes.NewReader(first[len(first)-2:]), bytes.NewReader(rest))}
	r := NewReader(cr, 0, 0)

	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(req.Body))
	assert.Equal(t, 2, cr.sizes[len(cr.sizes)-1], "the last read asks for exactly the missing body bytes")
	assert.Zero(t, r.asm.Buffered())
}
