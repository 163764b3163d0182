package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Fixed response payloads.
var (
	RespOK           = []byte("OK\n")
	RespERR          = []byte("ERR\n")
	RespUnauthorized = []byte("Unauthorized\n")
)

// ListResponse renders the LIST payload: the count, then one
// "[<position>] <subject>" line per message, positions starting at 1.
func ListResponse(subjects []string) []byte {
	var b bytes.Buffer
	b.WriteString(strconv.Itoa(len(subjects)))
	b.WriteByte('\n')
	for i, s := range subjects {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, s)
	}
	return b.Bytes()
}

// MessageResponse renders a READ payload, always newline terminated.
func MessageResponse(text string) []byte {
	var b strings.Builder
	b.Grow(len(RespOK) + len(text) + 1)
	b.Write(RespOK)
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// WriteFrame writes one framed payload and flushes w.
func WriteFrame(w *bufio.Writer, payload []byte) error {
	if _, err := w.Write(EncodeResponse(payload)); err != nil {
		return err
	}
	return w.Flush()
}

// ReadFrame reads one "Content-Length: N\n" + N bytes frame, the shape of
// every server response. Frames larger than max are refused.
func ReadFrame(r *bufio.Reader, max int64) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, formatErrorf("header line too long")
		}
		return nil, err
	}
	n, err := ParseHeader(line[:len(line)-1])
	if err != nil {
		return nil, err
	}
	if max > 0 && n > max {
		return nil, formatErrorf("frame of %d bytes exceeds limit %d", n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
