package storage

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is one stored mail. On disk it is an RFC 5322 header block
// followed by the body lines, CRLF terminated.
type Message struct {
	Sender   string
	Receiver string
	Subject  string
	Date     time.Time
	Body     []string
}

func (m *Message) header() mail.Header {
	var h mail.Header
	h.SetDate(m.Date)
	h.Set("From", m.Sender)
	h.Set("To", m.Receiver)
	h.Set("Subject", encodeSubject(m.Subject))
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return h
}

// maxPlainSubject keeps an unencoded Subject line short enough that the
// header writer never folds it.
const maxPlainSubject = 60

// encodeSubject returns a header value that decodes back to exactly s.
// Header parsing trims and unfolds whitespace and decodes anything that
// looks like an encoded word, so every subject that would be altered by
// that is written as base64 encoded words instead.
func encodeSubject(s string) string {
	if isPlainSubject(s) {
		return s
	}
	// 45 bytes keep each encoded word within 75 characters.
	const chunk = 45
	var words []string
	for len(s) > 0 {
		n := min(len(s), chunk)
		for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			n = min(len(s), chunk)
		}
		words = append(words, "=?utf-8?b?"+base64.StdEncoding.EncodeToString([]byte(s[:n]))+"?=")
		s = s[n:]
	}
	return strings.Join(words, " ")
}

func isPlainSubject(s string) bool {
	if len(s) > maxPlainSubject || strings.Contains(s, "=?") || strings.Contains(s, "  ") {
		return false
	}
	if strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

func (m *Message) encode() ([]byte, error) {
	var buf bytes.Buffer
	h := m.header()
	if err := textproto.WriteHeader(&buf, h.Header.Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, line := range m.Body {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	return buf.Bytes(), nil
}

// Text renders the message for a READ response with LF line endings.
func (m *Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", m.Sender)
	fmt.Fprintf(&b, "To: %s\n", m.Receiver)
	if !m.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", m.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "Subject: %s\n\n", m.Subject)
	for _, line := range m.Body {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func readHeader(br *bufio.Reader) (mail.Header, error) {
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return mail.Header{}, err
	}
	return mail.Header{Header: message.Header{Header: th}}, nil
}

func subjectOf(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

// decodeMessage parses a stored message file.
func decodeMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	m := &Message{
		Sender:   h.Get("From"),
		Receiver: h.Get("To"),
		Subject:  subjectOf(h),
	}
	if d, err := h.Date(); err == nil {
		m.Date = d
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > 0 {
		text := strings.TrimSuffix(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
		m.Body = strings.Split(text, "\n")
	}
	return m, nil
}
