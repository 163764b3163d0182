package lmtp

import (
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/twmailer/twmailer/consts"
)

type parsedMessage struct {
	subject string
	body    []string
}

// parseMessage extracts the subject and a plain-text body: the first
// text/plain part, else the first text/html part converted to text, else
// the first other text/* part. Subjects are cut to the store's limit.
func parseMessage(r io.Reader) (*parsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	var plain, html, other *string
	for plain == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, err
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := h.ContentType()
		if mediaType != "" && !strings.HasPrefix(mediaType, "text/") {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, err
		}
		text := string(data)
		switch {
		case mediaType == "" || mediaType == "text/plain":
			plain = &text
		case mediaType == "text/html":
			if html == nil {
				html = &text
			}
		default:
			if other == nil {
				other = &text
			}
		}
	}

	var body string
	switch {
	case plain != nil:
		body = *plain
	case html != nil:
		body = strings.TrimSpace(html2text.HTML2Text(*html))
	case other != nil:
		body = *other
	}

	return &parsedMessage{
		subject: truncateRunes(strings.TrimSpace(subject), consts.MaxSubjectLength),
		body:    splitLines(body),
	}, nil
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
