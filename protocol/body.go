package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twmailer/twmailer/consts"
)

// Terminator ends the body of a SEND request.
const Terminator = "."

// Lines splits a request body on newlines. A trailing newline does not
// produce an empty last element and carriage returns are dropped.
func Lines(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(body), "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

type LoginRequest struct {
	Username string
	Password string
}

// ParseLogin reads "<username>\n<password>\n".
func ParseLogin(body []byte) (LoginRequest, error) {
	lines := Lines(body)
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return LoginRequest{}, fmt.Errorf("%w: LOGIN needs a username and a password", consts.ErrProtocol)
	}
	return LoginRequest{Username: lines[0], Password: lines[1]}, nil
}

type SendRequest struct {
	Receiver string
	Subject  string
	Body     []string
}

// ParseSend reads "<receiver>\n<subject>\n<line>\n...\n.\n". Body lines stop
// at the first line that is exactly "."; without one, every remaining line
// of the frame is body.
func ParseSend(body []byte) (SendRequest, error) {
	lines := Lines(body)
	if len(lines) < 2 {
		return SendRequest{}, fmt.Errorf("%w: SEND needs a receiver and a subject", consts.ErrProtocol)
	}
	req := SendRequest{
		Receiver: strings.TrimSpace(lines[0]),
		Subject:  lines[1],
	}
	if req.Receiver == "" {
		return SendRequest{}, fmt.Errorf("%w: empty receiver", consts.ErrProtocol)
	}
	if req.Subject == "" {
		return SendRequest{}, fmt.Errorf("%w: empty subject", consts.ErrProtocol)
	}
	for _, l := range lines[2:] {
		if l == Terminator {
			break
		}
		req.Body = append(req.Body, l)
	}
	return req, nil
}

// ParsePosition reads the message number of READ and DEL.
func ParsePosition(body []byte) (int, error) {
	lines := Lines(body)
	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: missing message number", consts.ErrProtocol)
	}
	n, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, fmt.Errorf("%w: message number %q", consts.ErrProtocol, lines[0])
	}
	return n, nil
}
