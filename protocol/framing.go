// Package protocol implements the twmailer wire format.
//
// Every request and response travels in the same envelope:
//
//	<COMMAND>\n                  (requests only)
//	Content-Length: <N>\n
//	<N bytes of body>
//
// Requests are assembled incrementally from whatever the socket delivers.
// The Assembler never asks for more bytes than the frame it is working on
// still needs, so nothing past the end of a request is read off the wire
// while that request is incomplete.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/twmailer/twmailer/consts"
)

// HeaderPrefix starts the single header line of every frame.
const HeaderPrefix = "Content-Length:"

// FormatError reports a frame that cannot be parsed. Err is consts.ErrFormat
// for malformed framing and consts.ErrMessageTooLarge for a well-formed frame
// whose declared length exceeds the configured limit.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	return "format error: " + e.Reason
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Err: consts.ErrFormat}
}

// ParseHeader parses a header line, without its newline, into the declared
// body length. Spaces and tabs around the number are ignored.
func ParseHeader(line []byte) (int64, error) {
	line = trimCR(line)
	if !bytes.HasPrefix(line, []byte(HeaderPrefix)) {
		return 0, formatErrorf("header does not start with %q", HeaderPrefix)
	}

	value := bytes.Trim(line[len(HeaderPrefix):], " \t")
	if len(value) == 0 {
		return 0, formatErrorf("missing content length")
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, formatErrorf("content length %q is not a number", value)
		}
	}

	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, formatErrorf("content length %q out of range", value)
	}
	return n, nil
}

// EncodeResponse frames a response payload.
func EncodeResponse(payload []byte) []byte {
	header := HeaderPrefix + " " + strconv.Itoa(len(payload)) + "\n"
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	return append(out, payload...)
}

// EncodeRequest frames a request. command is written verbatim.
func EncodeRequest(command string, body []byte) []byte {
	out := make([]byte, 0, len(command)+len(HeaderPrefix)+16+len(body))
	out = append(out, command...)
	out = append(out, '\n')
	out = append(out, EncodeResponse(body)...)
	return out
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
