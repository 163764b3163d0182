package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/twmailer/twmailer/consts"
)

// Request is one fully assembled request frame.
type Request struct {
	Command Command
	Name    string // command line as received, for logging unknown verbs
	Body    []byte
}

// Assembler turns a byte stream into request frames. Feed it whatever the
// transport delivered and call Next until it returns a nil request.
//
// After a malformed header there is no way to find the next frame boundary,
// so every buffered byte is dropped. After a well-formed header whose length
// exceeds the limit, exactly the declared number of body bytes is skipped.
type Assembler struct {
	buf     []byte
	maxLine int
	maxBody int64

	// Set once the command and header lines of the current frame are parsed.
	headerDone bool
	command    []byte
	headerLen  int
	bodyLen    int64

	// Bytes of an oversized body that still have to be thrown away.
	discard int64
}

// NewAssembler returns an assembler that rejects lines longer than maxLine
// and bodies larger than maxBody.
func NewAssembler(maxLine int, maxBody int64) *Assembler {
	if maxLine <= 0 {
		maxLine = consts.DefaultMaxLineLength
	}
	if maxBody <= 0 {
		maxBody = consts.DefaultMaxRequestSize
	}
	return &Assembler{maxLine: maxLine, maxBody: maxBody}
}

// Feed appends newly received bytes.
func (a *Assembler) Feed(p []byte) {
	if a.discard > 0 {
		skip := min(int64(len(p)), a.discard)
		a.discard -= skip
		p = p[skip:]
	}
	a.buf = append(a.buf, p...)
}

// Buffered returns the number of bytes held but not yet consumed.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Needed returns how many more bytes the current frame requires, or 0 if
// that is not known yet because the header has not been parsed.
func (a *Assembler) Needed() int64 {
	if a.discard > 0 {
		return a.discard
	}
	if !a.headerDone {
		return 0
	}
	return int64(a.headerLen) + a.bodyLen - int64(len(a.buf))
}

// Next returns the next complete request, or (nil, nil) when more input is
// needed. A *FormatError leaves the assembler ready for the next frame.
func (a *Assembler) Next() (*Request, error) {
	if a.discard > 0 {
		return nil, nil
	}

	if !a.headerDone {
		done, err := a.parseHeader()
		if err != nil || !done {
			return nil, err
		}
	}

	total := int64(a.headerLen) + a.bodyLen
	if int64(len(a.buf)) < total {
		return nil, nil
	}

	name := string(a.command)
	req := &Request{
		Command: ParseCommand(name),
		Name:    name,
		Body:    bytes.Clone(a.buf[a.headerLen:total]),
	}
	a.consume(int(total))
	return req, nil
}

func (a *Assembler) parseHeader() (bool, error) {
	cmdEnd := bytes.IndexByte(a.buf, '\n')
	if cmdEnd < 0 {
		if len(a.buf) > a.maxLine {
			return false, a.fail(formatErrorf("command line exceeds %d bytes", a.maxLine))
		}
		return false, nil
	}
	if cmdEnd > a.maxLine {
		return false, a.fail(formatErrorf("command line exceeds %d bytes", a.maxLine))
	}

	rest := a.buf[cmdEnd+1:]
	hdrEnd := bytes.IndexByte(rest, '\n')
	if hdrEnd < 0 {
		if len(rest) > a.maxLine {
			return false, a.fail(formatErrorf("header line exceeds %d bytes", a.maxLine))
		}
		return false, nil
	}

	n, err := ParseHeader(rest[:hdrEnd])
	if err != nil {
		return false, a.fail(err)
	}

	headerLen := cmdEnd + 1 + hdrEnd + 1
	if n > a.maxBody {
		a.consume(headerLen)
		a.discard = n
		drop := min(int64(len(a.buf)), a.discard)
		a.discard -= drop
		a.consume(int(drop))
		return false, &FormatError{
			Reason: "declared length exceeds limit",
			Err:    consts.ErrMessageTooLarge,
		}
	}

	a.command = bytes.Clone(trimCR(a.buf[:cmdEnd]))
	a.headerLen = headerLen
	a.bodyLen = n
	a.headerDone = true
	return true, nil
}

// fail drops everything buffered; there is no frame boundary to resync on.
func (a *Assembler) fail(err error) error {
	a.buf = a.buf[:0]
	a.resetFrame()
	return err
}

func (a *Assembler) consume(n int) {
	rem := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rem]
	a.resetFrame()
}

func (a *Assembler) resetFrame() {
	a.headerDone = false
	a.command = nil
	a.headerLen = 0
	a.bodyLen = 0
}

// Reader assembles requests from an io.Reader.
type Reader struct {
	r     io.Reader
	asm   *Assembler
	chunk []byte
}

const readChunkSize = 4096

func NewReader(r io.Reader, maxLine int, maxBody int64) *Reader {
	return &Reader{
		r:     r,
		asm:   NewAssembler(maxLine, maxBody),
		chunk: make([]byte, readChunkSize),
	}
}

// ReadRequest blocks until a complete request is available. Reads are
// capped at the number of bytes the current frame still needs. A
// *FormatError is returned for a bad frame and the Reader stays usable.
// io.EOF means the peer closed cleanly between requests.
func (r *Reader) ReadRequest() (*Request, error) {
	for {
		req, err := r.asm.Next()
		if err != nil || req != nil {
			return req, err
		}

		want := int64(len(r.chunk))
		if needed := r.asm.Needed(); needed > 0 && needed < want {
			want = needed
		}

		n, err := r.r.Read(r.chunk[:want])
		if n > 0 {
			r.asm.Feed(r.chunk[:n])
		}
		if err != nil {
			if n > 0 {
				if req, ferr := r.asm.Next(); req != nil || ferr != nil {
					return req, ferr
				}
			}
			if errors.Is(err, io.EOF) && (r.asm.Buffered() > 0 || r.asm.headerDone) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}
