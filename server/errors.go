package server

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// IsConnectionError reports whether err is an ordinary transport failure
// such as a peer reset, a closed socket, or a read deadline. Sessions end
// quietly on these instead of logging them as server faults.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNRESET) {
		return true
	}

	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		if errors.Is(syscallErr.Err, syscall.ECONNRESET) || errors.Is(syscallErr.Err, syscall.EPIPE) {
			return true
		}
	}

	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}
