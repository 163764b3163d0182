package server

import (
	"net"
)

// RemoteIP returns the host part of addr, or the whole address string when
// it has no port (pipes, unix sockets).
func RemoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// StringAddr implements net.Addr for a bare address string.
type StringAddr struct {
	Addr string
}

func (s *StringAddr) String() string  { return s.Addr }
func (s *StringAddr) Network() string { return "tcp" }
