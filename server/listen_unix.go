//go:build linux || freebsd || darwin || openbsd || netbsd

package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener with SO_REUSEADDR set, so a restarted
// daemon can bind its port while old connections sit in TIME_WAIT.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			if ctrlErr != nil {
				return fmt.Errorf("failed to set SO_REUSEADDR: %w", ctrlErr)
			}
			return nil
		},
	}

	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return l, nil
}
