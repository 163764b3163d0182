//go:build !(linux || freebsd || darwin || openbsd || netbsd)

package server

import (
	"context"
	"fmt"
	"net"
)

func Listen(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	return l, nil
}
