//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package core

import (
	"context"
	"net"
)

const reusePortSupported = false

func listen(ctx context.Context, addr string, _ bool) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
