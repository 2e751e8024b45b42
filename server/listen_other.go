//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd)

package server

import (
	"context"
	"net"
)

// ListenWithBacklog falls back to the platform default backlog.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, address)
}
