//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/verayang01/chatd/logger"
	"golang.org/x/sys/unix"
)

// ListenWithBacklog creates a TCP listener with SO_REUSEADDR and a custom
// listen backlog. The socket is built by hand because net.Listen always uses
// the kernel default. A backlog of zero or less means 1024.
func ListenWithBacklog(ctx context.Context, network, address string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = 1024
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	var family int
	var sockaddr unix.Sockaddr
	ipv6only := 1

	switch {
	case addr.IP == nil:
		// Wildcard: dual-stack, like net.Listen.
		family = unix.AF_INET6
		sockaddr = &unix.SockaddrInet6{Port: addr.Port}
		ipv6only = 0
	case addr.IP.To4() != nil:
		family = unix.AF_INET
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To4())
		sockaddr = sa
	default:
		family = unix.AF_INET6
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		sockaddr = sa
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		syscall.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		if family == unix.AF_INET6 && addr.IP == nil {
			// No IPv6 on this host.
			logger.Debug("Listener: IPv6 socket unavailable, falling back to default listen", "address", address, "error", err)
			var lc net.ListenConfig
			return lc.Listen(ctx, network, address)
		}
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	fail := func(step string, err error) (net.Listener, error) {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to %s: %w", step, err)
	}

	// IPV6_V6ONLY must be set before anything else on FreeBSD.
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, ipv6only); err != nil {
			return fail("set IPV6_V6ONLY", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		return fail("bind socket", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	file := os.NewFile(uintptr(fd), "listener")
	listener, err := net.FileListener(file)
	// FileListener dups the descriptor.
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	logger.Debug("Listener: created", "address", listener.Addr().String(), "backlog", backlog)
	return listener, nil
}
