package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
)

var (
	ErrAddressParse     = errors.New("failed to parse listen address")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBind             = errors.New("failed to bind")
)

type ListenOpts struct {
	// ReusePort sets SO_REUSEPORT on the socket, so several processes can
	// share the same address. Not all platforms support it.
	ReusePort bool
}

// ListenUDP binds a udp socket on addr:port. addr must be an ip literal.
func ListenUDP(addr string, port uint16, opts ListenOpts) (net.PacketConn, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s, %w", ErrAddressParse, addr, err)
	}
	laddr := netip.AddrPortFrom(ip, port).String()

	lc := net.ListenConfig{}
	if opts.ReusePort {
		if reusePortControl == nil {
			return nil, fmt.Errorf("%w: %s, reuse port is not supported on this platform", ErrBind, laddr)
		}
		lc.Control = reusePortControl
	}

	c, err := lc.ListenPacket(context.Background(), "udp", laddr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s, %w", ErrPermissionDenied, laddr, err)
		}
		return nil, fmt.Errorf("%w: %s, %w", ErrBind, laddr, err)
	}
	return c, nil
}
