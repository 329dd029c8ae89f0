/*
 * Copyright (C) 2020-2022, IrineSistiana
 * Copyright (C) 2026, pmkol
 *
 * This file is part of httpsdns.
 *
 * httpsdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * httpsdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/pool"
	C "github.com/pmkol/httpsdns/pkg/query_context"
)

// readBufSize is the size of the receive buffer. Longer datagrams are
// truncated by the kernel and then fail to parse.
const readBufSize = dns.MinMsgSize

// ServeUDP reads queries from c and answers each of them in its own
// goroutine. Any per-query error drops the query. ServeUDP always closes c.
// It returns ErrServerClosed after the server is closed.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.DNSHandler
	if handler == nil {
		return errMissingDNSHandler
	}

	if !s.addConn(c) {
		return ErrServerClosed
	}
	defer s.removeConn(c)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb := make([]byte, readBufSize)
	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("unexpected read err: %w", err)
			}
			s.opts.Logger.Warn("read err", zap.Error(err))
			continue
		}

		b := pool.GetBuf(n)
		copy(b.Bytes(), rb[:n])
		go func() {
			defer b.Release()
			s.handleDatagram(listenerCtx, c, b.Bytes(), remoteAddr)
		}()
	}
}

func (s *Server) handleDatagram(ctx context.Context, c net.PacketConn, b []byte, remoteAddr net.Addr) {
	q := new(dns.Msg)
	if err := q.Unpack(b); err != nil {
		s.opts.Logger.Warn("invalid msg", zap.Error(err), zap.Binary("msg", b), zap.Stringer("from", remoteAddr))
		return
	}

	meta := C.NewRequestMeta(addrPortOf(remoteAddr))
	meta.SetProtocol(C.ProtocolUDP)

	r, err := s.opts.DNSHandler.ServeDNS(ctx, q, meta)
	if err != nil {
		// Logged by the handler.
		return
	}
	r.Truncate(getUDPSize(q))

	wire, buf, err := pool.PackBuffer(r)
	if err != nil {
		s.opts.Logger.Warn("failed to pack response", zap.Error(err), zap.Stringer("from", remoteAddr))
		return
	}
	defer buf.Release()

	if _, err := c.WriteTo(wire, remoteAddr); err != nil {
		s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
	}
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

func getUDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}
