package server

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	D "github.com/pmkol/httpsdns/pkg/server/dns_handler"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// DNSHandler is the dns handler required by the UDP server.
	DNSHandler D.Handler
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Server serves dns queries on one or more packet sockets.
type Server struct {
	opts ServerOpts

	m      sync.Mutex
	closed bool
	conns  map[io.Closer]struct{}
	loops  sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts:  opts,
		conns: make(map[io.Closer]struct{}),
	}
}

// Closed reports whether Close was called.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// addConn registers the socket of a receive loop. It returns false if the
// server is already closed, in which case the loop must not start.
func (s *Server) addConn(c io.Closer) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.loops.Add(1)
	return true
}

func (s *Server) removeConn(c io.Closer) {
	s.m.Lock()
	delete(s.conns, c)
	s.m.Unlock()
	s.loops.Done()
}

// Close closes all sockets and waits for their receive loops to return.
// Queries already being handled are not waited for, their replies fail
// to send.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.m.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.loops.Wait()
}
