// Package dohtest provides a fake DoH upstream for tests.
package dohtest

import (
	"bytes"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/miekg/dns"
)

const contentType = "application/dns-message"

// Handler returns the response to q. A nil response makes the server
// reply with 500.
type Handler func(q *dns.Msg) *dns.Msg

type Server struct {
	srv   *httptest.Server
	h     Handler
	calls atomic.Int64

	// Encoding is the Content-Encoding of responses: "", "gzip" or "br".
	Encoding string
}

// NewServer starts a TLS DoH server serving /dns-query. It is closed by
// t.Cleanup.
func NewServer(t testing.TB, h Handler) *Server {
	t.Helper()
	s := &Server{h: h}
	mux := http.NewServeMux()
	mux.HandleFunc("/dns-query", s.serveDoH)
	s.srv = httptest.NewUnstartedServer(mux)
	s.srv.EnableHTTP2 = true
	s.srv.StartTLS()
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) serveDoH(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != contentType {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := new(dns.Msg)
	if err := q.Unpack(b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.h(q)
	if resp == nil {
		http.Error(w, "no response", http.StatusInternalServerError)
		return
	}
	wire, err := resp.Pack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var body bytes.Buffer
	switch s.Encoding {
	case "gzip":
		zw := gzip.NewWriter(&body)
		zw.Write(wire)
		zw.Close()
	case "br":
		bw := brotli.NewWriter(&body)
		bw.Write(wire)
		bw.Close()
	default:
		body.Write(wire)
	}
	w.Header().Set("Content-Type", contentType)
	if len(s.Encoding) > 0 {
		w.Header().Set("Content-Encoding", s.Encoding)
	}
	w.Write(body.Bytes())
}

// Calls returns the number of requests the server received.
func (s *Server) Calls() int64 {
	return s.calls.Load()
}

// URL returns https://127.0.0.1:port/dns-query.
func (s *Server) URL() string {
	return s.srv.URL + "/dns-query"
}

// AddrPort returns the listen address of the server.
func (s *Server) AddrPort() netip.AddrPort {
	return s.srv.Listener.Addr().(*net.TCPAddr).AddrPort()
}

// Port returns the listen port of the server.
func (s *Server) Port() uint16 {
	return s.AddrPort().Port()
}

// PortString returns the listen port of the server as a string.
func (s *Server) PortString() string {
	return strconv.Itoa(int(s.Port()))
}

// RootCAs returns a pool that trusts the server certificate. The
// certificate is valid for 127.0.0.1, ::1 and example.com.
func (s *Server) RootCAs() *x509.CertPool {
	return CertPool(s.srv.Certificate())
}

// CertPool returns a pool holding cert.
func CertPool(cert *x509.Certificate) *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(cert)
	return p
}

// Reply builds a response to q with the given answers.
func Reply(q *dns.Msg, answers ...dns.RR) *dns.Msg {
	r := new(dns.Msg).SetReply(q)
	r.Answer = answers
	return r
}

// A returns an A record.
func A(name string, ttl uint32, ip string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip).To4(),
	}
}

// AAAA returns an AAAA record.
func AAAA(name string, ttl uint32, ip string) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
		AAAA: net.ParseIP(ip),
	}
}
