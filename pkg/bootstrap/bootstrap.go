// Package bootstrap resolves the address of a DoH server by asking a
// fixed DoH server that is reached by ip, so no system resolver is needed.
package bootstrap

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/dnsutils"
	"github.com/pmkol/httpsdns/pkg/upstream/transport"
)

const (
	DefaultURL     = "https://1.1.1.1/dns-query"
	DefaultTimeout = 10 * time.Second
)

var (
	ErrBootstrap = errors.New("bootstrap failed")

	errNoAnswer  = errors.New("the response doesn't contain the answer")
	errNoAddress = errors.New("the answer doesn't contain an address record")
)

var nopLogger = zap.NewNop()

type Opts struct {
	// URL of the bootstrap server. Its host must be an ip literal.
	// Default is DefaultURL.
	URL string

	// Timeout of one Resolve call. Default is DefaultTimeout.
	Timeout time.Duration

	// RootCAs is optional.
	RootCAs *x509.CertPool

	Logger *zap.Logger
}

// Resolver is stateless. Every Resolve makes exactly one https request.
type Resolver struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

func NewResolver(opts Opts) (*Resolver, error) {
	if len(opts.URL) == 0 {
		opts.URL = DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap url, %w", err)
	}
	if err := transport.CheckURL(u); err != nil {
		return nil, fmt.Errorf("invalid bootstrap url, %w", err)
	}
	if _, err := netip.ParseAddr(u.Hostname()); err != nil {
		return nil, fmt.Errorf("bootstrap url host must be an ip address, got %s", u.Hostname())
	}

	client, err := transport.NewHTTPClient(transport.Opts{
		RootCAs: opts.RootCAs,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	return &Resolver{
		url:     u.String(),
		timeout: opts.Timeout,
		client:  client,
		logger:  opts.Logger,
	}, nil
}

// Resolve returns the address carried by the first answer record of an A
// query for host. All errors wrap ErrBootstrap. Resolve does not retry.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	q, err := dnsutils.NewQuery(host, dns.TypeA)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s, %w", ErrBootstrap, host, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	resp, err := transport.Exchange(ctx, r.client, r.url, q)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s, %w", ErrBootstrap, host, err)
	}

	if len(resp.Answer) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %s, %w", ErrBootstrap, host, errNoAnswer)
	}
	addr, ok := dnsutils.FirstAddr(resp)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %s, %w", ErrBootstrap, host, errNoAddress)
	}

	r.logger.Info("bootstrap resolved", zap.String("host", host), zap.Stringer("addr", addr))
	return addr, nil
}

// CloseIdleConnections closes the idle connections to the bootstrap server.
func (r *Resolver) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}
