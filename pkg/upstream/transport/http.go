package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultIdleTimeout  = 90 * time.Second
	defaultH2ReadIdle   = 30 * time.Second
	defaultH2PingTimout = 5 * time.Second
	maxRedirects        = 10
)

var (
	ErrBuild     = errors.New("failed to build https client")
	ErrPlaintext = errors.New("plaintext http is not allowed")
)

type Opts struct {
	// PinHost and PinAddr pin every connection to PinHost to PinAddr,
	// bypassing system name resolution. TLS still verifies PinHost.
	PinHost string
	PinAddr netip.Addr

	// RootCAs is optional. Nil means the system pool.
	RootCAs *x509.CertPool

	// Timeout bounds a whole request, including reading the body.
	// Zero means no timeout.
	Timeout time.Duration

	// IdleTimeout of pooled connections. Default is 90s.
	IdleTimeout time.Duration
}

// NewHTTPClient returns a https only *http.Client with http/2 enabled.
// Transparent compression is turned off, Exchange negotiates and
// decodes gzip and br by itself.
func NewHTTPClient(opts Opts) (*http.Client, error) {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:         pinnedDialContext(dialer, opts.PinHost, opts.PinAddr),
		TLSClientConfig:     &tls.Config{RootCAs: opts.RootCAs, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     opts.IdleTimeout,
		MaxIdleConnsPerHost: 16,
		DisableCompression:  true,
	}
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, fmt.Errorf("%w, %w", ErrBuild, err)
	}
	h2.ReadIdleTimeout = defaultH2ReadIdle
	h2.PingTimeout = defaultH2PingTimout

	return &http.Client{
		Transport:     t,
		Timeout:       opts.Timeout,
		CheckRedirect: httpsOnlyRedirect,
	}, nil
}

func pinnedDialContext(d *net.Dialer, host string, addr netip.Addr) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if addr.IsValid() {
			if h, port, err := net.SplitHostPort(address); err == nil && strings.EqualFold(h, host) {
				address = net.JoinHostPort(addr.String(), port)
			}
		}
		return d.DialContext(ctx, network, address)
	}
}

func httpsOnlyRedirect(req *http.Request, via []*http.Request) error {
	if req.URL.Scheme != "https" {
		return fmt.Errorf("redirect to %s, %w", req.URL.Redacted(), ErrPlaintext)
	}
	if len(via) >= maxRedirects {
		return errors.New("too many redirects")
	}
	return nil
}

// CheckURL returns an error if u is not an absolute https url.
func CheckURL(u *url.URL) error {
	if u.Scheme != "https" {
		return fmt.Errorf("%s, %w", u.Redacted(), ErrPlaintext)
	}
	if len(u.Host) == 0 {
		return fmt.Errorf("%s, missing host", u.Redacted())
	}
	return nil
}
