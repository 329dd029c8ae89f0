package doh

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
	"strconv"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/bootstrap"
	"github.com/pmkol/httpsdns/pkg/cache"
	"github.com/pmkol/httpsdns/pkg/upstream/transport"
)

const (
	DefaultTimeout = 10 * time.Second
	dnsQueryPath   = "/dns-query"
)

var (
	// ErrBuildTransport is returned by NewUpstream if the https client
	// cannot be built.
	ErrBuildTransport = transport.ErrBuild
	// ErrEncode is returned by Process if the query cannot be packed.
	ErrEncode = transport.ErrEncode
	// ErrResolve is returned by Process for any network, http or decoding
	// error.
	ErrResolve = errors.New("failed to resolve")
)

var nopLogger = zap.NewNop()

// Resolver resolves the upstream host name before any dns is available.
// *bootstrap.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

type Opts struct {
	// Host is a host name or an ip literal. Required.
	Host string
	// Port, default is 443.
	Port uint16

	// Timeout of one upstream request. Default is DefaultTimeout.
	Timeout time.Duration

	// HTTP3 sends queries over quic instead of tcp.
	HTTP3 bool

	// Bootstrap resolves Host if it is not an ip literal.
	// Nil means a bootstrap.Resolver with default options.
	Bootstrap Resolver

	// Cache is optional. A nil Cache disables caching.
	Cache *cache.Cache

	// RootCAs is optional. Nil means the system pool.
	RootCAs *x509.CertPool

	Logger *zap.Logger
}

// Endpoint is where the upstream is. Addr is the pinned address if Host
// was resolved by bootstrap.
type Endpoint struct {
	Host string
	Port uint16
	Addr netip.Addr
}

// Upstream is safe for concurrent use. All callers share its connection
// pool and cache.
type Upstream struct {
	endpoint Endpoint
	urlStr   string
	timeout  time.Duration
	client   *http.Client
	closer   func() error
	cache    *cache.Cache
	logger   *zap.Logger

	requestTotal *prometheus.CounterVec
	latency      prometheus.Histogram
}

// NewUpstream builds the https client of the upstream. If opts.Host is not
// an ip literal, it is resolved once by opts.Bootstrap and every connection
// to it is pinned to the resolved address. Bootstrap errors wrap
// bootstrap.ErrBootstrap.
func NewUpstream(ctx context.Context, opts Opts) (*Upstream, error) {
	if len(opts.Host) == 0 {
		return nil, fmt.Errorf("%w, missing upstream host", ErrBuildTransport)
	}
	if opts.Port == 0 {
		opts.Port = 443
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	ep := Endpoint{Host: opts.Host, Port: opts.Port}
	if _, err := netip.ParseAddr(opts.Host); err != nil {
		addr, err := bootstrapHost(ctx, opts)
		if err != nil {
			return nil, err
		}
		ep.Addr = addr
	}

	u := &url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(int(ep.Port))),
		Path:   dnsQueryPath,
	}
	if err := transport.CheckURL(u); err != nil {
		return nil, fmt.Errorf("%w, %w", ErrBuildTransport, err)
	}

	up := &Upstream{
		endpoint: ep,
		urlStr:   u.String(),
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		logger:   opts.Logger,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_request_total",
			Help: "The total number of requests sent to the upstream",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upstream_response_latency_millisecond",
			Help:    "The response latency of the upstream in millisecond",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		}),
	}

	if opts.HTTP3 {
		up.client, up.closer = newH3Client(ep, opts)
	} else {
		c, err := transport.NewHTTPClient(transport.Opts{
			PinHost: ep.Host,
			PinAddr: ep.Addr,
			RootCAs: opts.RootCAs,
			Timeout: opts.Timeout,
		})
		if err != nil {
			return nil, err
		}
		up.client = c
		up.closer = func() error {
			c.CloseIdleConnections()
			return nil
		}
	}

	opts.Logger.Info("connected to upstream",
		zap.String("url", up.urlStr),
		zap.Stringer("pinned_addr", ep.Addr),
		zap.Bool("http3", opts.HTTP3))
	return up, nil
}

func bootstrapHost(ctx context.Context, opts Opts) (netip.Addr, error) {
	r := opts.Bootstrap
	if r == nil {
		br, err := bootstrap.NewResolver(bootstrap.Opts{Logger: opts.Logger})
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w, %w", ErrBuildTransport, err)
		}
		defer br.CloseIdleConnections()
		r = br
	}

	addr, err := r.Resolve(ctx, opts.Host)
	if err != nil {
		if !errors.Is(err, bootstrap.ErrBootstrap) {
			err = fmt.Errorf("%w: %s, %w", bootstrap.ErrBootstrap, opts.Host, err)
		}
		return netip.Addr{}, err
	}
	return addr, nil
}

// newH3Client pins the connection by dialing the resolved address while
// keeping the host name for SNI and the :authority header.
func newH3Client(ep Endpoint, opts Opts) (*http.Client, func() error) {
	t := &http3.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:    opts.RootCAs,
			ServerName: ep.Host,
			MinVersion: tls.VersionTLS13,
		},
	}
	var rt http.RoundTripper = t
	if ep.Addr.IsValid() {
		rt = &pinnedRoundTripper{
			rt:   t,
			addr: net.JoinHostPort(ep.Addr.String(), strconv.Itoa(int(ep.Port))),
		}
	}
	c := &http.Client{Transport: rt, Timeout: opts.Timeout}
	return c, func() error {
		t.CloseIdleConnections()
		return t.Close()
	}
}

type pinnedRoundTripper struct {
	rt   http.RoundTripper
	addr string
}

func (p *pinnedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if len(r.Host) == 0 {
		r.Host = req.URL.Host
	}
	r.URL.Host = p.addr
	return p.rt.RoundTrip(r)
}

// Process answers q from the cache, or from the upstream on a cache miss.
// A successful upstream response is stored in the cache. Process makes at
// most one upstream request and never retries.
func (u *Upstream) Process(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if u.cache != nil {
		if r := u.cache.Get(q); r != nil {
			return r, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	r, err := transport.Exchange(ctx, u.client, u.urlStr, q)
	if err != nil {
		u.requestTotal.WithLabelValues("error").Inc()
		if errors.Is(err, transport.ErrEncode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w, %w", ErrResolve, err)
	}
	u.requestTotal.WithLabelValues("ok").Inc()
	u.latency.Observe(float64(time.Since(start).Milliseconds()))

	if u.cache != nil {
		u.cache.Put(r)
	}
	return r, nil
}

// Address returns the upstream url.
func (u *Upstream) Address() string {
	return u.urlStr
}

func (u *Upstream) Endpoint() Endpoint {
	return u.endpoint
}

// RegisterMetricsTo registers the upstream metrics to r.
func (u *Upstream) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{u.requestTotal, u.latency} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Close closes idle connections. It does not close the cache.
func (u *Upstream) Close() error {
	return u.closer()
}
