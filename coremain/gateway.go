package coremain

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/mlog"
	"github.com/pmkol/httpsdns/pkg/bootstrap"
	"github.com/pmkol/httpsdns/pkg/cache"
	"github.com/pmkol/httpsdns/pkg/cache/mem_cache"
	"github.com/pmkol/httpsdns/pkg/cache/redis_cache"
	"github.com/pmkol/httpsdns/pkg/safe_close"
	"github.com/pmkol/httpsdns/pkg/server"
	"github.com/pmkol/httpsdns/pkg/server/dns_handler"
	"github.com/pmkol/httpsdns/pkg/upstream/doh"
)

// Gateway wires the cache, the upstream and the udp listener together.
type Gateway struct {
	logger *zap.Logger

	cache    *cache.Cache
	upstream *doh.Upstream
	conn     net.PacketConn
	server   *server.Server

	httpAPIMux *http.ServeMux
	apiAddr    string

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// gatewayOpts holds what can not be set by Config.
type gatewayOpts struct {
	logger  *zap.Logger
	rootCAs *x509.CertPool
}

// RunGateway starts the gateway and blocks until ctx is done or a service
// fails.
func RunGateway(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	g, err := newGateway(ctx, cfg, gatewayOpts{logger: lg})
	if err != nil {
		return err
	}
	return g.Run(ctx)
}

// newGateway builds every component of the gateway and binds the listener.
// Any error is fatal.
func newGateway(ctx context.Context, cfg *Config, opts gatewayOpts) (_ *Gateway, err error) {
	lg := opts.logger
	if lg == nil {
		lg = mlog.Nop()
	}

	g := &Gateway{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		apiAddr:    cfg.API.HTTP,
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			g.closeAll()
		}
	}()

	g.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(g.metricsReg, promhttp.HandlerOpts{}))
	g.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	g.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	g.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	g.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	g.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	backend, err := newCacheBackend(cfg.Cache, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to init cache, %w", err)
	}
	g.cache = cache.NewCache(backend, cache.Opts{Logger: lg})
	if err := g.cache.RegisterMetricsTo(g.GetMetricsReg()); err != nil {
		return nil, err
	}

	br, err := bootstrap.NewResolver(bootstrap.Opts{
		URL:     cfg.Bootstrap.URL,
		Timeout: time.Duration(cfg.Bootstrap.Timeout) * time.Second,
		Logger:  lg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init bootstrap, %w", err)
	}
	defer br.CloseIdleConnections()

	g.upstream, err = doh.NewUpstream(ctx, doh.Opts{
		Host:      cfg.Upstream.Addr,
		Port:      cfg.Upstream.Port,
		Timeout:   time.Duration(cfg.Upstream.Timeout) * time.Second,
		HTTP3:     cfg.Upstream.HTTP3,
		Bootstrap: br,
		Cache:     g.cache,
		RootCAs:   opts.rootCAs,
		Logger:    lg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstream, %w", err)
	}
	if err := g.upstream.RegisterMetricsTo(g.GetMetricsReg()); err != nil {
		return nil, err
	}

	h := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Logger:       lg,
		Upstream:     g.upstream,
		QueryTimeout: time.Duration(cfg.Upstream.Timeout) * time.Second,
	})
	if err := h.RegisterMetricsTo(g.GetMetricsReg()); err != nil {
		return nil, err
	}

	g.conn, err = server.ListenUDP(cfg.Listen.Addr, cfg.Listen.Port, server.ListenOpts{ReusePort: cfg.Listen.ReusePort})
	if err != nil {
		return nil, err
	}
	g.server = server.NewServer(server.ServerOpts{Logger: lg, DNSHandler: h})
	ep := g.upstream.Endpoint()
	lg.Info("udp listener started",
		zap.Stringer("addr", g.conn.LocalAddr()),
		zap.String("upstream", g.upstream.Address()),
		zap.Stringer("upstream_addr", ep.Addr))
	return g, nil
}

func newCacheBackend(cfg CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	if len(cfg.Redis) > 0 {
		return redis_cache.NewRedisCacheFromURL(cfg.Redis, time.Duration(cfg.RedisTimeout)*time.Millisecond, lg)
	}
	return mem_cache.NewMemCache(cfg.Size), nil
}

// Run serves until ctx is done or a service fails. Run releases all
// resources of g before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.closeAll()

	g.sc.Attach(func(closeSignal <-chan struct{}) error {
		errChan := make(chan error, 1)
		go func() {
			errChan <- g.server.ServeUDP(g.conn)
		}()
		select {
		case err := <-errChan:
			return fmt.Errorf("udp server exited, %w", err)
		case <-closeSignal:
			g.server.Close()
			if err := <-errChan; !errors.Is(err, server.ErrServerClosed) {
				return err
			}
			return nil
		}
	})

	if len(g.apiAddr) > 0 {
		httpServer := &http.Server{
			Addr:    g.apiAddr,
			Handler: g.httpAPIMux,
		}
		g.sc.Attach(func(closeSignal <-chan struct{}) error {
			errChan := make(chan error, 1)
			go func() {
				g.logger.Info("starting api http server", zap.String("addr", g.apiAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				return fmt.Errorf("api http server exited, %w", err)
			case <-closeSignal:
				httpServer.Close()
				return nil
			}
		})
	}

	g.sc.Attach(func(closeSignal <-chan struct{}) error {
		select {
		case <-ctx.Done():
			g.logger.Info("shutting down", zap.Error(context.Cause(ctx)))
			g.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
		return nil
	})

	return g.sc.Wait()
}

func (g *Gateway) closeAll() {
	var closers []io.Closer
	if g.conn != nil {
		closers = append(closers, g.conn)
	}
	if g.upstream != nil {
		closers = append(closers, g.upstream)
	}
	if g.cache != nil {
		closers = append(closers, g.cache)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			g.logger.Warn("failed to close", zap.Error(err))
		}
	}
}

// LocalAddr returns the address of the udp listener.
func (g *Gateway) LocalAddr() net.Addr {
	return g.conn.LocalAddr()
}

func (g *Gateway) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("httpsdns_", g.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
