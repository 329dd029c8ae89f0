package cache

import (
	"io"
	"slices"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/dnsutils"
)

// Entry is a cached response.
type Entry struct {
	// Msg is the response as received from upstream, with its original id.
	// Backends and callers must treat it as read-only.
	Msg      *dns.Msg
	StoredAt time.Time
	// TTL is the minimal ttl of Msg's answer records.
	TTL time.Duration
}

// Expired reports whether e is no longer fresh at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

type Backend interface {
	// Get returns the entry of key.
	// An expired entry is removed from the backend by the same call and is
	// reported with ok == false and expired == true.
	Get(key string) (e *Entry, expired bool, ok bool)

	// Store stores or overwrites the entry of key.
	Store(key string, e *Entry)

	Len() int

	io.Closer
}

var nopLogger = zap.NewNop()

type Opts struct {
	// Logger is optional.
	Logger *zap.Logger
}

// Cache is the response cache shared by all in-flight queries.
// It is safe for concurrent use as long as its Backend is.
type Cache struct {
	backend Backend
	logger  *zap.Logger

	queryTotal   prometheus.Counter
	hitTotal     prometheus.Counter
	expiredTotal prometheus.Counter
	storeTotal   prometheus.Counter
	size         prometheus.GaugeFunc
}

func NewCache(backend Backend, opts Opts) *Cache {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	c := &Cache{
		backend: backend,
		logger:  opts.Logger,
		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_query_total",
			Help: "The total number of cache lookups",
		}),
		hitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of fresh cache hits",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_expired_total",
			Help: "The total number of entries removed because they expired",
		}),
		storeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_store_total",
			Help: "The total number of stored responses",
		}),
	}
	c.size = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cache_size_current",
		Help: "Current cache size in records",
	}, func() float64 {
		return float64(c.backend.Len())
	})
	return c
}

// RegisterMetricsTo registers the cache metrics to r.
func (c *Cache) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, collector := range [...]prometheus.Collector{c.queryTotal, c.hitTotal, c.expiredTotal, c.storeTotal, c.size} {
		if err := r.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a copy of r. It is a no-op if r has no question or no answer.
func (c *Cache) Put(r *dns.Msg) {
	key, ok := dnsutils.GetMsgKey(r)
	if !ok {
		return
	}
	ttl, ok := dnsutils.GetMinimalAnswerTTL(r)
	if !ok {
		return
	}

	c.backend.Store(key, &Entry{
		Msg:      r.Copy(),
		StoredAt: time.Now(),
		TTL:      time.Duration(ttl) * time.Second,
	})
	c.storeTotal.Inc()
}

// Get returns a fresh cached response for q, with q's id and question,
// or nil.
// The returned msg is owned by the caller.
func (c *Cache) Get(q *dns.Msg) *dns.Msg {
	key, ok := dnsutils.GetMsgKey(q)
	if !ok {
		return nil
	}
	c.queryTotal.Inc()

	e, expired, ok := c.backend.Get(key)
	if !ok {
		if expired {
			c.expiredTotal.Inc()
			c.logger.Debug("cache entry expired", zap.String("qname", q.Question[0].Name))
		}
		return nil
	}
	c.hitTotal.Inc()

	r := e.Msg.Copy()
	r.Id = q.Id
	// Keys ignore case, the reply must echo the question as asked.
	r.Question = slices.Clone(q.Question)
	return r
}

func (c *Cache) Len() int {
	return c.backend.Len()
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
