package dns_handler

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	C "github.com/pmkol/httpsdns/pkg/query_context"
)

const (
	defaultQueryTimeout = 10 * time.Second
)

var (
	nopLogger = zap.NewNop()

	errNilResp = errors.New("upstream returned a nil response")
)

// Handler handles dns query.
type Handler interface {
	// ServeDNS handles incoming request req and returns a response.
	// A non-nil error means the request must be dropped.
	ServeDNS(ctx context.Context, req *dns.Msg, meta *C.RequestMeta) (*dns.Msg, error)
}

// Upstream answers a query. *doh.Upstream implements it.
type Upstream interface {
	Process(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
}

type EntryHandlerOpts struct {
	// Logger is used for logging. Default is a noop logger.
	Logger *zap.Logger

	// Required.
	Upstream Upstream

	// QueryTimeout limits the time spent on one query.
	// Default is defaultQueryTimeout.
	QueryTimeout time.Duration
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
}

type EntryHandler struct {
	opts EntryHandlerOpts

	queryTotal   *prometheus.CounterVec
	responseTime prometheus.Histogram
}

func NewEntryHandler(opts EntryHandlerOpts) *EntryHandler {
	opts.init()
	return &EntryHandler{
		opts: opts,
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_total",
			Help: "The total number of queries received by the listener",
		}, []string{"result"}),
		responseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "response_latency_millisecond",
			Help:    "The response latency of the listener in millisecond",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		}),
	}
}

// RegisterMetricsTo registers the handler metrics to r.
func (h *EntryHandler) RegisterMetricsTo(r prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{h.queryTotal, h.responseTime} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ServeDNS implements Handler. Every query goes to the upstream, including
// one without a question.
// Errors are logged here so callers only need to drop the request.
func (h *EntryHandler) ServeDNS(ctx context.Context, req *dns.Msg, meta *C.RequestMeta) (*dns.Msg, error) {
	qCtx := C.NewContext(req, meta)

	ctx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	r, err := h.opts.Upstream.Process(ctx, qCtx.Q())
	if err == nil && r == nil {
		err = errNilResp
	}
	if err != nil {
		h.queryTotal.WithLabelValues("error").Inc()
		h.opts.Logger.Warn("query dropped",
			qCtx.InfoField(),
			zap.String("protocol", qCtx.ReqMeta().GetProtocol()),
			zap.Stringer("from", qCtx.ReqMeta().GetClientAddr()),
			zap.Error(err))
		return nil, err
	}
	qCtx.SetResponse(r)

	h.queryTotal.WithLabelValues("ok").Inc()
	h.responseTime.Observe(float64(time.Since(qCtx.StartTime()).Milliseconds()))
	h.opts.Logger.Debug("query answered",
		qCtx.InfoField(),
		zap.String("protocol", qCtx.ReqMeta().GetProtocol()),
		zap.Int("rcode", qCtx.R().Rcode),
		zap.Int("answers", len(qCtx.R().Answer)))
	return qCtx.R(), nil
}
