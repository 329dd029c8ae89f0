package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/dnsutils"
)

const (
	ProtocolUDP = "udp"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.AddrPort
	protocol   string
}

func NewRequestMeta(addr netip.AddrPort) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.AddrPort) {
	if addr.Addr().Is4In6() {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) GetClientAddr() netip.AddrPort {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

// Context is the state of one inbound query. It lives only as long as the
// goroutine that handles the query.
type Context struct {
	startTime time.Time
	q         *dns.Msg
	id        uint32
	reqMeta   *RequestMeta

	r *dns.Msg
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new query Context.
func NewContext(q *dns.Msg, meta *RequestMeta) *Context {
	if q == nil {
		panic("handler: query msg is nil")
	}

	if meta == nil {
		meta = zeroRequestMeta
	}

	return &Context{
		q:         q,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its query.
func (ctx *Context) String() string {
	if len(ctx.q.Question) == 0 {
		return fmt.Sprintf("<no question> %d %d", ctx.q.Id, ctx.id)
	}
	q := ctx.q.Question[0]
	return fmt.Sprintf("%s %s %s %d %d",
		q.Name,
		dnsutils.QclassToString(q.Qclass),
		dnsutils.QtypeToString(q.Qtype),
		ctx.q.Id,
		ctx.id,
	)
}

// Q returns the query msg. It always returns a non-nil msg.
func (ctx *Context) Q() *dns.Msg {
	return ctx.q
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// R returns the response. It may be nil.
func (ctx *Context) R() *dns.Msg {
	return ctx.r
}

func (ctx *Context) SetResponse(r *dns.Msg) {
	ctx.r = r
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
