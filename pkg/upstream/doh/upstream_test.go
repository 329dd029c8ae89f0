package doh

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/httpsdns/internal/dohtest"
	"github.com/pmkol/httpsdns/pkg/bootstrap"
	"github.com/pmkol/httpsdns/pkg/cache"
	"github.com/pmkol/httpsdns/pkg/cache/mem_cache"
)

type fakeBootstrap struct {
	addr  netip.Addr
	err   error
	calls atomic.Int32
}

func (b *fakeBootstrap) Resolve(_ context.Context, _ string) (netip.Addr, error) {
	b.calls.Add(1)
	return b.addr, b.err
}

func answerA(q *dns.Msg) *dns.Msg {
	return dohtest.Reply(q, dohtest.A(q.Question[0].Name, 1440, "1.1.1.1"))
}

func newQuery(t *testing.T, name string, id uint16) *dns.Msg {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id
	return q
}

func newTestUpstream(t *testing.T, s *dohtest.Server, opts Opts) *Upstream {
	t.Helper()
	if len(opts.Host) == 0 {
		opts.Host = "127.0.0.1"
	}
	opts.Port = s.Port()
	opts.RootCAs = s.RootCAs()
	u, err := NewUpstream(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	return u
}

func TestUpstream_ipHost(t *testing.T) {
	s := dohtest.NewServer(t, answerA)
	b := &fakeBootstrap{err: errors.New("should not be called")}
	u := newTestUpstream(t, s, Opts{Bootstrap: b})

	r, err := u.Process(context.Background(), newQuery(t, "example.com", 1))
	require.NoError(t, err)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "1.1.1.1", r.Answer[0].(*dns.A).A.String())
	assert.EqualValues(t, 1, r.Id)

	assert.EqualValues(t, 0, b.calls.Load())
	assert.False(t, u.Endpoint().Addr.IsValid())
	assert.Equal(t, "https://127.0.0.1:"+s.PortString()+"/dns-query", u.Address())
}

func TestUpstream_pinned(t *testing.T) {
	s := dohtest.NewServer(t, answerA)
	b := &fakeBootstrap{addr: netip.MustParseAddr("127.0.0.1")}
	u := newTestUpstream(t, s, Opts{Host: "example.com", Bootstrap: b})

	for i := 0; i < 3; i++ {
		_, err := u.Process(context.Background(), newQuery(t, "example.com", uint16(i)))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, b.calls.Load(), "bootstrap must only run once")
	assert.EqualValues(t, 3, s.Calls())
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), u.Endpoint().Addr)
	assert.Equal(t, "https://example.com:"+s.PortString()+"/dns-query", u.Address())
}

func TestNewUpstream_bootstrapErr(t *testing.T) {
	s := dohtest.NewServer(t, answerA)

	b := &fakeBootstrap{err: errors.New("dns down")}
	_, err := NewUpstream(context.Background(), Opts{Host: "example.com", Port: s.Port(), Bootstrap: b})
	assert.ErrorIs(t, err, bootstrap.ErrBootstrap)

	_, err = NewUpstream(context.Background(), Opts{})
	assert.ErrorIs(t, err, ErrBuildTransport)
	assert.EqualValues(t, 0, s.Calls())
}

func TestUpstream_cache(t *testing.T) {
	s := dohtest.NewServer(t, answerA)
	c := cache.NewCache(mem_cache.NewMemCache(0), cache.Opts{})
	u := newTestUpstream(t, s, Opts{Cache: c})

	r1, err := u.Process(context.Background(), newQuery(t, "example.com", 100))
	require.NoError(t, err)
	r2, err := u.Process(context.Background(), newQuery(t, "EXAMPLE.com", 200))
	require.NoError(t, err)

	assert.EqualValues(t, 1, s.Calls())
	assert.EqualValues(t, 100, r1.Id)
	assert.EqualValues(t, 200, r2.Id)
	assert.Equal(t, r1.Answer[0].String(), r2.Answer[0].String())

	// different qtype is another key
	q := newQuery(t, "example.com", 300)
	q.Question[0].Qtype = dns.TypeAAAA
	_, err = u.Process(context.Background(), q)
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Calls())
}

func TestUpstream_noAnswerNotCached(t *testing.T) {
	s := dohtest.NewServer(t, func(q *dns.Msg) *dns.Msg { return dohtest.Reply(q) })
	c := cache.NewCache(mem_cache.NewMemCache(0), cache.Opts{})
	u := newTestUpstream(t, s, Opts{Cache: c})

	for i := 0; i < 2; i++ {
		r, err := u.Process(context.Background(), newQuery(t, "nx.example.com", 1))
		require.NoError(t, err)
		assert.Empty(t, r.Answer)
	}
	assert.EqualValues(t, 2, s.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestUpstream_errors(t *testing.T) {
	s := dohtest.NewServer(t, func(q *dns.Msg) *dns.Msg { return nil })
	c := cache.NewCache(mem_cache.NewMemCache(0), cache.Opts{})
	u := newTestUpstream(t, s, Opts{Cache: c})

	_, err := u.Process(context.Background(), newQuery(t, "example.com", 1))
	assert.ErrorIs(t, err, ErrResolve)
	assert.Equal(t, 0, c.Len())

	bad := newQuery(t, "example.com", 1)
	bad.Question[0].Name = "bad..name."
	_, err = u.Process(context.Background(), bad)
	assert.ErrorIs(t, err, ErrEncode)
	assert.NotErrorIs(t, err, ErrResolve)
	assert.EqualValues(t, 1, s.Calls())
}

func TestUpstream_timeout(t *testing.T) {
	s := dohtest.NewServer(t, func(q *dns.Msg) *dns.Msg {
		time.Sleep(500 * time.Millisecond)
		return answerA(q)
	})
	u := newTestUpstream(t, s, Opts{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := u.Process(context.Background(), newQuery(t, "example.com", 1))
	assert.ErrorIs(t, err, ErrResolve)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestUpstream_metrics(t *testing.T) {
	var fail atomic.Bool
	s := dohtest.NewServer(t, func(q *dns.Msg) *dns.Msg {
		if !fail.Load() {
			return answerA(q)
		}
		return nil
	})
	u := newTestUpstream(t, s, Opts{})
	reg := prometheus.NewRegistry()
	require.NoError(t, u.RegisterMetricsTo(reg))

	_, err := u.Process(context.Background(), newQuery(t, "example.com", 1))
	require.NoError(t, err)
	fail.Store(true)
	_, err = u.Process(context.Background(), newQuery(t, "example.com", 1))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(u.requestTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(u.requestTotal.WithLabelValues("error")))
}

func TestNewUpstream_http3(t *testing.T) {
	u, err := NewUpstream(context.Background(), Opts{Host: "127.0.0.1", HTTP3: true})
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:443/dns-query", u.Address())
	assert.NoError(t, u.Close())
}

func TestPinnedRoundTripper(t *testing.T) {
	s := dohtest.NewServer(t, answerA)
	b := &fakeBootstrap{addr: netip.MustParseAddr("127.0.0.1")}
	u := newTestUpstream(t, s, Opts{Host: "example.com", Bootstrap: b})

	// The h3 pinning wrapper must keep the host name as authority.
	var got string
	rt := &pinnedRoundTripper{
		rt:   roundTripFunc(func(addr, host string) { got = addr + "|" + host }),
		addr: "127.0.0.1:" + s.PortString(),
	}
	req := mustRequest(t, u.Address())
	_, _ = rt.RoundTrip(req)
	assert.Equal(t, "127.0.0.1:"+s.PortString()+"|example.com:"+s.PortString(), got)
	assert.Equal(t, "example.com:"+s.PortString(), req.URL.Host, "original request must not be modified")
}
