package bootstrap

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/httpsdns/internal/dohtest"
)

func newTestResolver(t *testing.T, h dohtest.Handler) (*Resolver, *dohtest.Server) {
	t.Helper()
	s := dohtest.NewServer(t, h)
	r, err := NewResolver(Opts{URL: s.URL(), RootCAs: s.RootCAs()})
	require.NoError(t, err)
	return r, s
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		answers func(name string) []dns.RR
		want    netip.Addr
		wantErr bool
	}{
		{
			name: "A",
			answers: func(name string) []dns.RR {
				return []dns.RR{dohtest.A(name, 300, "8.8.8.8"), dohtest.A(name, 300, "8.8.4.4")}
			},
			want: netip.MustParseAddr("8.8.8.8"),
		},
		{
			name: "AAAA",
			answers: func(name string) []dns.RR {
				return []dns.RR{dohtest.AAAA(name, 300, "2001:4860:4860::8888")}
			},
			want: netip.MustParseAddr("2001:4860:4860::8888"),
		},
		{
			name: "CNAME chain",
			answers: func(name string) []dns.RR {
				return []dns.RR{
					&dns.CNAME{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300}, Target: "a.example.com."},
					dohtest.A("a.example.com.", 300, "1.0.0.1"),
				}
			},
			wantErr: true,
		},
		{
			name:    "no answer",
			answers: func(name string) []dns.RR { return nil },
			wantErr: true,
		},
		{
			name: "no address",
			answers: func(name string) []dns.RR {
				return []dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300}, Txt: []string{"x"}}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestResolver(t, func(q *dns.Msg) *dns.Msg {
				return dohtest.Reply(q, tt.answers(q.Question[0].Name)...)
			})
			got, err := r.Resolve(context.Background(), "dns.google")
			assert.EqualValues(t, 1, s.Calls())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBootstrap)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_queryShape(t *testing.T) {
	var got *dns.Msg
	r, _ := newTestResolver(t, func(q *dns.Msg) *dns.Msg {
		got = q
		return dohtest.Reply(q, dohtest.A(q.Question[0].Name, 300, "1.1.1.1"))
	})
	_, err := r.Resolve(context.Background(), "one.one.one.one")
	require.NoError(t, err)

	require.Len(t, got.Question, 1)
	assert.Equal(t, "one.one.one.one.", got.Question[0].Name)
	assert.Equal(t, dns.TypeA, got.Question[0].Qtype)
	assert.True(t, got.RecursionDesired)
}

func TestResolver_errors(t *testing.T) {
	r, s := newTestResolver(t, func(q *dns.Msg) *dns.Msg { return nil })

	// invalid host, no request is made
	_, err := r.Resolve(context.Background(), "bad..host")
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.EqualValues(t, 0, s.Calls())

	// server error, no retry
	_, err = r.Resolve(context.Background(), "dns.google")
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.EqualValues(t, 1, s.Calls())

	// unreachable server
	dead, err := NewResolver(Opts{URL: "https://127.0.0.1:1/dns-query", Timeout: time.Second})
	require.NoError(t, err)
	_, err = dead.Resolve(context.Background(), "dns.google")
	assert.ErrorIs(t, err, ErrBootstrap)
}

func TestNewResolver(t *testing.T) {
	r, err := NewResolver(Opts{})
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, r.url)
	assert.Equal(t, DefaultTimeout, r.timeout)

	for _, u := range []string{
		"http://1.1.1.1/dns-query",
		"https://cloudflare-dns.com/dns-query",
		"://",
	} {
		_, err := NewResolver(Opts{URL: u})
		assert.Error(t, err, u)
	}
}
