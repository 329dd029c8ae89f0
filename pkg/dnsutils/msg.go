package dnsutils

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/miekg/dns"
)

var ErrInvalidDomainName = errors.New("invalid domain name")

// GetMsgKey returns the cache key of m. The key is built from the first
// question only: the canonical name, the qtype and the qclass. The message
// id is not part of the key. ok is false if m has no question.
func GetMsgKey(m *dns.Msg) (key string, ok bool) {
	if len(m.Question) == 0 {
		return "", false
	}
	q := m.Question[0]
	name := dns.CanonicalName(q.Name)

	buf := make([]byte, 0, len(name)+4)
	buf = append(buf, name...)
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	return string(buf), true
}

// GetMinimalAnswerTTL returns the smallest TTL in the answer section.
// ok is false if the answer section is empty.
func GetMinimalAnswerTTL(m *dns.Msg) (ttl uint32, ok bool) {
	if len(m.Answer) == 0 {
		return 0, false
	}
	ttl = ^uint32(0)
	for _, rr := range m.Answer {
		if h := rr.Header(); h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	return ttl, true
}

// NewQuery builds a recursive query for name with a random id.
func NewQuery(name string, qtype uint16) (*dns.Msg, error) {
	if _, ok := dns.IsDomainName(name); !ok || len(name) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDomainName, name)
	}
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	return q, nil
}

// FirstAddr returns the address carried by the first record of the
// answer section. It returns false if there is no answer or the first
// record is neither A nor AAAA.
func FirstAddr(m *dns.Msg) (netip.Addr, bool) {
	if len(m.Answer) == 0 {
		return netip.Addr{}, false
	}
	switch rr := m.Answer[0].(type) {
	case *dns.A:
		return netip.AddrFromSlice(rr.A.To4())
	case *dns.AAAA:
		return netip.AddrFromSlice(rr.AAAA.To16())
	}
	return netip.Addr{}, false
}

// --- Helpers ---

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
