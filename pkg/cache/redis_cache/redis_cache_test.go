/*
 * Copyright (C) 2020-2022, IrineSistiana
 * Copyright (C) 2026, pmkol
 *
 * This file is part of httpsdns.
 *
 * httpsdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * httpsdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"net"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/httpsdns/pkg/cache"
)

func Test_redisValue(t *testing.T) {
	m := new(dns.Msg).SetQuestion("example.com.", dns.TypeA)
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.IPv4(1, 1, 1, 1),
	}}
	e := &cache.Entry{Msg: m, StoredAt: time.Now(), TTL: 300 * time.Second}

	b, err := packRedisValue(e)
	require.NoError(t, err)

	got, err := unpackRedisValue(b)
	require.NoError(t, err)
	assert.Equal(t, e.StoredAt.UnixNano(), got.StoredAt.UnixNano())
	assert.Equal(t, e.TTL, got.TTL)
	assert.Equal(t, m.Id, got.Msg.Id)
	require.Len(t, got.Msg.Answer, 1)
	assert.Equal(t, "1.1.1.1", got.Msg.Answer[0].(*dns.A).A.String())

	_, err = unpackRedisValue(b[:8])
	assert.Error(t, err)
	_, err = unpackRedisValue(append(b[:16:16], 0xff, 0xff))
	assert.Error(t, err)
}

func TestNewRedisCache(t *testing.T) {
	_, err := NewRedisCache(RedisCacheOpts{})
	assert.Error(t, err)

	_, err = NewRedisCacheFromURL("not a url", 0, nil)
	assert.Error(t, err)
}

func TestRedisCache_unreachable(t *testing.T) {
	c := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r, err := NewRedisCache(RedisCacheOpts{
		Client:        c,
		ClientCloser:  c,
		ClientTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer r.Close()

	_, expired, ok := r.Get("key")
	assert.False(t, ok)
	assert.False(t, expired)
	assert.True(t, r.disabled())

	// Disabled client is a no-op.
	r.Store("key", &cache.Entry{Msg: new(dns.Msg), StoredAt: time.Now(), TTL: time.Minute})
	_, _, ok = r.Get("key")
	assert.False(t, ok)
}
