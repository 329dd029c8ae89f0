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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/httpsdns/pkg/cache"
	"github.com/pmkol/httpsdns/pkg/pool"
)

const keyPrefix = "httpsdns:"

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.ClientTimeout <= 0 {
		opts.ClientTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend that keeps entries in redis, so that
// several gateway instances can share one cache. Capacity and eviction are
// left to the redis server's maxmemory policy.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32

	closeOnce   sync.Once
	closeNotify chan struct{}
}

var _ cache.Backend = (*RedisCache)(nil)

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}, nil
}

// NewRedisCacheFromURL parses url and builds a RedisCache that owns the client.
func NewRedisCacheFromURL(url string, timeout time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url, %w", err)
	}
	c := redis.NewClient(opt)
	return NewRedisCache(RedisCacheOpts{
		Client:        c,
		ClientCloser:  c,
		ClientTimeout: timeout,
		Logger:        logger,
	})
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				select {
				case <-time.After(backoff):
				case <-r.closeNotify:
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func redisKey(key string) string {
	return fmt.Sprintf("%s%x", keyPrefix, key)
}

func (r *RedisCache) Get(key string) (e *cache.Entry, expired bool, ok bool) {
	if r.disabled() {
		return nil, false, false
	}

	strKey := redisKey(key)
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, strKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, false, false
	}

	e, err = unpackRedisValue(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, false, false
	}

	// The redis key ttl is in whole seconds, double check with our clock.
	if e.Expired(time.Now()) {
		if err := r.opts.Client.Del(ctx, strKey).Err(); err != nil {
			r.opts.Logger.Warn("redis del", zap.Error(err))
		}
		return nil, true, false
	}
	return e, false, true
}

// Store stores e into redis. The redis key expires with the entry.
func (r *RedisCache) Store(key string, e *cache.Entry) {
	if r.disabled() {
		return
	}

	ttl := e.TTL - time.Since(e.StoredAt)
	if ttl <= 0 {
		return
	}

	data, err := packRedisValue(e)
	if err != nil {
		r.opts.Logger.Warn("redis data pack error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	r.closeOnce.Do(func() { close(r.closeNotify) })
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

func (r *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	i, err := r.opts.Client.DBSize(ctx).Result()
	if err != nil {
		r.opts.Logger.Error("dbsize", zap.Error(err))
		return 0
	}
	return int(i)
}

// packRedisValue packs e as storedTime(8) | ttl(8) | snappy(wire msg).
func packRedisValue(e *cache.Entry) ([]byte, error) {
	wire, buf, err := pool.PackBuffer(e.Msg)
	if err != nil {
		return nil, err
	}
	defer buf.Release()

	b := make([]byte, 16+snappy.MaxEncodedLen(len(wire)))
	binary.BigEndian.PutUint64(b[:8], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.TTL))
	n := len(snappy.Encode(b[16:], wire))
	return b[:16+n], nil
}

func unpackRedisValue(b []byte) (*cache.Entry, error) {
	if len(b) < 16 {
		return nil, errors.New("b is too short")
	}
	storedTime := time.Unix(0, int64(binary.BigEndian.Uint64(b[:8])))
	ttl := time.Duration(binary.BigEndian.Uint64(b[8:16]))

	wire, err := snappy.Decode(nil, b[16:])
	if err != nil {
		return nil, fmt.Errorf("snappy decode, %w", err)
	}
	m := new(dns.Msg)
	if err := m.Unpack(wire); err != nil {
		return nil, fmt.Errorf("invalid msg, %w", err)
	}
	return &cache.Entry{Msg: m, StoredAt: storedTime, TTL: ttl}, nil
}
