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

package concurrent_lru

import (
	"sync"

	"github.com/pmkol/httpsdns/pkg/lru"
)

// ConcurrentLRU is a lru.LRU guarded by a mutex. Every method is one
// critical section.
type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](
	maxSize int,
	onEvict func(key K, v V),
) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		lru: lru.NewLRU[K, V](maxSize, onEvict),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.Lock()
	c.lru.Add(key, v)
	c.Unlock()
}

// GetValid returns the value of key and marks it as recently used. If
// valid returns false for the stored value, the entry is removed and
// reported as missing instead. The lookup, the check and
// the removal happen under the same lock.
func (c *ConcurrentLRU[K, V]) GetValid(key K, valid func(v V) bool) (v V, ok bool) {
	c.Lock()
	defer c.Unlock()

	v, ok = c.lru.Peek(key)
	if !ok {
		return
	}
	if !valid(v) {
		c.lru.Del(key)
		var zero V
		return zero, false
	}
	c.lru.Get(key)
	return v, true
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()
	return n
}
