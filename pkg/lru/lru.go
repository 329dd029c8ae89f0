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

package lru

import (
	"fmt"
)

// LRU is a fixed size least-recently-used map. It is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l list[K, V]
	m map[K]*elem[K, V]
}

// NewLRU returns a LRU that holds at most maxSize entries. onEvict, if not
// nil, is called for every entry that leaves the LRU, including the ones
// removed by Del and Clean.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	q := &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V], maxSize),
	}
	q.l.init()
	return q
}

// Add inserts or overwrites key and marks it as the most recently used.
// If the LRU is full, the oldest entry is evicted.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.l.moveToBack(e)
		return
	}

	if q.l.length >= q.maxSize {
		// Recycle the oldest node.
		e := q.l.front()
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		delete(q.m, e.key)
		e.key, e.v = key, v
		q.m[key] = e
		q.l.moveToBack(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.l.pushBack(e)
}

// Get returns the value of key and marks it as the most recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.moveToBack(e)
	return e.v, true
}

// Peek returns the value of key without updating its recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

func (q *LRU[K, V]) Del(key K) {
	if e, ok := q.m[key]; ok {
		q.delElem(e)
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.length
}

func (q *LRU[K, V]) delElem(e *elem[K, V]) {
	key, v := e.key, e.v
	q.l.remove(e)
	delete(q.m, key)
	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
