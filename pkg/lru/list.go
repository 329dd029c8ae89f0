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

// elem is a node of a circular doubly linked list. The list root is a
// sentinel, root.next is the least recently used element.
type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

type list[K comparable, V any] struct {
	root   elem[K, V]
	length int
}

func (l *list[K, V]) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
	l.length = 0
}

// front returns the oldest element, or nil if l is empty.
func (l *list[K, V]) front() *elem[K, V] {
	if l.length == 0 {
		return nil
	}
	return l.root.next
}

func (l *list[K, V]) insertBefore(e, at *elem[K, V]) {
	e.prev = at.prev
	e.next = at
	at.prev.next = e
	at.prev = e
}

func (l *list[K, V]) pushBack(e *elem[K, V]) {
	l.insertBefore(e, &l.root)
	l.length++
}

func (l *list[K, V]) unlink(e *elem[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

func (l *list[K, V]) remove(e *elem[K, V]) {
	l.unlink(e)
	l.length--
}

func (l *list[K, V]) moveToBack(e *elem[K, V]) {
	if l.root.prev == e {
		return
	}
	l.unlink(e)
	l.insertBefore(e, &l.root)
}
