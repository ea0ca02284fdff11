// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package expiry implements a concurrent map whose entries expire after a
// time-to-live.
//
// Expired entries are never reported by any method of a [Map]. They are
// removed lazily: a lookup that finds an expired entry evicts it, and the
// methods that report on the whole map sweep out every expired entry first.
package expiry

import (
	"iter"
	"sync"
	"time"
)

// Never is a time-to-live indicating an entry does not expire. Any negative
// duration has the same effect.
const Never time.Duration = -1

type entry[V any] struct {
	value    V
	deadline time.Time // zero means never
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// A Map is a key-value map whose entries expire. A zero Map is not ready for
// use; call [New] to construct one. A Map is safe for concurrent use by
// multiple goroutines.
type Map[K comparable, V any] struct {
	ttl time.Duration
	m   sync.Map // K → *entry[V]

	// μ serializes sweeps and renames. Single-key operations do not take it.
	μ sync.Mutex
}

// New constructs an empty map whose entries expire after defaultTTL unless
// another duration is given to [Map.PutTTL]. If defaultTTL < 0, entries do
// not expire by default.
func New[K comparable, V any](defaultTTL time.Duration) *Map[K, V] {
	return &Map[K, V]{ttl: defaultTTL}
}

// DefaultTTL reports the default time-to-live of m.
func (m *Map[K, V]) DefaultTTL() time.Duration { return m.ttl }

// Put stores v under k with the default time-to-live, replacing any previous
// value and deadline.
func (m *Map[K, V]) Put(k K, v V) { m.PutTTL(k, v, m.ttl) }

// PutTTL stores v under k to expire ttl after the call. A negative ttl means
// the entry does not expire; a zero ttl stores an entry that is already
// expired.
func (m *Map[K, V]) PutTTL(k K, v V, ttl time.Duration) {
	e := &entry[V]{value: v}
	if ttl >= 0 {
		e.deadline = time.Now().Add(ttl)
	}
	m.m.Store(k, e)
}

// load returns the live entry for k, or nil. If evict is true, an expired
// entry is removed, unless it has been replaced in the meantime.
func (m *Map[K, V]) load(k K, evict bool) *entry[V] {
	v, ok := m.m.Load(k)
	if !ok {
		return nil
	}
	e := v.(*entry[V])
	if e.expired(time.Now()) {
		if evict {
			m.m.CompareAndDelete(k, e)
		}
		return nil
	}
	return e
}

// Get reports whether k has a live entry in m, and if so returns its value.
// If k has an expired entry, Get removes it.
func (m *Map[K, V]) Get(k K) (V, bool) {
	if e := m.load(k, true); e != nil {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether k has a live entry in m. Unlike [Map.Get], it
// does not remove an expired entry.
func (m *Map[K, V]) Contains(k K) bool { return m.load(k, false) != nil }

// Deadline reports the time at which the entry for k will expire. It returns
// a zero time if the entry does not expire, and false if k has no live entry.
func (m *Map[K, V]) Deadline(k K) (time.Time, bool) {
	if e := m.load(k, true); e != nil {
		return e.deadline, true
	}
	return time.Time{}, false
}

// Remove removes the entry for k, if any.
func (m *Map[K, V]) Remove(k K) { m.m.Delete(k) }

// RemoveAll removes the entries for all the given keys. Keys not present in
// m are ignored.
func (m *Map[K, V]) RemoveAll(keys ...K) {
	for _, k := range keys {
		m.m.Delete(k)
	}
}

// Rename moves the live entry for oldKey to newKey, keeping its value and
// absolute deadline, and replacing any entry already stored under newKey.
// It reports whether an entry was moved. If oldKey has no live entry, Rename
// does nothing.
func (m *Map[K, V]) Rename(oldKey, newKey K) bool {
	m.μ.Lock()
	defer m.μ.Unlock()

	e := m.load(oldKey, true)
	if e == nil {
		return false
	} else if oldKey == newKey {
		return true
	}
	m.m.Store(newKey, e)
	m.m.CompareAndDelete(oldKey, e)
	return true
}

// Clear removes all entries from m.
func (m *Map[K, V]) Clear() {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.m.Clear()
}

type pair[K comparable, V any] struct {
	key   K
	value V
}

// sweep removes every expired entry of m and returns the live entries that
// remain. The caller must hold m.μ.
func (m *Map[K, V]) sweep() []pair[K, V] {
	now := time.Now()
	var live []pair[K, V]
	m.m.Range(func(k, v any) bool {
		e := v.(*entry[V])
		if e.expired(now) {
			m.m.CompareAndDelete(k, e)
		} else {
			live = append(live, pair[K, V]{k.(K), e.value})
		}
		return true
	})
	return live
}

func (m *Map[K, V]) snapshot() []pair[K, V] {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.sweep()
}

// Len reports the number of live entries in m.
func (m *Map[K, V]) Len() int { return len(m.snapshot()) }

// Keys returns the keys of the live entries in m, in unspecified order.
func (m *Map[K, V]) Keys() []K {
	live := m.snapshot()
	out := make([]K, len(live))
	for i, p := range live {
		out[i] = p.key
	}
	return out
}

// Values returns the values of the live entries in m, in unspecified order.
func (m *Map[K, V]) Values() []V {
	live := m.snapshot()
	out := make([]V, len(live))
	for i, p := range live {
		out[i] = p.value
	}
	return out
}

// All returns an iterator over the live entries of m. The entries reported
// are those live when iteration begins; changes to m during iteration are
// not reflected.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, p := range m.snapshot() {
			if !yield(p.key, p.value) {
				return
			}
		}
	}
}

// ContainsFunc reports whether any live entry of m has a value satisfying f.
func (m *Map[K, V]) ContainsFunc(f func(V) bool) bool {
	for _, p := range m.snapshot() {
		if f(p.value) {
			return true
		}
	}
	return false
}
