// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package dbservice implements a memory-only key-value cache partitioned into
// named groups, and exposes it as an nrpc service.
//
// Each group is an [expiry.Map] whose entries expire after a time-to-live
// chosen by the caller when the entry is stored. A group is created the first
// time an operation other than Count refers to it. Operations that omit a
// group use [DefaultGroup].
package dbservice

import (
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/nrpc/expiry"
)

// DefaultGroup is the group used by operations that do not name one.
const DefaultGroup = "/sharing"

// A Service is a grouped cache. A zero Service is ready for use. A Service is
// safe for concurrent use by multiple goroutines.
type Service struct {
	μ      sync.RWMutex
	groups map[string]*expiry.Map[string, []byte]
}

// New constructs a new empty service.
func New() *Service { return new(Service) }

// lookup returns the partition for name, or nil if it does not exist.
func (s *Service) lookup(name string) *expiry.Map[string, []byte] {
	s.μ.RLock()
	defer s.μ.RUnlock()
	return s.groups[name]
}

// group returns the partition for name, creating it if necessary.
func (s *Service) group(name string) *expiry.Map[string, []byte] {
	if g := s.lookup(name); g != nil {
		return g
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	if g := s.groups[name]; g != nil {
		return g // created concurrently
	}
	if s.groups == nil {
		s.groups = make(map[string]*expiry.Map[string, []byte])
	}
	g := expiry.New[string, []byte](expiry.Never)
	s.groups[name] = g
	return g
}

// ttl converts a time-to-live in seconds to a duration. Negative values mean
// the entry never expires.
func ttl(expireSecond int) time.Duration {
	if expireSecond < 0 {
		return expiry.Never
	}
	return time.Duration(expireSecond) * time.Second
}

// Exist reports whether key has a live entry in the default group.
func (s *Service) Exist(key string) bool { return s.ExistIn(key, DefaultGroup) }

// ExistIn reports whether key has a live entry in the given group.
func (s *Service) ExistIn(key, group string) bool {
	return s.group(group).Contains(key)
}

// Put stores data under key in the default group. The entry does not expire.
func (s *Service) Put(key string, data []byte) { s.PutIn(key, data, -1, DefaultGroup) }

// PutExpire stores data under key in the default group, to expire after the
// given number of seconds. If expireSecond < 0, the entry does not expire.
func (s *Service) PutExpire(key string, data []byte, expireSecond int) {
	s.PutIn(key, data, expireSecond, DefaultGroup)
}

// PutIn stores data under key in the given group, to expire after the given
// number of seconds. If expireSecond < 0, the entry does not expire.
func (s *Service) PutIn(key string, data []byte, expireSecond int, group string) {
	s.group(group).PutTTL(key, data, ttl(expireSecond))
}

// Count reports the number of live entries in the given group. It reports 0
// for a group that does not exist, and does not create it.
func (s *Service) Count(group string) int {
	if g := s.lookup(group); g != nil {
		return g.Len()
	}
	return 0
}

// Get returns the data stored under key in the default group, or nil.
func (s *Service) Get(key string) []byte { return s.GetIn(key, DefaultGroup) }

// GetIn returns the data stored under key in the given group, or nil.
func (s *Service) GetIn(key, group string) []byte {
	v, _ := s.group(group).Get(key)
	return v
}

// ChangeKey moves the entry for oldKey to newKey in the default group.
func (s *Service) ChangeKey(oldKey, newKey string) { s.ChangeKeyIn(oldKey, newKey, DefaultGroup) }

// ChangeKeyIn moves the entry for oldKey to newKey in the given group, keeping
// its expiration time. If oldKey has no live entry, ChangeKeyIn does nothing.
func (s *Service) ChangeKeyIn(oldKey, newKey, group string) {
	s.group(group).Rename(oldKey, newKey)
}

// Remove removes the entry for key from the default group.
func (s *Service) Remove(key string) { s.RemoveIn(key, DefaultGroup) }

// RemoveIn removes the entry for key from the given group, if present.
func (s *Service) RemoveIn(key, group string) {
	s.group(group).Remove(key)
}

// RemoveBatch removes the entries for keys from the default group.
func (s *Service) RemoveBatch(keys []string) { s.RemoveBatchIn(keys, DefaultGroup) }

// RemoveBatchIn removes the entries for keys from the given group. Keys not
// present are ignored.
func (s *Service) RemoveBatchIn(keys []string, group string) {
	if len(keys) == 0 {
		return
	}
	s.group(group).RemoveAll(mapset.New(keys...).Slice()...)
}

// Groups returns the names of all groups, in order.
func (s *Service) Groups() []string {
	s.μ.RLock()
	defer s.μ.RUnlock()
	out := make([]string, 0, len(s.groups))
	for name := range s.groups {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
