// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dbservice_test

import (
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/nrpc/dbservice"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestGroupIsolation(t *testing.T) {
	s := dbservice.New()
	s.PutIn("k", []byte("v1"), -1, "a")
	s.PutIn("k", []byte("v2"), -1, "b")

	if got := string(s.GetIn("k", "a")); got != "v1" {
		t.Errorf("GetIn(k, a): got %q, want v1", got)
	}
	if got := string(s.GetIn("k", "b")); got != "v2" {
		t.Errorf("GetIn(k, b): got %q, want v2", got)
	}
	if got := s.Get("k"); got != nil {
		t.Errorf("Get(k) in default group: got %q, want nil", got)
	}
	for _, g := range []string{"a", "b"} {
		if n := s.Count(g); n != 1 {
			t.Errorf("Count(%q): got %d, want 1", g, n)
		}
	}
	if n := s.Count("nonexistent"); n != 0 {
		t.Errorf("Count(nonexistent): got %d, want 0", n)
	}

	// Count does not create groups, but other operations do.
	if diff := cmp.Diff([]string{dbservice.DefaultGroup, "a", "b"}, s.Groups()); diff != "" {
		t.Errorf("Groups (-want, +got):\n%s", diff)
	}
}

func TestDefaultGroup(t *testing.T) {
	s := dbservice.New()
	s.Put("x", []byte("1"))
	s.PutExpire("y", []byte("2"), -1)

	if !s.Exist("x") || !s.ExistIn("y", dbservice.DefaultGroup) {
		t.Error("Exist: stored keys missing from the default group")
	}
	if s.Exist("z") {
		t.Error("Exist(z): got true, want false")
	}
	if n := s.Count(dbservice.DefaultGroup); n != 2 {
		t.Errorf("Count: got %d, want 2", n)
	}

	s.ChangeKey("x", "xx")
	if s.Exist("x") || string(s.Get("xx")) != "1" {
		t.Errorf("ChangeKey: got x=%q xx=%q", s.Get("x"), s.Get("xx"))
	}
	s.Remove("xx")
	s.Remove("xx")
	if n := s.Count(dbservice.DefaultGroup); n != 1 {
		t.Errorf("Count after Remove: got %d, want 1", n)
	}
}

func TestExpiration(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := dbservice.New()
		s.PutIn("short", []byte("a"), 2, "g")
		s.PutIn("never", []byte("b"), -1, "g")
		s.PutIn("now", []byte("c"), 0, "g")

		if s.ExistIn("now", "g") {
			t.Error("ExistIn(now): zero-second entry is live")
		}
		if n := s.Count("g"); n != 2 {
			t.Errorf("Count: got %d, want 2", n)
		}

		time.Sleep(1 * time.Second)
		s.ChangeKeyIn("short", "moved", "g")

		time.Sleep(999 * time.Millisecond)
		if got := string(s.GetIn("moved", "g")); got != "a" {
			t.Errorf("GetIn(moved) before deadline: got %q, want a", got)
		}

		// The renamed entry keeps the deadline it had before the rename.
		time.Sleep(time.Millisecond)
		if got := s.GetIn("moved", "g"); got != nil {
			t.Errorf("GetIn(moved) at deadline: got %q, want nil", got)
		}
		if s.ExistIn("short", "g") {
			t.Error("ExistIn(short): renamed key is still present")
		}

		// Renaming an expired entry does not resurrect it.
		s.ChangeKeyIn("moved", "again", "g")
		if s.ExistIn("again", "g") {
			t.Error("ExistIn(again): expired entry was renamed")
		}
		if n := s.Count("g"); n != 1 {
			t.Errorf("Count: got %d, want 1", n)
		}
	})
}

func TestRemoveBatch(t *testing.T) {
	s := dbservice.New()
	for _, k := range []string{"a", "b", "c", "d"} {
		s.PutIn(k, []byte(k), -1, "g")
		s.Put(k, []byte(k))
	}

	s.RemoveBatchIn([]string{"a", "x", "c", "a", "y"}, "g")
	s.RemoveBatchIn(nil, "g")
	for k, want := range map[string]bool{"a": false, "b": true, "c": false, "d": true, "x": false} {
		if got := s.ExistIn(k, "g"); got != want {
			t.Errorf("ExistIn(%q): got %v, want %v", k, got, want)
		}
	}

	s.RemoveBatch([]string{"d", "q"})
	if n := s.Count(dbservice.DefaultGroup); n != 3 {
		t.Errorf("Count default: got %d, want 3", n)
	}
}

func TestConcurrentGroups(t *testing.T) {
	s := dbservice.New()

	const numWorkers = 32
	g := taskgroup.New(nil)
	for i := range numWorkers {
		g.Go(func() error {
			key := fmt.Sprintf("key-%d", i)
			s.PutIn(key, []byte(key), -1, "fresh")
			s.GetIn("key-0", "fresh")
			return nil
		})
	}
	g.Wait()

	if diff := cmp.Diff([]string{"fresh"}, s.Groups()); diff != "" {
		t.Errorf("Groups (-want, +got):\n%s", diff)
	}
	if n := s.Count("fresh"); n != numWorkers {
		t.Errorf("Count: got %d, want %d", n, numWorkers)
	}
	for i := range numWorkers {
		key := fmt.Sprintf("key-%d", i)
		if got := string(s.GetIn(key, "fresh")); got != key {
			t.Errorf("GetIn(%q): got %q", key, got)
		}
	}
}
