// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package method_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/nrpc/method"
	"github.com/google/go-cmp/cmp"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name   string
		fn     any
		names  []string
		params []string
		types  []reflect.Type
		ctx    bool
		result reflect.Type
		err    bool
	}{
		{"NoParams", func() {}, nil, []string{}, []reflect.Type{}, false, nil, false},
		{"Context", func(context.Context, string) error { return nil },
			[]string{"key"}, []string{"key"}, []reflect.Type{reflect.TypeFor[string]()}, true, nil, true},
		{"ResultError", func(string, []byte, int) (bool, error) { return false, nil },
			[]string{"key", "data"},
			[]string{"key", "data", ""},
			[]reflect.Type{reflect.TypeFor[string](), reflect.TypeFor[[]byte](), reflect.TypeFor[int]()},
			false, reflect.TypeFor[bool](), true},
		{"ResultOnly", func(string) []byte { return nil },
			[]string{"key"}, []string{"key"}, []reflect.Type{reflect.TypeFor[string]()},
			false, reflect.TypeFor[[]byte](), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := method.Of("svc", tc.name, tc.fn, tc.names...)
			if err != nil {
				t.Fatalf("Of: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.params, d.ParamNames); diff != "" {
				t.Errorf("ParamNames (-want, +got):\n%s", diff)
			}
			if len(d.ParamTypes) != len(tc.types) {
				t.Fatalf("ParamTypes: got %v, want %v", d.ParamTypes, tc.types)
			}
			for i, pt := range d.ParamTypes {
				if pt != tc.types[i] {
					t.Errorf("ParamTypes[%d]: got %v, want %v", i, pt, tc.types[i])
				}
			}
			if d.Context != tc.ctx {
				t.Errorf("Context: got %v, want %v", d.Context, tc.ctx)
			}
			if d.Result != tc.result {
				t.Errorf("Result: got %v, want %v", d.Result, tc.result)
			}
			if d.Error != tc.err {
				t.Errorf("Error: got %v, want %v", d.Error, tc.err)
			}
			if got, want := d.FullName(), "svc."+tc.name; got != want {
				t.Errorf("FullName: got %q, want %q", got, want)
			}
			t.Logf("Descriptor: %v", d)
		})
	}
}

func TestOfErrors(t *testing.T) {
	tests := []struct {
		name  string
		fn    any
		names []string
	}{
		{"NotFunc", "nope", nil},
		{"Nil", nil, nil},
		{"Variadic", func(...string) {}, nil},
		{"TooManyNames", func(string) {}, []string{"a", "b"}},
		{"BadSecondResult", func() (int, int) { return 0, 0 }, nil},
		{"TooManyResults", func() (int, int, error) { return 0, 0, nil }, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if d, err := method.Of("svc", "m", tc.fn, tc.names...); err == nil {
				t.Errorf("Of: got %v, want error", d)
			}
		})
	}
	mtest.MustPanic(t, func() { method.MustOf("svc", "m", 17) })
}

func TestNew(t *testing.T) {
	d, err := method.New("svc", "get", []string{"key", ""},
		[]reflect.Type{reflect.TypeFor[string](), reflect.TypeFor[int]()})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if got := d.Arity(); got != 2 {
		t.Errorf("Arity: got %d, want 2", got)
	}
	if got := d.Index("key"); got != 0 {
		t.Errorf("Index(key): got %d, want 0", got)
	}
	if got := d.Index(""); got != -1 {
		t.Errorf("Index(empty): got %d, want -1", got)
	}
	if got := d.Index("nonesuch"); got != -1 {
		t.Errorf("Index(nonesuch): got %d, want -1", got)
	}

	if d, err := method.New("svc", "bad", []string{"a"}, nil); err == nil {
		t.Errorf("New misaligned: got %v, want error", d)
	}
	if d, err := method.New("svc", "bad", []string{"a"}, []reflect.Type{nil}); err == nil {
		t.Errorf("New nil type: got %v, want error", d)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		input, svc, name string
		ok               bool
	}{
		{"RpcDBService.get", "RpcDBService", "get", true},
		{"a.b.c", "a.b", "c", true},
		{"noservice", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
	}
	for _, tc := range tests {
		svc, name, err := method.Split(tc.input)
		if tc.ok != (err == nil) {
			t.Errorf("Split(%q): got err=%v, want ok=%v", tc.input, err, tc.ok)
			continue
		}
		if !tc.ok && !errors.Is(err, method.ErrSplit) {
			t.Errorf("Split(%q): got %v, want %v", tc.input, err, method.ErrSplit)
		}
		if svc != tc.svc || name != tc.name {
			t.Errorf("Split(%q): got (%q, %q), want (%q, %q)", tc.input, svc, name, tc.svc, tc.name)
		}
	}
}
