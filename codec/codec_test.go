// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package codec_test

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/nrpc/codec"
	"github.com/creachadair/nrpc/method"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	L string `json:"label"`
}

func testMethod(t *testing.T) *method.Descriptor {
	t.Helper()
	return method.MustOf("Test", "call",
		func(key string, data []byte, n int, tags []string, p point, ok bool, v any) {},
		"key", "data", "n", "tags", "p", "ok", "v")
}

func allCodecs(t *testing.T) []codec.Codec {
	t.Helper()
	var out []codec.Codec
	for _, cfg := range []codec.Config{
		{Format: "json"},
		{Format: "msgpack"},
		{Format: "json", CompressAbove: 1},
		{Format: "msgpack", CompressAbove: 32},
	} {
		c, err := codec.New(cfg)
		if err != nil {
			t.Fatalf("New %+v: unexpected error: %v", cfg, err)
		}
		out = append(out, c)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	m := testMethod(t)
	args := []any{
		"alpha",
		[]byte("some binary \x00\x01\x02 data"),
		12345,
		[]string{"a", "b", "c"},
		point{X: 3, Y: -4, L: "here"},
		true,
		"anything",
	}
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.EncodeRequest(args, m)
			if err != nil {
				t.Fatalf("EncodeRequest: unexpected error: %v", err)
			}
			got, err := c.DecodeRequest(data, m)
			if err != nil {
				t.Fatalf("DecodeRequest: unexpected error: %v", err)
			}
			if diff := cmp.Diff(args, got); diff != "" {
				t.Errorf("Round trip (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	m := testMethod(t)
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			for _, args := range [][]any{nil, {}} {
				data, err := c.EncodeRequest(args, m)
				if err != nil {
					t.Fatalf("EncodeRequest(%v): unexpected error: %v", args, err)
				}
				if data == nil || len(data) != 0 {
					t.Errorf("EncodeRequest(%v): got %q, want empty non-nil", args, data)
				}
			}
			for _, data := range [][]byte{nil, codec.Empty} {
				args, err := c.DecodeRequest(data, m)
				if err != nil || args != nil {
					t.Errorf("DecodeRequest(%q): got %v, %v; want nil, nil", data, args, err)
				}
				v, err := c.DecodeResponse(data)
				if err != nil || v != nil {
					t.Errorf("DecodeResponse(%q): got %v, %v; want nil, nil", data, v, err)
				}
			}
			data, err := c.EncodeResponse(nil)
			if err != nil || data == nil || len(data) != 0 {
				t.Errorf("EncodeResponse(nil): got %q, %v; want empty", data, err)
			}
		})
	}
}

func TestNamesAndNils(t *testing.T) {
	m, err := method.Of("Test", "partial", func(string, string, []byte) {}, "a", "", "c")
	if err != nil {
		t.Fatalf("Of: %v", err)
	}
	c := codec.JSON(codec.Config{})

	data, err := c.EncodeRequest([]any{"x", "unsent", nil}, m)
	if err != nil {
		t.Fatalf("EncodeRequest: unexpected error: %v", err)
	}
	// The unnamed argument is dropped, the nil value is kept.
	if got, want := string(data), `{"a":"x","c":null}`; got != want {
		t.Errorf("EncodeRequest: got %s, want %s", got, want)
	}

	args, err := c.DecodeRequest(data, m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{"x", nil, nil}, args); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}

	// Names absent from the payload decode as nil; unknown names are ignored.
	args, err = c.DecodeRequest([]byte(`{"c":"AQI=","zzz":1}`), m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{nil, nil, []byte{1, 2}}, args); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}
}

func TestCoercionFallback(t *testing.T) {
	m := method.MustOf("Test", "typed", func(int, []byte, bool) {}, "n", "b", "ok")
	c := codec.JSON(codec.Config{})

	args, err := c.DecodeRequest([]byte(`{"n":"twelve","b":"!!!","ok":"yes"}`), m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	// Each value fails conversion and is passed through as decoded.
	if diff := cmp.Diff([]any{"twelve", "!!!", "yes"}, args); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}

	args, err = c.DecodeRequest([]byte(`{"n":"12","b":"AA==","ok":"true"}`), m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{12, []byte{0}, true}, args); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}
}

func TestLargeIntegers(t *testing.T) {
	m := method.MustOf("Test", "big", func(int64, uint64, any) {}, "i", "u", "v")
	c := codec.JSON(codec.Config{})

	args := []any{int64(1<<62 + 1), uint64(1<<63 + 7), int64(-9007199254740993)}
	data, err := c.EncodeRequest(args, m)
	if err != nil {
		t.Fatalf("EncodeRequest: unexpected error: %v", err)
	}
	got, err := c.DecodeRequest(data, m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	if diff := cmp.Diff(args, got); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	m := testMethod(t)
	tests := []struct {
		name  string
		codec codec.Codec
		input string
	}{
		{"JSON-Truncated", codec.JSON(codec.Config{}), `{"key":`},
		{"JSON-Array", codec.JSON(codec.Config{}), `["alpha"]`},
		{"JSON-Null", codec.JSON(codec.Config{}), `null`},
		{"JSON-Trailing", codec.JSON(codec.Config{}), `{"key":"a"} {}`},
		{"MsgPack-Garbage", codec.MsgPack(codec.Config{}), "\xc1"},
		{"MsgPack-Trailing", codec.MsgPack(codec.Config{}), "\x80\x80"},
		{"MsgPack-Array", codec.MsgPack(codec.Config{}), "\x91\x01"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args, err := tc.codec.DecodeRequest([]byte(tc.input), m)
			var derr *codec.DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("DecodeRequest: got %v, %v; want *DecodeError", args, err)
			}
			if args != nil {
				t.Errorf("DecodeRequest: got args %v with error", args)
			}
			if derr.Method != "Test.call" {
				t.Errorf("DecodeError method: got %q, want Test.call", derr.Method)
			}
			t.Logf("Error OK: %v", err)
		})
	}

	c, err := codec.Compress(codec.JSON(codec.Config{}), 10)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if v, err := c.DecodeResponse([]byte("?junk")); err == nil {
		t.Errorf("DecodeResponse bad marker: got %v, want error", v)
	}
	if v, err := c.DecodeResponse([]byte("zjunk")); err == nil {
		t.Errorf("DecodeResponse bad zstd: got %v, want error", v)
	}
}

func TestResponse(t *testing.T) {
	tests := []struct {
		name  string
		codec codec.Codec
		input any
		want  any
	}{
		{"JSON-String", codec.JSON(codec.Config{}), "hello", "hello"},
		{"JSON-Bytes", codec.JSON(codec.Config{}), []byte("hi"), "aGk="},
		{"JSON-Int", codec.JSON(codec.Config{}), 25, int64(25)},
		{"JSON-Float", codec.JSON(codec.Config{}), 2.5, 2.5},
		{"JSON-Bool", codec.JSON(codec.Config{}), false, false},
		{"JSON-Record", codec.JSON(codec.Config{}), point{X: 1, L: "p"},
			map[string]any{"x": int64(1), "y": int64(0), "label": "p"}},
		{"JSON-List", codec.JSON(codec.Config{}), []int{1, 2}, []any{int64(1), int64(2)}},
		{"MsgPack-Bytes", codec.MsgPack(codec.Config{}), []byte("hi"), []byte("hi")},
		{"MsgPack-Int", codec.MsgPack(codec.Config{}), 25, int64(25)},
		{"MsgPack-Record", codec.MsgPack(codec.Config{}), point{Y: 2, L: "q"},
			map[string]any{"x": int64(0), "y": int64(2), "label": "q"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.codec.EncodeResponse(tc.input)
			if err != nil {
				t.Fatalf("EncodeResponse: unexpected error: %v", err)
			}
			got, err := tc.codec.DecodeResponse(data)
			if err != nil {
				t.Fatalf("DecodeResponse: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestMsgPackValues(t *testing.T) {
	c := codec.MsgPack(codec.Config{})
	m := method.MustOf("Test", "put", func(string, []byte) {}, "key", "data")

	// Binary data that is not valid UTF-8 must come back as bytes.
	raw := []byte{0, 1, 2, 255}
	data, err := c.EncodeRequest([]any{"k", raw}, m)
	if err != nil {
		t.Fatalf("EncodeRequest: unexpected error: %v", err)
	}
	args, err := c.DecodeRequest(data, m)
	if err != nil {
		t.Fatalf("DecodeRequest: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]any{"k", raw}, args); diff != "" {
		t.Errorf("DecodeRequest (-want, +got):\n%s", diff)
	}

	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"Binary", []byte{9, 8}, []byte{9, 8}},
		{"Int8", int8(-3), int64(-3)},
		{"Uint16", uint16(60000), int64(60000)},
		{"Int32", int32(-70000), int64(-70000)},
		{"BigUint", uint64(1<<63 + 1), uint64(1<<63 + 1)},
		{"Float32", float32(0.5), float64(0.5)},
		{"Nested", map[string]any{"b": []any{[]byte{1}, uint8(7)}},
			map[string]any{"b": []any{[]byte{1}, int64(7)}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := c.EncodeResponse(tc.input)
			if err != nil {
				t.Fatalf("EncodeResponse: unexpected error: %v", err)
			}
			got, err := c.DecodeResponse(data)
			if err != nil {
				t.Fatalf("DecodeResponse: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("DecodeResponse (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestFeatures(t *testing.T) {
	plain := codec.JSON(codec.Config{})
	raw := codec.JSON(codec.Config{Features: codec.FeatureNoHTMLEscape | codec.FeatureUnorderedMap})

	esc, err := plain.EncodeResponse("<a&b>")
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if strings.Contains(string(esc), "<") {
		t.Errorf("EncodeResponse: got %s, want HTML escaped", esc)
	}
	unesc, err := raw.EncodeResponse("<a&b>")
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if got, want := string(unesc), `"<a&b>"`; got != want {
		t.Errorf("EncodeResponse: got %s, want %s", got, want)
	}

	// By default record fields are sorted, so encodings are stable.
	m := method.MustOf("Test", "sorted", func(_, _, _ string) {}, "c", "a", "b")
	for range 3 {
		data, err := plain.EncodeRequest([]any{"3", "1", "2"}, m)
		if err != nil {
			t.Fatalf("EncodeRequest: %v", err)
		}
		if got, want := string(data), `{"a":"1","b":"2","c":"3"}`; got != want {
			t.Errorf("EncodeRequest: got %s, want %s", got, want)
		}
	}
}

func TestCompress(t *testing.T) {
	c, err := codec.New(codec.Config{Format: "json", CompressAbove: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := c.Name(), "json+zstd"; got != want {
		t.Errorf("Name: got %q, want %q", got, want)
	}

	small, err := c.EncodeResponse("tiny")
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if got, want := string(small), `p"tiny"`; got != want {
		t.Errorf("Small payload: got %q, want %q", got, want)
	}

	text := strings.Repeat("all work and no play ", 200)
	big, err := c.EncodeResponse(text)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if big[0] != 'z' || len(big) >= len(text) {
		t.Errorf("Big payload: got %d bytes, marker %q; want compressed", len(big), big[0])
	}
	got, err := c.DecodeResponse(big)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got != text {
		t.Errorf("DecodeResponse: got %d bytes, want %d", len(got.(string)), len(text))
	}
}

func TestRegistry(t *testing.T) {
	if fs := codec.Formats(); !slices.Contains(fs, "json") || !slices.Contains(fs, "msgpack") {
		t.Errorf("Formats: got %q, want json and msgpack", fs)
	}
	if c, err := codec.New(codec.Config{Format: "nonesuch"}); err == nil {
		t.Errorf("New nonesuch: got %v, want error", c)
	}
	if c, err := codec.New(codec.Config{}); err != nil || c.Name() != "json" {
		t.Errorf("New default: got %v, %v; want json", c, err)
	}

	mtest.MustPanic(t, func() { codec.Register("json", codec.JSON) })

	if _, ok := codec.Lookup("json-alias"); !ok {
		codec.Register("json-alias", codec.JSON)
	}
	c, err := codec.New(codec.Config{Format: "json-alias"})
	if err != nil {
		t.Fatalf("New json-alias: %v", err)
	}
	data, err := c.EncodeResponse(1)
	if err != nil || !bytes.Equal(data, []byte("1")) {
		t.Errorf("EncodeResponse: got %q, %v; want 1", data, err)
	}
}

func TestConcurrentUse(t *testing.T) {
	m := testMethod(t)
	for _, c := range allCodecs(t) {
		g := taskgroup.New(nil)
		for i := range 16 {
			g.Go(func() error {
				args := []any{"k", []byte{byte(i)}, i, []string{"t"}, point{X: i}, i%2 == 0, nil}
				data, err := c.EncodeRequest(args, m)
				if err != nil {
					return err
				}
				got, err := c.DecodeRequest(data, m)
				if err != nil {
					return err
				}
				if diff := cmp.Diff(args, got); diff != "" {
					t.Errorf("%s: round trip %d (-want, +got):\n%s", c.Name(), i, diff)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Errorf("%s: %v", c.Name(), err)
		}
	}
}
