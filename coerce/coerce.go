// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package coerce adapts dynamically-typed values to declared Go types.
//
// A generic wire decoder can only recover structural types: numbers, strings,
// Booleans, lists, and string-keyed records. When a method declares a more
// specific parameter type, a [Converter] reconciles the two using a table of
// conversion rules keyed by the source and target kinds:
//
//   - numbers to numbers, with range checks on narrowing
//   - strings to and from numbers and Booleans
//   - base64 strings to []byte, matching how JSON writes byte slices
//   - strings and Unix milliseconds to time.Time
//   - lists to slices and arrays, element by element
//   - a single value to a one-element slice
//   - records to maps and to structs
//   - pointers, by converting to the element type
//
// [Converter.Cast] is the best-effort entry point used by codecs: if no rule
// applies, or the rule fails, the original value is returned unchanged.
package coerce

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ErrNoRule is reported by [Converter.Convert] when no conversion rule
// matches the source and target types.
var ErrNoRule = errors.New("no conversion rule")

// Config carries settings for a [Converter]. The zero value is ready for use.
type Config struct {
	// TagName is the struct tag that names record fields.
	// If empty, "json" is used.
	TagName string

	// TimeLayout is the layout for parsing strings as time.Time.
	// If empty, time.RFC3339Nano is used.
	TimeLayout string

	// Location is the location for parsed times that do not specify one.
	// If nil, UTC is used.
	Location *time.Location
}

// A Converter converts dynamic values to declared types. A Converter is safe
// for concurrent use by multiple goroutines.
type Converter struct {
	tag    string
	layout string
	loc    *time.Location
}

// Default is a converter with the default configuration.
var Default = New(Config{})

// New constructs a converter with the given settings.
func New(cfg Config) *Converter {
	c := &Converter{tag: cfg.TagName, layout: cfg.TimeLayout, loc: cfg.Location}
	if c.tag == "" {
		c.tag = "json"
	}
	if c.layout == "" {
		c.layout = time.RFC3339Nano
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	return c
}

// NeedsCast reports whether v must be converted to be used as a value of type
// t. A nil value never needs a cast, nor does a value whose type is already
// assignable to t.
func (c *Converter) NeedsCast(v any, t reflect.Type) bool {
	if v == nil || t == nil {
		return false
	}
	return !reflect.TypeOf(v).AssignableTo(t)
}

// Cast returns v converted to type t if possible. If v does not need a cast,
// or if conversion fails for any reason, Cast returns v unchanged.
func (c *Converter) Cast(v any, t reflect.Type) (out any) {
	if !c.NeedsCast(v, t) {
		return v
	}
	defer func() {
		if recover() != nil {
			out = v
		}
	}()
	if cv, err := c.Convert(v, t); err == nil {
		return cv
	}
	return v
}

// Convert converts v to a value of type t. A nil v converts to nil.
func (c *Converter) Convert(v any, t reflect.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.convert(reflect.ValueOf(v), t)
	if err != nil {
		return nil, fmt.Errorf("convert %T to %v: %w", v, t, err)
	}
	return out.Interface(), nil
}

// To converts v to type T using c. A nil v yields the zero value of T.
func To[T any](c *Converter, v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	} else if t, ok := v.(T); ok {
		return t, nil
	}
	out, err := c.Convert(v, reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	t, _ := out.(T)
	return t, nil
}

var timeType = reflect.TypeFor[time.Time]()

func (c *Converter) convert(src reflect.Value, t reflect.Type) (reflect.Value, error) {
	for src.IsValid() && (src.Kind() == reflect.Interface || src.Kind() == reflect.Pointer) {
		if src.IsNil() {
			return reflect.Zero(t), nil
		} else if src.Type().AssignableTo(t) {
			return src, nil
		}
		src = src.Elem()
	}
	if !src.IsValid() {
		return reflect.Zero(t), nil
	} else if src.Type().AssignableTo(t) {
		return src, nil
	}

	switch {
	case t.Kind() == reflect.Pointer:
		elem, err := c.convert(src, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		return p, nil

	case t == timeType:
		return c.toTime(src)
	}

	if rule, ok := rules[ruleKey{classOf(src.Type()), classOf(t)}]; ok {
		return rule(c, src, t)
	}
	if t.Kind() == reflect.Slice {
		return c.wrapSingle(src, t)
	}
	return reflect.Value{}, ErrNoRule
}

// class groups reflect kinds that share conversion rules.
type class byte

const (
	classOther class = iota
	classBool
	classInt
	classUint
	classFloat
	classString
	classList
	classMap
	classStruct
)

func classOf(t reflect.Type) class {
	switch t.Kind() {
	case reflect.Bool:
		return classBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return classUint
	case reflect.Float32, reflect.Float64:
		return classFloat
	case reflect.String:
		return classString
	case reflect.Slice, reflect.Array:
		return classList
	case reflect.Map:
		return classMap
	case reflect.Struct:
		return classStruct
	default:
		return classOther
	}
}

type ruleKey struct{ from, to class }

type rule func(c *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error)

var rules map[ruleKey]rule

func init() {
	rules = map[ruleKey]rule{
		{classBool, classBool}:     sameKind,
		{classString, classBool}:   stringToBool,
		{classInt, classBool}:      numberToBool,
		{classUint, classBool}:     numberToBool,
		{classFloat, classBool}:    numberToBool,
		{classInt, classInt}:       toInt,
		{classUint, classInt}:      toInt,
		{classFloat, classInt}:     toInt,
		{classString, classInt}:    toInt,
		{classBool, classInt}:      toInt,
		{classInt, classUint}:      toUint,
		{classUint, classUint}:     toUint,
		{classFloat, classUint}:    toUint,
		{classString, classUint}:   toUint,
		{classBool, classUint}:     toUint,
		{classInt, classFloat}:     toFloat,
		{classUint, classFloat}:    toFloat,
		{classFloat, classFloat}:   toFloat,
		{classString, classFloat}:  toFloat,
		{classString, classString}: sameKind,
		{classBool, classString}:   toString,
		{classInt, classString}:    toString,
		{classUint, classString}:   toString,
		{classFloat, classString}:  toString,
		{classList, classString}:   bytesToString,
		{classString, classList}:   stringToList,
		{classList, classList}:     (*Converter).listToList,
		{classMap, classMap}:       (*Converter).mapToMap,
		{classMap, classStruct}:    (*Converter).recordToStruct,
		{classStruct, classStruct}: sameKind,
	}
}

func sameKind(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !src.Type().ConvertibleTo(t) {
		return reflect.Value{}, ErrNoRule
	}
	return src.Convert(t), nil
}

func stringToBool(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(src.String()))
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetBool(b)
	return out, nil
}

func numberToBool(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	out.SetBool(!src.IsZero())
	return out, nil
}

// integral reports the integer value of a float that has no fractional part
// and fits in an int64.
func integral(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	} else if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is out of range", f)
	}
	return int64(f), nil
}

func toInt(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	var n int64
	switch classOf(src.Type()) {
	case classBool:
		if src.Bool() {
			n = 1
		}
	case classInt:
		n = src.Int()
	case classUint:
		u := src.Uint()
		if u > math.MaxInt64 {
			return reflect.Value{}, fmt.Errorf("%d is out of range", u)
		}
		n = int64(u)
	case classFloat:
		v, err := integral(src.Float())
		if err != nil {
			return reflect.Value{}, err
		}
		n = v
	case classString:
		s := strings.TrimSpace(src.String())
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return reflect.Value{}, err
			}
			if v, err = integral(f); err != nil {
				return reflect.Value{}, err
			}
		}
		n = v
	}
	out := reflect.New(t).Elem()
	if out.OverflowInt(n) {
		return reflect.Value{}, fmt.Errorf("%d overflows %v", n, t)
	}
	out.SetInt(n)
	return out, nil
}

func toUint(c *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	var u uint64
	if classOf(src.Type()) == classUint {
		u = src.Uint()
	} else if classOf(src.Type()) == classString {
		v, err := strconv.ParseUint(strings.TrimSpace(src.String()), 10, 64)
		if err != nil {
			return toUintSigned(c, src, t)
		}
		u = v
	} else {
		return toUintSigned(c, src, t)
	}
	out := reflect.New(t).Elem()
	if out.OverflowUint(u) {
		return reflect.Value{}, fmt.Errorf("%d overflows %v", u, t)
	}
	out.SetUint(u)
	return out, nil
}

// toUintSigned converts via int64 for sources that may be negative.
func toUintSigned(c *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	iv, err := toInt(c, src, reflect.TypeFor[int64]())
	if err != nil {
		return reflect.Value{}, err
	}
	n := iv.Int()
	if n < 0 {
		return reflect.Value{}, fmt.Errorf("%d is negative", n)
	}
	out := reflect.New(t).Elem()
	if out.OverflowUint(uint64(n)) {
		return reflect.Value{}, fmt.Errorf("%d overflows %v", n, t)
	}
	out.SetUint(uint64(n))
	return out, nil
}

func toFloat(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	var f float64
	switch classOf(src.Type()) {
	case classInt:
		f = float64(src.Int())
	case classUint:
		f = float64(src.Uint())
	case classFloat:
		f = src.Float()
	case classString:
		v, err := strconv.ParseFloat(strings.TrimSpace(src.String()), 64)
		if err != nil {
			return reflect.Value{}, err
		}
		f = v
	}
	out := reflect.New(t).Elem()
	if out.OverflowFloat(f) {
		return reflect.Value{}, fmt.Errorf("%v overflows %v", f, t)
	}
	out.SetFloat(f)
	return out, nil
}

func toString(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	var s string
	switch classOf(src.Type()) {
	case classBool:
		s = strconv.FormatBool(src.Bool())
	case classInt:
		s = strconv.FormatInt(src.Int(), 10)
	case classUint:
		s = strconv.FormatUint(src.Uint(), 10)
	case classFloat:
		s = strconv.FormatFloat(src.Float(), 'g', -1, src.Type().Bits())
	}
	out := reflect.New(t).Elem()
	out.SetString(s)
	return out, nil
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func bytesToString(_ *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !isBytes(src.Type()) {
		return reflect.Value{}, ErrNoRule
	}
	out := reflect.New(t).Elem()
	out.SetString(string(src.Bytes()))
	return out, nil
}

func stringToList(c *Converter, src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if !isBytes(t) {
		return c.wrapSingle(src, t)
	}
	data, err := base64.StdEncoding.DecodeString(src.String())
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetBytes(data)
	return out, nil
}

// wrapSingle converts src to a one-element list of type t. An array type
// must have length 1.
func (c *Converter) wrapSingle(src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Array && t.Len() != 1 {
		return reflect.Value{}, fmt.Errorf("one value does not fit %v: %w", t, ErrNoRule)
	}
	elem, err := c.convert(src, t.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	var out reflect.Value
	if t.Kind() == reflect.Array {
		out = reflect.New(t).Elem()
	} else {
		out = reflect.MakeSlice(t, 1, 1)
	}
	out.Index(0).Set(elem)
	return out, nil
}

func (c *Converter) listToList(src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if isBytes(src.Type()) && isBytes(t) {
		return src.Convert(t), nil
	}
	n := src.Len()
	var out reflect.Value
	if t.Kind() == reflect.Array {
		if n != t.Len() {
			return reflect.Value{}, fmt.Errorf("list of length %d does not fit %v", n, t)
		}
		out = reflect.New(t).Elem()
	} else {
		if src.Kind() == reflect.Slice && src.IsNil() {
			return reflect.Zero(t), nil
		}
		out = reflect.MakeSlice(t, n, n)
	}
	for i := range n {
		elem, err := c.convert(src.Index(i), t.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(elem)
	}
	return out, nil
}

func (c *Converter) mapToMap(src reflect.Value, t reflect.Type) (reflect.Value, error) {
	if src.IsNil() {
		return reflect.Zero(t), nil
	}
	out := reflect.MakeMapWithSize(t, src.Len())
	it := src.MapRange()
	for it.Next() {
		key, err := c.convert(it.Key(), t.Key())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("key %v: %w", it.Key(), err)
		}
		val, err := c.convert(it.Value(), t.Elem())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("value at %v: %w", it.Key(), err)
		}
		out.SetMapIndex(key, val)
	}
	return out, nil
}

func (c *Converter) recordToStruct(src reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          c.tag,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			c.bytesHook,
			mapstructure.StringToTimeHookFunc(c.layout),
		),
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(src.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}

// bytesHook decodes base64 strings into byte-slice fields, so that records
// agree with the top-level string to []byte rule.
func (c *Converter) bytesHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || !isBytes(to) {
		return data, nil
	}
	v, err := stringToList(c, reflect.ValueOf(data), to)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (c *Converter) toTime(src reflect.Value) (reflect.Value, error) {
	switch classOf(src.Type()) {
	case classString:
		ts, err := time.ParseInLocation(c.layout, strings.TrimSpace(src.String()), c.loc)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(ts), nil
	case classInt, classUint, classFloat:
		ms, err := toInt(c, src, reflect.TypeFor[int64]())
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(time.UnixMilli(ms.Int()).In(c.loc)), nil
	}
	return reflect.Value{}, ErrNoRule
}
