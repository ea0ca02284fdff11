// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package method describes the callable shape of a remote method.
//
// A [Descriptor] records the service and method name together with the
// ordered names and types of the declared parameters. Codecs use the names to
// label arguments on the wire and the types to reconstruct typed arguments on
// decode. Descriptors are built once, when a method is registered, and are not
// modified afterward.
package method

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// A Descriptor describes the parameters and results of a remote method.
type Descriptor struct {
	Service string // the owning service name
	Name    string // the method name within the service

	// ParamNames and ParamTypes are aligned, one entry per declared parameter.
	// An empty name marks a parameter that has no wire label.
	ParamNames []string
	ParamTypes []reflect.Type

	// Context reports whether the implementation takes a leading
	// context.Context, which is not counted among the parameters.
	Context bool

	// Result is the type of the non-error result, or nil if there is none.
	Result reflect.Type

	// Error reports whether the implementation returns a trailing error.
	Error bool
}

// New constructs a descriptor from explicit parameter names and types.  It
// reports an error if the names and types are not aligned.
func New(service, name string, names []string, types []reflect.Type) (*Descriptor, error) {
	if len(names) != len(types) {
		return nil, fmt.Errorf("method %s.%s: %d names for %d parameters", service, name, len(names), len(types))
	}
	for i, t := range types {
		if t == nil {
			return nil, fmt.Errorf("method %s.%s: parameter %d has no type", service, name, i+1)
		}
	}
	return &Descriptor{
		Service:    service,
		Name:       name,
		ParamNames: names,
		ParamTypes: types,
	}, nil
}

// Of constructs a descriptor for the function fn. The names label the
// parameters of fn in order, excluding a leading context.Context; parameters
// beyond the end of names are unnamed.
//
// The results of fn must be one of (), (R), (error), or (R, error).
func Of(service, name string, fn any, names ...string) (*Descriptor, error) {
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("method %s.%s: %T is not a function", service, name, fn)
	} else if ft.IsVariadic() {
		return nil, fmt.Errorf("method %s.%s: variadic functions are not supported", service, name)
	}

	d := &Descriptor{Service: service, Name: name}
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		d.Context = true
		first = 1
	}
	nparams := ft.NumIn() - first
	if len(names) > nparams {
		return nil, fmt.Errorf("method %s.%s: %d names for %d parameters", service, name, len(names), nparams)
	}
	d.ParamNames = make([]string, nparams)
	d.ParamTypes = make([]reflect.Type, nparams)
	copy(d.ParamNames, names)
	for i := range nparams {
		d.ParamTypes[i] = ft.In(first + i)
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			d.Error = true
		} else {
			d.Result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("method %s.%s: second result must be error, not %v", service, name, ft.Out(1))
		}
		d.Result, d.Error = ft.Out(0), true
	default:
		return nil, fmt.Errorf("method %s.%s: too many results (%d)", service, name, ft.NumOut())
	}
	return d, nil
}

// MustOf is as [Of], but panics on error.
func MustOf(service, name string, fn any, names ...string) *Descriptor {
	d, err := Of(service, name, fn, names...)
	if err != nil {
		panic(err)
	}
	return d
}

// FullName reports the wire identity of the method, "service.name".
func (d *Descriptor) FullName() string { return d.Service + "." + d.Name }

// Arity reports the number of declared parameters.
func (d *Descriptor) Arity() int { return len(d.ParamTypes) }

// Index returns the position of the parameter with the given name, or -1.
func (d *Descriptor) Index(name string) int {
	if name == "" {
		return -1
	}
	for i, pn := range d.ParamNames {
		if pn == name {
			return i
		}
	}
	return -1
}

func (d *Descriptor) String() string {
	var sb strings.Builder
	sb.WriteString(d.FullName())
	sb.WriteByte('(')
	for i, t := range d.ParamTypes {
		if i > 0 {
			sb.WriteString(", ")
		}
		if d.ParamNames[i] != "" {
			sb.WriteString(d.ParamNames[i])
			sb.WriteByte(' ')
		}
		sb.WriteString(t.String())
	}
	sb.WriteByte(')')
	if d.Result != nil {
		sb.WriteByte(' ')
		sb.WriteString(d.Result.String())
	}
	return sb.String()
}

// ErrSplit is reported by [Split] for a name without a service.
var ErrSplit = errors.New("method name has no service")

// Split separates a full method name into its service and method parts at the
// last ".".
func Split(full string) (service, name string, err error) {
	i := strings.LastIndexByte(full, '.')
	if i <= 0 || i == len(full)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrSplit, full)
	}
	return full[:i], full[i+1:], nil
}
