// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dbservice

import (
	"context"
	"fmt"

	"github.com/creachadair/nrpc"
	"github.com/creachadair/nrpc/method"
)

// ServiceName is the name under which [Register] exposes a Service.
const ServiceName = "RpcDBService"

// Wire names of the service methods.
const (
	MethodExist        = "exist"
	MethodExistIn      = "exist2"
	MethodPut          = "put"
	MethodPutExpire    = "put3"
	MethodPutIn        = "put4"
	MethodCount        = "count"
	MethodGet          = "get"
	MethodGetIn        = "get2"
	MethodChangeKey    = "changeKey"
	MethodChangeKeyIn  = "changeKey3"
	MethodRemove       = "remove"
	MethodRemoveIn     = "remove2"
	MethodRemoveBatch  = "removeBatch"
	MethodRemoveBatchN = "removeBatch2"
	MethodGroups       = "groups"
)

type binding struct {
	name   string
	fn     func(*Service) any
	params []string
}

var bindings = []binding{
	{MethodExist, func(s *Service) any { return s.Exist }, []string{"key"}},
	{MethodExistIn, func(s *Service) any { return s.ExistIn }, []string{"key", "group"}},
	{MethodPut, func(s *Service) any { return s.Put }, []string{"key", "data"}},
	{MethodPutExpire, func(s *Service) any { return s.PutExpire }, []string{"key", "data", "expireSecond"}},
	{MethodPutIn, func(s *Service) any { return s.PutIn }, []string{"key", "data", "expireSecond", "group"}},
	{MethodCount, func(s *Service) any { return s.Count }, []string{"group"}},
	{MethodGet, func(s *Service) any { return s.Get }, []string{"key"}},
	{MethodGetIn, func(s *Service) any { return s.GetIn }, []string{"key", "group"}},
	{MethodChangeKey, func(s *Service) any { return s.ChangeKey }, []string{"oldKey", "newKey"}},
	{MethodChangeKeyIn, func(s *Service) any { return s.ChangeKeyIn }, []string{"oldKey", "newKey", "group"}},
	{MethodRemove, func(s *Service) any { return s.Remove }, []string{"key"}},
	{MethodRemoveIn, func(s *Service) any { return s.RemoveIn }, []string{"key", "group"}},
	{MethodRemoveBatch, func(s *Service) any { return s.RemoveBatch }, []string{"keys"}},
	{MethodRemoveBatchN, func(s *Service) any { return s.RemoveBatchIn }, []string{"keys", "group"}},
	{MethodGroups, func(s *Service) any { return s.Groups }, nil},
}

// descriptors holds the method descriptors of the service, by wire name.
var descriptors = func() map[string]*method.Descriptor {
	var zero *Service // method values on a nil receiver carry only the signature
	m := make(map[string]*method.Descriptor, len(bindings))
	for _, b := range bindings {
		m[b.name] = method.MustOf(ServiceName, b.name, b.fn(zero), b.params...)
	}
	return m
}()

// Descriptor returns the method descriptor for the named service method, or
// nil if there is no such method.
func Descriptor(name string) *method.Descriptor { return descriptors[name] }

// Register adds the methods of svc to srv under [ServiceName].
func Register(srv *nrpc.Server, svc *Service) {
	for _, b := range bindings {
		srv.Handle(ServiceName, b.name, b.fn(svc), b.params...)
	}
}

// A Client calls the methods of a remote Service.
type Client struct {
	cli *nrpc.Client
}

// NewClient constructs a client that calls the service via c.
func NewClient(c *nrpc.Client) *Client { return &Client{cli: c} }

func (c *Client) call(ctx context.Context, name string, args ...any) (any, error) {
	d := descriptors[name]
	if d == nil {
		return nil, fmt.Errorf("unknown method %q", name)
	}
	return c.cli.Call(ctx, d, args...)
}

func (c *Client) exec(ctx context.Context, name string, args ...any) error {
	_, err := c.call(ctx, name, args...)
	return err
}

// Exist reports whether key has a live entry in the default group.
func (c *Client) Exist(ctx context.Context, key string) (bool, error) {
	return nrpc.As[bool](c.call(ctx, MethodExist, key))
}

// ExistIn reports whether key has a live entry in the given group.
func (c *Client) ExistIn(ctx context.Context, key, group string) (bool, error) {
	return nrpc.As[bool](c.call(ctx, MethodExistIn, key, group))
}

// Put stores data under key in the default group, without expiration.
func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	return c.exec(ctx, MethodPut, key, data)
}

// PutExpire stores data under key in the default group, to expire after the
// given number of seconds.
func (c *Client) PutExpire(ctx context.Context, key string, data []byte, expireSecond int) error {
	return c.exec(ctx, MethodPutExpire, key, data, expireSecond)
}

// PutIn stores data under key in the given group, to expire after the given
// number of seconds. If expireSecond < 0, the entry does not expire.
func (c *Client) PutIn(ctx context.Context, key string, data []byte, expireSecond int, group string) error {
	return c.exec(ctx, MethodPutIn, key, data, expireSecond, group)
}

// Count reports the number of live entries in the given group.
func (c *Client) Count(ctx context.Context, group string) (int, error) {
	return nrpc.As[int](c.call(ctx, MethodCount, group))
}

// Get returns the data stored under key in the default group, or nil.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return nrpc.As[[]byte](c.call(ctx, MethodGet, key))
}

// GetIn returns the data stored under key in the given group, or nil.
func (c *Client) GetIn(ctx context.Context, key, group string) ([]byte, error) {
	return nrpc.As[[]byte](c.call(ctx, MethodGetIn, key, group))
}

// ChangeKey moves the entry for oldKey to newKey in the default group.
func (c *Client) ChangeKey(ctx context.Context, oldKey, newKey string) error {
	return c.exec(ctx, MethodChangeKey, oldKey, newKey)
}

// ChangeKeyIn moves the entry for oldKey to newKey in the given group.
func (c *Client) ChangeKeyIn(ctx context.Context, oldKey, newKey, group string) error {
	return c.exec(ctx, MethodChangeKeyIn, oldKey, newKey, group)
}

// Remove removes the entry for key from the default group.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.exec(ctx, MethodRemove, key)
}

// RemoveIn removes the entry for key from the given group.
func (c *Client) RemoveIn(ctx context.Context, key, group string) error {
	return c.exec(ctx, MethodRemoveIn, key, group)
}

// RemoveBatch removes the entries for keys from the default group.
func (c *Client) RemoveBatch(ctx context.Context, keys []string) error {
	return c.exec(ctx, MethodRemoveBatch, keys)
}

// RemoveBatchIn removes the entries for keys from the given group.
func (c *Client) RemoveBatchIn(ctx context.Context, keys []string, group string) error {
	return c.exec(ctx, MethodRemoveBatchN, keys, group)
}

// Groups lists the groups of the service.
func (c *Client) Groups(ctx context.Context) ([]string, error) {
	return nrpc.As[[]string](c.call(ctx, MethodGroups))
}
