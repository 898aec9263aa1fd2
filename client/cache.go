package client

import (
	"context"
	"sync"

	"pkt.systems/xmldb/api"
)

// ServiceBuilder constructs the capability of one kind. It returns
// ok=false for kinds the collection does not support.
type ServiceBuilder func(kind ServiceKind) (svc Service, ok bool, err error)

// ServiceCache builds each capability at most once. Construction runs with
// the cache mutex held.
type ServiceCache struct {
	mu       sync.Mutex
	build    ServiceBuilder
	services map[ServiceKind]Service
	builds   int
}

// NewServiceCache returns an empty cache backed by build.
func NewServiceCache(build ServiceBuilder) *ServiceCache {
	return &ServiceCache{build: build, services: make(map[ServiceKind]Service)}
}

// Get returns the cached capability or builds it. Failed builds are not
// cached.
func (c *ServiceCache) Get(kind ServiceKind) (Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[kind]; ok {
		return svc, nil
	}
	svc, ok, err := c.build(kind)
	if err != nil {
		return nil, err
	}
	if !ok || svc == nil {
		return nil, api.Errorf(api.CodeNoSuchService, "", "service %q is not available", kind)
	}
	c.builds++
	c.services[kind] = svc
	return svc, nil
}

// Built returns how many capabilities have been constructed.
func (c *ServiceCache) Built() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds
}

// ServiceAs fetches kind from col and asserts it to T.
func ServiceAs[T Service](ctx context.Context, col Collection, kind ServiceKind) (T, error) {
	var zero T
	svc, err := col.Service(ctx, kind)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, api.Errorf(api.CodeNoSuchService, col.Path(), "service %q has unexpected type %T", kind, svc)
	}
	return typed, nil
}

// CollectionManagerOf returns the collection manager of col.
func CollectionManagerOf(ctx context.Context, col Collection) (CollectionManager, error) {
	return ServiceAs[CollectionManager](ctx, col, CollectionManagerKind)
}

// UserManagerOf returns the user manager of col.
func UserManagerOf(ctx context.Context, col Collection) (UserManager, error) {
	return ServiceAs[UserManager](ctx, col, UserManagerKind)
}

// QueryServiceOf returns the query service of col.
func QueryServiceOf(ctx context.Context, col Collection) (QueryService, error) {
	return ServiceAs[QueryService](ctx, col, QueryServiceKind)
}
