package client

import (
	"context"

	"pkt.systems/xmldb/api"
)

// ServiceKind names a capability a collection can provide.
type ServiceKind string

// Known capability kinds.
const (
	CollectionManagerKind ServiceKind = "CollectionManagementService"
	UserManagerKind       ServiceKind = "UserManagementService"
	QueryServiceKind      ServiceKind = "XPathQueryService"
)

// ParseServiceKind accepts a kind name case-sensitively.
func ParseServiceKind(s string) (ServiceKind, error) {
	switch k := ServiceKind(s); k {
	case CollectionManagerKind, UserManagerKind, QueryServiceKind:
		return k, nil
	default:
		return "", api.Errorf(api.CodeNoSuchService, "", "unknown service %q", s)
	}
}

// Service is any capability.
type Service interface {
	Kind() ServiceKind
}

// CollectionManager creates and removes collections below the collection
// it was obtained from.
type CollectionManager interface {
	Service
	// CreateCollection creates name (which may contain several segments)
	// and returns it opened. Existing collections are reused.
	CreateCollection(ctx context.Context, name string) (Collection, error)
	RemoveCollection(ctx context.Context, name string) error
}

// UserManager manages permissions and user locks. A name of "" addresses
// the collection itself, anything else a resource within it.
type UserManager interface {
	Service
	Permissions(ctx context.Context, name string) (api.Permission, error)
	SetPermissions(ctx context.Context, name string, perm api.Permission) error
	Chmod(ctx context.Context, name string, mode uint32) error
	// Chown changes owner and group. An empty group keeps the current one.
	Chown(ctx context.Context, name, owner, group string) error
	LockResource(ctx context.Context, name string) error
	UnlockResource(ctx context.Context, name string) error
	// HasUserLock returns the user holding the lock on name, or "".
	HasUserLock(ctx context.Context, name string) (string, error)
}

// ResultSet is a query result. Remote result sets hold a server handle and
// must be released.
type ResultSet struct {
	Handle string
	Paths  []string
}

// Len returns the number of hits.
func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Paths)
}

// QueryService runs queries over the collection subtree.
type QueryService interface {
	Service
	Query(ctx context.Context, expr string) (*ResultSet, error)
	Hits(ctx context.Context, rs *ResultSet) (int, error)
	// Retrieve returns the content of the n-th hit.
	Retrieve(ctx context.Context, rs *ResultSet, n int) (api.Content, error)
	Release(ctx context.Context, rs *ResultSet) error
}
