package local

import (
	"context"
	"strings"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/access"
)

type collectionManager struct {
	col *Collection
}

func (m *collectionManager) Kind() client.ServiceKind { return client.CollectionManagerKind }

func (m *collectionManager) CreateCollection(ctx context.Context, name string) (client.Collection, error) {
	target, err := api.CleanPath(api.Join(m.col.path, name))
	if err != nil {
		return nil, err
	}
	if target == m.col.path || !strings.HasPrefix(target, m.col.path+"/") {
		return nil, api.Errorf(api.CodeInvalidURI, target, "collection must be created below %s", m.col.path)
	}
	segments := strings.Split(strings.TrimPrefix(target, m.col.path+"/"), "/")
	err = m.col.exec.WithAccess(ctx, func(ctx context.Context, s *access.Scope) error {
		current := m.col.path
		for _, seg := range segments {
			col, err := m.col.exec.OpenCollection(ctx, s, current, access.WriteLock, api.CodeNoSuchCollection)
			if err != nil {
				return err
			}
			err = col.CreateChild(ctx, s.Txn, seg)
			col.Release()
			if err != nil {
				return err
			}
			current = api.Join(current, seg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.col.needsSync.Store(true)
	m.col.logger.Debug("client.local.collection.create", "collection", target)
	return m.col.open(ctx, target)
}

func (m *collectionManager) RemoveCollection(ctx context.Context, name string) error {
	target, err := api.CleanPath(api.Join(m.col.path, name))
	if err != nil {
		return err
	}
	if target == api.RootCollection {
		return api.Errorf(api.CodePermissionDenied, target, "the root collection cannot be removed")
	}
	parent, last := api.Split(target)
	err = m.col.exec.ModifyCollection(ctx, parent, api.CodeNoSuchCollection, func(ctx context.Context, s *access.Scope, col access.CollectionHandle) error {
		return col.RemoveChild(ctx, s.Txn, last)
	})
	if err != nil {
		return err
	}
	m.col.needsSync.Store(true)
	m.col.logger.Debug("client.local.collection.remove", "collection", target)
	return nil
}

type userManager struct {
	col *Collection
}

func (m *userManager) Kind() client.ServiceKind { return client.UserManagerKind }

func (m *userManager) Permissions(ctx context.Context, name string) (api.Permission, error) {
	var perm api.Permission
	if name == "" {
		err := m.col.exec.ReadCollection(ctx, m.col.path, api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, col access.CollectionHandle) error {
			perm = col.Permission()
			return nil
		})
		return perm, err
	}
	err := m.col.exec.ReadDocument(ctx, m.col.path, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		perm = doc.Info().Permission
		return nil
	})
	return perm, err
}

// update rewrites the permission of the collection or of resource name.
func (m *userManager) update(ctx context.Context, name string, fn func(api.Permission) api.Permission) error {
	if name == "" {
		return m.col.exec.ModifyCollection(ctx, m.col.path, api.CodeNoSuchCollection, func(ctx context.Context, s *access.Scope, col access.CollectionHandle) error {
			return col.SetPermission(ctx, s.Txn, fn(col.Permission()))
		})
	}
	return m.col.exec.ModifyDocument(ctx, m.col.path, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		return doc.SetPermission(fn(doc.Info().Permission))
	})
}

func (m *userManager) SetPermissions(ctx context.Context, name string, perm api.Permission) error {
	return m.update(ctx, name, func(api.Permission) api.Permission { return perm })
}

func (m *userManager) Chmod(ctx context.Context, name string, mode uint32) error {
	return m.update(ctx, name, func(p api.Permission) api.Permission {
		p.Mode = mode & 0o777
		return p
	})
}

func (m *userManager) Chown(ctx context.Context, name, owner, group string) error {
	return m.update(ctx, name, func(p api.Permission) api.Permission {
		p.Owner = owner
		if group != "" {
			p.Group = group
		}
		return p
	})
}

func (m *userManager) setLock(ctx context.Context, name, owner string) error {
	if err := api.ValidName(name); err != nil {
		return err
	}
	return m.col.exec.ModifyDocument(ctx, m.col.path, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		return doc.SetLockOwner(owner)
	})
}

func (m *userManager) LockResource(ctx context.Context, name string) error {
	return m.setLock(ctx, name, m.col.exec.User())
}

func (m *userManager) UnlockResource(ctx context.Context, name string) error {
	return m.setLock(ctx, name, "")
}

func (m *userManager) HasUserLock(ctx context.Context, name string) (string, error) {
	if err := api.ValidName(name); err != nil {
		return "", err
	}
	var owner string
	err := m.col.exec.ReadDocument(ctx, m.col.path, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		owner = doc.Info().LockOwner
		return nil
	})
	return owner, err
}

type queryService struct {
	col *Collection
}

func (q *queryService) Kind() client.ServiceKind { return client.QueryServiceKind }

func (q *queryService) Query(ctx context.Context, expr string) (*client.ResultSet, error) {
	var paths []string
	err := q.col.exec.WithAccess(ctx, func(ctx context.Context, s *access.Scope) error {
		var err error
		paths, err = s.Broker.Query(ctx, s.Txn, q.col.path, expr)
		return err
	})
	if err != nil {
		return nil, err
	}
	q.col.logger.Debug("client.local.query", "hits", len(paths))
	return &client.ResultSet{Paths: paths}, nil
}

func (q *queryService) Hits(_ context.Context, rs *client.ResultSet) (int, error) {
	return rs.Len(), nil
}

func (q *queryService) Retrieve(ctx context.Context, rs *client.ResultSet, n int) (api.Content, error) {
	if n < 0 || n >= rs.Len() {
		return api.Content{}, api.Errorf(api.CodeNoSuchResource, q.col.path, "result %d out of range (%d hits)", n, rs.Len())
	}
	dir, name := api.Split(rs.Paths[n])
	var data []byte
	err := q.col.exec.ReadDocument(ctx, dir, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		var err error
		data, err = doc.Content()
		return err
	})
	if err != nil {
		return api.Content{}, err
	}
	return api.Bytes(data), nil
}

func (q *queryService) Release(_ context.Context, rs *client.ResultSet) error {
	if rs != nil {
		rs.Paths = nil
	}
	return nil
}
