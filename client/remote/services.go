package remote

import (
	"context"
	"strings"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/transfer"
)

type collectionManager struct {
	col *Collection
}

func (m *collectionManager) Kind() client.ServiceKind { return client.CollectionManagerKind }

func (m *collectionManager) target(name string) (string, error) {
	target, err := api.CleanPath(api.Join(m.col.path, name))
	if err != nil {
		return "", err
	}
	if target == m.col.path || !strings.HasPrefix(target, m.col.path+"/") {
		return "", api.Errorf(api.CodeInvalidURI, target, "collection must be below %s", m.col.path)
	}
	return target, nil
}

func (m *collectionManager) CreateCollection(ctx context.Context, name string) (client.Collection, error) {
	target, err := m.target(name)
	if err != nil {
		return nil, err
	}
	if _, err := m.col.call(ctx, "create_collection", target, methodCreateCollection, target); err != nil {
		return nil, err
	}
	m.col.logger.Debug("client.remote.collection.create", "collection", target)
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
	if _, err := m.col.call(ctx, "remove_collection", target, methodRemoveCollection, target); err != nil {
		return err
	}
	m.col.logger.Debug("client.remote.collection.remove", "collection", target)
	return nil
}

type userManager struct {
	col *Collection
}

func (m *userManager) Kind() client.ServiceKind { return client.UserManagerKind }

// path resolves name; "" is the collection itself.
func (m *userManager) path(name string) (string, error) {
	if name == "" {
		return m.col.path, nil
	}
	if err := api.ValidName(name); err != nil {
		return "", err
	}
	return api.Join(m.col.path, name), nil
}

func (m *userManager) Permissions(ctx context.Context, name string) (api.Permission, error) {
	path, err := m.path(name)
	if err != nil {
		return api.Permission{}, err
	}
	res, err := m.col.call(ctx, "permissions", path, methodGetPermissions, path)
	if err != nil {
		return api.Permission{}, err
	}
	raw, err := rpc.AsMap(res)
	if err != nil {
		return api.Permission{}, api.Vendor(methodGetPermissions, path, err)
	}
	perm, err := parsePermission(raw)
	if err != nil {
		return api.Permission{}, api.Vendor(methodGetPermissions, path, err)
	}
	return perm, nil
}

func (m *userManager) SetPermissions(ctx context.Context, name string, perm api.Permission) error {
	path, err := m.path(name)
	if err != nil {
		return err
	}
	_, err = m.col.call(ctx, "set_permissions", path, methodSetPermissions, path, perm.Owner, perm.Group, perm.Mode)
	return err
}

func (m *userManager) Chmod(ctx context.Context, name string, mode uint32) error {
	perm, err := m.Permissions(ctx, name)
	if err != nil {
		return err
	}
	perm.Mode = mode
	return m.SetPermissions(ctx, name, perm)
}

func (m *userManager) Chown(ctx context.Context, name, owner, group string) error {
	perm, err := m.Permissions(ctx, name)
	if err != nil {
		return err
	}
	perm.Owner = owner
	if group != "" {
		perm.Group = group
	}
	return m.SetPermissions(ctx, name, perm)
}

func (m *userManager) resource(name string) (string, error) {
	if err := api.ValidName(name); err != nil {
		return "", err
	}
	return api.Join(m.col.path, name), nil
}

func (m *userManager) LockResource(ctx context.Context, name string) error {
	path, err := m.resource(name)
	if err != nil {
		return err
	}
	_, err = m.col.call(ctx, "lock", path, methodLockResource, path, m.col.user())
	return err
}

func (m *userManager) UnlockResource(ctx context.Context, name string) error {
	path, err := m.resource(name)
	if err != nil {
		return err
	}
	_, err = m.col.call(ctx, "unlock", path, methodUnlockResource, path)
	return err
}

func (m *userManager) HasUserLock(ctx context.Context, name string) (string, error) {
	path, err := m.resource(name)
	if err != nil {
		return "", err
	}
	res, err := m.col.call(ctx, "lock_owner", path, methodHasUserLock, path)
	if err != nil {
		return "", err
	}
	owner, err := rpc.AsString(res)
	if err != nil {
		return "", api.Vendor(methodHasUserLock, path, err)
	}
	return owner, nil
}

type queryService struct {
	col *Collection
}

func (q *queryService) Kind() client.ServiceKind { return client.QueryServiceKind }

func (q *queryService) Query(ctx context.Context, expr string) (*client.ResultSet, error) {
	res, err := q.col.call(ctx, "query", q.col.path, methodExecuteQuery, expr, q.col.path)
	if err != nil {
		return nil, err
	}
	reply, err := rpc.AsMap(res)
	if err != nil {
		return nil, api.Vendor(methodExecuteQuery, q.col.path, err)
	}
	handle, err := rpc.AsString(reply["handle"])
	if err != nil {
		return nil, api.Vendor(methodExecuteQuery, q.col.path, err)
	}
	paths, err := rpc.AsStrings(reply["paths"])
	if err != nil {
		return nil, api.Vendor(methodExecuteQuery, q.col.path, err)
	}
	q.col.logger.Debug("client.remote.query", "hits", len(paths))
	return &client.ResultSet{Handle: handle, Paths: paths}, nil
}

func (q *queryService) Hits(ctx context.Context, rs *client.ResultSet) (int, error) {
	if rs == nil || rs.Handle == "" {
		return rs.Len(), nil
	}
	res, err := q.col.call(ctx, "hits", q.col.path, methodGetHits, rs.Handle)
	if err != nil {
		return 0, err
	}
	n, err := rpc.AsInt(res)
	if err != nil {
		return 0, api.Vendor(methodGetHits, q.col.path, err)
	}
	return n, nil
}

// Retrieve downloads hit n through the chunked protocol. The caller owns
// the returned content and releases it.
func (q *queryService) Retrieve(ctx context.Context, rs *client.ResultSet, n int) (api.Content, error) {
	if rs == nil || rs.Handle == "" {
		return api.Content{}, api.Errorf(api.CodeNoSuchResource, q.col.path, "result set released")
	}
	sp, err := q.col.conn.downloader.Download(ctx, q.col.lease, transfer.Source{Handle: rs.Handle, Pos: n}, q.col.Properties(), nil)
	if err != nil {
		return api.Content{}, err
	}
	return api.Downloaded(sp), nil
}

func (q *queryService) Release(ctx context.Context, rs *client.ResultSet) error {
	if rs == nil || rs.Handle == "" {
		return nil
	}
	if _, err := q.col.call(ctx, "release", q.col.path, methodReleaseQuery, rs.Handle); err != nil {
		return err
	}
	rs.Handle = ""
	rs.Paths = nil
	return nil
}
