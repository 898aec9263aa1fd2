package remote

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/leasepool"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/svcfields"
	"pkt.systems/xmldb/internal/transfer"
)

// Collection is a client.Collection on a remote server. Each instance holds
// its own lease on the shared pool entry.
type Collection struct {
	conn     *Connector
	lease    *leasepool.Lease
	password string
	path     string
	logger   pslog.Logger
	services *client.ServiceCache

	propsMu sync.RWMutex
	props   api.Properties

	closed atomic.Bool
}

var _ client.Collection = (*Collection)(nil)

func newCollection(conn *Connector, lease *leasepool.Lease, password, path string, props api.Properties) *Collection {
	if props == nil {
		props = api.Properties{}
	}
	key := lease.Key()
	c := &Collection{
		conn:     conn,
		lease:    lease,
		password: password,
		path:     path,
		props:    props.Clone(),
		logger:   conn.logger.With(svcfields.PathKey, path, svcfields.UserKey, key.User, svcfields.EndpointKey, key.Endpoint),
	}
	c.services = client.NewServiceCache(c.buildService)
	return c
}

// call issues method through the lease and classifies failures for op on
// path.
func (c *Collection) call(ctx context.Context, op, path, method string, params ...any) (any, error) {
	res, err := c.lease.Call(ctx, method, params...)
	if err != nil {
		return nil, rpc.Classify(op, path, err)
	}
	return res, nil
}

func (c *Collection) endpoint() string { return c.lease.Key().Endpoint }

func (c *Collection) user() string { return c.lease.Key().User }

func (c *Collection) open(ctx context.Context, path string) (client.Collection, error) {
	col, err := c.conn.Open(ctx, c.endpoint(), c.user(), c.password, path, c.Properties())
	if err != nil {
		return nil, err
	}
	return col, nil
}

// Name implements client.Collection.
func (c *Collection) Name() string {
	_, name := api.Split(c.path)
	return name
}

// Path implements client.Collection.
func (c *Collection) Path() string { return c.path }

// IsRemote implements client.Collection.
func (c *Collection) IsRemote() bool { return true }

// Lease returns the lease the collection calls through.
func (c *Collection) Lease() *leasepool.Lease { return c.lease }

// Parent implements client.Collection.
func (c *Collection) Parent(ctx context.Context) (client.Collection, error) {
	if c.path == api.RootCollection {
		return nil, api.Errorf(api.CodeNoSuchCollection, c.path, "root collection has no parent")
	}
	parent, _ := api.Split(c.path)
	return c.open(ctx, parent)
}

// Child implements client.Collection.
func (c *Collection) Child(ctx context.Context, name string) (client.Collection, error) {
	if err := api.ValidName(name); err != nil {
		return nil, err
	}
	return c.open(ctx, api.Join(c.path, name))
}

func (c *Collection) listing(ctx context.Context, method string) ([]string, error) {
	res, err := c.call(ctx, "list", c.path, method, c.path)
	if err != nil {
		return nil, err
	}
	names, err := rpc.AsStrings(res)
	if err != nil {
		return nil, api.Vendor(method, c.path, err)
	}
	return names, nil
}

// ChildCollections implements client.Collection.
func (c *Collection) ChildCollections(ctx context.Context) ([]string, error) {
	return c.listing(ctx, methodCollectionListing)
}

// ChildCollectionCount implements client.Collection.
func (c *Collection) ChildCollectionCount(ctx context.Context) (int, error) {
	names, err := c.ChildCollections(ctx)
	return len(names), err
}

// Resources implements client.Collection.
func (c *Collection) Resources(ctx context.Context) ([]string, error) {
	return c.listing(ctx, methodDocumentListing)
}

// ResourceCount implements client.Collection.
func (c *Collection) ResourceCount(ctx context.Context) (int, error) {
	res, err := c.call(ctx, "count", c.path, methodResourceCount, c.path)
	if err != nil {
		return 0, err
	}
	n, err := rpc.AsInt(res)
	if err != nil {
		return 0, api.Vendor(methodResourceCount, c.path, err)
	}
	return n, nil
}

// CreateID implements client.Collection by asking the server.
func (c *Collection) CreateID(ctx context.Context) (string, error) {
	res, err := c.call(ctx, "create_id", c.path, methodCreateResourceID, c.path)
	if err != nil {
		return "", err
	}
	id, err := rpc.AsString(res)
	if err != nil || id == "" {
		return "", api.Vendor(methodCreateResourceID, c.path, errOrEmpty(err, "empty resource id"))
	}
	return id, nil
}

// CreateResource implements client.Collection.
func (c *Collection) CreateResource(ctx context.Context, id string, typ api.ResourceType) (client.Resource, error) {
	typ, err := api.ParseResourceType(string(typ))
	if err != nil {
		return nil, err
	}
	if id == "" {
		if id, err = c.CreateID(ctx); err != nil {
			return nil, err
		}
	}
	if err := api.ValidName(id); err != nil {
		return nil, err
	}
	return &Resource{col: c, id: id, typ: typ}, nil
}

// describe fetches resource metadata. A missing resource fails with
// no-such-resource.
func (c *Collection) describe(ctx context.Context, id string) (api.ResourceInfo, error) {
	path := api.Join(c.path, id)
	res, err := c.call(ctx, "describe", path, methodDescribeResource, path)
	if err != nil {
		return api.ResourceInfo{}, err
	}
	m, err := rpc.AsMap(res)
	if err != nil {
		return api.ResourceInfo{}, api.Vendor(methodDescribeResource, path, err)
	}
	if len(m) == 0 {
		return api.ResourceInfo{}, api.Errorf(api.CodeNoSuchResource, path, "resource not found")
	}
	info, err := parseInfo(path, m)
	if err != nil {
		return api.ResourceInfo{}, api.Vendor(methodDescribeResource, path, err)
	}
	return info, nil
}

func parseInfo(path string, m map[string]any) (api.ResourceInfo, error) {
	info := api.ResourceInfo{Path: path}
	var err error
	if info.Name, err = rpc.AsString(m["name"]); err != nil {
		return info, err
	}
	rawType, err := rpc.AsString(m["type"])
	if err != nil {
		return info, err
	}
	if info.Type, err = api.ParseResourceType(rawType); err != nil {
		return info, err
	}
	if info.MimeType, err = rpc.AsString(m["mime-type"]); err != nil {
		return info, err
	}
	// The 64-bit length is authoritative when present.
	if raw, ok := m["content-length-64bit"]; ok && raw != nil {
		s, err := rpc.AsString(raw)
		if err != nil {
			return info, err
		}
		if info.ContentLength, err = strconv.ParseInt(s, 10, 64); err != nil {
			return info, err
		}
	} else if info.ContentLength, err = rpc.AsInt64(m["content-length"]); err != nil {
		return info, err
	}
	if info.Permission, err = parsePermission(m); err != nil {
		return info, err
	}
	if info.Created, err = rpc.AsTime(m["created"]); err != nil {
		return info, err
	}
	if info.Modified, err = rpc.AsTime(m["modified"]); err != nil {
		return info, err
	}
	info.LockOwner, err = rpc.AsString(m["lock-owner"])
	return info, err
}

func parsePermission(m map[string]any) (api.Permission, error) {
	var perm api.Permission
	var err error
	if perm.Owner, err = rpc.AsString(m["owner"]); err != nil {
		return perm, err
	}
	if perm.Group, err = rpc.AsString(m["group"]); err != nil {
		return perm, err
	}
	mode, err := rpc.AsInt64(m["permissions"])
	if err != nil {
		return perm, err
	}
	perm.Mode = uint32(mode)
	return perm, nil
}

// Resource implements client.Collection.
func (c *Collection) Resource(ctx context.Context, id string) (client.Resource, error) {
	if err := api.ValidName(id); err != nil {
		return nil, err
	}
	info, err := c.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Resource{col: c, id: id, typ: info.Type, info: &info, stored: true}, nil
}

// StoreResource implements client.Collection. Small in-memory content is
// sent inline; everything else goes through the chunked upload.
func (c *Collection) StoreResource(ctx context.Context, res client.Resource, opts ...client.StoreOption) error {
	if res == nil {
		return api.Errorf(api.CodeInvalidResource, c.path, "nil resource")
	}
	settings := client.ApplyStoreOptions(opts)
	content, err := res.Content(ctx)
	if err != nil {
		return err
	}
	if content.IsZero() {
		content = api.Bytes(nil)
	}
	mime, err := res.MimeType(ctx)
	if err != nil {
		return err
	}
	path := api.Join(c.path, res.ID())
	begin := time.Now()
	mode := "upload"
	if data, ok := content.InMemory(); ok && len(data) < c.conn.inlineLimit {
		mode = "inline"
		err = c.storeInline(ctx, path, res.Type(), mime, data, settings)
	} else {
		err = c.conn.uploader.Upload(ctx, c.lease, c.endpoint(), transfer.Request{
			Path:     path,
			Type:     res.Type(),
			MimeType: mime,
			Content:  content,
			Created:  settings.Created,
			Modified: settings.Modified,
		})
	}
	if err != nil {
		c.logger.Debug("client.remote.store.error", svcfields.PathKey, path, "mode", mode, "error", err)
		return err
	}
	if rr, ok := res.(*Resource); ok && rr.col == c {
		rr.markStored()
	}
	c.logger.Debug("client.remote.store", svcfields.PathKey, path, "mode", mode, "elapsed", time.Since(begin))
	return nil
}

func (c *Collection) storeInline(ctx context.Context, path string, typ api.ResourceType, mime string, data []byte, s client.StoreSettings) error {
	var params []any
	method := methodParse
	if typ == api.BinaryResource {
		method = methodStoreBinary
		params = []any{data, path, mime, true}
	} else {
		params = []any{data, path, 1}
	}
	if !s.Created.IsZero() || !s.Modified.IsZero() {
		params = append(params, timeArg(s.Created), timeArg(s.Modified))
	}
	_, err := c.call(ctx, "store", path, method, params...)
	return err
}

// RemoveResource implements client.Collection.
func (c *Collection) RemoveResource(ctx context.Context, res client.Resource) error {
	if res == nil {
		return api.Errorf(api.CodeInvalidResource, c.path, "nil resource")
	}
	path := api.Join(c.path, res.ID())
	if _, err := c.call(ctx, "remove", path, methodRemove, path); err != nil {
		return err
	}
	c.logger.Debug("client.remote.remove", "resource", res.ID())
	return nil
}

// CreationTime implements client.Collection.
func (c *Collection) CreationTime(ctx context.Context) (time.Time, error) {
	res, err := c.call(ctx, "creation_time", c.path, methodCreationDate, c.path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := rpc.AsTime(res)
	if err != nil {
		return time.Time{}, api.Vendor(methodCreationDate, c.path, err)
	}
	return t, nil
}

// Property implements client.Collection.
func (c *Collection) Property(key string) string {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	return c.props[key]
}

// SetProperty implements client.Collection.
func (c *Collection) SetProperty(key, value string) {
	c.propsMu.Lock()
	defer c.propsMu.Unlock()
	c.props[key] = value
}

// Properties returns a copy of the output properties.
func (c *Collection) Properties() api.Properties {
	c.propsMu.RLock()
	defer c.propsMu.RUnlock()
	return c.props.Clone()
}

// Service implements client.Collection.
func (c *Collection) Service(_ context.Context, kind client.ServiceKind) (client.Service, error) {
	return c.services.Get(kind)
}

func (c *Collection) buildService(kind client.ServiceKind) (client.Service, bool, error) {
	switch kind {
	case client.CollectionManagerKind:
		return &collectionManager{col: c}, true, nil
	case client.UserManagerKind:
		return &userManager{col: c}, true, nil
	case client.QueryServiceKind:
		return &queryService{col: c}, true, nil
	default:
		return nil, false, nil
	}
}

// Close implements client.Collection. It returns the lease; the pooled
// client closes when its last lease does.
func (c *Collection) Close(context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Trace("client.remote.close", "lease", c.lease.ID())
	return c.lease.Close()
}

type emptyError string

func (e emptyError) Error() string { return string(e) }

func errOrEmpty(err error, msg string) error {
	if err != nil {
		return err
	}
	return emptyError(msg)
}
