// Package local implements the client contract against an embedded engine.
// Every operation runs through an access.Executor, so it is transactional
// and locks the collection or document it touches for its duration only.
package local

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/svcfields"
)

// Collection is a client.Collection backed by an executor.
type Collection struct {
	exec     *access.Executor
	path     string
	logger   pslog.Logger
	services *client.ServiceCache

	propsMu sync.RWMutex
	props   api.Properties

	needsSync atomic.Bool
	closed    atomic.Bool
}

var _ client.Collection = (*Collection)(nil)

// Option customises a local collection.
type Option func(*Collection)

// WithLogger sets the collection logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Collection) {
		c.logger = svcfields.Ensure(logger)
	}
}

// WithProperties seeds the output properties.
func WithProperties(props api.Properties) Option {
	return func(c *Collection) {
		if props != nil {
			c.props = props.Clone()
		}
	}
}

// Open returns the collection at path. A missing collection fails with a
// no-such-collection error.
func Open(ctx context.Context, exec *access.Executor, path string, opts ...Option) (*Collection, error) {
	clean, err := api.CleanPath(path)
	if err != nil {
		return nil, err
	}
	c := &Collection{
		exec:   exec,
		path:   clean,
		logger: pslog.NoopLogger(),
		props:  api.Properties{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = svcfields.WithSubsystem(c.logger, "client.local").With(svcfields.PathKey, clean, svcfields.UserKey, exec.User())
	c.services = client.NewServiceCache(c.buildService)
	if err := exec.ReadCollection(ctx, clean, api.CodeNoSuchCollection, func(context.Context, *access.Scope, access.CollectionHandle) error {
		return nil
	}); err != nil {
		return nil, err
	}
	c.logger.Trace("client.local.open")
	return c, nil
}

// open returns a sibling handle; errors yield a nil interface.
func (c *Collection) open(ctx context.Context, path string) (client.Collection, error) {
	col, err := Open(ctx, c.exec, path, WithLogger(c.logger), WithProperties(c.Properties()))
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
func (c *Collection) IsRemote() bool { return false }

// Executor returns the executor the collection runs on.
func (c *Collection) Executor() *access.Executor { return c.exec }

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

// ChildCollections implements client.Collection.
func (c *Collection) ChildCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := c.exec.ReadCollection(ctx, c.path, api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, col access.CollectionHandle) error {
		names = col.ChildNames()
		return nil
	})
	return names, err
}

// ChildCollectionCount implements client.Collection.
func (c *Collection) ChildCollectionCount(ctx context.Context) (int, error) {
	names, err := c.ChildCollections(ctx)
	return len(names), err
}

// Resources implements client.Collection.
func (c *Collection) Resources(ctx context.Context) ([]string, error) {
	var names []string
	err := c.exec.ReadCollection(ctx, c.path, api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, col access.CollectionHandle) error {
		names = col.DocumentNames()
		return nil
	})
	return names, err
}

// ResourceCount implements client.Collection.
func (c *Collection) ResourceCount(ctx context.Context) (int, error) {
	names, err := c.Resources(ctx)
	return len(names), err
}

// CreateID implements client.Collection with random eight-hex-digit names.
func (c *Collection) CreateID(ctx context.Context) (string, error) {
	var id string
	err := c.exec.ReadCollection(ctx, c.path, api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, col access.CollectionHandle) error {
		for {
			id = randomID()
			if !col.HasDocument(id) {
				return nil
			}
		}
	})
	return id, err
}

func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ".xml"
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

// Resource implements client.Collection.
func (c *Collection) Resource(ctx context.Context, id string) (client.Resource, error) {
	if err := api.ValidName(id); err != nil {
		return nil, err
	}
	var info api.ResourceInfo
	err := c.exec.ReadDocument(ctx, c.path, id, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		info = doc.Info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Resource{col: c, id: id, typ: info.Type, stored: true}, nil
}

// StoreResource implements client.Collection. The payload is read fully
// into memory before the document is locked.
func (c *Collection) StoreResource(ctx context.Context, res client.Resource, opts ...client.StoreOption) error {
	if res == nil {
		return api.Errorf(api.CodeInvalidResource, c.path, "nil resource")
	}
	settings := client.ApplyStoreOptions(opts)
	content, err := res.Content(ctx)
	if err != nil {
		return err
	}
	var data []byte
	if !content.IsZero() {
		if data, err = content.ReadAll(); err != nil {
			return err
		}
	}
	mime, err := res.MimeType(ctx)
	if err != nil {
		return err
	}
	path := api.Join(c.path, res.ID())
	err = c.exec.CreateDocument(ctx, c.path, res.ID(), res.Type(), api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		if err := doc.SetContent(data); err != nil {
			return err
		}
		doc.SetMimeType(mime)
		doc.SetCreated(settings.Created)
		doc.SetModified(settings.Modified)
		return nil
	})
	if err != nil {
		c.logger.Debug("client.local.store.error", svcfields.PathKey, path, "error", err)
		return err
	}
	c.needsSync.Store(true)
	if lr, ok := res.(*Resource); ok && lr.col.path == c.path {
		lr.markStored()
	}
	c.logger.Debug("client.local.store", svcfields.PathKey, path, "type", res.Type(), "size", len(data))
	return nil
}

// RemoveResource implements client.Collection.
func (c *Collection) RemoveResource(ctx context.Context, res client.Resource) error {
	if res == nil {
		return api.Errorf(api.CodeInvalidResource, c.path, "nil resource")
	}
	err := c.exec.ModifyCollection(ctx, c.path, api.CodeNoSuchCollection, func(ctx context.Context, s *access.Scope, col access.CollectionHandle) error {
		return col.RemoveDocument(ctx, s.Txn, res.ID())
	})
	if err != nil {
		return err
	}
	c.needsSync.Store(true)
	c.logger.Debug("client.local.remove", "resource", res.ID())
	return nil
}

// CreationTime implements client.Collection.
func (c *Collection) CreationTime(ctx context.Context) (time.Time, error) {
	var created time.Time
	err := c.exec.ReadCollection(ctx, c.path, api.CodeNoSuchCollection, func(_ context.Context, _ *access.Scope, col access.CollectionHandle) error {
		created = col.Created()
		return nil
	})
	return created, err
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

// Close implements client.Collection. It syncs the engine when this
// collection stored or removed anything.
func (c *Collection) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !c.needsSync.Swap(false) {
		return nil
	}
	err := c.exec.WithAccess(ctx, func(ctx context.Context, s *access.Scope) error {
		return s.Broker.Sync(ctx)
	})
	if err != nil {
		c.logger.Warn("client.local.sync.error", "error", err)
		return err
	}
	c.logger.Trace("client.local.sync")
	return nil
}
