package client

import (
	"context"
	"io"
	"time"

	"pkt.systems/xmldb/api"
)

// Collection is a handle on one collection of the database. Local and remote
// implementations behave identically; only failures of the transport itself
// surface differently, as vendor errors.
type Collection interface {
	// Name is the last path segment.
	Name() string
	// Path is the absolute collection path, e.g. /db/shop/orders.
	Path() string
	IsRemote() bool

	// Parent opens the enclosing collection. The root has no parent and
	// yields a no-such-collection error.
	Parent(ctx context.Context) (Collection, error)
	// Child opens a direct child collection.
	Child(ctx context.Context, name string) (Collection, error)
	ChildCollections(ctx context.Context) ([]string, error)
	ChildCollectionCount(ctx context.Context) (int, error)

	Resources(ctx context.Context) ([]string, error)
	ResourceCount(ctx context.Context) (int, error)
	// CreateID returns a resource name that is unused in this collection.
	CreateID(ctx context.Context) (string, error)
	// CreateResource returns an unsaved resource. An empty id is replaced
	// with CreateID.
	CreateResource(ctx context.Context, id string, typ api.ResourceType) (Resource, error)
	// Resource loads a stored resource. A missing one fails with a
	// no-such-resource error.
	Resource(ctx context.Context, id string) (Resource, error)
	StoreResource(ctx context.Context, res Resource, opts ...StoreOption) error
	RemoveResource(ctx context.Context, res Resource) error

	CreationTime(ctx context.Context) (time.Time, error)

	// Property returns an output property, e.g. compress-output.
	Property(key string) string
	SetProperty(key, value string)
	Properties() api.Properties

	// Service returns the capability of the given kind. Each kind is built
	// at most once per collection.
	Service(ctx context.Context, kind ServiceKind) (Service, error)

	// Close releases the collection. Further calls on a closed remote
	// collection fail.
	Close(ctx context.Context) error
}

// Resource is a document or binary blob in a collection. Content set through
// SetContent is only persisted by Collection.StoreResource.
type Resource interface {
	ID() string
	Path() string
	Type() api.ResourceType
	Parent() Collection

	// Content returns the payload. Remote resources are fetched once and
	// cached until Close.
	Content(ctx context.Context) (api.Content, error)
	// ContentTo streams the payload into w.
	ContentTo(ctx context.Context, w io.Writer) error
	// SetContent accepts []byte, string, api.Content, io.Reader or a
	// downloaded spool.
	SetContent(v any) error
	ContentLength(ctx context.Context) (int64, error)

	MimeType(ctx context.Context) (string, error)
	SetMimeType(mime string)

	Created(ctx context.Context) (time.Time, error)
	Modified(ctx context.Context) (time.Time, error)
	// SetModified updates the modification time of a stored resource. A
	// time before creation is rejected with permission denied.
	SetModified(ctx context.Context, t time.Time) error

	Permissions(ctx context.Context) (api.Permission, error)

	// Close frees cached content. It is safe to call more than once.
	Close() error
}

// StoreSettings carries the optional timestamps of a store.
type StoreSettings struct {
	Created  time.Time
	Modified time.Time
}

// StoreOption customises StoreResource.
type StoreOption func(*StoreSettings)

// WithCreated stores the resource with an explicit creation time.
func WithCreated(t time.Time) StoreOption {
	return func(s *StoreSettings) {
		s.Created = t
	}
}

// WithModified stores the resource with an explicit modification time.
func WithModified(t time.Time) StoreOption {
	return func(s *StoreSettings) {
		s.Modified = t
	}
}

// ApplyStoreOptions folds opts into a StoreSettings.
func ApplyStoreOptions(opts []StoreOption) StoreSettings {
	var s StoreSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
