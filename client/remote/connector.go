// Package remote implements the client contract against a server reached
// over rpc. Metadata calls go through a pooled lease; bulk content moves
// through the chunked transfer protocol.
package remote

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/leasepool"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/svcfields"
	"pkt.systems/xmldb/internal/transfer"
)

// DefaultInlineLimit is the size below which in-memory content is stored
// with a single parse or storeBinary call instead of a chunked upload.
const DefaultInlineLimit = 512 << 10

// Remote method names used by the facade.
const (
	methodExists            = "existsAndCanOpenCollection"
	methodCreateResourceID  = "createResourceId"
	methodCollectionListing = "getCollectionListing"
	methodDocumentListing   = "getDocumentListing"
	methodResourceCount     = "getResourceCount"
	methodCreationDate      = "getCreationDate"
	methodDescribeResource  = "describeResource"
	methodParse             = "parse"
	methodStoreBinary       = "storeBinary"
	methodRemove            = "remove"
	methodCreateCollection  = "createCollection"
	methodRemoveCollection  = "removeCollection"
	methodGetPermissions    = "getPermissions"
	methodSetPermissions    = "setPermissions"
	methodLockResource      = "lockResource"
	methodUnlockResource    = "unlockResource"
	methodHasUserLock       = "hasUserLock"
	methodSetLastModified   = "setLastModified"
	methodExecuteQuery      = "executeQuery"
	methodGetHits           = "getHits"
	methodReleaseQuery      = "releaseQueryResult"
)

// Connector opens remote collections. Collections opened for the same user
// and endpoint share one pooled client.
type Connector struct {
	pool        *leasepool.Pool
	downloader  *transfer.Downloader
	uploader    *transfer.Uploader
	logger      pslog.Logger
	inlineLimit int
	xferOpts    []transfer.Option
}

// Option customises a Connector.
type Option func(*Connector)

// WithLogger sets the connector logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Connector) {
		c.logger = svcfields.Ensure(logger)
	}
}

// WithInlineLimit sets the inline store threshold. Zero forces every store
// through the chunked upload.
func WithInlineLimit(n int) Option {
	return func(c *Connector) {
		if n >= 0 {
			c.inlineLimit = n
		}
	}
}

// WithTransferOptions passes options to the uploader and downloader.
func WithTransferOptions(opts ...transfer.Option) Option {
	return func(c *Connector) {
		c.xferOpts = append(c.xferOpts, opts...)
	}
}

// NewConnector returns a connector leasing clients from pool.
func NewConnector(pool *leasepool.Pool, opts ...Option) *Connector {
	c := &Connector{
		pool:        pool,
		logger:      pslog.NoopLogger(),
		inlineLimit: DefaultInlineLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	xfer := append([]transfer.Option{transfer.WithLogger(c.logger)}, c.xferOpts...)
	c.downloader = transfer.NewDownloader(xfer...)
	c.uploader = transfer.NewUploader(xfer...)
	c.logger = svcfields.WithSubsystem(c.logger, "client.remote")
	return c
}

// Pool returns the lease pool.
func (c *Connector) Pool() *leasepool.Pool { return c.pool }

// Negotiator returns the finalize negotiator shared by every upload.
func (c *Connector) Negotiator() *transfer.Negotiator { return c.uploader.Negotiator() }

// Open leases a client for (user, endpoint) and opens the collection at
// path. A missing or unreadable collection fails with no-such-collection
// and returns the lease.
func (c *Connector) Open(ctx context.Context, endpoint, user, password, path string, props api.Properties) (*Collection, error) {
	clean, err := api.CleanPath(path)
	if err != nil {
		return nil, err
	}
	lease, err := c.pool.Lease(ctx, leasepool.Key{User: user, Endpoint: endpoint}, password)
	if err != nil {
		return nil, err
	}
	col := newCollection(c, lease, password, clean, props)
	res, err := col.call(ctx, "open", clean, methodExists, clean)
	if err == nil {
		var ok bool
		if ok, err = rpc.AsBool(res); err == nil && !ok {
			err = api.Errorf(api.CodeNoSuchCollection, clean, "collection not found or not readable")
		}
	}
	if err != nil {
		_ = lease.Close()
		return nil, err
	}
	col.logger.Trace("client.remote.open", "lease", lease.ID())
	return col, nil
}

// timeArg encodes an optional timestamp; the zero time travels as null.
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
