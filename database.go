package xmldb

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/client/local"
	"pkt.systems/xmldb/client/remote"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/embedded"
	"pkt.systems/xmldb/internal/leasepool"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/rpcserver"
	"pkt.systems/xmldb/internal/svcfields"
	"pkt.systems/xmldb/internal/transfer"
)

// Database resolves URIs to collections. Local URIs go to the broker pool,
// remote URIs to a shared lease pool; one Database should serve the whole
// process.
type Database struct {
	cfg    Config
	logger pslog.Logger

	brokers access.BrokerPool
	engine  *embedded.Engine
	leases  *leasepool.Pool
	remote  *remote.Connector
	dialer  leasepool.Dialer

	mu    sync.Mutex
	execs map[string]*access.Executor

	closed atomic.Bool
}

// Option customises a Database.
type Option func(*Database)

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(d *Database) {
		d.logger = svcfields.Ensure(logger)
	}
}

// WithBrokerPool serves local URIs from pool instead of a fresh embedded
// engine.
func WithBrokerPool(pool access.BrokerPool) Option {
	return func(d *Database) {
		d.brokers = pool
	}
}

// WithDialer replaces the HTTP dialer used for remote endpoints.
func WithDialer(dial leasepool.Dialer) Option {
	return func(d *Database) {
		d.dialer = dial
	}
}

// New validates cfg and returns a database.
func New(cfg Config, opts ...Option) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Database{
		cfg:    cfg,
		logger: pslog.NoopLogger(),
		execs:  make(map[string]*access.Executor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	base := d.logger
	d.logger = svcfields.WithSubsystem(base, "client.database")
	if d.brokers == nil {
		d.engine = embedded.New(
			embedded.WithAdminPassword(cfg.AdminPassword),
			embedded.WithLockTimeout(cfg.LockTimeout),
			embedded.WithLogger(base),
		)
		d.brokers = d.engine
	}
	if d.dialer == nil {
		d.dialer = leasepool.HTTPDialer(
			rpc.WithGzip(!cfg.DisableGzip),
			rpc.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
			rpc.WithLogger(base),
		)
	}
	d.leases = leasepool.New(d.dialer, leasepool.WithLogger(base))
	inline := cfg.InlineLimit
	if inline < 0 {
		inline = 0
	}
	d.remote = remote.NewConnector(d.leases,
		remote.WithLogger(base),
		remote.WithInlineLimit(inline),
		remote.WithTransferOptions(
			transfer.WithMaxChunk(cfg.MaxUploadChunk),
			transfer.WithBufferSize(cfg.BufferSize),
		),
	)
	return d, nil
}

// Config returns the validated configuration.
func (d *Database) Config() Config { return d.cfg }

// Engine returns the embedded engine, or nil when a broker pool was
// supplied.
func (d *Database) Engine() *embedded.Engine { return d.engine }

// Leases returns the shared lease pool.
func (d *Database) Leases() *leasepool.Pool { return d.leases }

// Collection opens the collection named by uri as user.
func (d *Database) Collection(ctx context.Context, uri, user, password string) (client.Collection, error) {
	if d.closed.Load() {
		return nil, api.Vendor("collection", uri, leasepool.ErrClosed)
	}
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = api.DBA
	}
	if u.IsLocal() {
		return d.local(ctx, u, user, password)
	}
	d.logger.Debug("database.open.remote", svcfields.EndpointKey, u.Endpoint(), svcfields.PathKey, u.Path, svcfields.UserKey, user)
	col, err := d.remote.Open(ctx, u.Endpoint(), user, password, u.Path, nil)
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (d *Database) local(ctx context.Context, u URI, user, password string) (client.Collection, error) {
	if err := d.brokers.Authenticate(user, password); err != nil {
		d.logger.Debug("database.open.denied", svcfields.UserKey, user)
		return nil, err
	}
	d.logger.Debug("database.open.local", svcfields.PathKey, u.Path, svcfields.UserKey, user)
	col, err := local.Open(ctx, d.executor(user), u.Path, local.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (d *Database) executor(user string) *access.Executor {
	d.mu.Lock()
	defer d.mu.Unlock()
	exec, ok := d.execs[user]
	if !ok {
		exec = access.NewExecutor(d.brokers, user,
			access.WithLogger(d.logger),
			access.WithJoinTransactions(d.cfg.JoinTransactions),
		)
		d.execs[user] = exec
	}
	return exec
}

// NewServer returns an RPC server exposing the local broker pool.
func (d *Database) NewServer() *rpcserver.Server {
	return rpcserver.New(d.brokers,
		rpcserver.WithLogger(d.logger),
		rpcserver.WithChunkSize(d.cfg.ChunkSize),
		rpcserver.WithLongOffsets(!d.cfg.DisableLongOffsets),
		rpcserver.WithLegacyFinalize(d.cfg.LegacyFinalize),
		rpcserver.WithHandleTTL(d.cfg.HandleTTL),
	)
}

// Close invalidates every pooled remote client. Collections still open
// fail their next remote call.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.logger.Debug("database.close", "leases", d.leases.Stats().Leases)
	return d.leases.Close()
}
