// Package leasepool shares one RPC client per (user, endpoint) between every
// remote collection and resource that talks to the same server as the same
// user. Clients are reference counted and closed when the last lease goes.
package leasepool

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/svcfields"
)

// ErrClosed reports a call through a lease that was closed, or whose pooled
// client has been invalidated.
var ErrClosed = errors.New("leasepool: closed channel")

// Key identifies one pooled client.
type Key struct {
	User     string
	Endpoint string
}

func (k Key) String() string {
	return k.User + "@" + k.Endpoint
}

// Client is a pooled RPC client.
type Client interface {
	rpc.Caller
	Close() error
}

// Dialer builds the client for a key on first use.
type Dialer func(ctx context.Context, key Key, password string) (Client, error)

// HTTPDialer returns a Dialer producing gzip + basic-auth JSON-RPC clients.
func HTTPDialer(opts ...rpc.Option) Dialer {
	return func(_ context.Context, key Key, password string) (Client, error) {
		return rpc.NewClient(key.Endpoint, key.User, password, opts...)
	}
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Entries int
	Leases  int
}

type entry struct {
	id     xid.ID
	key    Key
	client Client
	secret [sha256.Size]byte
	refs   int
	valid  atomic.Bool
	callMu sync.Mutex
}

// Pool owns the shared clients. The zero value is not usable; use New.
type Pool struct {
	mu      sync.Mutex
	entries map[Key]*entry
	dial    Dialer
	logger  pslog.Logger
	metrics *poolMetrics
	closed  bool
}

// Option customises a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger pslog.Logger) Option {
	return func(p *Pool) {
		p.logger = svcfields.Ensure(logger)
	}
}

// New returns an empty pool that builds clients with dial.
func New(dial Dialer, opts ...Option) *Pool {
	p := &Pool{
		entries: make(map[Key]*entry),
		dial:    dial,
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = svcfields.WithSubsystem(p.logger, "client.leasepool")
	p.metrics = newPoolMetrics(p.logger, p)
	return p
}

// Lease returns a lease on the client for key, creating it on first use. The
// password dials the client; later leases on the same entry must present the
// same password or fail with PermissionDenied.
func (p *Pool) Lease(ctx context.Context, key Key, password string) (*Lease, error) {
	if key.Endpoint == "" {
		return nil, api.Errorf(api.CodeInvalidURI, "", "lease: empty endpoint")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, api.Vendor("lease", key.Endpoint, ErrClosed)
	}
	secret := sha256.Sum256([]byte(password))
	e, ok := p.entries[key]
	if ok && subtle.ConstantTimeCompare(e.secret[:], secret[:]) != 1 {
		p.logger.Debug("leasepool.lease.denied", "lease_id", e.id.String(), svcfields.UserKey, key.User, svcfields.EndpointKey, key.Endpoint)
		return nil, api.Errorf(api.CodePermissionDenied, key.Endpoint, "password for %s does not match the pooled connection", key.User)
	}
	if !ok {
		start := time.Now()
		client, err := p.dial(ctx, key, password)
		p.metrics.recordDial(ctx, time.Since(start), err)
		if err != nil {
			return nil, api.Vendor("lease", key.Endpoint, fmt.Errorf("dial %s: %w", key, err))
		}
		e = &entry{id: xid.New(), key: key, client: client, secret: secret}
		e.valid.Store(true)
		p.entries[key] = e
		p.logger.Debug("leasepool.entry.create", "lease_id", e.id.String(), svcfields.UserKey, key.User, svcfields.EndpointKey, key.Endpoint)
	}
	e.refs++
	p.metrics.leases.Add(1)
	return &Lease{pool: p, entry: e}, nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	e.refs--
	p.metrics.leases.Add(-1)
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	if cur, ok := p.entries[e.key]; ok && cur == e {
		delete(p.entries, e.key)
	}
	p.mu.Unlock()
	p.invalidate(e)
}

func (p *Pool) invalidate(e *entry) {
	if !e.valid.CompareAndSwap(true, false) {
		return
	}
	e.callMu.Lock()
	err := e.client.Close()
	e.callMu.Unlock()
	if err != nil {
		p.logger.Warn("leasepool.entry.close_failed", "lease_id", e.id.String(), svcfields.EndpointKey, e.key.Endpoint, "error", err)
		return
	}
	p.logger.Debug("leasepool.entry.evict", "lease_id", e.id.String(), svcfields.UserKey, e.key.User, svcfields.EndpointKey, e.key.Endpoint)
}

// Stats reports the live entries and outstanding leases.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Entries: len(p.entries)}
	for _, e := range p.entries {
		st.Leases += e.refs
	}
	return st
}

// Has reports whether a live entry exists for key.
func (p *Pool) Has(key Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[key]
	return ok
}

// Close invalidates every entry. Outstanding leases fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for k, e := range p.entries {
		entries = append(entries, e)
		delete(p.entries, k)
	}
	p.mu.Unlock()
	for _, e := range entries {
		p.invalidate(e)
	}
	return nil
}

// Lease is one holder's share of a pooled client.
type Lease struct {
	pool   *Pool
	entry  *entry
	once   sync.Once
	closed atomic.Bool
}

// Key returns the pool key of the lease.
func (l *Lease) Key() Key { return l.entry.key }

// ID returns the pooled entry id, stable for every lease on the same client.
func (l *Lease) ID() string { return l.entry.id.String() }

// Call implements rpc.Caller. Calls through the same pooled client are
// serialized.
func (l *Lease) Call(ctx context.Context, method string, params ...any) (any, error) {
	if l.closed.Load() {
		return nil, api.Vendor(method, "", ErrClosed)
	}
	e := l.entry
	e.callMu.Lock()
	defer e.callMu.Unlock()
	if !e.valid.Load() {
		return nil, api.Vendor(method, "", ErrClosed)
	}
	return e.client.Call(ctx, method, params...)
}

// Close releases the lease. Closing twice is a no-op.
func (l *Lease) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.pool.release(l.entry)
	})
	return nil
}
