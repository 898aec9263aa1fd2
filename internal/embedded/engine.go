// Package embedded is a small in-memory storage engine behind the local-mode
// broker boundary. It keeps a collection hierarchy in ordered indexes,
// enforces unix-style permissions, hands out reader/writer locks with
// timeouts and rolls back aborted transactions from an undo log. It has no
// indexing and no query language; queries are substring matches.
package embedded

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/svcfields"
)

// Defaults.
const (
	DefaultLockTimeout    = 30 * time.Second
	DefaultCollectionMode = 0o755
	DefaultResourceMode   = 0o644
	DefaultAdminGroup     = "dba"
	GuestUser             = "guest"
	guestPassword         = "guest"
)

// EventKind tags engine events delivered to an Observer.
type EventKind string

// Engine events.
const (
	EventLockCollection   EventKind = "lock-collection"
	EventUnlockCollection EventKind = "unlock-collection"
	EventLockDocument     EventKind = "lock-document"
	EventUnlockDocument   EventKind = "unlock-document"
	EventBegin            EventKind = "begin"
	EventCommit           EventKind = "commit"
	EventAbort            EventKind = "abort"
	EventStore            EventKind = "store"
	EventSync             EventKind = "sync"
)

// Event is one observable engine step.
type Event struct {
	Kind EventKind
	Path string
	Mode access.LockMode
	Txn  string
	User string
}

// Observer receives engine events synchronously.
type Observer func(Event)

type user struct {
	name     string
	password string
	groups   []string
}

func (u *user) primaryGroup() string {
	if len(u.groups) > 0 {
		return u.groups[0]
	}
	return u.name
}

// Stats counts engine activity.
type Stats struct {
	Commits int64
	Aborts  int64
	Syncs   int64
	Brokers int64
}

// Engine is the in-memory database. It implements access.BrokerPool.
type Engine struct {
	treeMu      sync.RWMutex
	root        *collection
	usersMu     sync.RWMutex
	users       map[string]*user
	lockTimeout time.Duration
	observer    Observer
	logger      pslog.Logger
	now         func() time.Time

	commits atomic.Int64
	aborts  atomic.Int64
	syncs   atomic.Int64
	brokers atomic.Int64
}

var _ access.BrokerPool = (*Engine)(nil)

// Option customises an Engine.
type Option func(*Engine)

// WithLockTimeout bounds lock waits. Zero waits until the context ends.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.lockTimeout = d
		}
	}
}

// WithObserver installs an event observer.
func WithObserver(obs Observer) Option {
	return func(e *Engine) {
		e.observer = obs
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) {
		e.logger = svcfields.Ensure(logger)
	}
}

// WithAdminPassword sets the password of the built-in DBA account.
func WithAdminPassword(password string) Option {
	return func(e *Engine) {
		e.users[api.DBA].password = password
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an engine holding only the root collection, the DBA account
// and a guest account.
func New(opts ...Option) *Engine {
	e := &Engine{
		users: map[string]*user{
			api.DBA:   {name: api.DBA, groups: []string{DefaultAdminGroup}},
			GuestUser: {name: GuestUser, password: guestPassword, groups: []string{GuestUser}},
		},
		lockTimeout: DefaultLockTimeout,
		logger:      pslog.NoopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = svcfields.WithSubsystem(e.logger, "engine.embedded")
	e.root = newCollection("db", api.RootCollection, api.Permission{Owner: api.DBA, Group: DefaultAdminGroup, Mode: DefaultCollectionMode}, e.now().UTC())
	return e
}

// AddUser registers or replaces an account. The first group is primary.
func (e *Engine) AddUser(name, password string, groups ...string) error {
	if err := api.ValidName(name); err != nil {
		return err
	}
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	e.users[name] = &user{name: name, password: password, groups: append([]string(nil), groups...)}
	return nil
}

// Authenticate implements access.BrokerPool.
func (e *Engine) Authenticate(name, password string) error {
	e.usersMu.RLock()
	defer e.usersMu.RUnlock()
	u, ok := e.users[name]
	if !ok || u.password != password {
		return api.Errorf(api.CodePermissionDenied, "", "authentication failed for user %q", name)
	}
	return nil
}

func (e *Engine) lookupUser(name string) (*user, bool) {
	e.usersMu.RLock()
	defer e.usersMu.RUnlock()
	u, ok := e.users[name]
	return u, ok
}

// Acquire implements access.BrokerPool.
func (e *Engine) Acquire(ctx context.Context, name string) (access.Broker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, ok := e.lookupUser(name)
	if !ok {
		return nil, api.Errorf(api.CodePermissionDenied, "", "unknown user %q", name)
	}
	e.brokers.Add(1)
	return &broker{engine: e, user: u}, nil
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Commits: e.commits.Load(),
		Aborts:  e.aborts.Load(),
		Syncs:   e.syncs.Load(),
		Brokers: e.brokers.Load(),
	}
}

func (e *Engine) emit(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// lookup resolves a cleaned absolute path. Callers hold treeMu.
func (e *Engine) lookup(path string) *collection {
	if path == e.root.path {
		return e.root
	}
	if !strings.HasPrefix(path, e.root.path+"/") {
		return nil
	}
	rest := path[len(e.root.path)+1:]
	cur := e.root
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i == len(rest) || rest[i] == '/' {
			cur = cur.child(rest[start:i])
			if cur == nil {
				return nil
			}
			start = i + 1
		}
	}
	return cur
}
