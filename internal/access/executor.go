package access

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/svcfields"
)

// Scope is the broker and transaction an operation body runs in. Locks
// taken through the executor are tracked on the scope and shared with
// scopes that join it.
type Scope struct {
	Broker Broker
	Txn    Txn
	joined bool
	held   *heldLocks
}

// Joined reports whether the transaction belongs to an enclosing scope.
func (s *Scope) Joined() bool { return s.joined }

type scopeKey struct{}

func scopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Executor runs operations for one user against a broker pool.
type Executor struct {
	pool    BrokerPool
	user    string
	join    bool
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *accessMetrics
}

// Option customises an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Executor) {
		e.logger = svcfields.Ensure(logger)
	}
}

// WithJoinTransactions makes nested operations reuse the transaction of an
// enclosing operation carried on the context.
func WithJoinTransactions(enabled bool) Option {
	return func(e *Executor) {
		e.join = enabled
	}
}

// NewExecutor returns an executor acting as user.
func NewExecutor(pool BrokerPool, user string, opts ...Option) *Executor {
	e := &Executor{
		pool:   pool,
		user:   user,
		logger: pslog.NoopLogger(),
		tracer: otel.Tracer("pkt.systems/xmldb/access"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = svcfields.WithSubsystem(e.logger, "client.local.access").With(svcfields.UserKey, user)
	e.metrics = sharedMetrics(e.logger)
	return e
}

// User returns the user the executor acts as.
func (e *Executor) User() string { return e.user }

// Pool returns the broker pool.
func (e *Executor) Pool() BrokerPool { return e.pool }

// WithAccess runs fn inside a transaction. The transaction commits only when
// fn returns nil; any error or panic aborts it first. Non-domain errors are
// wrapped as vendor errors.
func (e *Executor) WithAccess(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	if e.join {
		if outer := scopeFromContext(ctx); outer != nil && outer.Broker.User() == e.user {
			inner := &Scope{Broker: outer.Broker, Txn: outer.Txn, joined: true, held: outer.held}
			return api.Vendor("access", "", fn(ctx, inner))
		}
	}
	ctx, span := e.tracer.Start(ctx, "xmldb.access", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	begin := time.Now()

	broker, err := e.pool.Acquire(ctx, e.user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire_failed")
		return api.Vendor("access.acquire", "", err)
	}
	defer broker.Close()

	txn, err := broker.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin_failed")
		return api.Vendor("access.begin", "", err)
	}
	span.SetAttributes(attribute.String("xmldb.txn.id", txn.ID()))
	logger := e.logger.With("txn", txn.ID())

	done := false
	defer func() {
		if done {
			return
		}
		// Reached on error return or while a panic unwinds.
		if abortErr := txn.Abort(); abortErr != nil {
			logger.Warn("access.txn.abort_failed", "error", abortErr)
		}
		e.metrics.recordOutcome(ctx, "abort", time.Since(begin))
		logger.Debug("access.txn.abort", "elapsed", time.Since(begin))
	}()

	scope := &Scope{Broker: broker, Txn: txn, held: newHeldLocks()}
	if err := fn(context.WithValue(ctx, scopeKey{}, scope), scope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(api.CodeOf(err)))
		return api.Vendor("access", "", err)
	}
	if err := txn.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_failed")
		return api.Vendor("access.commit", "", err)
	}
	done = true
	e.metrics.recordOutcome(ctx, "commit", time.Since(begin))
	span.SetStatus(codes.Ok, "")
	logger.Trace("access.txn.commit", "elapsed", time.Since(begin))
	return nil
}

// CollectionFunc is the body of a collection-scoped operation.
type CollectionFunc func(ctx context.Context, s *Scope, col CollectionHandle) error

// DocumentFunc is the body of a document-scoped operation.
type DocumentFunc func(ctx context.Context, s *Scope, doc DocumentHandle) error

// ReadCollection runs fn with path read-locked. A missing collection fails
// with notFound.
func (e *Executor) ReadCollection(ctx context.Context, path string, notFound api.Code, fn CollectionFunc) error {
	return e.withCollection(ctx, path, ReadLock, notFound, fn)
}

// ModifyCollection runs fn with path write-locked.
func (e *Executor) ModifyCollection(ctx context.Context, path string, notFound api.Code, fn CollectionFunc) error {
	return e.withCollection(ctx, path, WriteLock, notFound, fn)
}

func (e *Executor) withCollection(ctx context.Context, path string, mode LockMode, notFound api.Code, fn CollectionFunc) error {
	return e.WithAccess(ctx, func(ctx context.Context, s *Scope) error {
		col, err := e.OpenCollection(ctx, s, path, mode, notFound)
		if err != nil {
			return err
		}
		defer col.Release()
		return fn(ctx, s, col.CollectionHandle)
	})
}

// OpenCollection locks path inside s. A collection already locked in s, or
// in the scope s joined, is reused when its mode covers mode; asking for a
// write lock on a collection held for reading fails with a lock error
// instead of waiting on itself. The caller releases the result.
func (e *Executor) OpenCollection(ctx context.Context, s *Scope, path string, mode LockMode, notFound api.Code) (*LockedCollection, error) {
	if notFound == "" {
		notFound = api.CodeNotFound
	}
	key := path
	if clean, err := api.CleanPath(path); err == nil {
		key = clean
	}
	if held, ok := s.held.collection(key); ok {
		if !covers(held.mode, mode) {
			return nil, api.Errorf(api.CodeLockError, key, "collection is %s-locked by the enclosing operation", held.mode)
		}
		e.logger.Trace("access.lock.reuse", svcfields.PathKey, key, svcfields.ModeKey, mode.String())
		return borrowCollection(held), nil
	}
	h, err := s.Broker.OpenCollection(ctx, s.Txn, path, mode)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, api.Errorf(notFound, path, "collection not found")
	}
	col := LockCollection(h)
	s.held.trackCollection(key, col, mode)
	return col, nil
}

// document locks name in col, reusing a lock the scope already holds.
func (e *Executor) document(ctx context.Context, s *Scope, col *LockedCollection, name string, mode LockMode) (*LockedDocument, error) {
	key := api.Join(col.Path(), name)
	if held, ok := s.held.document(key); ok {
		if !covers(held.mode, mode) {
			return nil, api.Errorf(api.CodeLockError, key, "resource is %s-locked by the enclosing operation", held.mode)
		}
		e.logger.Trace("access.lock.reuse", svcfields.PathKey, key, svcfields.ModeKey, mode.String())
		return borrowDocument(held), nil
	}
	h, err := col.Document(ctx, name, mode)
	if err != nil || h == nil {
		return nil, err
	}
	doc := LockDocument(h)
	s.held.trackDocument(key, doc, mode)
	return doc, nil
}

// ReadDocument runs fn against name in collection path, read-locked. The
// collection lock is released once the document lock is held.
func (e *Executor) ReadDocument(ctx context.Context, path, name string, notFound api.Code, fn DocumentFunc) error {
	return e.withDocument(ctx, path, name, ReadLock, notFound, fn)
}

// ModifyDocument runs fn against name write-locked and stores the document
// after fn succeeds.
func (e *Executor) ModifyDocument(ctx context.Context, path, name string, notFound api.Code, fn DocumentFunc) error {
	return e.withDocument(ctx, path, name, WriteLock, notFound, fn)
}

func (e *Executor) withDocument(ctx context.Context, path, name string, mode LockMode, notFound api.Code, fn DocumentFunc) error {
	return e.WithAccess(ctx, func(ctx context.Context, s *Scope) error {
		col, err := e.OpenCollection(ctx, s, path, mode, notFound)
		if err != nil {
			return err
		}
		defer col.Release()

		doc, err := e.document(ctx, s, col, name, mode)
		if err != nil {
			return err
		}
		if doc == nil {
			code := notFound
			if code == "" || code == api.CodeNoSuchCollection {
				code = api.CodeNoSuchResource
			}
			return api.Errorf(code, api.Join(path, name), "resource not found")
		}
		defer doc.Release()
		col.Release()

		if err := fn(ctx, s, doc.DocumentHandle); err != nil {
			return err
		}
		if mode == WriteLock {
			return s.Broker.StoreDocument(ctx, s.Txn, doc.DocumentHandle)
		}
		return nil
	})
}

// CreateDocument creates (or replaces) name in collection path, runs fn on
// the new write-locked document and stores it. The collection lock is held
// only until the document lock is taken.
func (e *Executor) CreateDocument(ctx context.Context, path, name string, typ api.ResourceType, notFound api.Code, fn DocumentFunc) error {
	return e.WithAccess(ctx, func(ctx context.Context, s *Scope) error {
		col, err := e.OpenCollection(ctx, s, path, WriteLock, notFound)
		if err != nil {
			return err
		}
		defer col.Release()

		key := api.Join(col.Path(), name)
		if _, ok := s.held.document(key); ok {
			return api.Errorf(api.CodeLockError, key, "resource is locked by the enclosing operation")
		}
		h, err := col.NewDocument(ctx, s.Txn, name, typ)
		if err != nil {
			return err
		}
		doc := LockDocument(h)
		s.held.trackDocument(key, doc, WriteLock)
		defer doc.Release()
		col.Release()

		if err := fn(ctx, s, doc.DocumentHandle); err != nil {
			return err
		}
		return s.Broker.StoreDocument(ctx, s.Txn, doc.DocumentHandle)
	})
}
