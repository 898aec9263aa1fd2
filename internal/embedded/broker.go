package embedded

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/uuid"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
)

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

func (s txnState) String() string {
	switch s {
	case txnCommitted:
		return "committed"
	case txnAborted:
		return "aborted"
	default:
		return "active"
	}
}

// txn rolls back through an undo log. Undo entries run under treeMu.
type txn struct {
	id     string
	engine *Engine
	user   string
	mu     sync.Mutex
	state  txnState
	undo   []func()
}

func (t *txn) ID() string { return t.id }

func (t *txn) record(fn func()) {
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

func (t *txn) finish(to txnState) error {
	t.mu.Lock()
	if t.state != txnActive {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("embedded: transaction %s already %s", t.id, state)
	}
	t.state = to
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()
	if to == txnAborted && len(undo) > 0 {
		t.engine.treeMu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		t.engine.treeMu.Unlock()
	}
	return nil
}

func (t *txn) Commit() error {
	if err := t.finish(txnCommitted); err != nil {
		return err
	}
	t.engine.commits.Add(1)
	t.engine.emit(Event{Kind: EventCommit, Txn: t.id, User: t.user})
	return nil
}

func (t *txn) Abort() error {
	if err := t.finish(txnAborted); err != nil {
		return err
	}
	t.engine.aborts.Add(1)
	t.engine.emit(Event{Kind: EventAbort, Txn: t.id, User: t.user})
	return nil
}

func (t *txn) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txnActive
}

func asTxn(t access.Txn) (*txn, error) {
	tx, ok := t.(*txn)
	if !ok || tx == nil {
		return nil, fmt.Errorf("embedded: foreign transaction %T", t)
	}
	if !tx.active() {
		return nil, fmt.Errorf("embedded: transaction %s is %s", tx.id, tx.state)
	}
	return tx, nil
}

type broker struct {
	engine *Engine
	user   *user
	closed atomic.Bool
}

func (b *broker) User() string { return b.user.name }

func (b *broker) allows(perm api.Permission, want uint32) bool {
	return perm.Allows(b.user.name, b.user.groups, want)
}

func (b *broker) denied(path, format string, args ...any) error {
	return api.Errorf(api.CodePermissionDenied, path, "user %s: "+format, append([]any{b.user.name}, args...)...)
}

func (b *broker) Begin(context.Context) (access.Txn, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("embedded: broker closed")
	}
	t := &txn{id: uuid.NewString(), engine: b.engine, user: b.user.name}
	b.engine.emit(Event{Kind: EventBegin, Txn: t.id, User: b.user.name})
	return t, nil
}

func (b *broker) OpenCollection(ctx context.Context, t access.Txn, path string, mode access.LockMode) (access.CollectionHandle, error) {
	tx, err := asTxn(t)
	if err != nil {
		return nil, err
	}
	clean, err := api.CleanPath(path)
	if err != nil {
		return nil, err
	}
	e := b.engine
	e.treeMu.RLock()
	col := e.lookup(clean)
	var perm api.Permission
	if col != nil {
		perm = col.perm
	}
	e.treeMu.RUnlock()
	if col == nil {
		return nil, nil
	}
	if !b.allows(perm, api.PermRead) {
		return nil, b.denied(clean, "read access to collection denied")
	}
	if err := col.lock.acquire(ctx, mode, e.lockTimeout, clean); err != nil {
		return nil, err
	}
	e.treeMu.RLock()
	attached := e.lookup(clean) == col
	e.treeMu.RUnlock()
	if !attached {
		col.lock.release(mode)
		return nil, nil
	}
	e.emit(Event{Kind: EventLockCollection, Path: clean, Mode: mode, Txn: tx.id, User: b.user.name})
	return &colHandle{b: b, col: col, mode: mode}, nil
}

func (b *broker) StoreDocument(_ context.Context, t access.Txn, h access.DocumentHandle) error {
	tx, err := asTxn(t)
	if err != nil {
		return err
	}
	dh, ok := h.(*docHandle)
	if !ok || dh.b.engine != b.engine {
		return fmt.Errorf("embedded: foreign document handle %T", h)
	}
	if dh.mode != access.WriteLock {
		return api.Errorf(api.CodeLockError, dh.path, "document is not write-locked")
	}
	e := b.engine
	e.treeMu.Lock()
	if owner := dh.doc.state.lockOwner; !dh.isNew && owner != "" && owner != b.user.name && b.user.name != api.DBA {
		e.treeMu.Unlock()
		return b.denied(dh.path, "resource is locked by %s", owner)
	}
	work := dh.work
	work.content = append([]byte(nil), dh.work.content...)
	if dh.isNew {
		col, doc := dh.col, dh.doc
		doc.state = work
		prev := col.docs.ReplaceOrInsert(doc)
		tx.record(func() {
			if prev != nil {
				col.docs.ReplaceOrInsert(prev)
			} else {
				col.docs.Delete(doc)
			}
		})
		dh.isNew = false
	} else {
		doc := dh.doc
		prev := doc.state
		doc.state = work
		tx.record(func() { doc.state = prev })
	}
	e.treeMu.Unlock()
	e.emit(Event{Kind: EventStore, Path: dh.path, Mode: access.WriteLock, Txn: tx.id, User: b.user.name})
	return nil
}

func (b *broker) Query(_ context.Context, t access.Txn, path, expr string) ([]string, error) {
	if _, err := asTxn(t); err != nil {
		return nil, err
	}
	clean, err := api.CleanPath(path)
	if err != nil {
		return nil, err
	}
	e := b.engine
	e.treeMu.RLock()
	defer e.treeMu.RUnlock()
	root := e.lookup(clean)
	if root == nil {
		return nil, api.Errorf(api.CodeNoSuchCollection, clean, "collection not found")
	}
	needle := []byte(expr)
	var hits []string
	root.walk(func(c *collection) {
		if !b.allows(c.perm, api.PermRead) {
			return
		}
		c.docs.Ascend(func(i btree.Item) bool {
			d := i.(*document)
			if b.allows(d.state.perm, api.PermRead) && bytes.Contains(d.state.content, needle) {
				hits = append(hits, api.Join(c.path, d.name))
			}
			return true
		})
	})
	sort.Strings(hits)
	return hits, nil
}

func (b *broker) Sync(context.Context) error {
	b.engine.syncs.Add(1)
	b.engine.emit(Event{Kind: EventSync, User: b.user.name})
	return nil
}

func (b *broker) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		b.engine.brokers.Add(-1)
	}
	return nil
}
