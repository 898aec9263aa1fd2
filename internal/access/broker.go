// Package access runs local-mode operations against an embedded storage
// engine: it borrows a broker, begins (or joins) a transaction, opens the
// target under the right lock and guarantees commit-or-abort and lock
// release on every exit path.
package access

import (
	"context"
	"time"

	"pkt.systems/xmldb/api"
)

// LockMode selects shared or exclusive access.
type LockMode int

const (
	// ReadLock is a shared lock.
	ReadLock LockMode = iota
	// WriteLock is an exclusive lock.
	WriteLock
)

func (m LockMode) String() string {
	if m == WriteLock {
		return "write"
	}
	return "read"
}

// BrokerPool hands out brokers bound to an authenticated user.
type BrokerPool interface {
	Authenticate(user, password string) error
	Acquire(ctx context.Context, user string) (Broker, error)
}

// Broker is one unit of engine access. Close returns it to the pool.
type Broker interface {
	User() string
	Begin(ctx context.Context) (Txn, error)
	// OpenCollection returns nil, nil when the collection does not exist.
	OpenCollection(ctx context.Context, txn Txn, path string, mode LockMode) (CollectionHandle, error)
	// StoreDocument persists a document handle obtained in write mode.
	StoreDocument(ctx context.Context, txn Txn, doc DocumentHandle) error
	Query(ctx context.Context, txn Txn, path, expr string) ([]string, error)
	Sync(ctx context.Context) error
	Close() error
}

// Txn is an engine transaction. Commit and Abort are each valid once.
type Txn interface {
	ID() string
	Commit() error
	Abort() error
}

// CollectionHandle is a locked collection.
type CollectionHandle interface {
	Path() string
	Permission() api.Permission
	Created() time.Time
	ChildNames() []string
	DocumentNames() []string
	HasDocument(name string) bool
	// Document locks and returns a document, or nil, nil when absent.
	Document(ctx context.Context, name string, mode LockMode) (DocumentHandle, error)
	// NewDocument returns a write-locked document that becomes visible once
	// stored through the broker.
	NewDocument(ctx context.Context, txn Txn, name string, typ api.ResourceType) (DocumentHandle, error)
	RemoveDocument(ctx context.Context, txn Txn, name string) error
	CreateChild(ctx context.Context, txn Txn, name string) error
	RemoveChild(ctx context.Context, txn Txn, name string) error
	SetPermission(ctx context.Context, txn Txn, perm api.Permission) error
	Unlock()
}

// DocumentHandle is a locked document. Mutations apply to a working copy and
// take effect when the broker stores the handle.
type DocumentHandle interface {
	Info() api.ResourceInfo
	Content() ([]byte, error)
	SetContent(data []byte) error
	SetMimeType(mime string)
	SetCreated(t time.Time)
	SetModified(t time.Time)
	SetPermission(perm api.Permission) error
	SetLockOwner(user string) error
	Unlock()
}
