package embedded

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
)

func begin(t *testing.T, e *Engine, user string) (access.Broker, access.Txn) {
	t.Helper()
	b, err := e.Acquire(context.Background(), user)
	if err != nil {
		t.Fatalf("acquire %s: %v", user, err)
	}
	tx, err := b.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return b, tx
}

func mkdir(t *testing.T, e *Engine, user, parent, name string) {
	t.Helper()
	ctx := context.Background()
	b, tx := begin(t, e, user)
	defer b.Close()
	col, err := b.OpenCollection(ctx, tx, parent, access.WriteLock)
	if err != nil || col == nil {
		t.Fatalf("open %s: %v", parent, err)
	}
	err = col.CreateChild(ctx, tx, name)
	col.Unlock()
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func put(t *testing.T, e *Engine, user, colPath, name, content string) error {
	t.Helper()
	ctx := context.Background()
	b, tx := begin(t, e, user)
	defer b.Close()
	col, err := b.OpenCollection(ctx, tx, colPath, access.WriteLock)
	if err != nil {
		_ = tx.Abort()
		return err
	}
	doc, err := col.NewDocument(ctx, tx, name, api.XMLResource)
	col.Unlock()
	if err != nil {
		_ = tx.Abort()
		return err
	}
	defer doc.Unlock()
	if err := doc.SetContent([]byte(content)); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := b.StoreDocument(ctx, tx, doc); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	e := New(WithAdminPassword("s3cret"))
	if err := e.Authenticate(api.DBA, "s3cret"); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := e.Authenticate(api.DBA, "wrong"); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := e.Acquire(context.Background(), "nobody"); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("unknown user must be denied, got %v", err)
	}
}

func TestAbortUndoesStructuralChanges(t *testing.T) {
	t.Parallel()

	e := New()
	mkdir(t, e, api.DBA, "/db", "keep")
	if err := put(t, e, api.DBA, "/db/keep", "a.xml", "<a/>"); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx := context.Background()
	b, tx := begin(t, e, api.DBA)
	root, _ := b.OpenCollection(ctx, tx, "/db", access.WriteLock)
	if err := root.CreateChild(ctx, tx, "temp"); err != nil {
		t.Fatalf("create: %v", err)
	}
	root.Unlock()
	keep, _ := b.OpenCollection(ctx, tx, "/db/keep", access.WriteLock)
	if err := keep.RemoveDocument(ctx, tx, "a.xml"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	keep.Unlock()
	if err := tx.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("commit after abort must fail")
	}
	_ = b.Close()

	b, tx = begin(t, e, api.DBA)
	defer b.Close()
	root, _ = b.OpenCollection(ctx, tx, "/db", access.ReadLock)
	if names := root.ChildNames(); len(names) != 1 || names[0] != "keep" {
		t.Fatalf("abort must drop the new child, got %v", names)
	}
	root.Unlock()
	keep, _ = b.OpenCollection(ctx, tx, "/db/keep", access.ReadLock)
	defer keep.Unlock()
	if !keep.HasDocument("a.xml") {
		t.Fatalf("abort must restore the removed document")
	}
	if st := e.Stats(); st.Aborts != 1 {
		t.Fatalf("expected one abort, got %+v", st)
	}
}

func TestPermissions(t *testing.T) {
	t.Parallel()

	e := New()
	if err := e.AddUser("alice", "pw", "editors"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := e.AddUser("bob", "pw", "readers"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	mkdir(t, e, api.DBA, "/db", "shared")

	// 0755 owned by admin: others may read but not write.
	if err := put(t, e, "alice", "/db/shared", "a.xml", "<a/>"); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("alice must not write into admin's collection, got %v", err)
	}

	ctx := context.Background()
	b, tx := begin(t, e, api.DBA)
	col, _ := b.OpenCollection(ctx, tx, "/db/shared", access.WriteLock)
	if err := col.SetPermission(ctx, tx, api.Permission{Owner: "alice", Group: "editors", Mode: 0o770}); err != nil {
		t.Fatalf("chown: %v", err)
	}
	col.Unlock()
	_ = tx.Commit()
	_ = b.Close()

	if err := put(t, e, "alice", "/db/shared", "a.xml", "<a/>"); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	b, tx = begin(t, e, "bob")
	defer b.Close()
	if _, err := b.OpenCollection(ctx, tx, "/db/shared", access.ReadLock); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("bob must not read a 0770 collection, got %v", err)
	}
}

func TestLockedResourceRejectsOtherWriters(t *testing.T) {
	t.Parallel()

	e := New()
	_ = e.AddUser("alice", "pw", "editors")
	_ = e.AddUser("bob", "pw", "editors")
	mkdir(t, e, api.DBA, "/db", "w")

	ctx := context.Background()
	b, tx := begin(t, e, api.DBA)
	col, _ := b.OpenCollection(ctx, tx, "/db/w", access.WriteLock)
	_ = col.SetPermission(ctx, tx, api.Permission{Owner: api.DBA, Group: "editors", Mode: 0o775})
	col.Unlock()
	_ = tx.Commit()
	_ = b.Close()

	if err := put(t, e, "alice", "/db/w", "doc.xml", "<v1/>"); err != nil {
		t.Fatalf("put: %v", err)
	}
	// alice makes the document group writable and locks it.
	b, tx = begin(t, e, "alice")
	col, _ = b.OpenCollection(ctx, tx, "/db/w", access.ReadLock)
	doc, err := col.Document(ctx, "doc.xml", access.WriteLock)
	col.Unlock()
	if err != nil || doc == nil {
		t.Fatalf("document: %v", err)
	}
	_ = doc.SetPermission(api.Permission{Owner: "alice", Group: "editors", Mode: 0o664})
	if err := doc.SetLockOwner("alice"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := b.StoreDocument(ctx, tx, doc); err != nil {
		t.Fatalf("store: %v", err)
	}
	doc.Unlock()
	_ = tx.Commit()
	_ = b.Close()

	if err := put(t, e, "bob", "/db/w", "doc.xml", "<v2/>"); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("bob must not overwrite alice's locked document, got %v", err)
	}
	if err := put(t, e, "alice", "/db/w", "doc.xml", "<v2/>"); err != nil {
		t.Fatalf("lock owner may write: %v", err)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	e := New()
	mkdir(t, e, api.DBA, "/db", "q")
	mkdir(t, e, api.DBA, "/db/q", "sub")
	_ = put(t, e, api.DBA, "/db/q", "a.xml", "<item>apple</item>")
	_ = put(t, e, api.DBA, "/db/q", "b.xml", "<item>pear</item>")
	_ = put(t, e, api.DBA, "/db/q/sub", "c.xml", "<item>apple pie</item>")

	b, tx := begin(t, e, api.DBA)
	defer b.Close()
	hits, err := b.Query(context.Background(), tx, "/db/q", "apple")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 || hits[0] != "/db/q/a.xml" || hits[1] != "/db/q/sub/c.xml" {
		t.Fatalf("unexpected hits %v", hits)
	}
	if _, err := b.Query(context.Background(), tx, "/db/none", "x"); !errors.Is(err, api.ErrNoSuchCollection) {
		t.Fatalf("expected no such collection, got %v", err)
	}
}

func TestMissingCollectionIsNil(t *testing.T) {
	t.Parallel()

	e := New()
	b, tx := begin(t, e, api.DBA)
	defer b.Close()
	col, err := b.OpenCollection(context.Background(), tx, "/db/absent", access.ReadLock)
	if err != nil || col != nil {
		t.Fatalf("expected nil, nil for a missing collection, got %v %v", col, err)
	}
	if _, err := b.OpenCollection(context.Background(), tx, "/etc", access.ReadLock); !errors.Is(err, api.ErrInvalidURI) {
		t.Fatalf("expected invalid uri, got %v", err)
	}
}
