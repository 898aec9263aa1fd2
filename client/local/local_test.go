package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/embedded"
)

func newRoot(t *testing.T, user string, opts ...embedded.Option) (*embedded.Engine, *Collection) {
	t.Helper()
	engine := embedded.New(opts...)
	if err := engine.AddUser("alice", "pw", "editors"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	col, err := Open(context.Background(), access.NewExecutor(engine, user), api.RootCollection)
	if err != nil {
		t.Fatalf("open root: %v", err)
	}
	return engine, col
}

func mkcol(t *testing.T, col client.Collection, name string) client.Collection {
	t.Helper()
	ctx := context.Background()
	mgr, err := client.CollectionManagerOf(ctx, col)
	if err != nil {
		t.Fatalf("collection manager: %v", err)
	}
	child, err := mgr.CreateCollection(ctx, name)
	if err != nil {
		t.Fatalf("create collection %s: %v", name, err)
	}
	return child
}

func store(t *testing.T, col client.Collection, id, content string, opts ...client.StoreOption) client.Resource {
	t.Helper()
	ctx := context.Background()
	res, err := col.CreateResource(ctx, id, api.XMLResource)
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	if err := res.SetContent(content); err != nil {
		t.Fatalf("set content: %v", err)
	}
	if err := col.StoreResource(ctx, res, opts...); err != nil {
		t.Fatalf("store %s: %v", id, err)
	}
	return res
}

func TestStoreAndReadBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)
	col := mkcol(t, root, "shop/orders")
	if col.Path() != "/db/shop/orders" || col.Name() != "orders" || col.IsRemote() {
		t.Fatalf("unexpected collection %s %s", col.Path(), col.Name())
	}

	store(t, col, "a.xml", "<order id='1'/>")
	res, err := col.Resource(ctx, "a.xml")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if res.Path() != "/db/shop/orders/a.xml" || res.Type() != api.XMLResource {
		t.Fatalf("unexpected resource %s %s", res.Path(), res.Type())
	}
	content, err := res.Content(ctx)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	data, err := content.ReadAll()
	if err != nil || string(data) != "<order id='1'/>" {
		t.Fatalf("content = %q, %v", data, err)
	}
	var buf bytes.Buffer
	if err := res.ContentTo(ctx, &buf); err != nil || buf.String() != "<order id='1'/>" {
		t.Fatalf("content to: %q, %v", buf.String(), err)
	}
	if n, err := res.ContentLength(ctx); err != nil || n != int64(len(data)) {
		t.Fatalf("length = %d, %v", n, err)
	}
	if mime, err := res.MimeType(ctx); err != nil || mime != "application/xml" {
		t.Fatalf("mime = %q, %v", mime, err)
	}
	if count, err := col.ResourceCount(ctx); err != nil || count != 1 {
		t.Fatalf("count = %d, %v", count, err)
	}
	shop, err := col.Parent(ctx)
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	if names, err := shop.ChildCollections(ctx); err != nil || len(names) != 1 || names[0] != "orders" {
		t.Fatalf("children = %v, %v", names, err)
	}
}

func TestBinaryResourceFromStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)

	res, err := root.CreateResource(ctx, "blob.bin", api.BinaryResource)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := bytes.Repeat([]byte{0, 1, 2, 3}, 1024)
	if err := res.SetContent(io.Reader(bytes.NewReader(payload))); err != nil {
		t.Fatalf("set content: %v", err)
	}
	res.SetMimeType("application/x-test")
	if err := root.StoreResource(ctx, res); err != nil {
		t.Fatalf("store: %v", err)
	}
	loaded, err := root.Resource(ctx, "blob.bin")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Type() != api.BinaryResource {
		t.Fatalf("type = %s", loaded.Type())
	}
	if mime, _ := loaded.MimeType(ctx); mime != "application/x-test" {
		t.Fatalf("mime = %q", mime)
	}
	var buf bytes.Buffer
	if err := loaded.ContentTo(ctx, &buf); err != nil || !bytes.Equal(buf.Bytes(), payload) {
		t.Fatalf("content mismatch: %v", err)
	}
}

func TestMissingResourceAndCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, root := newRoot(t, api.DBA)

	if _, err := root.Resource(ctx, "nope.xml"); !errors.Is(err, api.ErrNoSuchResource) {
		t.Fatalf("expected no such resource, got %v", err)
	}
	if _, err := root.Child(ctx, "missing"); !errors.Is(err, api.ErrNoSuchCollection) {
		t.Fatalf("expected no such collection, got %v", err)
	}
	if _, err := root.Parent(ctx); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("root has no parent, got %v", err)
	}
	if _, err := Open(ctx, access.NewExecutor(engine, api.DBA), "/etc"); !errors.Is(err, api.ErrInvalidURI) {
		t.Fatalf("expected invalid uri, got %v", err)
	}
	ghost, _ := root.CreateResource(ctx, "ghost.xml", api.XMLResource)
	if err := root.RemoveResource(ctx, ghost); !errors.Is(err, api.ErrNoSuchResource) {
		t.Fatalf("removing unsaved resource: %v", err)
	}
}

func TestCreateIDIsUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := root.CreateID(ctx)
		if err != nil {
			t.Fatalf("create id: %v", err)
		}
		if len(id) != len("xxxxxxxx.xml") || !strings.HasSuffix(id, ".xml") || seen[id] {
			t.Fatalf("bad id %q", id)
		}
		seen[id] = true
		store(t, root, id, "<x/>")
	}
	res, err := root.CreateResource(ctx, "", api.XMLResource)
	if err != nil || seen[res.ID()] {
		t.Fatalf("generated id %q collides: %v", res.ID(), err)
	}
	if _, err := root.CreateResource(ctx, "x", "Weird"); !errors.Is(err, api.ErrInvalidResource) {
		t.Fatalf("expected invalid resource type, got %v", err)
	}
}

func TestStoreTimestampsAndSetModified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)

	created := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)
	store(t, root, "t.xml", "<t/>", client.WithCreated(created), client.WithModified(modified))
	res, err := root.Resource(ctx, "t.xml")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if got, _ := res.Created(ctx); !got.Equal(created) {
		t.Fatalf("created = %v", got)
	}
	if got, _ := res.Modified(ctx); !got.Equal(modified) {
		t.Fatalf("modified = %v", got)
	}
	if err := res.SetModified(ctx, created.Add(-time.Second)); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	later := created.Add(48 * time.Hour)
	if err := res.SetModified(ctx, later); err != nil {
		t.Fatalf("set modified: %v", err)
	}
	if got, _ := res.Modified(ctx); !got.Equal(later) {
		t.Fatalf("modified = %v", got)
	}
}

func TestRemoveResourceAndCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)
	col := mkcol(t, root, "tmp")
	res := store(t, col, "a.xml", "<a/>")

	if err := col.RemoveResource(ctx, res); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := col.Resource(ctx, "a.xml"); !errors.Is(err, api.ErrNoSuchResource) {
		t.Fatalf("resource should be gone: %v", err)
	}
	mgr, _ := client.CollectionManagerOf(ctx, root)
	if err := mgr.RemoveCollection(ctx, "tmp"); err != nil {
		t.Fatalf("remove collection: %v", err)
	}
	if _, err := root.Child(ctx, "tmp"); !errors.Is(err, api.ErrNoSuchCollection) {
		t.Fatalf("collection should be gone: %v", err)
	}
	if err := mgr.RemoveCollection(ctx, "tmp"); !errors.Is(err, api.ErrNoSuchCollection) {
		t.Fatalf("expected no such collection, got %v", err)
	}
	if err := mgr.RemoveCollection(ctx, ""); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("root must not be removable, got %v", err)
	}
}

func TestCreateCollectionIsAtomic(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var armed atomic.Bool
	// Interrupt the operation once the second segment has been locked so
	// the third segment cannot be opened.
	_, root := newRoot(t, api.DBA, embedded.WithObserver(func(ev embedded.Event) {
		if armed.Load() && ev.Kind == embedded.EventLockCollection && ev.Path == "/db/x" {
			cancel()
		}
	}))
	mgr, err := client.CollectionManagerOf(ctx, root)
	if err != nil {
		t.Fatalf("collection manager: %v", err)
	}
	armed.Store(true)
	if _, err := mgr.CreateCollection(ctx, "x/y/z"); !errors.Is(err, api.ErrLock) {
		t.Fatalf("interrupted create = %v", err)
	}
	armed.Store(false)

	bg := context.Background()
	if _, err := root.Child(bg, "x"); !errors.Is(err, api.ErrNoSuchCollection) {
		t.Fatalf("earlier segments must be rolled back, got %v", err)
	}
	child, err := mgr.CreateCollection(bg, "x/y/z")
	if err != nil {
		t.Fatalf("create after rollback: %v", err)
	}
	if child.Path() != "/db/x/y/z" {
		t.Fatalf("created %s", child.Path())
	}
}

func TestUserManagerPermissionsAndLocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, root := newRoot(t, api.DBA)
	col := mkcol(t, root, "shared")
	store(t, col, "doc.xml", "<doc/>")

	um, err := client.UserManagerOf(ctx, col)
	if err != nil {
		t.Fatalf("user manager: %v", err)
	}
	if err := um.Chmod(ctx, "", 0o777); err != nil {
		t.Fatalf("chmod collection: %v", err)
	}
	if err := um.Chown(ctx, "doc.xml", "alice", "editors"); err != nil {
		t.Fatalf("chown: %v", err)
	}
	perm, err := um.Permissions(ctx, "doc.xml")
	if err != nil || perm.Owner != "alice" || perm.Group != "editors" {
		t.Fatalf("permissions = %+v, %v", perm, err)
	}
	if err := um.LockResource(ctx, "doc.xml"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if owner, err := um.HasUserLock(ctx, "doc.xml"); err != nil || owner != api.DBA {
		t.Fatalf("lock owner = %q, %v", owner, err)
	}

	aliceCol, err := Open(ctx, access.NewExecutor(engine, "alice"), "/db/shared")
	if err != nil {
		t.Fatalf("open as alice: %v", err)
	}
	res, _ := aliceCol.CreateResource(ctx, "doc.xml", api.XMLResource)
	_ = res.SetContent("<hijack/>")
	if err := aliceCol.StoreResource(ctx, res); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("locked resource must reject other writers, got %v", err)
	}
	aliceUM, _ := client.UserManagerOf(ctx, aliceCol)
	if err := aliceUM.Chown(ctx, "doc.xml", "eve", ""); !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("only the dba changes owners, got %v", err)
	}

	if err := um.UnlockResource(ctx, "doc.xml"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := aliceCol.StoreResource(ctx, res); err != nil {
		t.Fatalf("store after unlock: %v", err)
	}
	if err := um.LockResource(ctx, ""); !errors.Is(err, api.ErrInvalidURI) {
		t.Fatalf("locking needs a resource name, got %v", err)
	}
}

func TestQueryService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)
	col := mkcol(t, root, "q")
	store(t, col, "1.xml", "<item>apple</item>")
	store(t, col, "2.xml", "<item>pear</item>")
	sub := mkcol(t, col, "nested")
	store(t, sub, "3.xml", "<item>apple pie</item>")

	qs, err := client.QueryServiceOf(ctx, col)
	if err != nil {
		t.Fatalf("query service: %v", err)
	}
	rs, err := qs.Query(ctx, "apple")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if hits, _ := qs.Hits(ctx, rs); hits != 2 {
		t.Fatalf("hits = %d (%v)", hits, rs.Paths)
	}
	content, err := qs.Retrieve(ctx, rs, 1)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if data, _ := content.ReadAll(); string(data) != "<item>apple pie</item>" {
		t.Fatalf("retrieved %q", data)
	}
	if _, err := qs.Retrieve(ctx, rs, 5); !errors.Is(err, api.ErrNoSuchResource) {
		t.Fatalf("out of range: %v", err)
	}
	if err := qs.Release(ctx, rs); err != nil || rs.Len() != 0 {
		t.Fatalf("release: %v", err)
	}
}

func TestServicesAreCachedPerCollection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)

	a, _ := root.Service(ctx, client.UserManagerKind)
	b, _ := root.Service(ctx, client.UserManagerKind)
	if a != b {
		t.Fatalf("expected cached service instance")
	}
	if _, err := root.Service(ctx, "XUpdateQueryService"); !errors.Is(err, api.ErrNoSuchService) {
		t.Fatalf("expected no such service, got %v", err)
	}
}

func TestCloseSyncsOnlyWhenModified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, root := newRoot(t, api.DBA)

	if err := root.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if engine.Stats().Syncs != 0 {
		t.Fatalf("unmodified collection must not sync")
	}
	col, err := Open(ctx, access.NewExecutor(engine, api.DBA), api.RootCollection)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store(t, col, "s.xml", "<s/>")
	if err := col.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := col.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if engine.Stats().Syncs != 1 {
		t.Fatalf("expected one sync, got %d", engine.Stats().Syncs)
	}
}

func TestPropertiesAreInheritedByChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, root := newRoot(t, api.DBA)
	mkcol(t, root, "p")

	root.SetProperty(api.PropIndent, "yes")
	child, err := root.Child(ctx, "p")
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	if child.Property(api.PropIndent) != "yes" {
		t.Fatalf("child should inherit properties")
	}
	child.SetProperty(api.PropIndent, "no")
	if root.Property(api.PropIndent) != "yes" {
		t.Fatalf("child properties must be independent")
	}
}
