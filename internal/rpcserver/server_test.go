package rpcserver

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/embedded"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/transfer"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *embedded.Engine, string) {
	t.Helper()
	engine := embedded.New(embedded.WithAdminPassword("secret"))
	if err := engine.AddUser("bob", "pw", "staff"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	srv := New(engine, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return srv, engine, ts.URL + "/xmlrpc"
}

func dial(t *testing.T, endpoint, user, password string) *rpc.Client {
	t.Helper()
	cli, err := rpc.NewClient(endpoint, user, password)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func call(t *testing.T, cli *rpc.Client, method string, params ...any) any {
	t.Helper()
	res, err := cli.Call(context.Background(), method, params...)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return res
}

func TestCollectionMethods(t *testing.T) {
	t.Parallel()
	_, _, endpoint := newTestServer(t)
	cli := dial(t, endpoint, api.DBA, "secret")

	if ok, _ := rpc.AsBool(call(t, cli, MethodExists, "/db/a")); ok {
		t.Fatalf("collection should not exist yet")
	}
	call(t, cli, MethodCreateCollection, "/db/a/b")
	if ok, _ := rpc.AsBool(call(t, cli, MethodExists, "/db/a/b")); !ok {
		t.Fatalf("collection should exist")
	}
	names, _ := rpc.AsStrings(call(t, cli, MethodCollectionListing, "/db/a"))
	if !slices.Equal(names, []string{"b"}) {
		t.Fatalf("listing = %v", names)
	}
	call(t, cli, MethodParse, []byte("<a/>"), "/db/a/doc.xml", 1)
	docs, _ := rpc.AsStrings(call(t, cli, MethodDocumentListing, "/db/a"))
	if !slices.Equal(docs, []string{"doc.xml"}) {
		t.Fatalf("documents = %v", docs)
	}
	if n, _ := rpc.AsInt(call(t, cli, MethodResourceCount, "/db/a")); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if _, err := cli.Call(context.Background(), MethodParse, []byte("<b/>"), "/db/a/doc.xml", 0); !errors.Is(rpc.Classify("parse", "", err), api.ErrPermissionDenied) {
		t.Fatalf("parse without overwrite must refuse, got %v", err)
	}
	call(t, cli, MethodRemoveCollection, "/db/a")
	if ok, _ := rpc.AsBool(call(t, cli, MethodExists, "/db/a")); ok {
		t.Fatalf("collection should be gone")
	}
}

func TestDescribeResource(t *testing.T) {
	t.Parallel()
	_, _, endpoint := newTestServer(t)
	cli := dial(t, endpoint, api.DBA, "secret")

	empty, _ := rpc.AsMap(call(t, cli, MethodDescribeResource, "/db/none.bin"))
	if len(empty) != 0 {
		t.Fatalf("missing resource must describe as empty map, got %v", empty)
	}
	call(t, cli, MethodStoreBinary, []byte{1, 2, 3}, "/db/x.bin", "application/x-raw", true)
	desc, _ := rpc.AsMap(call(t, cli, MethodDescribeResource, "/db/x.bin"))
	if typ, _ := rpc.AsString(desc["type"]); typ != string(api.BinaryResource) {
		t.Fatalf("type = %v", desc["type"])
	}
	if mime, _ := rpc.AsString(desc["mime-type"]); mime != "application/x-raw" {
		t.Fatalf("mime = %v", desc["mime-type"])
	}
	if n, _ := rpc.AsInt64(desc["content-length-64bit"]); n != 3 {
		t.Fatalf("length = %v", desc["content-length-64bit"])
	}
}

func TestTransferAgainstServer(t *testing.T) {
	t.Parallel()
	for _, long := range []bool{true, false} {
		_, _, endpoint := newTestServer(t, WithChunkSize(1000), WithLongOffsets(long))
		cli := dial(t, endpoint, api.DBA, "secret")
		ctx := context.Background()

		payload := bytes.Repeat([]byte("<row>value</row>"), 5000)
		up := transfer.NewUploader(transfer.WithMaxChunk(16 << 10))
		err := up.Upload(ctx, cli, endpoint, transfer.Request{Path: "/db/big.xml", Type: api.XMLResource, Content: api.Bytes(payload)})
		if err != nil {
			t.Fatalf("upload (long=%v): %v", long, err)
		}
		for _, compress := range []string{"no", "yes"} {
			var sink bytes.Buffer
			sp, err := transfer.NewDownloader().Download(ctx, cli, transfer.Source{Path: "/db/big.xml"}, api.Properties{api.PropCompressOutput: compress}, &sink)
			if err != nil {
				t.Fatalf("download (long=%v compress=%s): %v", long, compress, err)
			}
			got, _ := sp.Bytes()
			_ = sp.Close()
			if !bytes.Equal(got, payload) || !bytes.Equal(sink.Bytes(), payload) {
				t.Fatalf("payload mismatch (long=%v compress=%s): %d bytes", long, compress, len(got))
			}
		}
	}
}

func TestLegacyServerFinalize(t *testing.T) {
	t.Parallel()
	srv, _, endpoint := newTestServer(t, WithLegacyFinalize(true))
	if slices.Contains(srv.Methods(), transfer.MethodFinalize) {
		t.Fatalf("legacy server must not list %s", transfer.MethodFinalize)
	}
	cli := dial(t, endpoint, api.DBA, "secret")
	ctx := context.Background()

	up := transfer.NewUploader()
	if err := up.Upload(ctx, cli, endpoint, transfer.Request{Path: "/db/l.xml", Type: api.XMLResource, Content: api.String("<legacy/>")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := up.Negotiator().Support(ctx, cli, endpoint); got != transfer.FinalizeLegacyRequired {
		t.Fatalf("negotiated %s", got)
	}
	if _, err := cli.Call(ctx, transfer.MethodFinalize, "x", "/db/y.xml", true, "application/xml", true); !rpc.IsMethodNotFound(err) {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestAuthenticationAndHandleIsolation(t *testing.T) {
	t.Parallel()
	srv, _, endpoint := newTestServer(t)
	admin := dial(t, endpoint, api.DBA, "secret")
	bob := dial(t, endpoint, "bob", "pw")
	ctx := context.Background()

	if _, err := dial(t, endpoint, "bob", "wrong").Call(ctx, MethodExists, "/db"); !errors.Is(rpc.Classify("exists", "", err), api.ErrPermissionDenied) {
		t.Fatalf("bad password must be rejected, got %v", err)
	}
	name, _ := rpc.AsString(call(t, admin, transfer.MethodUpload, []byte("<x/>"), 4))
	if _, err := bob.Call(ctx, transfer.MethodUpload, name, []byte("more"), 4); err == nil {
		t.Fatalf("another user's upload must not be reachable")
	}
	if srv.Stats().Uploads != 1 {
		t.Fatalf("expected one pending upload, got %+v", srv.Stats())
	}
	call(t, admin, transfer.MethodFinalize, name, "/db/x.xml", true, "application/xml", true)
	if srv.Stats().Uploads != 0 {
		t.Fatalf("finalize must consume the upload")
	}
}

func TestQueryMethods(t *testing.T) {
	t.Parallel()
	srv, _, endpoint := newTestServer(t)
	cli := dial(t, endpoint, api.DBA, "secret")
	call(t, cli, MethodParse, []byte("<fruit>apple</fruit>"), "/db/a.xml", 1)
	call(t, cli, MethodParse, []byte("<fruit>kiwi</fruit>"), "/db/b.xml", 1)

	res, _ := rpc.AsMap(call(t, cli, MethodExecuteQuery, "apple", "/db"))
	handle, _ := rpc.AsString(res["handle"])
	paths, _ := rpc.AsStrings(res["paths"])
	if !slices.Equal(paths, []string{"/db/a.xml"}) {
		t.Fatalf("paths = %v", paths)
	}
	if n, _ := rpc.AsInt(call(t, cli, MethodGetHits, handle)); n != 1 {
		t.Fatalf("hits = %d", n)
	}
	sp, err := transfer.NewDownloader().Download(context.Background(), cli, transfer.Source{Handle: handle, Pos: 0}, nil, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	got, _ := sp.Bytes()
	_ = sp.Close()
	if string(got) != "<fruit>apple</fruit>" {
		t.Fatalf("retrieved %q", got)
	}
	call(t, cli, MethodReleaseQueryResult, handle)
	if srv.Stats().Results != 0 {
		t.Fatalf("result should be released")
	}
}

func TestPermissionsAndLocks(t *testing.T) {
	t.Parallel()
	_, _, endpoint := newTestServer(t)
	admin := dial(t, endpoint, api.DBA, "secret")
	bob := dial(t, endpoint, "bob", "pw")
	ctx := context.Background()

	call(t, admin, MethodCreateCollection, "/db/team")
	call(t, admin, MethodSetPermissions, "/db/team", api.DBA, "staff", 0o775)
	perm, _ := rpc.AsMap(call(t, admin, MethodGetPermissions, "/db/team"))
	if mode, _ := rpc.AsInt64(perm["permissions"]); mode != 0o775 {
		t.Fatalf("mode = %o", mode)
	}
	call(t, bob, MethodParse, []byte("<b/>"), "/db/team/b.xml", 1)
	call(t, bob, MethodLockResource, "/db/team/b.xml", "bob")
	if owner, _ := rpc.AsString(call(t, admin, MethodHasUserLock, "/db/team/b.xml")); owner != "bob" {
		t.Fatalf("lock owner = %q", owner)
	}
	if _, err := admin.Call(ctx, MethodLockResource, "/db/team/b.xml", "bob"); !errors.Is(rpc.Classify("lock", "", err), api.ErrPermissionDenied) {
		t.Fatalf("locking on behalf of another user must fail, got %v", err)
	}
	call(t, bob, MethodUnlockResource, "/db/team/b.xml")
	if owner, _ := rpc.AsString(call(t, bob, MethodHasUserLock, "/db/team/b.xml")); owner != "" {
		t.Fatalf("lock should be released, owner %q", owner)
	}
}

func TestSweepDropsIdleHandles(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	srv, _, endpoint := newTestServer(t, WithHandleTTL(time.Minute), WithClock(clock), WithChunkSize(4))
	cli := dial(t, endpoint, api.DBA, "secret")
	call(t, cli, MethodParse, []byte("<long-enough/>"), "/db/s.xml", 1)
	call(t, cli, methodGetDocumentData, "/db/s.xml", map[string]string{})
	call(t, cli, transfer.MethodUpload, []byte("<x/>"), 4)
	if st := srv.Stats(); st.Downloads != 1 || st.Uploads != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if n := srv.Sweep(); n != 0 {
		t.Fatalf("fresh handles swept: %d", n)
	}
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if n := srv.Sweep(); n != 2 {
		t.Fatalf("swept %d handles, want 2", n)
	}
	if st := srv.Stats(); st.Downloads != 0 || st.Uploads != 0 {
		t.Fatalf("stats after sweep = %+v", st)
	}
}
