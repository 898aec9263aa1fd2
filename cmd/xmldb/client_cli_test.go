package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/xmldb"
	"pkt.systems/xmldb/api"
)

// startServer runs an xmldb server on a loopback port and returns the
// client base URI for it.
func startServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	db, err := xmldb.New(xmldb.Config{AdminPassword: "secret", Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new database: %v", err)
	}
	srv, stop, err := xmldb.StartServer(ctx, db)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = stop(shutdownCtx)
		cancel()
		_ = db.Close()
	})
	u, err := url.Parse(srv.Endpoint())
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	return xmldb.URIPrefix + u.Host + u.Path + "/db"
}

func runClient(t *testing.T, uri string, args ...string) string {
	t.Helper()
	full := append([]string{"client", "--uri", uri, "--password", "secret"}, args...)
	stdout, stderr, err := executeRootCommand(t, full...)
	if err != nil {
		t.Fatalf("xmldb %s: %v (stderr %q)", strings.Join(args, " "), err, stderr)
	}
	return stdout
}

func TestClientCommandsAgainstServer(t *testing.T) {
	uri := startServer(t)
	src := filepath.Join(t.TempDir(), "o1.xml")
	if err := os.WriteFile(src, []byte("<order id=\"1\"><item>kiwi</item></order>"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if out := runClient(t, uri, "mkdir", "orders/2026"); strings.TrimSpace(out) != "/db/orders/2026" {
		t.Fatalf("mkdir printed %q", out)
	}
	if out := runClient(t, uri, "put", "orders/o1.xml", "--file", src); strings.TrimSpace(out) != "/db/orders/o1.xml" {
		t.Fatalf("put printed %q", out)
	}
	if out := runClient(t, uri, "get", "orders/o1.xml"); !strings.Contains(out, "<item>kiwi</item>") {
		t.Fatalf("get = %q", out)
	}
	if out := runClient(t, uri, "ls", "orders"); out != "2026/\no1.xml\n" {
		t.Fatalf("ls = %q", out)
	}

	runClient(t, uri, "chmod", "0640", "orders/o1.xml")
	runClient(t, uri, "lock", "orders/o1.xml")
	var st resourceStat
	if err := json.Unmarshal([]byte(runClient(t, uri, "stat", "orders/o1.xml", "-o", "json")), &st); err != nil {
		t.Fatalf("stat json: %v", err)
	}
	if st.Path != "/db/orders/o1.xml" || st.Type != string(api.XMLResource) || st.Permissions != "0640" {
		t.Fatalf("stat = %+v", st)
	}
	if st.LockedBy != api.DBA || st.Length <= 0 {
		t.Fatalf("stat = %+v", st)
	}
	if out := runClient(t, uri, "stat", "orders/o1.xml", "-o", "yaml"); !strings.Contains(out, "locked_by: admin") {
		t.Fatalf("stat yaml = %q", out)
	}
	runClient(t, uri, "unlock", "orders/o1.xml")

	if out := runClient(t, uri, "query", "kiwi"); strings.TrimSpace(out) != "/db/orders/o1.xml" {
		t.Fatalf("query = %q", out)
	}
	if out := runClient(t, uri, "query", "kiwi", "--retrieve"); !strings.Contains(out, "<item>kiwi</item>") {
		t.Fatalf("query --retrieve = %q", out)
	}

	runClient(t, uri, "rm", "orders/o1.xml")
	runClient(t, uri, "rmdir", "orders/2026")
	if out := runClient(t, uri, "ls", "orders"); out != "" {
		t.Fatalf("ls after removal = %q", out)
	}
}

func TestClientChunkedPutWithZeroInlineLimit(t *testing.T) {
	uri := startServer(t)
	src := filepath.Join(t.TempDir(), "big.xml")
	body := "<big>" + strings.Repeat("<row>0123456789</row>", 2000) + "</big>"
	if err := os.WriteFile(src, []byte(body), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	runClient(t, uri, "--inline-limit", "0", "--max-chunk", "4KiB", "put", "big.xml", "--file", src)
	out := runClient(t, uri, "get", "big.xml")
	if strings.Count(out, "<row>0123456789</row>") != 2000 {
		t.Fatalf("chunked round trip lost rows (%d bytes)", len(out))
	}
}

func TestClientReportsMissingResource(t *testing.T) {
	uri := startServer(t)
	_, _, err := executeRootCommand(t, "client", "--uri", uri, "--password", "secret", "get", "nope.xml")
	if err == nil || !strings.Contains(err.Error(), "no_such_resource") {
		t.Fatalf("missing resource = %v", err)
	}
	_, _, err = executeRootCommand(t, "client", "--uri", uri, "--password", "wrong", "ls")
	if err == nil {
		t.Fatalf("wrong password must fail")
	}
}
