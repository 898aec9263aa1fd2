// Package xmldb is the client access layer of an XML database. A single
// Database resolves xmldb:exist:// URIs to collection handles that behave
// the same whether they run against the embedded engine or a remote server
// reached over JSON-RPC.
//
// # Opening collections
//
//	db, err := xmldb.New(xmldb.Config{AdminPassword: "secret"})
//	if err != nil { log.Fatal(err) }
//	defer db.Close()
//
//	col, err := db.Collection(ctx, "xmldb:exist:///db/orders", "admin", "secret")
//	if err != nil { log.Fatal(err) }
//	defer col.Close()
//
// A URI without a host addresses the embedded engine. Local operations run
// inside a broker borrowed for the duration of one call, with a transaction
// opened and committed (or aborted) around it.
//
// A URI with a host addresses a server:
//
//	xmldb:exist://db.example.com:8080/exist/xmlrpc/db/orders?ssl=true
//
// Everything before the /db segment is the RPC endpoint path. Collections
// opened for the same user and endpoint share one pooled RPC client; the
// client is dropped when the last collection holding it is closed.
//
// # Resources
//
// Small in-memory content is stored with a single call. Files, streams and
// anything above Config.InlineLimit are uploaded in chunks and finalised
// server-side. Downloads spool to memory and spill to a temp file past
// Config.BufferSize.
//
// # Serving
//
// NewServer exposes the embedded engine over HTTP so remote clients can
// reach it:
//
//	srv, err := xmldb.NewServer(ctx, db)
//	if err != nil { log.Fatal(err) }
//	go srv.Start()
//	defer srv.Shutdown(context.Background())
//
// StartServer does both and waits for the listener.
package xmldb
