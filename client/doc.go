// Package client defines the behavioural contract shared by local and remote
// database access: Collection, Resource and the capability services.
//
// Implementations live in client/local (an embedded engine reached through a
// broker pool) and client/remote (a server reached over RPC). Callers
// normally obtain a Collection from xmldb.Database, which picks the
// implementation from the URI.
//
// # Quick start
//
//	db, err := xmldb.New(xmldb.Config{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	col, err := db.Collection(ctx, "xmldb:exist:///db", "admin", "")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer col.Close(ctx)
//
//	mgr, err := client.CollectionManagerOf(ctx, col)
//	if err != nil {
//		log.Fatal(err)
//	}
//	orders, err := mgr.CreateCollection(ctx, "shop/orders")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer orders.Close(ctx)
//
//	res, _ := orders.CreateResource(ctx, "", api.XMLResource)
//	_ = res.SetContent("<order id='1'/>")
//	if err := orders.StoreResource(ctx, res); err != nil {
//		log.Fatal(err)
//	}
//
// # Errors
//
// Every operation returns *api.Error values. Match them with errors.Is
// against the api sentinels (api.ErrNotFound, api.ErrPermissionDenied,
// api.ErrLock, ...). Transport and IO failures are reported as
// api.ErrVendor and unwrap to their cause.
//
// # Capabilities
//
// Collection.Service hands out a CollectionManager, UserManager or
// QueryService. Each kind is constructed once per collection and reused;
// the typed helpers CollectionManagerOf, UserManagerOf and QueryServiceOf
// save the type assertion.
package client
