package rpcserver

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/access"
)

// Method names beyond the transfer protocol.
const (
	MethodExists             = "existsAndCanOpenCollection"
	MethodCreateResourceID   = "createResourceId"
	MethodCollectionListing  = "getCollectionListing"
	MethodDocumentListing    = "getDocumentListing"
	MethodResourceCount      = "getResourceCount"
	MethodCreationDate       = "getCreationDate"
	MethodDescribeResource   = "describeResource"
	MethodParse              = "parse"
	MethodStoreBinary        = "storeBinary"
	MethodRemove             = "remove"
	MethodCreateCollection   = "createCollection"
	MethodRemoveCollection   = "removeCollection"
	MethodGetPermissions     = "getPermissions"
	MethodSetPermissions     = "setPermissions"
	MethodLockResource       = "lockResource"
	MethodUnlockResource     = "unlockResource"
	MethodHasUserLock        = "hasUserLock"
	MethodSetLastModified    = "setLastModified"
	MethodExecuteQuery       = "executeQuery"
	MethodGetHits            = "getHits"
	MethodReleaseQueryResult = "releaseQueryResult"
)

func (s *Server) methodTable() map[string]method {
	m := map[string]method{
		MethodExists:             existsAndCanOpen,
		MethodCreateResourceID:   createResourceID,
		MethodCollectionListing:  collectionListing,
		MethodDocumentListing:    documentListing,
		MethodResourceCount:      resourceCount,
		MethodCreationDate:       creationDate,
		MethodDescribeResource:   describeResource,
		MethodParse:              parse,
		MethodStoreBinary:        storeBinary,
		MethodRemove:             remove,
		MethodCreateCollection:   createCollection,
		MethodRemoveCollection:   removeCollection,
		MethodGetPermissions:     getPermissions,
		MethodSetPermissions:     setPermissions,
		MethodLockResource:       lockResource,
		MethodUnlockResource:     unlockResource,
		MethodHasUserLock:        hasUserLock,
		MethodSetLastModified:    setLastModified,
		MethodExecuteQuery:       executeQuery,
		MethodGetHits:            getHits,
		MethodReleaseQueryResult: releaseQueryResult,

		methodGetDocumentData:      getDocumentData,
		methodRetrieveFirstChunk:   retrieveFirstChunk,
		methodGetNextChunk:         getNextChunk,
		methodGetNextExtendedChunk: getNextExtendedChunk,
		methodUpload:               uploadChunk,
		methodUploadCompressed:     uploadChunk,
		methodParseLocal:           parseLocal,
	}
	if !s.legacy {
		m[methodParseLocalExt] = parseLocalExt
	}
	m[methodListMethods] = func(context.Context, *request) (any, error) {
		return s.Methods(), nil
	}
	return m
}

func existsAndCanOpen(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	if _, err := r.collection(ctx, path); err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return false, nil
		}
		return nil, err
	}
	return true, nil
}

func createResourceID(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, err := r.collection(ctx, path)
	if err != nil {
		return nil, err
	}
	return col.CreateID(ctx)
}

func collectionListing(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, err := r.collection(ctx, path)
	if err != nil {
		return nil, err
	}
	return nonNil(col.ChildCollections(ctx))
}

func documentListing(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, err := r.collection(ctx, path)
	if err != nil {
		return nil, err
	}
	return nonNil(col.Resources(ctx))
}

func nonNil(names []string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func resourceCount(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, err := r.collection(ctx, path)
	if err != nil {
		return nil, err
	}
	return col.ResourceCount(ctx)
}

func creationDate(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, err := r.collection(ctx, path)
	if err != nil {
		return nil, err
	}
	return col.CreationTime(ctx)
}

// describeResource returns an empty map for a missing resource.
func describeResource(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	dir, name := api.Split(path)
	var info api.ResourceInfo
	err = r.exec().ReadDocument(ctx, dir, name, api.CodeNoSuchResource, func(_ context.Context, _ *access.Scope, doc access.DocumentHandle) error {
		info = doc.Info()
		return nil
	})
	if errors.Is(err, api.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	length := info.ContentLength
	if length > math.MaxInt32 {
		length = math.MaxInt32
	}
	return map[string]any{
		"name":                 info.Name,
		"type":                 string(info.Type),
		"mime-type":            info.MimeType,
		"content-length":       length,
		"content-length-64bit": strconv.FormatInt(info.ContentLength, 10),
		"owner":                info.Permission.Owner,
		"group":                info.Permission.Group,
		"permissions":          info.Permission.Mode,
		"created":              info.Created,
		"modified":             info.Modified,
		"lock-owner":           info.LockOwner,
	}, nil
}

// storeContent writes content to path, refusing to replace an existing
// resource unless replace is set.
func storeContent(ctx context.Context, r *request, path string, typ api.ResourceType, mime string, content api.Content, replace bool, created, modified time.Time) error {
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return err
	}
	if !replace {
		if _, err := col.Resource(ctx, name); err == nil {
			return api.Errorf(api.CodePermissionDenied, path, "resource exists and replace was not requested")
		} else if !errors.Is(err, api.ErrNotFound) {
			return err
		}
	}
	res, err := col.CreateResource(ctx, name, typ)
	if err != nil {
		return err
	}
	if err := res.SetContent(content); err != nil {
		return err
	}
	if mime != "" {
		res.SetMimeType(mime)
	}
	if err := col.StoreResource(ctx, res, client.WithCreated(created), client.WithModified(modified)); err != nil {
		return err
	}
	return col.Close(ctx)
}

// parse stores an in-memory XML document: data, path, overwrite, [created,
// modified].
func parse(ctx context.Context, r *request) (any, error) {
	data, err := r.bytes(0)
	if err != nil {
		return nil, err
	}
	path, err := r.path(1)
	if err != nil {
		return nil, err
	}
	overwrite, err := r.int64(2)
	if err != nil {
		return nil, err
	}
	created, err := r.optTime(3)
	if err != nil {
		return nil, err
	}
	modified, err := r.optTime(4)
	if err != nil {
		return nil, err
	}
	if err := storeContent(ctx, r, path, api.XMLResource, "", api.Bytes(data), overwrite != 0, created, modified); err != nil {
		return nil, err
	}
	return true, nil
}

// storeBinary stores an in-memory blob: data, path, mime, replace,
// [created, modified].
func storeBinary(ctx context.Context, r *request) (any, error) {
	data, err := r.bytes(0)
	if err != nil {
		return nil, err
	}
	path, err := r.path(1)
	if err != nil {
		return nil, err
	}
	mime, err := r.str(2)
	if err != nil {
		return nil, err
	}
	replace, err := r.bool(3)
	if err != nil {
		return nil, err
	}
	created, err := r.optTime(4)
	if err != nil {
		return nil, err
	}
	modified, err := r.optTime(5)
	if err != nil {
		return nil, err
	}
	if err := storeContent(ctx, r, path, api.BinaryResource, mime, api.Bytes(data), replace, created, modified); err != nil {
		return nil, err
	}
	return true, nil
}

func remove(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := col.CreateResource(ctx, name, api.XMLResource)
	if err != nil {
		return nil, err
	}
	if err := col.RemoveResource(ctx, res); err != nil {
		return nil, err
	}
	return true, col.Close(ctx)
}

func rootManager(ctx context.Context, r *request) (client.CollectionManager, error) {
	root, err := r.collection(ctx, api.RootCollection)
	if err != nil {
		return nil, err
	}
	return client.CollectionManagerOf(ctx, root)
}

func createCollection(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	if path == api.RootCollection {
		return true, nil
	}
	mgr, err := rootManager(ctx, r)
	if err != nil {
		return nil, err
	}
	col, err := mgr.CreateCollection(ctx, strings.TrimPrefix(path, api.RootCollection+"/"))
	if err != nil {
		return nil, err
	}
	return true, col.Close(ctx)
}

func removeCollection(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	mgr, err := rootManager(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := mgr.RemoveCollection(ctx, strings.TrimPrefix(path, api.RootCollection)); err != nil {
		return nil, err
	}
	return true, nil
}

// target resolves path to the user manager responsible for it and the name
// to pass along: "" for a collection, the resource name otherwise.
func target(ctx context.Context, r *request, path string) (client.UserManager, string, error) {
	if col, err := r.collection(ctx, path); err == nil {
		um, err := client.UserManagerOf(ctx, col)
		return um, "", err
	} else if !errors.Is(err, api.ErrNotFound) {
		return nil, "", err
	}
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return nil, "", err
	}
	um, err := client.UserManagerOf(ctx, col)
	return um, name, err
}

func getPermissions(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	um, name, err := target(ctx, r, path)
	if err != nil {
		return nil, err
	}
	perm, err := um.Permissions(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"owner": perm.Owner, "group": perm.Group, "permissions": perm.Mode}, nil
}

// setPermissions takes path, owner, group, mode.
func setPermissions(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	owner, err := r.str(1)
	if err != nil {
		return nil, err
	}
	group, err := r.str(2)
	if err != nil {
		return nil, err
	}
	mode, err := r.int64(3)
	if err != nil {
		return nil, err
	}
	if mode < 0 || mode > 0o777 {
		return nil, r.invalid("mode %o out of range", mode)
	}
	um, name, err := target(ctx, r, path)
	if err != nil {
		return nil, err
	}
	if err := um.SetPermissions(ctx, name, api.Permission{Owner: owner, Group: group, Mode: uint32(mode)}); err != nil {
		return nil, err
	}
	return true, nil
}

func resourceManager(ctx context.Context, r *request) (client.UserManager, string, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, "", err
	}
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return nil, "", err
	}
	um, err := client.UserManagerOf(ctx, col)
	return um, name, err
}

// lockResource takes path and the user to lock for, which must be the
// caller.
func lockResource(ctx context.Context, r *request) (any, error) {
	um, name, err := resourceManager(ctx, r)
	if err != nil {
		return nil, err
	}
	if owner, _ := r.str(1); owner != "" && owner != r.user {
		return nil, api.Errorf(api.CodePermissionDenied, name, "cannot lock on behalf of %s", owner)
	}
	if err := um.LockResource(ctx, name); err != nil {
		return nil, err
	}
	return true, nil
}

func unlockResource(ctx context.Context, r *request) (any, error) {
	um, name, err := resourceManager(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := um.UnlockResource(ctx, name); err != nil {
		return nil, err
	}
	return true, nil
}

func hasUserLock(ctx context.Context, r *request) (any, error) {
	um, name, err := resourceManager(ctx, r)
	if err != nil {
		return nil, err
	}
	return um.HasUserLock(ctx, name)
}

func setLastModified(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	modified, err := r.optTime(1)
	if err != nil {
		return nil, err
	}
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := col.Resource(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := res.SetModified(ctx, modified); err != nil {
		return nil, err
	}
	return true, nil
}
