package rpcserver

import (
	"bytes"
	"context"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/spool"
	"pkt.systems/xmldb/internal/transfer"
)

const (
	methodGetDocumentData      = "getDocumentData"
	methodRetrieveFirstChunk   = "retrieveFirstChunk"
	methodGetNextChunk         = "getNextChunk"
	methodGetNextExtendedChunk = "getNextExtendedChunk"
	methodUpload               = transfer.MethodUpload
	methodUploadCompressed     = transfer.MethodUploadCompressed
	methodParseLocalExt        = transfer.MethodFinalize
	methodParseLocal           = transfer.MethodFinalizeLegacy
	methodListMethods          = transfer.MethodListMethods
)

// download is a payload being served chunk by chunk.
type download struct {
	user    string
	payload []byte
	touched time.Time
}

// upload is a temp file assembled from uploaded chunks.
type upload struct {
	user    string
	buf     *spool.Spool
	touched time.Time
}

type queryResult struct {
	user  string
	path  string
	paths []string
}

// openDownload reads path as the caller and registers its payload,
// deflated when the properties ask for compress-output.
func openDownload(ctx context.Context, r *request, path string, props api.Properties) (any, error) {
	col, name, err := r.parent(ctx, path)
	if err != nil {
		return nil, err
	}
	res, err := col.Resource(ctx, name)
	if err != nil {
		return nil, err
	}
	content, err := res.Content(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := content.ReadAll()
	if err != nil {
		return nil, err
	}
	if props.Compressed() {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, api.Vendor("deflate", path, err)
		}
		if err := zw.Close(); err != nil {
			return nil, api.Vendor("deflate", path, err)
		}
		payload = buf.Bytes()
	}
	s := r.server
	handle := uuid.NewString()
	s.mu.Lock()
	s.chunks[handle] = &download{user: r.user, payload: payload, touched: s.now()}
	s.mu.Unlock()
	return s.chunkAt(r, handle, 0)
}

// chunkAt returns the chunk starting at offset. The reply carries the next
// offset, zero once the payload is exhausted, at which point the handle is
// dropped.
func (s *Server) chunkAt(r *request, handle string, offset int64) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.chunks[handle]
	if !ok || d.user != r.user {
		return nil, r.invalid("unknown chunk handle %q", handle)
	}
	if offset < 0 || offset > int64(len(d.payload)) {
		return nil, r.invalid("offset %d out of range", offset)
	}
	end := offset + int64(s.chunkSize)
	next := end
	if end >= int64(len(d.payload)) {
		end = int64(len(d.payload))
		next = 0
		delete(s.chunks, handle)
	} else {
		d.touched = s.now()
	}
	reply := map[string]any{
		"data":                 d.payload[offset:end],
		"handle":               handle,
		"supports-long-offset": s.longOffsets,
	}
	if s.longOffsets {
		reply["offset"] = strconv.FormatInt(next, 10)
	} else {
		reply["offset"] = next
	}
	return reply, nil
}

func getDocumentData(ctx context.Context, r *request) (any, error) {
	path, err := r.path(0)
	if err != nil {
		return nil, err
	}
	props, err := r.props(1)
	if err != nil {
		return nil, err
	}
	return openDownload(ctx, r, path, props)
}

// retrieveFirstChunk starts a download of hit pos of a query result.
func retrieveFirstChunk(ctx context.Context, r *request) (any, error) {
	handle, err := r.str(0)
	if err != nil {
		return nil, err
	}
	pos, err := r.int64(1)
	if err != nil {
		return nil, err
	}
	props, err := r.props(2)
	if err != nil {
		return nil, err
	}
	res, err := r.server.result(r, handle)
	if err != nil {
		return nil, err
	}
	if pos < 0 || pos >= int64(len(res.paths)) {
		return nil, api.Errorf(api.CodeNoSuchResource, res.path, "result %d out of range (%d hits)", pos, len(res.paths))
	}
	return openDownload(ctx, r, res.paths[pos], props)
}

func getNextChunk(_ context.Context, r *request) (any, error) {
	handle, err := r.str(0)
	if err != nil {
		return nil, err
	}
	offset, err := r.int64(1)
	if err != nil {
		return nil, err
	}
	if offset > math.MaxInt32 {
		return nil, r.invalid("offset %d exceeds 32 bits", offset)
	}
	return r.server.chunkAt(r, handle, offset)
}

func getNextExtendedChunk(_ context.Context, r *request) (any, error) {
	handle, err := r.str(0)
	if err != nil {
		return nil, err
	}
	raw, err := r.str(1)
	if err != nil {
		return nil, err
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, r.invalid("offset %q: %v", raw, err)
	}
	return r.server.chunkAt(r, handle, offset)
}

// uploadChunk appends to a temp upload: [fileName,] data, length. The first
// chunk allocates the file name.
func uploadChunk(_ context.Context, r *request) (any, error) {
	s := r.server
	var fileName string
	idx := 0
	if len(r.params) >= 3 {
		name, err := r.str(0)
		if err != nil {
			return nil, err
		}
		fileName = name
		idx = 1
	}
	data, err := r.bytes(idx)
	if err != nil {
		return nil, err
	}
	length, err := r.int64(idx + 1)
	if err != nil {
		return nil, err
	}
	if r.method == methodUploadCompressed {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, api.Vendor("inflate", fileName, err)
		}
		data, err = io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return nil, api.Vendor("inflate", fileName, err)
		}
	}
	if int64(len(data)) != length {
		return nil, r.invalid("chunk length %d does not match declared %d", len(data), length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var up *upload
	if fileName == "" {
		fileName = uuid.NewString()
		up = &upload{user: r.user, buf: newUploadBuffer()}
		s.uploads[fileName] = up
	} else {
		var ok bool
		up, ok = s.uploads[fileName]
		if !ok || up.user != r.user {
			return nil, r.invalid("unknown upload %q", fileName)
		}
	}
	up.touched = s.now()
	if _, err := up.buf.Write(data); err != nil {
		return nil, api.Vendor("upload", fileName, err)
	}
	return fileName, nil
}

func (s *Server) takeUpload(r *request, fileName string) (*spool.Spool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[fileName]
	if !ok || up.user != r.user {
		return nil, r.invalid("unknown upload %q", fileName)
	}
	delete(s.uploads, fileName)
	return up.buf, nil
}

func finalize(ctx context.Context, r *request, fileName, path, mime string, typ api.ResourceType, replace bool, created, modified time.Time) (any, error) {
	buf, err := r.server.takeUpload(r, fileName)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	if err := storeContent(ctx, r, path, typ, mime, api.Downloaded(buf), replace, created, modified); err != nil {
		return nil, err
	}
	return true, nil
}

// parseLocalExt: fileName, path, replace, mime, isXML, [created, modified].
func parseLocalExt(ctx context.Context, r *request) (any, error) {
	fileName, err := r.str(0)
	if err != nil {
		return nil, err
	}
	path, err := r.path(1)
	if err != nil {
		return nil, err
	}
	replace, err := r.bool(2)
	if err != nil {
		return nil, err
	}
	mime, err := r.str(3)
	if err != nil {
		return nil, err
	}
	isXML, err := r.bool(4)
	if err != nil {
		return nil, err
	}
	created, err := r.optTime(5)
	if err != nil {
		return nil, err
	}
	modified, err := r.optTime(6)
	if err != nil {
		return nil, err
	}
	typ := api.BinaryResource
	if isXML {
		typ = api.XMLResource
	}
	return finalize(ctx, r, fileName, path, mime, typ, replace, created, modified)
}

// parseLocal: fileName, path, replace, mime. Without an explicit flag the
// resource type follows the mime type.
func parseLocal(ctx context.Context, r *request) (any, error) {
	fileName, err := r.str(0)
	if err != nil {
		return nil, err
	}
	path, err := r.path(1)
	if err != nil {
		return nil, err
	}
	replace, err := r.bool(2)
	if err != nil {
		return nil, err
	}
	mime, err := r.str(3)
	if err != nil {
		return nil, err
	}
	return finalize(ctx, r, fileName, path, mime, typeForMime(mime), replace, time.Time{}, time.Time{})
}

func typeForMime(mime string) api.ResourceType {
	if mime == "" || strings.Contains(strings.ToLower(mime), "xml") {
		return api.XMLResource
	}
	return api.BinaryResource
}

// executeQuery: expr, path. The reply holds a result handle and the hit
// paths.
func executeQuery(ctx context.Context, r *request) (any, error) {
	expr, err := r.str(0)
	if err != nil {
		return nil, err
	}
	path, err := r.path(1)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = r.exec().WithAccess(ctx, func(ctx context.Context, sc *access.Scope) error {
		var err error
		paths, err = sc.Broker.Query(ctx, sc.Txn, path, expr)
		return err
	})
	if err != nil {
		return nil, err
	}
	if paths == nil {
		paths = []string{}
	}
	s := r.server
	handle := uuid.NewString()
	s.mu.Lock()
	s.results[handle] = &queryResult{user: r.user, path: path, paths: paths}
	s.mu.Unlock()
	return map[string]any{"handle": handle, "hits": len(paths), "paths": paths}, nil
}

func (s *Server) result(r *request, handle string) (*queryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[handle]
	if !ok || res.user != r.user {
		return nil, r.invalid("unknown result handle %q", handle)
	}
	return res, nil
}

func getHits(_ context.Context, r *request) (any, error) {
	handle, err := r.str(0)
	if err != nil {
		return nil, err
	}
	res, err := r.server.result(r, handle)
	if err != nil {
		return nil, err
	}
	return len(res.paths), nil
}

func releaseQueryResult(_ context.Context, r *request) (any, error) {
	handle, err := r.str(0)
	if err != nil {
		return nil, err
	}
	if _, err := r.server.result(r, handle); err != nil {
		return nil, err
	}
	r.server.mu.Lock()
	delete(r.server.results, handle)
	r.server.mu.Unlock()
	return true, nil
}

// Stats reports open server-side handles.
type Stats struct {
	Downloads int
	Uploads   int
	Results   int
}

// Stats returns the number of live handles.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Downloads: len(s.chunks), Uploads: len(s.uploads), Results: len(s.results)}
}

