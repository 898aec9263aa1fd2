package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"pkt.systems/xmldb/internal/rpc"
)

// fakeServer is an in-process implementation of the chunk methods.
type fakeServer struct {
	mu         sync.Mutex
	chunkSize  int
	longOffset bool
	legacy     bool
	noListing  bool
	rotate     bool // hand out a fresh handle with every chunk
	failOn     int // fail the n-th upload chunk (1-based), 0 disables
	docs       map[string][]byte
	temp       map[string]*bytes.Buffer
	handles    map[string][]byte
	calls      []string
	nextID     int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		chunkSize:  1 << 10,
		longOffset: true,
		docs:       make(map[string][]byte),
		temp:       make(map[string]*bytes.Buffer),
		handles:    make(map[string][]byte),
	}
}

func (f *fakeServer) methodCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeServer) Call(_ context.Context, method string, params ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	switch method {
	case MethodListMethods:
		if f.noListing {
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "no introspection")
		}
		methods := []string{MethodUpload, MethodUploadCompressed, MethodFinalizeLegacy}
		if !f.legacy {
			methods = append(methods, MethodFinalize)
		}
		return methods, nil
	case MethodUpload, MethodUploadCompressed:
		return f.upload(method, params)
	case MethodFinalize:
		if f.legacy {
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %s not found", method)
		}
		return f.finalize(params)
	case MethodFinalizeLegacy:
		return f.finalize(params)
	case "getDocumentData":
		path, _ := rpc.AsString(params[0])
		props, _ := rpc.AsStringMap(params[1])
		doc, ok := f.docs[path]
		if !ok {
			return nil, &rpc.Error{Code: rpc.CodeServerError, Message: "missing", Kind: "not_found"}
		}
		payload := doc
		if isYes(props["compress-output"]) {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			_, _ = zw.Write(doc)
			_ = zw.Close()
			payload = buf.Bytes()
		}
		f.nextID++
		handle := fmt.Sprintf("h%d", f.nextID)
		f.handles[handle] = payload
		return f.chunkAt(handle, 0), nil
	case "getNextExtendedChunk":
		handle, _ := rpc.AsString(params[0])
		if err := f.known(handle); err != nil {
			return nil, err
		}
		raw, _ := rpc.AsString(params[1])
		offset, err := rpc.AsInt64(raw)
		if err != nil {
			return nil, err
		}
		return f.chunkAt(handle, offset), nil
	case "getNextChunk":
		handle, _ := rpc.AsString(params[0])
		if err := f.known(handle); err != nil {
			return nil, err
		}
		if _, ok := params[1].(int32); !ok {
			return nil, fmt.Errorf("getNextChunk expects an int32 offset, got %T", params[1])
		}
		offset, _ := rpc.AsInt64(params[1])
		return f.chunkAt(handle, offset), nil
	default:
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %s not found", method)
	}
}

func (f *fakeServer) known(handle string) error {
	if _, ok := f.handles[handle]; !ok {
		return &rpc.Error{Code: rpc.CodeServerError, Message: "unknown handle " + handle, Kind: "vendor_error"}
	}
	return nil
}

func (f *fakeServer) chunkAt(handle string, offset int64) map[string]any {
	payload := f.handles[handle]
	end := offset + int64(f.chunkSize)
	next := end
	if end >= int64(len(payload)) {
		end = int64(len(payload))
		next = 0
		delete(f.handles, handle)
	}
	if f.rotate && next != 0 {
		f.nextID++
		fresh := fmt.Sprintf("h%d", f.nextID)
		f.handles[fresh] = payload
		delete(f.handles, handle)
		handle = fresh
	}
	var off any = next
	if f.longOffset {
		off = fmt.Sprint(next)
	}
	return map[string]any{
		"data":                 append([]byte(nil), payload[offset:end]...),
		"offset":               off,
		"handle":               handle,
		"supports-long-offset": f.longOffset,
	}
}

func (f *fakeServer) upload(method string, params []any) (any, error) {
	uploads := 0
	for _, c := range f.calls {
		if c == MethodUpload || c == MethodUploadCompressed {
			uploads++
		}
	}
	if f.failOn > 0 && uploads == f.failOn {
		return nil, fmt.Errorf("disk full")
	}
	var name string
	if len(params) == 3 {
		name, _ = rpc.AsString(params[0])
		params = params[1:]
	} else {
		f.nextID++
		name = fmt.Sprintf("upload-%d", f.nextID)
		f.temp[name] = &bytes.Buffer{}
	}
	buf, ok := f.temp[name]
	if !ok {
		return nil, fmt.Errorf("unknown upload %s", name)
	}
	data, _ := rpc.AsBytes(params[0])
	length, _ := rpc.AsInt(params[1])
	if method == MethodUploadCompressed {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	}
	if len(data) != length {
		return nil, fmt.Errorf("length mismatch %d != %d", len(data), length)
	}
	buf.Write(data)
	return name, nil
}

func (f *fakeServer) finalize(params []any) (any, error) {
	name, _ := rpc.AsString(params[0])
	path, _ := rpc.AsString(params[1])
	buf, ok := f.temp[name]
	if !ok {
		return nil, fmt.Errorf("unknown upload %s", name)
	}
	delete(f.temp, name)
	f.docs[path] = buf.Bytes()
	return true, nil
}
