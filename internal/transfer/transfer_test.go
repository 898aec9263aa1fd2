package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/internal/rpc"
)

const testEndpoint = "http://db.example/xmlrpc"

func payload(n int) []byte {
	rng := rand.New(rand.NewSource(int64(n)))
	b := make([]byte, n)
	for i := range b {
		// Mostly text so deflate has something to do, with some noise.
		if i%7 == 0 {
			b[i] = byte(rng.Intn(256))
		} else {
			b[i] = "<doc>abc</doc>"[i%14]
		}
	}
	return b
}

func TestRoundTripSizes(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 255, 256, 1_000_000} {
		for _, compressed := range []bool{false, true} {
			srv := newFakeServer()
			up := NewUploader(WithMaxChunk(64 << 10))
			down := NewDownloader()
			data := payload(size)
			path := "/db/test/doc.xml"

			if err := up.Upload(context.Background(), srv, testEndpoint, Request{
				Path:    path,
				Type:    api.XMLResource,
				Content: api.Bytes(data),
			}); err != nil {
				t.Fatalf("size %d: upload: %v", size, err)
			}
			props := api.Properties{}
			if compressed {
				props[api.PropCompressOutput] = "yes"
			}
			var sink bytes.Buffer
			sp, err := down.Download(context.Background(), srv, Source{Path: path}, props, &sink)
			if err != nil {
				t.Fatalf("size %d compressed=%v: download: %v", size, compressed, err)
			}
			cached, err := sp.Bytes()
			if err != nil {
				t.Fatalf("spool bytes: %v", err)
			}
			if !bytes.Equal(cached, data) || !bytes.Equal(sink.Bytes(), data) {
				t.Fatalf("size %d compressed=%v: round trip mismatch (spool %d, sink %d)", size, compressed, len(cached), sink.Len())
			}
			_ = sp.Close()
		}
	}
}

func TestUploadCompressionBoundary(t *testing.T) {
	t.Parallel()

	cases := []struct {
		size   int
		method string
	}{
		{0, MethodUpload},
		{255, MethodUpload},
		{256, MethodUploadCompressed},
	}
	for _, tc := range cases {
		srv := newFakeServer()
		up := NewUploader()
		if err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/a.bin", Type: api.BinaryResource, Content: api.Bytes(payload(tc.size))}); err != nil {
			t.Fatalf("size %d: %v", tc.size, err)
		}
		if srv.methodCalls(tc.method) != 1 {
			t.Fatalf("size %d: expected one %s call, got calls %v", tc.size, tc.method, srv.calls)
		}
		if got := srv.docs["/db/a.bin"]; len(got) != tc.size {
			t.Fatalf("size %d: stored %d bytes", tc.size, len(got))
		}
	}
}

func TestUploadChunkCount(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	up := NewUploader(WithMaxChunk(1 << 20))
	data := payload(10 << 20)
	if err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/big.xml", Content: api.Bytes(data)}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	chunks := srv.methodCalls(MethodUpload) + srv.methodCalls(MethodUploadCompressed)
	if chunks != 10 {
		t.Fatalf("expected 10 chunk calls, got %d", chunks)
	}
	if srv.methodCalls(MethodFinalize) != 1 || srv.methodCalls(MethodFinalizeLegacy) != 0 {
		t.Fatalf("expected exactly one parseLocalExt, calls %v", srv.calls[len(srv.calls)-2:])
	}
	if !bytes.Equal(srv.docs["/db/big.xml"], data) {
		t.Fatalf("stored content differs")
	}
}

func TestUploadUnknownLengthStream(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	up := NewUploader(WithMaxChunk(1000))
	data := payload(2500)
	if err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/s.xml", Content: api.Stream(bytes.NewReader(data), -1)}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := srv.methodCalls(MethodUploadCompressed); got != 3 {
		t.Fatalf("expected ceil(2500/1000)=3 chunks, got %d", got)
	}
	if !bytes.Equal(srv.docs["/db/s.xml"], data) {
		t.Fatalf("stored content differs")
	}
}

func TestFailedChunkSkipsFinalize(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	srv.failOn = 2
	up := NewUploader(WithMaxChunk(300))
	err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/f.xml", Content: api.Bytes(payload(1000))})
	if !errors.Is(err, api.ErrVendor) {
		t.Fatalf("expected vendor error, got %v", err)
	}
	if !strings.Contains(err.Error(), "/db/f.xml") {
		t.Fatalf("error must name the path: %v", err)
	}
	if srv.methodCalls(MethodFinalize)+srv.methodCalls(MethodFinalizeLegacy) != 0 {
		t.Fatalf("finalize must not be issued after a failed chunk")
	}
	if _, ok := srv.docs["/db/f.xml"]; ok {
		t.Fatalf("no document may be stored")
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.ErrClosedPipe
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestReadFailureIsVendorErrorWithPath(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	up := NewUploader(WithMaxChunk(4))
	err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/r.xml", Content: api.Stream(&failingReader{n: 6}, -1)})
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeVendorError || apiErr.Path != "/db/r.xml" {
		t.Fatalf("expected vendor error with path, got %v", err)
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("cause must be preserved: %v", err)
	}
	if srv.methodCalls(MethodFinalize) != 0 {
		t.Fatalf("finalize must not run")
	}
}

func TestLegacyFinalizeFallback(t *testing.T) {
	t.Parallel()

	t.Run("probe", func(t *testing.T) {
		srv := newFakeServer()
		srv.legacy = true
		up := NewUploader()
		for i := 0; i < 2; i++ {
			if err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/l.xml", Content: api.String("<l/>")}); err != nil {
				t.Fatalf("upload: %v", err)
			}
		}
		if srv.methodCalls(MethodFinalize) != 0 || srv.methodCalls(MethodFinalizeLegacy) != 2 {
			t.Fatalf("expected legacy finalize only, calls %v", srv.calls)
		}
		if srv.methodCalls(MethodListMethods) != 1 {
			t.Fatalf("probe must be cached per endpoint")
		}
	})

	t.Run("typed method-not-found", func(t *testing.T) {
		srv := newFakeServer()
		srv.legacy = true
		srv.noListing = true
		up := NewUploader()
		for i := 0; i < 2; i++ {
			if err := up.Upload(context.Background(), srv, testEndpoint, Request{Path: "/db/l.xml", Content: api.String("<l/>"), Created: time.Unix(10, 0), Modified: time.Unix(20, 0)}); err != nil {
				t.Fatalf("upload: %v", err)
			}
		}
		if srv.methodCalls(MethodFinalize) != 1 || srv.methodCalls(MethodFinalizeLegacy) != 2 {
			t.Fatalf("expected one ext attempt then cached legacy, calls %v", srv.calls)
		}
		if got := up.Negotiator().Support(context.Background(), srv, testEndpoint); got != FinalizeLegacyRequired {
			t.Fatalf("expected cached legacy, got %v", got)
		}
	})
}

func TestFinalizeFallsBackAfterDowngrade(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	up := NewUploader()
	req := Request{Path: "/db/d.xml", Content: api.String("<d/>")}
	if err := up.Upload(context.Background(), srv, testEndpoint, req); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := up.Negotiator().Support(context.Background(), srv, testEndpoint); got != FinalizeSupported {
		t.Fatalf("expected advertised ext finalize, got %v", got)
	}

	srv.mu.Lock()
	srv.legacy = true
	srv.mu.Unlock()
	for i := 0; i < 2; i++ {
		if err := up.Upload(context.Background(), srv, testEndpoint, req); err != nil {
			t.Fatalf("upload after downgrade: %v", err)
		}
	}
	if ext, legacy := srv.methodCalls(MethodFinalize), srv.methodCalls(MethodFinalizeLegacy); ext != 2 || legacy != 2 {
		t.Fatalf("expected one failed ext attempt then cached legacy, ext=%d legacy=%d", ext, legacy)
	}
	if got := up.Negotiator().Support(context.Background(), srv, testEndpoint); got != FinalizeLegacyRequired {
		t.Fatalf("endpoint must be re-pinned to legacy, got %v", got)
	}
	if srv.methodCalls(MethodListMethods) != 1 {
		t.Fatalf("probe must not be repeated")
	}
}

func TestDomainFinalizeErrorDoesNotFallBack(t *testing.T) {
	t.Parallel()

	calls := map[string]int{}
	caller := rpc.CallerFunc(func(_ context.Context, method string, _ ...any) (any, error) {
		calls[method]++
		switch method {
		case MethodUpload:
			return "tmp-1", nil
		case MethodFinalize:
			return nil, &rpc.Error{Code: rpc.CodeServerError, Message: "denied", Kind: "permission_denied"}
		default:
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "no")
		}
	})
	err := NewUploader().Upload(context.Background(), caller, testEndpoint, Request{Path: "/db/p.xml", Content: api.String("<p/>")})
	if !errors.Is(err, api.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if calls[MethodFinalizeLegacy] != 0 {
		t.Fatalf("domain failures must not trigger the legacy call")
	}
}

func TestLongAndShortOffsets(t *testing.T) {
	t.Parallel()

	for _, long := range []bool{true, false} {
		srv := newFakeServer()
		srv.longOffset = long
		srv.chunkSize = 100
		data := payload(1050)
		srv.docs["/db/o.xml"] = data
		sp, err := NewDownloader().Download(context.Background(), srv, Source{Path: "/db/o.xml"}, nil, nil)
		if err != nil {
			t.Fatalf("long=%v: %v", long, err)
		}
		got, _ := sp.Bytes()
		if !bytes.Equal(got, data) {
			t.Fatalf("long=%v: content mismatch", long)
		}
		ext, short := srv.methodCalls("getNextExtendedChunk"), srv.methodCalls("getNextChunk")
		if long && (ext != 10 || short != 0) {
			t.Fatalf("expected 10 extended continuations, got ext=%d short=%d", ext, short)
		}
		if !long && (short != 10 || ext != 0) {
			t.Fatalf("expected 10 32-bit continuations, got ext=%d short=%d", ext, short)
		}
		_ = sp.Close()
	}
}

func TestContinuationFollowsLatestHandle(t *testing.T) {
	t.Parallel()

	for _, long := range []bool{true, false} {
		srv := newFakeServer()
		srv.rotate = true
		srv.longOffset = long
		srv.chunkSize = 64
		data := payload(700)
		srv.docs["/db/r.xml"] = data
		sp, err := NewDownloader().Download(context.Background(), srv, Source{Path: "/db/r.xml"}, nil, nil)
		if err != nil {
			t.Fatalf("long=%v: %v", long, err)
		}
		got, _ := sp.Bytes()
		if !bytes.Equal(got, data) {
			t.Fatalf("long=%v: content mismatch", long)
		}
		_ = sp.Close()
	}
}

func TestDownloadSpillsPastBufferSize(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	data := payload(5000)
	srv.docs["/db/big.xml"] = data
	props := api.Properties{api.PropInMemoryBufferSize: "1024", api.PropCompressOutput: "yes"}
	sp, err := NewDownloader().Download(context.Background(), srv, Source{Path: "/db/big.xml"}, props, nil)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer sp.Close()
	if !sp.Spilled() {
		t.Fatalf("expected spool to spill to disk")
	}
	got, _ := sp.Bytes()
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch after spill")
	}
}

func TestDownloadErrors(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	_, err := NewDownloader().Download(context.Background(), srv, Source{Path: "/db/missing.xml"}, nil, nil)
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected not found from server kind, got %v", err)
	}

	broken := rpc.CallerFunc(func(_ context.Context, method string, _ ...any) (any, error) {
		if method == "getDocumentData" {
			return map[string]any{"data": []byte("abc"), "offset": int64(3), "handle": "h", "supports-long-offset": true}, nil
		}
		return nil, errors.New("connection reset")
	})
	var sink bytes.Buffer
	_, err = NewDownloader().Download(context.Background(), broken, Source{Path: "/db/x.xml"}, nil, &sink)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Code != api.CodeVendorError || apiErr.Path != "/db/x.xml" {
		t.Fatalf("expected vendor error naming the path, got %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	srv.docs["/db/a.xml"] = []byte("<a/>")
	sess, err := Open(context.Background(), srv, Source{Path: "/db/a.xml"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sess.Next(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestFinalizeParams(t *testing.T) {
	t.Parallel()

	got := map[string][]any{}
	caller := rpc.CallerFunc(func(_ context.Context, method string, params ...any) (any, error) {
		got[method] = params
		if method == MethodFinalize {
			return nil, rpc.Errorf(rpc.CodeMethodNotFound, "no")
		}
		if method == MethodListMethods {
			return nil, errors.New("introspection disabled")
		}
		return true, nil
	})
	req := FinalizeRequest{FileName: "tmp", Path: "/db/x.bin", MimeType: "application/octet-stream", IsXML: false, Created: time.Unix(1, 0)}
	mode, err := NewNegotiator(nil).Finalize(context.Background(), caller, testEndpoint, req)
	if err != nil || mode != FinalizeLegacyRequired {
		t.Fatalf("finalize: mode=%v err=%v", mode, err)
	}
	if ext := got[MethodFinalize]; len(ext) != 7 || ext[4] != false {
		t.Fatalf("unexpected parseLocalExt params %v", ext)
	}
	if legacy := got[MethodFinalizeLegacy]; len(legacy) != 4 || legacy[2] != true {
		t.Fatalf("unexpected parseLocal params %v", legacy)
	}
}
