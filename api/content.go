package api

import (
	"bytes"
	"io"
	"os"
)

// ContentKind tags the shape held by a Content reference.
type ContentKind int

const (
	// ContentNone is the zero value; it cannot be opened.
	ContentNone ContentKind = iota
	// ContentBytes holds an in-memory byte slice.
	ContentBytes
	// ContentFile names a local file that is read on demand.
	ContentFile
	// ContentStream wraps a caller-provided reader of optional known length.
	ContentStream
	// ContentDownloaded holds content previously fetched into a spool.
	ContentDownloaded
)

func (k ContentKind) String() string {
	switch k {
	case ContentBytes:
		return "bytes"
	case ContentFile:
		return "file"
	case ContentStream:
		return "stream"
	case ContentDownloaded:
		return "downloaded"
	default:
		return "none"
	}
}

// Cached is the read side of a downloaded payload (see internal/spool).
type Cached interface {
	Reader() (io.ReadSeeker, error)
	Size() int64
	Close() error
}

// Content references resource payload without forcing it into memory.
type Content struct {
	kind   ContentKind
	data   []byte
	path   string
	stream io.Reader
	length int64
	cached Cached
}

// Bytes references an in-memory payload.
func Bytes(b []byte) Content {
	return Content{kind: ContentBytes, data: b, length: int64(len(b))}
}

// String references a UTF-8 string payload.
func String(s string) Content {
	return Bytes([]byte(s))
}

// File references a local file path.
func File(path string) Content {
	return Content{kind: ContentFile, path: path, length: -1}
}

// Stream references a reader; length is -1 when unknown. The reader is
// consumed once.
func Stream(r io.Reader, length int64) Content {
	if length < 0 {
		length = -1
	}
	return Content{kind: ContentStream, stream: r, length: length}
}

// Downloaded references a spool filled by a previous download.
func Downloaded(c Cached) Content {
	return Content{kind: ContentDownloaded, cached: c, length: c.Size()}
}

// ContentOf converts a loosely typed value into a Content reference. Unknown
// shapes yield ErrUnsupportedContent.
func ContentOf(v any) (Content, error) {
	switch val := v.(type) {
	case Content:
		return val, nil
	case []byte:
		return Bytes(val), nil
	case string:
		return String(val), nil
	case Cached:
		return Downloaded(val), nil
	case io.Reader:
		return Stream(val, -1), nil
	default:
		return Content{}, Errorf(CodeUnsupportedContent, "", "don't know how to handle value of type %T", v)
	}
}

// Kind returns the tag of c.
func (c Content) Kind() ContentKind { return c.kind }

// IsZero reports whether no content has been set.
func (c Content) IsZero() bool { return c.kind == ContentNone }

// Path returns the file path for ContentFile references.
func (c Content) Path() string { return c.path }

// InMemory returns the byte slice for ContentBytes references.
func (c Content) InMemory() ([]byte, bool) {
	if c.kind != ContentBytes {
		return nil, false
	}
	return c.data, true
}

// Length returns the payload length, stat-ing files on demand. -1 means
// unknown.
func (c Content) Length() (int64, error) {
	switch c.kind {
	case ContentFile:
		info, err := os.Stat(c.path)
		if err != nil {
			return -1, Vendor("content.length", c.path, err)
		}
		return info.Size(), nil
	case ContentNone:
		return -1, Errorf(CodeUnsupportedContent, "", "no content")
	default:
		return c.length, nil
	}
}

// Open converts any content shape into a stream plus its length (-1 when
// unknown). Callers must close the returned reader; closing never closes a
// caller-owned stream or a cached spool.
func (c Content) Open() (io.ReadCloser, int64, error) {
	switch c.kind {
	case ContentBytes:
		return io.NopCloser(bytes.NewReader(c.data)), int64(len(c.data)), nil
	case ContentFile:
		f, err := os.Open(c.path)
		if err != nil {
			return nil, -1, &Error{Code: CodeInvalidResource, Op: "content.open", Path: c.path, Detail: "failed to read resource from file", Err: err}
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, -1, Vendor("content.open", c.path, err)
		}
		return f, info.Size(), nil
	case ContentStream:
		if c.stream == nil {
			return nil, -1, Errorf(CodeUnsupportedContent, "", "nil stream")
		}
		return io.NopCloser(c.stream), c.length, nil
	case ContentDownloaded:
		r, err := c.cached.Reader()
		if err != nil {
			return nil, -1, Vendor("content.open", "", err)
		}
		return io.NopCloser(r), c.cached.Size(), nil
	default:
		return nil, -1, Errorf(CodeUnsupportedContent, "", "content kind %s cannot be opened", c.kind)
	}
}

// ReadAll loads the full payload into memory.
func (c Content) ReadAll() ([]byte, error) {
	if b, ok := c.InMemory(); ok {
		return b, nil
	}
	rc, _, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, Vendor("content.read", c.path, err)
	}
	return data, nil
}

// Release frees a downloaded spool. Other shapes are caller-owned.
func (c Content) Release() error {
	if c.kind == ContentDownloaded && c.cached != nil {
		return c.cached.Close()
	}
	return nil
}
