// Package transfer moves resource content between a remote server and the
// client in bounded chunks: downloads stream chunk by chunk (optionally
// through one zlib stream spanning every chunk) and uploads split content
// into raw or deflated chunks before a single finalize call.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"pkt.systems/xmldb/internal/rpc"
)

// ErrSessionClosed reports use of a session after Close.
var ErrSessionClosed = errors.New("transfer: session closed")

// Source selects where a download starts: a stored document by path, or the
// n-th item of a live query result by handle.
type Source struct {
	Path   string
	Handle string
	Pos    int
}

func (s Source) label() string {
	if s.Handle != "" {
		return fmt.Sprintf("result:%s#%d", s.Handle, s.Pos)
	}
	return s.Path
}

type chunk struct {
	data       []byte
	offset     int64
	handle     string
	longOffset bool
}

func parseChunk(v any) (chunk, error) {
	m, err := rpc.AsMap(v)
	if err != nil {
		return chunk{}, err
	}
	var c chunk
	if c.data, err = rpc.AsBytes(m["data"]); err != nil {
		return chunk{}, fmt.Errorf("chunk data: %w", err)
	}
	if c.offset, err = rpc.AsInt64(m["offset"]); err != nil {
		return chunk{}, fmt.Errorf("chunk offset: %w", err)
	}
	if c.handle, err = rpc.AsString(m["handle"]); err != nil {
		return chunk{}, fmt.Errorf("chunk handle: %w", err)
	}
	if c.longOffset, err = rpc.AsBool(m["supports-long-offset"]); err != nil {
		return chunk{}, fmt.Errorf("chunk supports-long-offset: %w", err)
	}
	return c, nil
}

// Session is the client side of one chunked download. It is owned by a single
// goroutine.
type Session struct {
	caller     rpc.Caller
	source     Source
	handle     string
	offset     int64
	compressed bool
	longOffset bool
	pending    []byte
	chunks     int
	err        error
	closed     bool
}

// Open fetches the first chunk for src.
func Open(ctx context.Context, caller rpc.Caller, src Source, props map[string]string) (*Session, error) {
	if props == nil {
		props = map[string]string{}
	}
	var (
		res any
		err error
	)
	if src.Handle != "" {
		res, err = caller.Call(ctx, "retrieveFirstChunk", src.Handle, src.Pos, props)
	} else {
		res, err = caller.Call(ctx, "getDocumentData", src.Path, props)
	}
	if err != nil {
		return nil, err
	}
	first, err := parseChunk(res)
	if err != nil {
		return nil, err
	}
	return &Session{
		caller:     caller,
		source:     src,
		handle:     first.handle,
		offset:     first.offset,
		compressed: isYes(props["compress-output"]),
		longOffset: first.longOffset,
		pending:    first.data,
		chunks:     1,
	}, nil
}

func isYes(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "yes")
}

// Compressed reports whether chunk payloads form a zlib stream.
func (s *Session) Compressed() bool { return s.compressed }

// LongOffset reports whether the server accepts 64-bit offsets.
func (s *Session) LongOffset() bool { return s.longOffset }

// Chunks returns how many chunks have been fetched so far.
func (s *Session) Chunks() int { return s.chunks }

// Next returns the payload of the next chunk, or io.EOF once the server
// reported offset zero. Each continuation uses the handle of the latest
// reply.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.pending != nil {
		data := s.pending
		s.pending = nil
		return data, nil
	}
	if s.offset == 0 {
		return nil, io.EOF
	}
	var (
		res any
		err error
	)
	if s.longOffset {
		res, err = s.caller.Call(ctx, "getNextExtendedChunk", s.handle, strconv.FormatInt(s.offset, 10))
	} else {
		if s.offset > math.MaxInt32 || s.offset < 0 {
			err = fmt.Errorf("transfer: offset %d does not fit a 32-bit chunk request", s.offset)
		} else {
			res, err = s.caller.Call(ctx, "getNextChunk", s.handle, int32(s.offset))
		}
	}
	if err != nil {
		s.err = err
		return nil, err
	}
	next, err := parseChunk(res)
	if err != nil {
		s.err = err
		return nil, err
	}
	s.offset = next.offset
	if next.handle != "" {
		s.handle = next.handle
	}
	s.chunks++
	return next.data, nil
}

// Close ends the session. Closing twice is a no-op.
func (s *Session) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}

// reader exposes the session payload as one byte stream.
type reader struct {
	ctx context.Context
	s   *Session
	buf []byte
	err error
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.buf, r.err = r.s.Next(r.ctx)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
