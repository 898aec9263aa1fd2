// Package spool buffers downloaded payloads in memory up to a threshold and
// spills the remainder to a temporary file.
package spool

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// DefaultThreshold is the in-memory budget used when callers pass a negative
// threshold.
const DefaultThreshold = 4 << 20

// Spool is an io.Writer whose content can be re-read any number of times. It
// is not safe for concurrent writes.
type Spool struct {
	mu        sync.Mutex
	threshold int64
	buf       []byte
	file      *os.File
	size      int64
	closed    bool
	pooled    bool
}

var bufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, DefaultThreshold)
	},
}

// New returns a spool that keeps up to threshold bytes in memory. A zero
// threshold spills on the first write.
func New(threshold int64) *Spool {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	s := &Spool{threshold: threshold}
	if threshold == DefaultThreshold {
		if buf, ok := bufferPool.Get().([]byte); ok {
			s.buf = buf[:0]
			s.pooled = true
		}
	}
	return s
}

// Write appends data, spilling to a temp file once the threshold is crossed.
func (s *Spool) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	if s.file != nil {
		n, err := s.file.Write(data)
		s.size += int64(n)
		return n, err
	}
	if int64(len(s.buf))+int64(len(data)) <= s.threshold {
		s.buf = append(s.buf, data...)
		s.size += int64(len(data))
		return len(data), nil
	}
	f, err := os.CreateTemp("", "xmldb-spool-")
	if err != nil {
		return 0, err
	}
	if len(s.buf) > 0 {
		if _, err := f.Write(s.buf); err != nil {
			f.Close()
			_ = os.Remove(f.Name())
			return 0, err
		}
	}
	s.releaseBuffer()
	n, err := f.Write(data)
	if err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return n, err
	}
	s.file = f
	s.size += int64(n)
	return n, nil
}

// Reader rewinds and returns a reader over everything written so far. Each
// call invalidates readers returned earlier for spilled spools.
func (s *Spool) Reader() (io.ReadSeeker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, os.ErrClosed
	}
	if s.file != nil {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return &fileReader{f: s.file, size: s.size}, nil
	}
	return bytes.NewReader(s.buf), nil
}

// Bytes loads the full content.
func (s *Spool) Bytes() ([]byte, error) {
	r, err := s.Reader()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Size returns the number of bytes written.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Spilled reports whether content moved to a temp file.
func (s *Spool) Spilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}

// Close removes the spill file and drops the buffer. Closing twice is a
// no-op.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		name := s.file.Name()
		err := s.file.Close()
		_ = os.Remove(name)
		s.file = nil
		return err
	}
	s.releaseBuffer()
	return nil
}

func (s *Spool) releaseBuffer() {
	if s.pooled && s.buf != nil {
		bufferPool.Put(s.buf[:0]) //nolint:staticcheck // pooled slice value
		s.pooled = false
	}
	s.buf = nil
}

// fileReader bounds reads to the bytes written before Reader was called.
type fileReader struct {
	f    *os.File
	size int64
	pos  int64
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if rem := r.size - r.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := r.f.ReadAt(p, r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (r *fileReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.pos + offset
	case io.SeekEnd:
		next = r.size + offset
	default:
		return r.pos, os.ErrInvalid
	}
	if next < 0 {
		return r.pos, os.ErrInvalid
	}
	r.pos = next
	return next, nil
}
