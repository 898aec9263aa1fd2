package transfer

import (
	"pkt.systems/pslog"

	"pkt.systems/xmldb/internal/spool"
	"pkt.systems/xmldb/internal/svcfields"
)

// Protocol limits.
const (
	// DefaultMaxChunk is the upload chunk ceiling.
	DefaultMaxChunk = 10 << 20
	// CompressThreshold is the smallest chunk sent through uploadCompressed.
	CompressThreshold = 256
	// DefaultBufferSize is the in-memory spool budget when the collection
	// properties carry no in-memory-buffer-size.
	DefaultBufferSize = spool.DefaultThreshold

	scratchSize = 64 << 10
)

type settings struct {
	logger     pslog.Logger
	maxChunk   int
	bufferSize int64
	negotiator *Negotiator
}

// Option customises a Downloader or Uploader.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *settings) {
		s.logger = svcfields.Ensure(logger)
	}
}

// WithMaxChunk overrides the upload chunk ceiling. Non-positive values keep
// the default.
func WithMaxChunk(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxChunk = n
		}
	}
}

// WithBufferSize sets the default in-memory spool budget for downloads.
func WithBufferSize(n int64) Option {
	return func(s *settings) {
		if n >= 0 {
			s.bufferSize = n
		}
	}
}

// WithNegotiator shares a finalize negotiator between uploaders.
func WithNegotiator(n *Negotiator) Option {
	return func(s *settings) {
		if n != nil {
			s.negotiator = n
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{
		logger:     pslog.NoopLogger(),
		maxChunk:   DefaultMaxChunk,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}
