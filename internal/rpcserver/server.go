// Package rpcserver serves a local database over the rpc binding so remote
// mode has a counterpart: it implements the server half of every method the
// remote facade and the transfer protocol call.
package rpcserver

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client/local"
	"pkt.systems/xmldb/internal/access"
	"pkt.systems/xmldb/internal/correlation"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/spool"
	"pkt.systems/xmldb/internal/svcfields"
)

// DefaultChunkSize is the download chunk length.
const DefaultChunkSize = 512 << 10

// DefaultHandleTTL bounds how long an idle download or upload handle lives.
const DefaultHandleTTL = 10 * time.Minute

type method func(ctx context.Context, call *request) (any, error)

// Server dispatches rpc calls to per-user local collections.
type Server struct {
	pool        access.BrokerPool
	logger      pslog.Logger
	chunkSize   int
	longOffsets bool
	legacy      bool
	handleTTL   time.Duration
	now         func() time.Time

	mu      sync.Mutex
	execs   map[string]*access.Executor
	chunks  map[string]*download
	uploads map[string]*upload
	results map[string]*queryResult

	methods map[string]method
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		s.logger = svcfields.Ensure(logger)
	}
}

// WithChunkSize sets the download chunk length.
func WithChunkSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithLongOffsets controls whether chunks advertise 64-bit string offsets.
// Disabled, clients must continue with 32-bit getNextChunk.
func WithLongOffsets(enabled bool) Option {
	return func(s *Server) {
		s.longOffsets = enabled
	}
}

// WithLegacyFinalize drops parseLocalExt, emulating servers that only know
// parseLocal.
func WithLegacyFinalize(enabled bool) Option {
	return func(s *Server) {
		s.legacy = enabled
	}
}

// WithHandleTTL sets the idle expiry of download and upload handles.
func WithHandleTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handleTTL = d
		}
	}
}

// WithClock overrides the time source used for handle expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a server backed by pool.
func New(pool access.BrokerPool, opts ...Option) *Server {
	s := &Server{
		pool:        pool,
		logger:      pslog.NoopLogger(),
		chunkSize:   DefaultChunkSize,
		longOffsets: true,
		handleTTL:   DefaultHandleTTL,
		now:         time.Now,
		execs:       make(map[string]*access.Executor),
		chunks:      make(map[string]*download),
		uploads:     make(map[string]*upload),
		results:     make(map[string]*queryResult),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = svcfields.WithSubsystem(s.logger, "rpc.server.dispatch")
	s.methods = s.methodTable()
	return s
}

// Handler returns the HTTP endpoint, authenticating every request against
// the broker pool.
func (s *Server) Handler() http.Handler {
	h := rpc.NewHandler(s, s.authenticate, s.logger)
	return otelhttp.NewHandler(h, "xmldb.rpc", otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (s *Server) authenticate(user, password string) bool {
	if err := s.pool.Authenticate(user, password); err != nil {
		s.logger.Debug("rpc.server.auth.denied", svcfields.UserKey, user)
		return false
	}
	return true
}

// Methods lists the served method names, sorted.
func (s *Server) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for name := range s.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch implements rpc.Dispatcher.
func (s *Server) Dispatch(ctx context.Context, user, name string, params []any) (any, error) {
	fn, ok := s.methods[name]
	if !ok {
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %s not found", name)
	}
	s.Sweep()
	begin := time.Now()
	res, err := fn(ctx, &request{server: s, user: user, method: name, params: params})
	if err != nil {
		s.logger.Debug("rpc.server.call.error", svcfields.MethodKey, name, svcfields.UserKey, user, correlation.LogKey, correlation.ID(ctx), "error", err)
		return nil, err
	}
	s.logger.Trace("rpc.server.call", svcfields.MethodKey, name, svcfields.UserKey, user, correlation.LogKey, correlation.ID(ctx), "elapsed", time.Since(begin))
	return res, nil
}

func (s *Server) executor(user string) *access.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[user]
	if !ok {
		exec = access.NewExecutor(s.pool, user, access.WithLogger(s.logger))
		s.execs[user] = exec
	}
	return exec
}

// Close drops every open handle and temp upload.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, up := range s.uploads {
		_ = up.buf.Close()
		delete(s.uploads, id)
	}
	clear(s.chunks)
	clear(s.results)
	return nil
}

// Sweep drops download and upload handles idle for longer than the TTL
// and returns how many went.
func (s *Server) Sweep() int {
	cutoff := s.now().Add(-s.handleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, d := range s.chunks {
		if d.touched.Before(cutoff) {
			delete(s.chunks, id)
			dropped++
		}
	}
	for id, up := range s.uploads {
		if up.touched.Before(cutoff) {
			_ = up.buf.Close()
			delete(s.uploads, id)
			dropped++
		}
	}
	return dropped
}

// request is one decoded call.
type request struct {
	server *Server
	user   string
	method string
	params []any
}

func (r *request) invalid(format string, args ...any) error {
	return rpc.Errorf(rpc.CodeInvalidParams, r.method+": "+format, args...)
}

func (r *request) need(n int) error {
	if len(r.params) < n {
		return r.invalid("expected at least %d parameters, got %d", n, len(r.params))
	}
	return nil
}

func (r *request) str(i int) (string, error) {
	if err := r.need(i + 1); err != nil {
		return "", err
	}
	v, err := rpc.AsString(r.params[i])
	if err != nil {
		return "", r.invalid("parameter %d: %v", i, err)
	}
	return v, nil
}

func (r *request) int64(i int) (int64, error) {
	if err := r.need(i + 1); err != nil {
		return 0, err
	}
	v, err := rpc.AsInt64(r.params[i])
	if err != nil {
		return 0, r.invalid("parameter %d: %v", i, err)
	}
	return v, nil
}

func (r *request) bool(i int) (bool, error) {
	if err := r.need(i + 1); err != nil {
		return false, err
	}
	v, err := rpc.AsBool(r.params[i])
	if err != nil {
		return false, r.invalid("parameter %d: %v", i, err)
	}
	return v, nil
}

func (r *request) bytes(i int) ([]byte, error) {
	if err := r.need(i + 1); err != nil {
		return nil, err
	}
	v, err := rpc.AsBytes(r.params[i])
	if err != nil {
		return nil, r.invalid("parameter %d: %v", i, err)
	}
	return v, nil
}

// optTime reads an optional timestamp; absent or null is the zero time.
func (r *request) optTime(i int) (time.Time, error) {
	if len(r.params) <= i {
		return time.Time{}, nil
	}
	v, err := rpc.AsTime(r.params[i])
	if err != nil {
		return time.Time{}, r.invalid("parameter %d: %v", i, err)
	}
	return v, nil
}

func (r *request) props(i int) (api.Properties, error) {
	if len(r.params) <= i {
		return api.Properties{}, nil
	}
	v, err := rpc.AsStringMap(r.params[i])
	if err != nil {
		return nil, r.invalid("parameter %d: %v", i, err)
	}
	return api.Properties(v), nil
}

// path reads a cleaned absolute path.
func (r *request) path(i int) (string, error) {
	raw, err := r.str(i)
	if err != nil {
		return "", err
	}
	return api.CleanPath(raw)
}

func (r *request) exec() *access.Executor {
	return r.server.executor(r.user)
}

// collection opens the collection at path for the calling user.
func (r *request) collection(ctx context.Context, path string) (*local.Collection, error) {
	return local.Open(ctx, r.exec(), path, local.WithLogger(r.server.logger))
}

// parent opens the collection holding the resource at path.
func (r *request) parent(ctx context.Context, path string) (*local.Collection, string, error) {
	dir, name := api.Split(path)
	if err := api.ValidName(name); err != nil {
		return nil, "", err
	}
	col, err := r.collection(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	return col, name, nil
}

var _ rpc.Dispatcher = (*Server)(nil)

// spoolThreshold keeps small uploads in memory.
const spoolThreshold = 1 << 20

func newUploadBuffer() *spool.Spool {
	return spool.New(spoolThreshold)
}
