package xmldb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xmldb/internal/rpcserver"
	"pkt.systems/xmldb/internal/svcfields"
	"pkt.systems/xmldb/internal/telemetry"
)

// Server exposes a Database's local engine over HTTP.
type Server struct {
	cfg       Config
	db        *Database
	rpc       *rpcserver.Server
	httpSrv   *http.Server
	listener  net.Listener
	telemetry *telemetry.Bundle
	logger    pslog.Logger

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// NewServer builds a server around db. Telemetry named in the database
// config is installed here and torn down by Shutdown.
func NewServer(ctx context.Context, db *Database) (*Server, error) {
	cfg := db.Config()
	logger := svcfields.WithSubsystem(db.logger, "server.lifecycle")
	bundle, err := telemetry.Setup(ctx, telemetry.Options{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, db.logger)
	if err != nil {
		return nil, err
	}
	rpcSrv := db.NewServer()
	mux := http.NewServeMux()
	mux.Handle(cfg.RPCPath, rpcSrv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &Server{
		cfg:       cfg,
		db:        db,
		rpc:       rpcSrv,
		telemetry: bundle,
		logger:    logger,
		readyCh:   make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// RPC returns the dispatching RPC server.
func (s *Server) RPC() *rpcserver.Server { return s.rpc }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("listening", "address", ln.Addr().String(), "rpc_path", s.cfg.RPCPath)
	s.startSweeper()
	defer s.stopSweeper()

	err = s.httpSrv.Serve(ln)
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Endpoint returns the RPC endpoint URL once listening.
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	addr := s.listener.Addr().String()
	if strings.HasPrefix(addr, "[::]:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "[::]:")
	}
	return "http://" + addr + s.cfg.RPCPath
}

// LastServeError returns the error Start's serve loop ended with.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// Shutdown stops serving, drops transfer handles and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopSweeper()
	if err := s.rpc.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		tctx := ctx
		if tctx.Err() != nil {
			var cancel context.CancelFunc
			tctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(tctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

// sweepInterval is how often idle transfer handles are reaped.
func (s *Server) sweepInterval() time.Duration {
	interval := s.cfg.HandleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.sweeperStop = stop
	s.sweeperDone.Add(1)
	s.mu.Unlock()
	ticker := time.NewTicker(s.sweepInterval())
	go func() {
		defer s.sweeperDone.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := s.rpc.Sweep(); n > 0 {
					s.logger.Debug("server.sweeper.expired", "handles", n)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stop := s.sweeperStop
	s.sweeperStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		s.sweeperDone.Wait()
	}
}

// StartServer builds a server around db, starts it and waits for the
// listener. The returned stop function shuts it down and is safe to call
// more than once; cancelling ctx also stops it.
func StartServer(ctx context.Context, db *Database) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), db.Config().ShutdownTimeout)
		defer cancel()
		_ = stop(shutdownCtx)
	}()
	return srv, stop, nil
}
