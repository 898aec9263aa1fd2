package xmldb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/xmldb/client/remote"
	"pkt.systems/xmldb/internal/rpc"
	"pkt.systems/xmldb/internal/rpcserver"
	"pkt.systems/xmldb/internal/transfer"
)

const (
	// DefaultLockTimeout bounds how long the embedded engine waits for a
	// collection or document lock.
	DefaultLockTimeout = 30 * time.Second
	// DefaultInlineLimit is the largest in-memory payload stored with a
	// single call instead of a chunked upload.
	DefaultInlineLimit = remote.DefaultInlineLimit
	// DefaultMaxUploadChunk caps one upload chunk.
	DefaultMaxUploadChunk = transfer.DefaultMaxChunk
	// DefaultBufferSize is the in-memory budget of a download before it
	// spills to a temp file.
	DefaultBufferSize = transfer.DefaultBufferSize
	// DefaultRequestTimeout bounds one RPC round trip.
	DefaultRequestTimeout = rpc.DefaultTimeout
	// DefaultListen is the address the server binds to.
	DefaultListen = ":8080"
	// DefaultRPCPath is the HTTP path of the RPC endpoint.
	DefaultRPCPath = "/exist/xmlrpc"
	// DefaultChunkSize is the download chunk length served by `xmldb serve`.
	DefaultChunkSize = rpcserver.DefaultChunkSize
	// DefaultHandleTTL is the idle expiry of server-side transfer handles.
	DefaultHandleTTL = rpcserver.DefaultHandleTTL
	// DefaultShutdownTimeout caps graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables of a Database and of the server wrapped
// around it.
type Config struct {
	// AdminPassword is the password of the built-in admin account of the
	// embedded engine. Empty allows admin without a password.
	AdminPassword string
	// LockTimeout bounds lock waits in the embedded engine.
	LockTimeout time.Duration
	// JoinTransactions lets nested local operations join the transaction
	// carried on the context instead of beginning their own.
	JoinTransactions bool

	// InlineLimit is the remote inline store threshold; zero uses the
	// default, negative forces chunked uploads.
	InlineLimit int
	// MaxUploadChunk caps one remote upload chunk.
	MaxUploadChunk int
	// BufferSize is the in-memory download budget before spilling to disk.
	BufferSize int64
	// RequestTimeout bounds one RPC round trip.
	RequestTimeout time.Duration
	// DisableGzip turns off request/response compression on RPC clients.
	DisableGzip bool

	// Listen is the serve bind address.
	Listen string
	// RPCPath is the HTTP path the RPC endpoint is mounted on.
	RPCPath string
	// ChunkSize is the download chunk length served to clients.
	ChunkSize int
	// DisableLongOffsets makes the server answer with 32-bit chunk offsets.
	DisableLongOffsets bool
	// LegacyFinalize withholds parseLocalExt from clients.
	LegacyFinalize bool
	// HandleTTL is the idle expiry of server-side transfer handles.
	HandleTTL time.Duration
	// ShutdownTimeout caps graceful server shutdown.
	ShutdownTimeout time.Duration

	// OTLPEndpoint enables OTLP trace export.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics; empty disables.
	MetricsListen string
	// PprofListen serves pprof; empty disables.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the scrape endpoint.
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.LockTimeout < 0 {
		return fmt.Errorf("config: lock timeout must be >= 0")
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.InlineLimit == 0 {
		c.InlineLimit = DefaultInlineLimit
	}
	if c.MaxUploadChunk < 0 {
		return fmt.Errorf("config: max upload chunk must be >= 0")
	}
	if c.MaxUploadChunk == 0 {
		c.MaxUploadChunk = DefaultMaxUploadChunk
	}
	if c.MaxUploadChunk < transfer.CompressThreshold {
		return fmt.Errorf("config: max upload chunk must be at least %d bytes", transfer.CompressThreshold)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("config: buffer size must be >= 0")
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be >= 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	c.RPCPath = strings.TrimSpace(c.RPCPath)
	if c.RPCPath == "" {
		c.RPCPath = DefaultRPCPath
	}
	if !strings.HasPrefix(c.RPCPath, "/") {
		return fmt.Errorf("config: rpc path %q must start with /", c.RPCPath)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunk size must be >= 0")
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HandleTTL < 0 {
		return fmt.Errorf("config: handle ttl must be >= 0")
	}
	if c.HandleTTL == 0 {
		c.HandleTTL = DefaultHandleTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the configuration directory: $XMLDB_CONFIG_DIR
// when set, else $HOME/.xmldb.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("XMLDB_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".xmldb"), nil
}
