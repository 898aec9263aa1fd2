package xmldb

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateFillsDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LockTimeout != DefaultLockTimeout {
		t.Fatalf("lock timeout = %s", cfg.LockTimeout)
	}
	if cfg.InlineLimit != DefaultInlineLimit || cfg.MaxUploadChunk != DefaultMaxUploadChunk {
		t.Fatalf("transfer defaults = %d/%d", cfg.InlineLimit, cfg.MaxUploadChunk)
	}
	if cfg.BufferSize != DefaultBufferSize || cfg.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("client defaults = %d/%s", cfg.BufferSize, cfg.RequestTimeout)
	}
	if cfg.Listen != DefaultListen || cfg.RPCPath != DefaultRPCPath {
		t.Fatalf("server defaults = %q %q", cfg.Listen, cfg.RPCPath)
	}
	if cfg.ChunkSize != DefaultChunkSize || cfg.HandleTTL != DefaultHandleTTL || cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("server tunables = %d %s %s", cfg.ChunkSize, cfg.HandleTTL, cfg.ShutdownTimeout)
	}
}

func TestConfigValidateIsIdempotent(t *testing.T) {
	t.Parallel()
	cfg := Config{InlineLimit: -1, LockTimeout: time.Second}
	for i := 0; i < 2; i++ {
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate #%d: %v", i, err)
		}
	}
	if cfg.InlineLimit != -1 || cfg.LockTimeout != time.Second {
		t.Fatalf("explicit values changed: %+v", cfg)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]Config{
		"lock timeout":      {LockTimeout: -time.Second},
		"max upload chunk":  {MaxUploadChunk: -1},
		"at least":          {MaxUploadChunk: 16},
		"buffer size":       {BufferSize: -1},
		"request timeout":   {RequestTimeout: -time.Second},
		"must start with /": {RPCPath: "exist/xmlrpc"},
		"chunk size":        {ChunkSize: -1},
		"handle ttl":        {HandleTTL: -time.Second},
		"metrics-listen":    {EnableProfilingMetrics: true},
	}
	for want, cfg := range cases {
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: got %v", want, err)
		}
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XMLDB_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	want, _ := filepath.Abs(dir)
	if got != want {
		t.Fatalf("config dir = %q want %q", got, want)
	}
}
