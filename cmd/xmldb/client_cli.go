package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xmldb"
	"pkt.systems/xmldb/api"
	"pkt.systems/xmldb/client"
	"pkt.systems/xmldb/internal/svcfields"
)

const (
	clientURIKey      = "client.uri"
	clientUserKey     = "client.user"
	clientPasswordKey = "client.password"
	clientTimeoutKey  = "client.timeout"
	clientInlineKey   = "client.inline-limit"
	clientChunkKey    = "client.max-chunk"
	clientBufferKey   = "client.buffer"
	clientGzipKey     = "client.disable-gzip"

	defaultClientURI = "xmldb:exist://127.0.0.1:8080" + xmldb.DefaultRPCPath + "/db"
)

type clientCLIConfig struct {
	baseLogger pslog.Logger
	verbose    bool

	db   *xmldb.Database
	base xmldb.URI
	user string
	pass string
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Work with collections and resources of a running xmldb server",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := loadConfigFile()
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			cfg.cleanup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("uri", "u", defaultClientURI, "base collection URI; paths given to subcommands are relative to it")
	flags.String("user", api.DBA, "user name")
	flags.StringP("password", "p", "", "password")
	flags.Duration("timeout", xmldb.DefaultRequestTimeout, "RPC round trip timeout")
	flags.String("inline-limit", humanizeBytes(xmldb.DefaultInlineLimit), "largest payload stored in one call instead of a chunked upload")
	flags.String("max-chunk", humanizeBytes(xmldb.DefaultMaxUploadChunk), "largest upload chunk")
	flags.String("buffer", humanizeBytes(xmldb.DefaultBufferSize), "in-memory download budget before spilling to a temp file")
	flags.Bool("disable-gzip", false, "disable RPC compression")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable trace logging of client calls")

	mustBindFlag(clientURIKey, "XMLDB_CLIENT_URI", flags.Lookup("uri"))
	mustBindFlag(clientUserKey, "XMLDB_CLIENT_USER", flags.Lookup("user"))
	mustBindFlag(clientPasswordKey, "XMLDB_CLIENT_PASSWORD", flags.Lookup("password"))
	mustBindFlag(clientTimeoutKey, "XMLDB_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientInlineKey, "XMLDB_CLIENT_INLINE_LIMIT", flags.Lookup("inline-limit"))
	mustBindFlag(clientChunkKey, "XMLDB_CLIENT_MAX_CHUNK", flags.Lookup("max-chunk"))
	mustBindFlag(clientBufferKey, "XMLDB_CLIENT_BUFFER", flags.Lookup("buffer"))
	mustBindFlag(clientGzipKey, "XMLDB_CLIENT_DISABLE_GZIP", flags.Lookup("disable-gzip"))

	cmd.AddCommand(
		newClientListCommand(cfg),
		newClientGetCommand(cfg),
		newClientPutCommand(cfg),
		newClientRemoveCommand(cfg),
		newClientMkdirCommand(cfg),
		newClientRmdirCommand(cfg),
		newClientChmodCommand(cfg),
		newClientChownCommand(cfg),
		newClientLockCommand(cfg, true),
		newClientLockCommand(cfg, false),
		newClientStatCommand(cfg),
		newClientQueryCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// load builds the database handle once per invocation.
func (c *clientCLIConfig) load() error {
	if c.db != nil {
		return nil
	}
	base, err := xmldb.ParseURI(strings.TrimSpace(viper.GetString(clientURIKey)))
	if err != nil {
		return err
	}
	cfg := xmldb.Config{
		RequestTimeout: viper.GetDuration(clientTimeoutKey),
		DisableGzip:    viper.GetBool(clientGzipKey),
	}
	inline, err := parseBytes(clientInlineKey)
	if err != nil {
		return err
	}
	cfg.InlineLimit = int(inline)
	if inline == 0 && viper.IsSet(clientInlineKey) {
		cfg.InlineLimit = -1
	}
	chunk, err := parseBytes(clientChunkKey)
	if err != nil {
		return err
	}
	cfg.MaxUploadChunk = int(chunk)
	if cfg.BufferSize, err = parseBytes(clientBufferKey); err != nil {
		return err
	}
	logger := pslog.NoopLogger()
	if c.verbose {
		logger = svcfields.WithSubsystem(c.baseLogger, "client.cli").LogLevel(pslog.TraceLevel)
	}
	db, err := xmldb.New(cfg, xmldb.WithLogger(logger))
	if err != nil {
		return err
	}
	c.db = db
	c.base = base
	c.user = viper.GetString(clientUserKey)
	c.pass = viper.GetString(clientPasswordKey)
	return nil
}

func (c *clientCLIConfig) cleanup() {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}
}

// resolve turns a path relative to the base collection into an absolute
// one. Absolute /db paths are taken as given.
func (c *clientCLIConfig) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return c.base.Path, nil
	}
	if strings.HasPrefix(rel, api.RootCollection+"/") || rel == api.RootCollection {
		return api.CleanPath(rel)
	}
	return api.CleanPath(api.Join(c.base.Path, rel))
}

// collection opens the collection at rel.
func (c *clientCLIConfig) collection(ctx context.Context, rel string) (client.Collection, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	p, err := c.resolve(rel)
	if err != nil {
		return nil, err
	}
	u := c.base
	u.Path = p
	return c.db.Collection(ctx, u.String(), c.user, c.pass)
}

// parent opens the collection holding the resource at rel and returns the
// resource name.
func (c *clientCLIConfig) parent(ctx context.Context, rel string) (client.Collection, string, error) {
	if err := c.load(); err != nil {
		return nil, "", err
	}
	p, err := c.resolve(rel)
	if err != nil {
		return nil, "", err
	}
	if p == api.RootCollection {
		return nil, "", api.Errorf(api.CodeInvalidURI, p, "path names the root collection")
	}
	dir, name := api.Split(p)
	col, err := c.collection(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	return col, name, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func stdinIsPipe() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice == 0
}
