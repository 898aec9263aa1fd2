package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xmldb"
	"pkt.systems/xmldb/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("XMLDB_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "xmldb")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func parseBytes(key string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := xmldb.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, xmldb.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xmldb",
		Short:         "xmldb serves an embedded XML database over JSON-RPC and talks to remote ones",
		SilenceErrors: true,
		Example: `
  # Serve the embedded engine on :8080/exist/xmlrpc
  XMLDB_ADMIN_PASSWORD=secret xmldb

  # Store and read back a document on a running server
  xmldb client put orders/o1.xml --file o1.xml
  xmldb client get orders/o1.xml

  # Query the whole database
  xmldb client query '//order[@status="open"]'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), baseLogger)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.xmldb/"+xmldb.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	flags := cmd.Flags()
	flags.String("listen", xmldb.DefaultListen, "listen address")
	flags.String("rpc-path", xmldb.DefaultRPCPath, "HTTP path of the RPC endpoint")
	flags.String("admin-password", "", "password of the built-in admin account")
	flags.StringSlice("user", nil, "extra account as name:password[:group,...] (repeatable)")
	flags.Duration("lock-timeout", xmldb.DefaultLockTimeout, "maximum wait for a collection or document lock")
	flags.Bool("join-transactions", false, "let nested local operations join the caller's transaction")
	flags.String("chunk-size", humanizeBytes(xmldb.DefaultChunkSize), "download chunk length served to clients")
	flags.Bool("disable-long-offsets", false, "answer download chunks with 32-bit offsets")
	flags.Bool("legacy-finalize", false, "withhold parseLocalExt so clients finalize uploads the legacy way")
	flags.Duration("handle-ttl", xmldb.DefaultHandleTTL, "idle expiry of server-side transfer handles")
	flags.Duration("shutdown-timeout", xmldb.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("metrics-listen", "", "Prometheus scrape endpoint address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("XMLDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config", "log-level",
		"listen", "rpc-path", "admin-password", "user", "lock-timeout", "join-transactions",
		"chunk-size", "disable-long-offsets", "legacy-finalize", "handle-ttl", "shutdown-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runServe(ctx context.Context, baseLogger pslog.Logger) error {
	logger := baseLogger
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	configFile, err := loadConfigFile()
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("loaded config file", "path", configFile)
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
		cliLogger = svcfields.WithSubsystem(logger, "cli.root")
	}
	var cfg xmldb.Config
	if err := bindConfig(&cfg); err != nil {
		return err
	}
	db, err := xmldb.New(cfg, xmldb.WithLogger(logger))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := addUsers(db, viper.GetStringSlice("user")); err != nil {
		return err
	}
	cliLogger.Info("welcome to xmldb", "pid", os.Getpid(), "listen", db.Config().Listen)

	server, err := xmldb.NewServer(ctx, db)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), db.Config().ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("shutdown failed", "error", err)
		}
	}()
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func bindConfig(cfg *xmldb.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.RPCPath = viper.GetString("rpc-path")
	cfg.AdminPassword = viper.GetString("admin-password")
	cfg.LockTimeout = viper.GetDuration("lock-timeout")
	cfg.JoinTransactions = viper.GetBool("join-transactions")
	chunk, err := parseBytes("chunk-size")
	if err != nil {
		return err
	}
	cfg.ChunkSize = int(chunk)
	cfg.DisableLongOffsets = viper.GetBool("disable-long-offsets")
	cfg.LegacyFinalize = viper.GetBool("legacy-finalize")
	cfg.HandleTTL = viper.GetDuration("handle-ttl")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return cfg.Validate()
}

// addUsers registers name:password[:group,...] accounts on the embedded
// engine.
func addUsers(db *xmldb.Database, specs []string) error {
	engine := db.Engine()
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return fmt.Errorf("--user %q: want name:password[:group,...]", spec)
		}
		var groups []string
		if len(parts) == 3 && parts[2] != "" {
			groups = strings.Split(parts[2], ",")
		}
		if err := engine.AddUser(parts[0], parts[1], groups...); err != nil {
			return fmt.Errorf("--user %q: %w", spec, err)
		}
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
