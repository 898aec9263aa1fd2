package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/xmldb"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage xmldb configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
	)
	defaultOutput := "$HOME/.xmldb/" + xmldb.DefaultConfigFileName
	if dir, err := xmldb.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, xmldb.DefaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default xmldb configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := xmldb.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, xmldb.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file back unchanged.
type configDefaults struct {
	Listen                 string `yaml:"listen"`
	RPCPath                string `yaml:"rpc-path"`
	AdminPassword          string `yaml:"admin-password"`
	LockTimeout            string `yaml:"lock-timeout"`
	JoinTransactions       bool   `yaml:"join-transactions"`
	ChunkSize              string `yaml:"chunk-size"`
	DisableLongOffsets     bool   `yaml:"disable-long-offsets"`
	LegacyFinalize         bool   `yaml:"legacy-finalize"`
	HandleTTL              string `yaml:"handle-ttl"`
	ShutdownTimeout        string `yaml:"shutdown-timeout"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	LogLevel               string `yaml:"log-level"`
	Client                 struct {
		URI         string `yaml:"uri"`
		User        string `yaml:"user"`
		Timeout     string `yaml:"timeout"`
		InlineLimit string `yaml:"inline-limit"`
		MaxChunk    string `yaml:"max-chunk"`
		Buffer      string `yaml:"buffer"`
		DisableGzip bool   `yaml:"disable-gzip"`
	} `yaml:"client"`
}

func defaultConfigYAML() ([]byte, error) {
	d := configDefaults{
		Listen:          xmldb.DefaultListen,
		RPCPath:         xmldb.DefaultRPCPath,
		LockTimeout:     xmldb.DefaultLockTimeout.String(),
		ChunkSize:       humanizeBytes(xmldb.DefaultChunkSize),
		HandleTTL:       xmldb.DefaultHandleTTL.String(),
		ShutdownTimeout: xmldb.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	d.Client.URI = defaultClientURI
	d.Client.User = "admin"
	d.Client.Timeout = xmldb.DefaultRequestTimeout.String()
	d.Client.InlineLimit = humanizeBytes(xmldb.DefaultInlineLimit)
	d.Client.MaxChunk = humanizeBytes(xmldb.DefaultMaxUploadChunk)
	d.Client.Buffer = humanizeBytes(xmldb.DefaultBufferSize)
	data, err := yaml.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
