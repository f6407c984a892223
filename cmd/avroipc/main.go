package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/srand/avroipc"
	"github.com/srand/avroipc/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every subcommand. Flags given on the command line
// win over the config file.
type globalFlags struct {
	configPath       string
	host             string
	port             int
	connectTimeout   time.Duration
	callTimeout      time.Duration
	handshakeRetries int
	logLevel         string
}

func main() {
	logging.ConfigureRuntime()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "avroipc",
		Short: "Talk to an Avro IPC server",
		Long: `avroipc connects to an Avro IPC server over TCP, negotiates its
protocol and calls its methods.

Examples:
  avroipc handshake --host 127.0.0.1 --port 36000
  avroipc call add 2 3
  avroipc call move id='"a"' x=1 y=2
  avroipc --config client.toml call get_state`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "TOML config file")
	pf.StringVar(&flags.host, "host", "", "server host")
	pf.IntVarP(&flags.port, "port", "p", 0, "server port")
	pf.DurationVar(&flags.connectTimeout, "connect-timeout", 0, "dial timeout")
	pf.DurationVar(&flags.callTimeout, "call-timeout", 0, "bound on each handshake and call (0 waits forever)")
	pf.IntVar(&flags.handshakeRetries, "handshake-retries", 0, "retries after a NONE handshake")
	pf.StringVar(&flags.logLevel, "log-level", "", "trace, debug, info, warn, error or off")

	rootCmd.AddCommand(
		handshakeCmd(flags),
		callCmd(flags),
		versionCmd(),
	)
	return rootCmd
}

// resolve merges defaults, the config file and explicit flags.
func (f *globalFlags) resolve(cmd *cobra.Command) (config, error) {
	cfg := defaultConfig()

	if f.configPath != "" {
		var err error
		if cfg, err = loadConfig(f.configPath, cfg); err != nil {
			return config{}, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.Host = f.host
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if changed("call-timeout") {
		cfg.CallTimeout = f.callTimeout
	}
	if changed("handshake-retries") {
		cfg.HandshakeRetries = f.handshakeRetries
	}
	if changed("log-level") {
		lvl, ok := logging.ParseLevel(f.logLevel)
		if !ok {
			return config{}, fmt.Errorf("unknown log level %q", f.logLevel)
		}
		cfg.LogLevel = lvl
		cfg.SetLogLevel = true
	}

	if cfg.SetLogLevel {
		zerolog.SetGlobalLevel(cfg.LogLevel)
	}
	return cfg, nil
}

// connect dials and negotiates, leaving a connection ready for calls.
func (f *globalFlags) connect(cmd *cobra.Command) (*avroipc.Conn, error) {
	cfg, err := f.resolve(cmd)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := avroipc.Dial(ctx, cfg.Host, cfg.Port, cfg.options()...)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Debug().Str("addr", conn.Address()).Msg("connected")
	return conn, nil
}
