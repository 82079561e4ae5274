package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd(newApp(os.Stdout, os.Stderr)).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every command needs
type app struct {
	v       *viper.Viper
	cfgFile string
	out     io.Writer
	errOut  io.Writer
	logger  *slog.Logger
	// extra client options, used by tests to swap the dialer
	options []relay.ClientOption
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		v:      viper.New(),
		out:    out,
		errOut: errOut,
		logger: slog.Default(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish to and listen on per-recipient RabbitMQ queues",
		Long: `relay routes events to per-recipient durable queues on RabbitMQ.

Every recipient id maps to one queue. Events are copied into the queue of
each recipient they are addressed to, and schedule events reach every
subscriber bound to the publishing provider.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger = newLogger(a.errOut, a.v.GetString("log-format"), a.v.GetBool("debug"))
			if a.cfgFile != "" {
				a.v.SetConfigFile(a.cfgFile)
			}
			return nil
		},
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringP(config.KeyURL, "u", config.Default().URL, "RabbitMQ connection URL")
	flags.String(config.KeyExchange, config.Default().Exchange, "direct exchange recipient queues bind to")
	flags.String(config.KeyQueuePrefix, config.Default().QueuePrefix, "prefix turning a recipient id into a queue name")
	flags.String("log-format", "text", "log output format: text or json")
	flags.Bool("debug", false, "enable debug logging")

	for _, name := range []string{config.KeyURL, config.KeyExchange, config.KeyQueuePrefix, "log-format", "debug"} {
		ensure(a.v.BindPFlag(name, flags.Lookup(name)))
	}

	rootCmd.AddCommand(
		newPublishCmd(a),
		newPublishScheduleCmd(a),
		newListenCmd(a),
		newBindCmd(a),
		newUnbindCmd(a),
		newRemoveQueueCmd(a),
		newRemoveExchangeCmd(a),
		newStatusCmd(a),
	)

	return rootCmd
}

// loadConfig resolves flags, environment and config file into settings
func (a *app) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.v)
	if err != nil {
		return config.Config{}, err
	}
	a.logger.Debug("configuration loaded", "config", cfg.String())
	return cfg, nil
}

// newClient builds an uninitialized client from the resolved settings
func (a *app) newClient(cfg config.Config, extra ...relay.ClientOption) *relay.Client {
	options := append(cfg.ClientOptions(), relay.WithLogger(a.logger))
	options = append(options, a.options...)
	options = append(options, extra...)
	return relay.New(options...)
}

// connect builds a client and initializes it once
func (a *app) connect(ctx context.Context) (*relay.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	client := a.newClient(cfg)
	if err := client.Initialize(ctx, cfg.URL); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, nil
}

// withClient runs fn against a connected client and shuts it down afterwards
func (a *app) withClient(ctx context.Context, fn func(*relay.Client) error) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Shutdown(context.WithoutCancel(ctx))
	return fn(client)
}

func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
