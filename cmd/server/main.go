package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/syncrelay/internal/app"
	"github.com/Tyrowin/syncrelay/internal/logging"
	"github.com/Tyrowin/syncrelay/internal/server"
	"github.com/Tyrowin/syncrelay/internal/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "syncrelay",
		Short: "syncrelay - WebSocket broadcast relay",
		Long: `syncrelay accepts WebSocket connections on /ws and rebroadcasts every
"message" event as "client::listen::updates" and every "subscribe" event as
"joined" to all other connections. Relay processes sharing a fan-out channel
(PostgreSQL LISTEN/NOTIFY by default) deliver each other's broadcasts.

Configuration is read from the environment (HOST, PORT, SH_CONNECTION_STRING,
...), optionally seeded from a dotenv file. SIGINT or SIGTERM drains the relay.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), envFile, cmd.ErrOrStderr())
		},
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment; ignored when missing")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "syncrelay "+version.String())
		},
	}
}

// run loads configuration, starts the relay and blocks until a signal (or ctx)
// stops it.
func run(ctx context.Context, envFile string, logOut io.Writer) error {
	cfg, err := server.NewConfigFromEnv(envFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logging.RedirectStdLog(logger)

	version.Fields(logger.Info()).
		Str("addr", cfg.Addr()).
		Str("backend", cfg.Fanout.Backend).
		Msg("starting syncrelay")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	if err := relay.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("relay stopped with errors")
		return err
	}

	logger.Info().Msg("syncrelay stopped")
	return nil
}
