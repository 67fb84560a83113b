package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/developingchet/guestbookd/internal/config"
	"github.com/developingchet/guestbookd/internal/logger"
	"github.com/developingchet/guestbookd/internal/metrics"
	"github.com/developingchet/guestbookd/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const healthcheckTimeout = 10 * time.Second

// runtimeServer is the part of *server.Server the commands drive.
type runtimeServer interface {
	Run(ctx context.Context) error
	Healthy(ctx context.Context) error
	Close()
}

// Seams replaced by tests.
var (
	loadConfig       = config.Load
	registerMetrics  = metrics.Register
	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	}
	newRuntime = func(cfg *config.Config) (runtimeServer, error) {
		s, err := server.New(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	probeHealth  = httpProbe
	purgeExpired = server.PurgeReservations
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// newRootCmd builds and returns the root cobra command. Extracted from main so
// that tests can invoke it directly without spawning a subprocess.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "guestbookd",
		Short: "Serve a small public guestbook",
		Long: `A guestbook backend: visitors reserve a display name, post short
messages and poll the recent log. State lives in JSON files under DATA_DIR;
writes can optionally be checked against a CrowdSec ban list.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the server (same as running without a subcommand)",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Probe /healthz on the configured listen address (for Docker HEALTHCHECK)",
		RunE:  runHealthcheck,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove expired name reservations and exit",
		RunE:  runPurge,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "guestbookd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	cfg.BuildVersion = version

	initLogging(cfg.LogLevel, cfg.LogFormat)

	registerMetrics()

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	s, err := newRuntime(cfg)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	defer s.Close()

	return s.Run(ctx)
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging("error", cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), healthcheckTimeout)
	defer cancel()

	return probeHealth(ctx, healthURL(cfg.ListenAddr))
}

// runPurge touches only the reservation registry, so it works while a server
// holds the other stores (the bbolt counter database is exclusive).
func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := newSignalContext(context.Background())
	defer cancel()

	n, err := purgeExpired(ctx, cfg)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	log.Info().Int("removed", n).Msg("expired reservations purged")
	return nil
}

// healthURL turns a listen address into a loopback probe URL. A wildcard or
// empty host is probed on localhost.
func healthURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		host, port = "", listenAddr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

func httpProbe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: %s returned %d", url, resp.StatusCode)
	}
	return nil
}

// initLogging points the global zerolog logger at stderr through the redacting
// writer and silences the logrus output of go-cs-bouncer.
func initLogging(level string, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = logger.NewRedactWriter(os.Stderr)
	if format == "text" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	logrus.SetOutput(io.Discard)

	zerolog.SetGlobalLevel(parseLevel(level))
}

// parseLevel accepts zerolog level names plus "warning". Anything else,
// including an empty string, means info.
func parseLevel(s string) zerolog.Level {
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
