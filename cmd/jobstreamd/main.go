// Command jobstreamd serves live job events over SSE. It bridges an
// external notification channel (Postgres LISTEN/NOTIFY or Redis pub/sub)
// into an in-process event bus and fans events out to connected clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xraph/jobstream"
	"github.com/xraph/jobstream/api"
	"github.com/xraph/jobstream/notifier"
	pgsource "github.com/xraph/jobstream/notifier/postgres"
	redissource "github.com/xraph/jobstream/notifier/redis"
)

var rootCmd = &cobra.Command{
	Use:   "jobstreamd",
	Short: "jobstreamd relays job events from a notification channel to SSE clients",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("source", "postgres", "notification source: postgres or redis")
	flags.String("postgres-url", "", "Postgres connection string for the LISTEN connection")
	flags.String("redis-addr", "localhost:6379", "Redis address for the pub/sub subscription")
	flags.String("channel", "job_events", "notification channel name")
	flags.Int("buffer-capacity", 256, "replay ring buffer capacity")
	flags.Duration("ping-interval", 30*time.Second, "SSE heartbeat interval")
	flags.Duration("reconnect-delay", 5*time.Second, "delay before re-dialing a lost subscription")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")

	viper.SetEnvPrefix("jobstream")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	logger := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	slog.SetDefault(logger)

	source, err := newSource(logger)
	if err != nil {
		return err
	}
	// The redis source keeps its owned client alive across notifier
	// Close/Connect cycles; release it once the relay is fully down.
	defer func() {
		if s, ok := source.(interface{ Shutdown() error }); ok {
			if err := s.Shutdown(); err != nil {
				logger.Warn("source shutdown", slog.String("error", err.Error()))
			}
		}
	}()

	relay, err := jobstream.New(source,
		jobstream.WithLogger(logger),
		jobstream.WithConfig(jobstream.Config{
			BufferCapacity: viper.GetInt("buffer-capacity"),
			PingInterval:   viper.GetDuration("ping-interval"),
			ReconnectDelay: viper.GetDuration("reconnect-delay"),
		}),
	)
	if err != nil {
		return err
	}

	if err := relay.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    viper.GetString("addr"),
		Handler: api.New(relay).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	stop, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	select {
	case <-stop.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = relay.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := relay.Stop(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", slog.String("error", err.Error()))
	}

	logger.Info("jobstreamd stopped")
	return nil
}

// newSource builds the configured notification source.
func newSource(logger *slog.Logger) (notifier.Source, error) {
	channel := viper.GetString("channel")

	switch kind := viper.GetString("source"); kind {
	case "postgres":
		connString := viper.GetString("postgres-url")
		if connString == "" {
			return nil, errors.New("jobstreamd: --postgres-url (or JOBSTREAM_POSTGRES_URL) is required for the postgres source")
		}
		return pgsource.New(connString,
			pgsource.WithChannel(channel),
			pgsource.WithLogger(logger),
		), nil
	case "redis":
		return redissource.New(viper.GetString("redis-addr"),
			redissource.WithChannel(channel),
			redissource.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("jobstreamd: unknown source %q (want postgres or redis)", kind)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
