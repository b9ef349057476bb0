// rbox is the admin tool for the rbox mail object store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rboxmail/rbox/internal/config"
	"github.com/rboxmail/rbox/internal/index"
	"github.com/rboxmail/rbox/internal/mailstore"
	"github.com/rboxmail/rbox/internal/metrics"
	"github.com/rboxmail/rbox/internal/objstore/filestore"
	"github.com/rboxmail/rbox/internal/tracing"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgPath   string
	logLevel  string
	traceFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rbox",
		Short: "rbox - mail storage on an object store",
		Long: `rbox stores mail messages as objects with typed attributes and keeps
a per-mailbox index of uids next to them.

Examples:
  # Store a message and read it back
  rbox save alice INBOX message.eml
  rbox cat alice INBOX 1

  # Recover a lost index from the objects
  rbox rebuild alice INBOX --reset`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace", "", "write a runtime trace of the command to this file")

	rootCmd.AddCommand(
		newSaveCmd(),
		newCatCmd(),
		newLsCmd(),
		newNsCmd(),
		newCopyCmd(),
		newMoveCmd(),
		newExpungeCmd(),
		newAltCmd(),
		newRebuildCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "rbox %s\n", Version)
				_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
				_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			},
		},
	)
	return rootCmd
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// env holds what every command needs: the loaded config, the object store
// and the tenant indexes opened so far.
type env struct {
	cfg     *config.Config
	cluster *filestore.Cluster
	indexes []*index.Bolt
	metrics *metrics.Metrics
	server  *http.Server
	trace   *tracing.Recorder
}

func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.LogLevel)

	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, metrics: metrics.Init(prometheus.DefaultRegisterer)}

	if traceFile != "" {
		e.trace, err = tracing.Start(tracing.Config{})
		if err != nil {
			return nil, err
		}
	}

	e.cluster, err = filestore.Open(cfg.StoreDir(), filestore.Options{
		MaxWriteSizeMiB: cfg.MaxWriteSizeMiB(),
		Compress:        cfg.Store.Compress,
		Key:             key,
		NoSync:          cfg.Store.NoSync,
		Logger:          log.Logger,
	})
	if err != nil {
		if e.trace != nil {
			e.trace.Stop()
		}
		return nil, fmt.Errorf("open store: %w", err)
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		e.server = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("listen", cfg.Metrics.Listen).Msg("Serving metrics")
	}
	return e, nil
}

func (e *env) close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = e.server.Shutdown(ctx)
		cancel()
	}
	for _, idx := range e.indexes {
		if err := idx.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close index")
		}
	}
	if err := e.cluster.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
	if e.trace != nil {
		if err := e.trace.WriteFile(traceFile); err != nil {
			log.Warn().Err(err).Str("path", traceFile).Msg("Failed to write trace")
		}
		e.trace.Stop()
	}
}

func (e *env) storage(ctx context.Context, tenant string, create bool) (*mailstore.Storage, error) {
	idx, err := index.OpenBolt(e.cfg.IndexPath(tenant), index.BoltOptions{
		NoSync: e.cfg.Store.NoSync,
		Logger: log.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open index of %s: %w", tenant, err)
	}
	e.indexes = append(e.indexes, idx)

	return mailstore.Open(ctx, mailstore.Options{
		Cluster: e.cluster,
		Index:   idx,
		Config:  e.cfg,
		Logger:  log.Logger,
		Metrics: e.metrics,
	}, tenant, create)
}

// withStorage opens the environment and the tenant storage, runs fn and
// closes everything again.
func withStorage(cmd *cobra.Command, tenant string, create bool, fn func(ctx context.Context, s *mailstore.Storage) error) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := e.storage(ctx, tenant, create)
	if err != nil {
		return err
	}
	return fn(ctx, s)
}
