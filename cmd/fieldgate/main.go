package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/fieldgate-io/fieldgate/internal/cliconfig"
	"github.com/fieldgate-io/fieldgate/internal/learner"
	"github.com/fieldgate-io/fieldgate/internal/metrics"
	"github.com/fieldgate-io/fieldgate/internal/queue"
	"github.com/fieldgate-io/fieldgate/internal/session"
	"github.com/fieldgate-io/fieldgate/internal/telemetry"
	"github.com/fieldgate-io/fieldgate/internal/watch"
	"github.com/fieldgate-io/fieldgate/pkg/log"
)

const helpDescription = `
Resilience proxy between battery-system field devices and their remote
vendor service.

Highlights:
  - Forwards device traffic transparently while the remote is healthy.
  - Answers devices from learned response templates during remote outages.
  - Queues outage traffic and replays it in order once the remote recovers.
  - Guards pending configuration pushes so a change is never silently lost.
`

var exampleUsage = strings.TrimSpace(`
  fieldgate --remote-addr vendor.example.net:9400
  fieldgate --config /etc/fieldgate/config.toml --listen-addr :7700
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func buildLogger(cfg cliconfig.Config) (log.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zl zerolog.Logger
	if cfg.LogJSON {
		zl = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		zl = zerolog.New(output).With().Timestamp().Logger()
	}
	return log.NewZerologAdapterWithLogger(zl.Level(level)), nil
}

func buildSink(cfg cliconfig.Config, logger log.Logger) (telemetry.Sink, error) {
	if cfg.NATSURL == "" {
		return telemetry.NopSink{}, nil
	}
	inner, err := telemetry.NewNATSSink(cfg.NATSURL, cfg.NATSPrefix)
	if err != nil {
		return nil, fmt.Errorf("connect telemetry sink: %w", err)
	}
	return telemetry.NewAsync(inner, telemetry.DefaultBuffer, logger), nil
}

func run(cfg cliconfig.Config, cfgFile string) error {
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	logger.Info("starting fieldgate",
		log.String("version", getVersion()),
		log.String("listen", cfg.ListenAddr),
		log.String("remote", cfg.RemoteAddr),
		log.String("data_dir", cfg.DataDir),
	)

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	met := metrics.New()

	var stores session.Stores
	if cfg.DataDir != "" {
		stores = session.Stores{
			Learner: learner.NewStore(cfg.DataDir),
			Queue:   queue.NewStore(cfg.DataDir),
		}
	}

	srv := session.NewServer(session.Config{
		RemoteAddr:           cfg.RemoteAddr,
		ConnectTimeout:       cfg.ConnectTimeout,
		ForwardReadTimeout:   cfg.ForwardReadTimeout,
		OfflineDeviceTimeout: cfg.OfflineDeviceTimeout,
		ProbeInterval:        cfg.ProbeInterval,
		ProbeTimeout:         cfg.ProbeTimeout,
		ProbeThreshold:       cfg.ProbeThreshold,
		ReplayPace:           cfg.ReplayPace,
		ReplayAckTimeout:     cfg.ReplayAckTimeout,
		ReplayMaxRetries:     cfg.ReplayMaxRetries,
		QueueCapacity:        cfg.QueueCapacity,
		LearnerThreshold:     cfg.LearnerThreshold,
		GuardPollClass:       cfg.GuardPollClass,
		GuardRetryBudget:     cfg.GuardRetryBudget,
		FlushInterval:        cfg.FlushInterval,
	}, sink, met, stores, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics endpoint.
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", log.Err(err))
			}
		}()
	}

	// Live config reload for settings that are safe to change at runtime.
	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		watcher := watch.New(cfgFile, func(fc cliconfig.FileConfig) {
			if fc.QueueCapacity > 0 {
				logger.Info("applying queue capacity from config file",
					log.Int("capacity", fc.QueueCapacity),
				)
				srv.SetQueueCapacity(fc.QueueCapacity)
			}
			interval, _ := time.ParseDuration(fc.ProbeInterval)
			timeout, _ := time.ParseDuration(fc.ProbeTimeout)
			if interval > 0 || timeout > 0 || fc.ProbeThreshold > 0 {
				srv.SetProbing(interval, timeout, fc.ProbeThreshold)
			}
		}, logger)
		go watcher.Run(ctx)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", log.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	cancel()
	srv.Close()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:     "fieldgate",
		Short:   "Resilience proxy between field devices and their remote service",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			// Precedence: flags > environment > config file > defaults.
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg, cfgFile)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.fieldgate/config.toml)")
	root.Flags().StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "address to accept device connections on")
	root.Flags().StringVar(&cfg.RemoteAddr, "remote-addr", cfg.RemoteAddr, "remote service address (host:port)")
	root.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for learner and queue snapshots (empty disables persistence)")

	root.Flags().IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "maximum frames held in the outage queue")
	root.Flags().IntVar(&cfg.LearnerThreshold, "learner-threshold", cfg.LearnerThreshold, "observations required before learned templates are used")

	root.Flags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "remote connect timeout")
	root.Flags().DurationVar(&cfg.ForwardReadTimeout, "forward-read-timeout", cfg.ForwardReadTimeout, "remote response timeout while forwarding")
	root.Flags().DurationVar(&cfg.OfflineDeviceTimeout, "offline-device-timeout", cfg.OfflineDeviceTimeout, "device silence before the session is closed")

	root.Flags().DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "remote reachability probe interval while offline")
	root.Flags().DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "reachability probe timeout")
	root.Flags().IntVar(&cfg.ProbeThreshold, "probe-threshold", cfg.ProbeThreshold, "consecutive probe successes before replay starts")

	root.Flags().DurationVar(&cfg.ReplayPace, "replay-pace", cfg.ReplayPace, "minimum spacing between replayed frames")
	root.Flags().DurationVar(&cfg.ReplayAckTimeout, "replay-ack-timeout", cfg.ReplayAckTimeout, "per-frame acknowledgment timeout during replay")
	root.Flags().IntVar(&cfg.ReplayMaxRetries, "replay-max-retries", cfg.ReplayMaxRetries, "per-frame retries before a replayed frame is dropped")

	root.Flags().StringVar(&cfg.GuardPollClass, "guard-poll-class", cfg.GuardPollClass, "poll command class eligible for configuration delivery")
	root.Flags().IntVar(&cfg.GuardRetryBudget, "guard-retry-budget", cfg.GuardRetryBudget, "delivery cycles before a pending configuration change fails")

	root.Flags().DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "snapshot persistence interval")

	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	root.Flags().StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL for frame telemetry (empty disables)")
	root.Flags().StringVar(&cfg.NATSPrefix, "nats-prefix", cfg.NATSPrefix, "NATS subject prefix for frame telemetry")

	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	root.Flags().BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit JSON logs instead of console output")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fieldgate: %v\n", err)
		os.Exit(1)
	}
}
