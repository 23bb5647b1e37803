package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-modnet/config"
	"github.com/arloliu/go-modnet/fleet"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/metrics"
	"github.com/arloliu/go-modnet/sink"
)

const shutdownTimeout = 10 * time.Second

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the configured devices until interrupted",
	Long: `Poll every configured device until interrupted (Ctrl+C) or SIGTERM.

Each poll result is logged when sinks.log is set and published to NATS when
sinks.nats is configured. With metrics.listen set, fleet and link counters
are served in the Prometheus text format.

Example:
  modpoll poll -c fleet.yaml
  modpoll poll -c fleet.yaml --log-level debug`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	pollCmd.Flags().String("log-level", "", "override the configured log level")
	_ = pollCmd.MarkFlagRequired("config")
}

func runPoll(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	levelName := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		levelName = flag
	}
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log := logger.NewSlog(level, false)
	logger.SetLogger(log)

	m, err := config.BuildManager(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build fleet: %w", err)
	}

	sinks, err := openSinks(cfg, log)
	if err != nil {
		return err
	}
	for _, s := range sinks {
		m.OnResult(s.Handle)
	}

	log.Info("config loaded",
		"devices", len(cfg.Devices),
		"cycle", cfg.Fleet.Cycle.Duration().String(),
		"max_running", cfg.Fleet.MaxRunning,
		"keep_connect", cfg.Fleet.KeepConnectEnabled(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start fleet: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := newMetricsServer(cfg.Metrics, m)
		g.Go(func() error {
			log.Info("serving metrics", "listen", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}

			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		return shutdown(m, sinks)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")

	return nil
}

func openSinks(cfg *config.Config, log logger.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink
	if cfg.Sinks.Log {
		sinks = append(sinks, sink.NewLogSink(log))
	}
	if nc := cfg.NATSSinkConfig(); nc != nil {
		ns, err := sink.DialNATS(*nc, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sinks = append(sinks, ns)
	}

	return sinks, nil
}

// shutdown stops the fleet before closing the sinks, so no event races a closed sink.
func shutdown(m *fleet.TaskManager, sinks []sink.Sink) error {
	err := m.Stop()
	for _, s := range sinks {
		err = multierr.Append(err, s.Close())
	}

	return err
}

func newMetricsServer(cfg config.MetricsConfig, m *fleet.TaskManager) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

