package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/internal/logging"
	"github.com/boristopalov/parley/internal/metrics"
	"github.com/boristopalov/parley/pkg/config"
	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/environment"
	"github.com/boristopalov/parley/pkg/experiment"
)

type flags struct {
	configPath  string
	metricsAddr string
	timeout     time.Duration
	agentName   string
}

func main() {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:           "parley",
		Short:         "Parley runs moderated turn-taking conversations between LLM agents over a pub/sub bus.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "session.yaml", "session config file")
	rootCmd.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 0, "abort the session after this long (overrides the config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a whole session in one process: moderator and every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), f)
		},
	}

	moderatorCmd := &cobra.Command{
		Use:   "moderator",
		Short: "Run only the moderator; agents connect through the bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModerator(cmd.Context(), f)
		},
	}

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one LLM agent from the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), f)
		},
	}
	agentCmd.Flags().StringVarP(&f.agentName, "name", "n", "", "agent to run")
	_ = agentCmd.MarkFlagRequired("name")

	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "List built-in scenario profiles",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range environment.Profiles() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	for _, envFile := range []string{
		".env",
		"../../.env",
		"../../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(runCmd, moderatorCmd, agentCmd, profilesCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger and metrics every command
// shares.
func setup(f *flags) (*config.ExperimentConfig, *zap.Logger, *metrics.Collector, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if f.timeout > 0 {
		cfg.Timeout = f.timeout
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if f.metricsAddr == "" {
		return cfg, logger, nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector("parley", reg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	startMetricsServer(f.metricsAddr, reg, logger)
	return cfg, logger, collector, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))
}

// requireSharedBus rejects buses that only exist inside this process
func requireSharedBus(cfg *config.ExperimentConfig) error {
	if cfg.Bus.Type != config.BusRedis {
		return fmt.Errorf("bus type %q is process-local; set bus.type to %q to run parts of a session separately", cfg.Bus.Type, config.BusRedis)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func printEpisode(ep *core.EpisodeLog) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ep)
}

func runSession(ctx context.Context, f *flags) error {
	cfg, logger, collector, err := setup(f)
	if err != nil {
		return err
	}
	defer logger.Sync()

	exp, err := experiment.NewExperiment(ctx, cfg,
		experiment.WithLogger(logger),
		experiment.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("failed to set up experiment: %w", err)
	}
	defer exp.Close()

	episode, err := exp.Run(ctx)
	if err != nil {
		return fmt.Errorf("experiment failed: %w", err)
	}
	return printEpisode(episode)
}

func runModerator(ctx context.Context, f *flags) error {
	cfg, logger, collector, err := setup(f)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := requireSharedBus(cfg); err != nil {
		return err
	}

	exp, err := experiment.NewExperiment(ctx, cfg,
		experiment.WithLogger(logger),
		experiment.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	defer exp.Close()

	mod, err := exp.NewModerator()
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()

	episode, err := mod.Run(ctx)
	if err != nil {
		return fmt.Errorf("moderator failed: %w", err)
	}
	return printEpisode(episode)
}

func runAgent(ctx context.Context, f *flags) error {
	cfg, logger, _, err := setup(f)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := requireSharedBus(cfg); err != nil {
		return err
	}

	exp, err := experiment.NewExperiment(ctx, cfg, experiment.WithLogger(logger))
	if err != nil {
		return err
	}
	defer exp.Close()

	a, err := exp.NewAgent(f.agentName)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()

	logger.Info("agent started", zap.String("agent", a.Name()), zap.String("id", a.GetID()))
	return a.Run(ctx)
}
