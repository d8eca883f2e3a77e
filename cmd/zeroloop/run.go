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

	"github.com/spf13/cobra"

	"github.com/zeroloop/zeroloop/pkg/config"
	"github.com/zeroloop/zeroloop/pkg/events"
	"github.com/zeroloop/zeroloop/pkg/log"
	"github.com/zeroloop/zeroloop/pkg/loop"
	"github.com/zeroloop/zeroloop/pkg/metrics"
	"github.com/zeroloop/zeroloop/pkg/selfplay"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the training loop from a configuration file",
	Long: `Run the loop described by a YAML configuration file.

The run directory carries the full loop state; rerunning the same
configuration resumes at the first unfinished generation.

The binary drives data-generation runs (training.only_generate: true).
Training a network requires a model implementation wired through the
loop package; this process has none.

Examples:
  # Start or resume a run
  zeroloop run -c loop.yaml

  # Override the worker address from the file
  zeroloop run -c loop.yaml --worker 127.0.0.1:63105`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "YAML configuration file (required)")
	runCmd.Flags().String("run-dir", "", "Override the run directory")
	runCmd.Flags().String("worker", "", "Override the self-play worker address")
	runCmd.Flags().Int("max-generations", -1, "Override the generation bound (0 = unbounded)")
	_ = runCmd.MarkFlagRequired("config")
}

func runLoop(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// Flags override file values.
	if runDir, _ := cmd.Flags().GetString("run-dir"); runDir != "" {
		cfg.RunDir = runDir
	}
	if worker, _ := cmd.Flags().GetString("worker"); worker != "" {
		cfg.Selfplay.Address = worker
	}
	if maxGens, _ := cmd.Flags().GetInt("max-generations"); maxGens >= 0 {
		cfg.Training.MaxGenerations = maxGens
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Training.OnlyGenerate {
		return fmt.Errorf("this binary has no trainable model; set training.only_generate: true or embed a model via the loop package")
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("cmd")

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics listener started")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go reportProgress(broker.Subscribe())

	client, err := selfplay.Dial(cfg.Selfplay.Address)
	if err != nil {
		return err
	}
	defer client.Close()

	o, err := loop.New(cfg, client, loop.NopStore{}, broker)
	if err != nil {
		return err
	}
	defer o.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gameLogger := log.WithGame(cfg.Game)
	gameLogger.Info().Str("run_dir", cfg.RunDir).Msg("starting loop")
	if err := o.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("interrupted, shutting down")
			return nil
		}
		return err
	}
	logger.Info().Msg("loop finished")
	return nil
}

func reportProgress(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		logger.Info().
			Str("event", string(event.Type)).
			Int("generation", event.Generation).
			Msg(event.Message)
	}
}
