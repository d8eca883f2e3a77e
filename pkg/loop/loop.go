package loop

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zeroloop/zeroloop/pkg/config"
	"github.com/zeroloop/zeroloop/pkg/datafile"
	"github.com/zeroloop/zeroloop/pkg/events"
	"github.com/zeroloop/zeroloop/pkg/log"
	"github.com/zeroloop/zeroloop/pkg/metrics"
	"github.com/zeroloop/zeroloop/pkg/mlog"
	"github.com/zeroloop/zeroloop/pkg/replay"
	"github.com/zeroloop/zeroloop/pkg/selfplay"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// ErrGenerationMismatch is returned when the worker reports a finished
// generation index other than the one the loop is waiting for. The
// single ordered connection makes this impossible in a healthy run, so a
// mismatch means the run directory and the worker state have diverged
// and continuing would corrupt the data. It is fatal.
var ErrGenerationMismatch = errors.New("loop: worker finished an unexpected generation")

// Channel is the command session to the self-play worker. Implemented by
// selfplay.Client; tests drive the loop with a scripted fake.
type Channel interface {
	SendStartupSettings(settings selfplay.StartupSettings) error
	SendNewSettings(settings selfplay.Settings) error
	SendNewNetwork(path string) error
	SendWaitForNewNetwork() error
	WaitForFile(ctx context.Context) (int, error)
	Close() error
}

// Orchestrator drives the training loop: it waits for the worker to
// finish a generation, ingests it into the replay window, trains, saves
// and exports the network, marks the generation finished, and pushes the
// new network back to the worker.
//
// All loop state mutation happens on the goroutine that calls Run.
type Orchestrator struct {
	cfg     *config.Config
	game    types.Game
	channel Channel
	store   ModelStore
	broker  *events.Broker

	buffer *replay.Buffer
	mlog   *mlog.Logger
	model  TrainableModel

	startGen int
}

// New creates an orchestrator. The broker may be nil when nothing
// subscribes to lifecycle events.
func New(cfg *config.Config, channel Channel, store ModelStore, broker *events.Broker) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	game, err := cfg.GameProfile()
	if err != nil {
		return nil, err
	}

	opts := replay.Options{
		UnrollSteps:      cfg.Sampling.UnrollSteps,
		IncludeFinal:     cfg.Sampling.IncludeFinal,
		RandomSymmetries: cfg.Sampling.RandomSymmetries,
		Workers:          cfg.Sampling.Workers,
		PrefetchDepth:    cfg.Sampling.PrefetchDepth,
		Seed:             cfg.Sampling.Seed,
	}

	return &Orchestrator{
		cfg:     cfg,
		game:    game,
		channel: channel,
		store:   store,
		broker:  broker,
		buffer:  replay.NewBuffer(game, cfg.Buffer.TargetPositions, opts),
	}, nil
}

// StartGen returns the first unfinished generation found during
// recovery. Only meaningful after Run has started (or Recover was
// called).
func (o *Orchestrator) StartGen() int {
	return o.startGen
}

// Buffer exposes the replay window, primarily for tests and tooling.
func (o *Orchestrator) Buffer() *replay.Buffer {
	return o.buffer
}

// MetricLog exposes the run's metric logger.
func (o *Orchestrator) MetricLog() *mlog.Logger {
	return o.mlog
}

// Recover scans the run directory for finished generations, replays
// their data files into the buffer, and restores the model and metric
// log to the state after the last finished generation. A generation
// without its marker is redone from scratch, never resumed.
func (o *Orchestrator) Recover() error {
	logger := log.WithComponent("loop")

	gi := 0
	for {
		gen := NewGeneration(o.cfg.RunDir, gi)
		if !gen.Finished() {
			break
		}
		file, err := datafile.Open(o.game, gen.DataPrefix())
		if err != nil {
			return fmt.Errorf("failed to open finished generation %d: %w", gi, err)
		}
		// No metric sink here: these rows were logged when the
		// generation first finished.
		if err := o.buffer.Append(file, nil); err != nil {
			return fmt.Errorf("failed to replay generation %d: %w", gi, err)
		}
		gi++
	}
	o.startGen = gi

	if gi == 0 {
		model, err := o.store.Init()
		if err != nil {
			return fmt.Errorf("failed to initialize model: %w", err)
		}
		o.model = model
		o.mlog = mlog.NewLogger()
		logger.Info().Msg("starting fresh run")
		o.publish(events.EventRunStarted, 0, "fresh run")
		return nil
	}

	prev := NewGeneration(o.cfg.RunDir, gi-1)
	model, err := o.store.Load(prev.CheckpointPath())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint of generation %d: %w", gi-1, err)
	}
	o.model = model

	ml, err := mlog.Load(MetricLogPath(o.cfg.RunDir))
	if err != nil {
		return fmt.Errorf("failed to load metric log: %w", err)
	}
	// A crash between the log save and the marker write leaves a row for
	// a generation that will be redone.
	ml.Truncate(gi)
	o.mlog = ml

	logger.Info().Int("start_gen", gi).Int("buffer_positions", o.buffer.Positions()).Msg("resuming run")
	o.publish(events.EventRunResumed, gi, "resumed run")
	return nil
}

// Run recovers the run state, configures the worker and drives the loop
// until the context is cancelled, the generation bound is reached, or an
// error occurs. The worker channel is not closed by Run; that is the
// caller's responsibility.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := os.MkdirAll(SelfplayDir(o.cfg.RunDir), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := o.Recover(); err != nil {
		return err
	}
	if o.cfg.Sampling.UnrollSteps > 0 && !o.cfg.Training.OnlyGenerate {
		if _, ok := o.model.(UnrolledTrainer); !ok {
			return fmt.Errorf("unroll_steps is set but the model cannot train on sequences")
		}
	}

	if err := o.channel.SendStartupSettings(selfplay.StartupSettings{
		Game:                o.cfg.Game,
		FirstGen:            o.startGen,
		OutputFolder:        SelfplayDir(o.cfg.RunDir),
		GamesPerGen:         o.cfg.Selfplay.GamesPerGen,
		CPUThreadsPerDevice: o.cfg.Selfplay.CPUThreadsPerDevice,
		GPUThreadsPerDevice: o.cfg.Selfplay.GPUThreadsPerDevice,
		GPUBatchSize:        o.cfg.Selfplay.GPUBatchSize,
		GPUBatchSizeRoot:    o.cfg.Selfplay.GPUBatchSizeRoot,
		SavedStateChannels:  o.cfg.Selfplay.SavedStateChannels,
	}); err != nil {
		return err
	}
	if err := o.channel.SendNewSettings(o.cfg.SelfplaySettings()); err != nil {
		return err
	}
	if err := o.pushCurrentNetwork(); err != nil {
		return err
	}

	for gi := o.startGen; o.cfg.Training.MaxGenerations == 0 || gi < o.cfg.Training.MaxGenerations; gi++ {
		if err := ctx.Err(); err != nil {
			o.publish(events.EventRunStopped, gi, "cancelled")
			return err
		}
		if err := o.runGeneration(ctx, gi); err != nil {
			return err
		}
	}

	o.publish(events.EventRunStopped, o.cfg.Training.MaxGenerations, "generation bound reached")
	return nil
}

// pushCurrentNetwork gives the worker a network to play with before the
// first generation of this session. The worker's generator threads block
// until they receive one, so every mode pushes a network here: training
// runs export from the model (or reuse the last finished generation's
// export), only-generate runs send the configured artifact.
func (o *Orchestrator) pushCurrentNetwork() error {
	var path string
	switch {
	case o.cfg.Training.OnlyGenerate:
		path = o.cfg.Training.InitialNetwork
	case o.startGen == 0:
		path = InitialNetworkPath(o.cfg.RunDir)
		if err := o.model.Export(path); err != nil {
			return fmt.Errorf("failed to export initial network: %w", err)
		}
	default:
		path = NewGeneration(o.cfg.RunDir, o.startGen-1).NetworkPath()
	}

	if err := o.channel.SendNewNetwork(path); err != nil {
		return err
	}
	o.publish(events.EventNetworkPushed, o.startGen, path)
	return nil
}

func (o *Orchestrator) runGeneration(ctx context.Context, gi int) error {
	logger := log.WithGeneration(gi)
	metrics.CurrentGeneration.Set(float64(gi))
	o.publish(events.EventGenerationStarted, gi, "")

	gen := NewGeneration(o.cfg.RunDir, gi)

	waitCtx := ctx
	if o.cfg.Selfplay.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.cfg.Selfplay.WaitTimeout)
		defer cancel()
	}

	waitTimer := metrics.NewTimer()
	index, err := o.channel.WaitForFile(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for generation %d: %w", gi, err)
	}
	waitTimer.ObserveDuration(metrics.SelfplayWaitDuration)
	if index != gi {
		return fmt.Errorf("%w: expected %d, worker reported %d", ErrGenerationMismatch, gi, index)
	}
	logger.Info().Dur("waited", waitTimer.Duration()).Msg("generation produced")
	o.publish(events.EventGenerationProduced, gi, "")

	onlyGenerate := o.cfg.Training.OnlyGenerate
	if !onlyGenerate {
		// Stall the worker until it gets the network trained on this
		// generation, so no generation is played with a stale network.
		if err := o.channel.SendWaitForNewNetwork(); err != nil {
			return err
		}
	}

	file, err := datafile.Open(o.game, gen.DataPrefix())
	if err != nil {
		return fmt.Errorf("failed to open generation %d data: %w", gi, err)
	}

	o.mlog.StartBatch()
	o.mlog.Log("info", "gen", float64(gi))
	o.mlog.Log("time", "selfplay wait", waitTimer.Duration().Seconds())
	if err := o.buffer.Append(file, o.mlog); err != nil {
		return fmt.Errorf("failed to ingest generation %d: %w", gi, err)
	}
	logger.Info().Int("buffer_positions", o.buffer.Positions()).Int("buffer_gens", o.buffer.Len()).Msg("generation ingested")
	o.publish(events.EventGenerationIngested, gi, "")

	if !onlyGenerate {
		if err := o.train(ctx, gi); err != nil {
			return err
		}
		o.publish(events.EventGenerationTrained, gi, "")

		if err := o.evaluate(); err != nil {
			return err
		}

		if err := gen.EnsureTrainingDir(); err != nil {
			return err
		}
		if err := o.model.SaveCheckpoint(gen.CheckpointPath()); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if err := o.model.Export(gen.NetworkPath()); err != nil {
			return fmt.Errorf("failed to export network: %w", err)
		}
	} else if err := gen.EnsureTrainingDir(); err != nil {
		return err
	}

	if err := o.mlog.Save(MetricLogPath(o.cfg.RunDir)); err != nil {
		return fmt.Errorf("failed to save metric log: %w", err)
	}

	// The marker is the commit point. Everything above is durable, so a
	// crash before this line redoes the generation and a crash after it
	// resumes past it.
	if err := gen.WriteMarker(); err != nil {
		return err
	}
	metrics.GenerationsFinished.Inc()

	if !onlyGenerate {
		if err := o.channel.SendNewNetwork(gen.NetworkPath()); err != nil {
			return err
		}
		o.publish(events.EventNetworkPushed, gi, gen.NetworkPath())
	}

	logger.Info().Msg("generation finished")
	o.publish(events.EventGenerationFinished, gi, "")
	return nil
}

// train runs the fixed number of optimizer steps on batches drawn across
// the whole replay window.
func (o *Orchestrator) train(ctx context.Context, gi int) error {
	sampler, err := o.buffer.SamplerFull(o.cfg.Sampling.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to open training sampler: %w", err)
	}
	defer sampler.Close()

	trainTimer := metrics.NewTimer()
	unrolled := o.cfg.Sampling.UnrollSteps > 0
	for step := 0; step < o.cfg.Training.StepsPerGen; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		stepTimer := metrics.NewTimer()
		if unrolled {
			batch, err := sampler.NextUnrolledBatch()
			if err != nil {
				return fmt.Errorf("train step %d: %w", step, err)
			}
			if err := o.model.(UnrolledTrainer).TrainStepUnrolled(batch, o.mlog); err != nil {
				return fmt.Errorf("train step %d: %w", step, err)
			}
		} else {
			batch, err := sampler.NextBatch()
			if err != nil {
				return fmt.Errorf("train step %d: %w", step, err)
			}
			if err := o.model.TrainStep(batch, o.mlog); err != nil {
				return fmt.Errorf("train step %d: %w", step, err)
			}
		}
		stepTimer.ObserveDuration(metrics.TrainStepDuration)
		metrics.TrainSteps.Inc()
	}

	o.mlog.Log("time", "train", trainTimer.Duration().Seconds())
	logger := log.WithGeneration(gi)
	logger.Debug().
		Int("steps", o.cfg.Training.StepsPerGen).
		Dur("took", trainTimer.Duration()).
		Msg("training done")
	return nil
}

// evaluate scores the model once against the whole window and once
// against only the newest generation, to separate recency effects.
func (o *Orchestrator) evaluate() error {
	if err := o.evaluateSampler("test-buffer", o.buffer.SamplerFull); err != nil {
		return err
	}
	return o.evaluateSampler("test-last", o.buffer.SamplerLast)
}

func (o *Orchestrator) evaluateSampler(label string, open func(int) (*replay.Sampler, error)) error {
	sampler, err := open(o.cfg.Sampling.BatchSize)
	if err != nil {
		// The newest generation alone may hold fewer positions than a
		// batch; skip that evaluation rather than fail the run.
		if errors.Is(err, replay.ErrInsufficientData) {
			logger := log.WithComponent("loop")
			logger.Debug().Str("label", label).Msg("not enough positions to evaluate")
			return nil
		}
		return fmt.Errorf("failed to open %s sampler: %w", label, err)
	}
	defer sampler.Close()

	batch, err := o.nextEvalBatch(sampler)
	if err != nil {
		return fmt.Errorf("%s evaluation: %w", label, err)
	}
	if err := o.model.Evaluate(label, batch, o.mlog); err != nil {
		return fmt.Errorf("%s evaluation: %w", label, err)
	}
	return nil
}

// nextEvalBatch draws a single-position batch. When the samplers are
// configured for unrolling, evaluation uses the first step of an
// unrolled draw.
func (o *Orchestrator) nextEvalBatch(sampler *replay.Sampler) (*replay.Batch, error) {
	if o.cfg.Sampling.UnrollSteps > 0 {
		u, err := sampler.NextUnrolledBatch()
		if err != nil {
			return nil, err
		}
		return u.Steps[0], nil
	}
	return sampler.NextBatch()
}

// Close releases the replay window.
func (o *Orchestrator) Close() error {
	return o.buffer.Close()
}

func (o *Orchestrator) publish(eventType events.EventType, gi int, message string) {
	if o.broker == nil {
		return
	}
	o.broker.PublishGeneration(eventType, gi, message)
}
