package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeroloop/zeroloop/pkg/selfplay"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// Config is the full configuration for a training run.
type Config struct {
	// RunDir is the root directory for all run artifacts: self-play data,
	// per-generation training output, and the metric log.
	RunDir string `yaml:"run_dir"`

	// Game names the game profile; it must be one the self-play worker
	// understands.
	Game string `yaml:"game"`

	Buffer   Buffer   `yaml:"buffer"`
	Sampling Sampling `yaml:"sampling"`
	Training Training `yaml:"training"`
	Selfplay Selfplay `yaml:"selfplay"`
	Search   Search   `yaml:"search"`
	Metrics  Metrics  `yaml:"metrics"`
	Log      Log      `yaml:"log"`
}

// Buffer configures the sliding replay window.
type Buffer struct {
	// TargetPositions bounds the window: old generations are evicted whole
	// while the total past the oldest file exceeds this.
	TargetPositions int `yaml:"target_positions"`
}

// Sampling configures batch drawing from the replay window.
type Sampling struct {
	BatchSize        int   `yaml:"batch_size"`
	UnrollSteps      int   `yaml:"unroll_steps"`
	IncludeFinal     bool  `yaml:"include_final"`
	RandomSymmetries bool  `yaml:"random_symmetries"`
	Workers          int   `yaml:"workers"`
	PrefetchDepth    int   `yaml:"prefetch_depth"`
	Seed             int64 `yaml:"seed"`
}

// Training configures the per-generation training schedule.
type Training struct {
	// StepsPerGen is the fixed number of optimizer steps run after each
	// generation is ingested.
	StepsPerGen int `yaml:"steps_per_gen"`

	// MaxGenerations stops the loop after this many finished generations;
	// 0 runs until cancelled.
	MaxGenerations int `yaml:"max_generations"`

	// OnlyGenerate skips training entirely: generations are ingested and
	// marked finished, but no network is trained.
	OnlyGenerate bool `yaml:"only_generate"`

	// InitialNetwork is a pre-exported network artifact pushed to the
	// worker at session start in only-generate runs, where no model is
	// available to export one. The worker cannot play games until it
	// receives a network.
	InitialNetwork string `yaml:"initial_network"`
}

// Selfplay configures the connection to the self-play worker.
type Selfplay struct {
	Address     string `yaml:"address"`
	GamesPerGen int    `yaml:"games_per_gen"`

	CPUThreadsPerDevice int `yaml:"cpu_threads_per_device"`
	GPUThreadsPerDevice int `yaml:"gpu_threads_per_device"`
	GPUBatchSize        int `yaml:"gpu_batch_size"`
	GPUBatchSizeRoot    int `yaml:"gpu_batch_size_root"`
	SavedStateChannels  int `yaml:"saved_state_channels"`

	// WaitTimeout bounds each wait for a finished generation; 0 waits
	// forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// Search holds the worker's search parameters. Pointer fields keep the
// worker's defaults when absent.
type Search struct {
	MaxGameLength *uint64 `yaml:"max_game_length"`

	ExplorationWeight  *float64 `yaml:"exploration_weight"`
	MovesLeftWeight    *float64 `yaml:"moves_left_weight"`
	MovesLeftClip      *float64 `yaml:"moves_left_clip"`
	MovesLeftSharpness *float64 `yaml:"moves_left_sharpness"`

	UseValue         bool `yaml:"use_value"`
	RandomSymmetries bool `yaml:"random_symmetries"`

	Temperature       float64 `yaml:"temperature"`
	ZeroTempMoveCount uint32  `yaml:"zero_temp_move_count"`

	DirichletAlpha float64 `yaml:"dirichlet_alpha"`
	DirichletEps   float64 `yaml:"dirichlet_eps"`

	FullSearchProb float64 `yaml:"full_search_prob"`
	FullIterations uint64  `yaml:"full_iterations"`
	PartIterations uint64  `yaml:"part_iterations"`

	TopMoves  int `yaml:"top_moves"`
	CacheSize int `yaml:"cache_size"`
}

// Metrics configures the optional prometheus listener.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Log configures logging output.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with sensible defaults for everything
// except the run directory and game, which have no meaningful defaults.
func Default() *Config {
	return &Config{
		Buffer: Buffer{
			TargetPositions: 500_000,
		},
		Sampling: Sampling{
			BatchSize:        256,
			Workers:          1,
			PrefetchDepth:    2,
			RandomSymmetries: true,
		},
		Training: Training{
			StepsPerGen: 100,
		},
		Selfplay: Selfplay{
			Address:             selfplay.DefaultAddress,
			GamesPerGen:         100,
			CPUThreadsPerDevice: 1,
			GPUThreadsPerDevice: 1,
			GPUBatchSize:        128,
			GPUBatchSizeRoot:    32,
		},
		Search: Search{
			UseValue:          true,
			RandomSymmetries:  true,
			Temperature:       1.0,
			ZeroTempMoveCount: 20,
			DirichletAlpha:    0.2,
			DirichletEps:      0.25,
			FullSearchProb:    1.0,
			FullIterations:    600,
			PartIterations:    100,
			CacheSize:         200,
		},
		Metrics: Metrics{
			Listen: ":9090",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads and validates a configuration file. Values absent from the
// file keep their defaults; unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the loop cannot run with.
func (c *Config) Validate() error {
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if _, err := types.FindGame(c.Game); err != nil {
		return err
	}
	if c.Buffer.TargetPositions <= 0 {
		return fmt.Errorf("buffer.target_positions must be positive, got %d", c.Buffer.TargetPositions)
	}
	if c.Sampling.BatchSize <= 0 {
		return fmt.Errorf("sampling.batch_size must be positive, got %d", c.Sampling.BatchSize)
	}
	if c.Sampling.UnrollSteps < 0 {
		return fmt.Errorf("sampling.unroll_steps must not be negative, got %d", c.Sampling.UnrollSteps)
	}
	if c.Sampling.Workers < 0 || c.Sampling.Workers > 2 {
		return fmt.Errorf("sampling.workers must be 1 or 2, got %d", c.Sampling.Workers)
	}
	if !c.Training.OnlyGenerate && c.Training.StepsPerGen <= 0 {
		return fmt.Errorf("training.steps_per_gen must be positive, got %d", c.Training.StepsPerGen)
	}
	if c.Training.OnlyGenerate && c.Training.InitialNetwork == "" {
		return fmt.Errorf("training.initial_network is required when only_generate is set")
	}
	if c.Training.MaxGenerations < 0 {
		return fmt.Errorf("training.max_generations must not be negative, got %d", c.Training.MaxGenerations)
	}
	if c.Selfplay.Address == "" {
		return fmt.Errorf("selfplay.address is required")
	}
	if c.Selfplay.GamesPerGen <= 0 {
		return fmt.Errorf("selfplay.games_per_gen must be positive, got %d", c.Selfplay.GamesPerGen)
	}
	if c.Selfplay.WaitTimeout < 0 {
		return fmt.Errorf("selfplay.wait_timeout must not be negative")
	}
	if c.Search.Temperature < 0 {
		return fmt.Errorf("search.temperature must not be negative")
	}
	if c.Search.FullSearchProb < 0 || c.Search.FullSearchProb > 1 {
		return fmt.Errorf("search.full_search_prob must be in [0, 1], got %v", c.Search.FullSearchProb)
	}
	return nil
}

// GameProfile returns the resolved game profile. Validate must have
// passed.
func (c *Config) GameProfile() (types.Game, error) {
	return types.FindGame(c.Game)
}

// SelfplaySettings builds the worker search settings from the search
// section.
func (c *Config) SelfplaySettings() selfplay.Settings {
	return selfplay.Settings{
		MaxGameLength: c.Search.MaxGameLength,
		Weights: selfplay.Weights{
			ExplorationWeight:  c.Search.ExplorationWeight,
			MovesLeftWeight:    c.Search.MovesLeftWeight,
			MovesLeftClip:      c.Search.MovesLeftClip,
			MovesLeftSharpness: c.Search.MovesLeftSharpness,
		},
		UseValue:          c.Search.UseValue,
		RandomSymmetries:  c.Search.RandomSymmetries,
		Temperature:       c.Search.Temperature,
		ZeroTempMoveCount: c.Search.ZeroTempMoveCount,
		DirichletAlpha:    c.Search.DirichletAlpha,
		DirichletEps:      c.Search.DirichletEps,
		FullSearchProb:    c.Search.FullSearchProb,
		FullIterations:    c.Search.FullIterations,
		PartIterations:    c.Search.PartIterations,
		TopMoves:          c.Search.TopMoves,
		CacheSize:         c.Search.CacheSize,
	}
}
