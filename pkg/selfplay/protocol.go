package selfplay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The worker speaks newline-delimited JSON over a single ordered TCP
// connection. Commands are externally tagged: struct-carrying commands
// encode as a one-key object, unit commands as a bare string. This format
// is fixed by the worker and must not drift.

// StartupSettings is sent exactly once, before any other command. It
// pins the run layout and the worker's concurrency parameters; changing
// any of these requires restarting the worker.
type StartupSettings struct {
	Game   string `json:"game"`
	Muzero bool   `json:"muzero"`

	FirstGen     int    `json:"first_gen"`
	OutputFolder string `json:"output_folder"`
	GamesPerGen  int    `json:"games_per_gen"`

	CPUThreadsPerDevice int `json:"cpu_threads_per_device"`
	GPUThreadsPerDevice int `json:"gpu_threads_per_device"`
	GPUBatchSize        int `json:"gpu_batch_size"`
	GPUBatchSizeRoot    int `json:"gpu_batch_size_root"`

	SavedStateChannels int `json:"saved_state_channels"`
}

// Weights are the worker's search weights. Nil fields keep the worker's
// defaults.
type Weights struct {
	ExplorationWeight  *float64 `json:"exploration_weight"`
	MovesLeftWeight    *float64 `json:"moves_left_weight"`
	MovesLeftClip      *float64 `json:"moves_left_clip"`
	MovesLeftSharpness *float64 `json:"moves_left_sharpness"`
}

// Settings are the self-play search parameters. They may be resent at
// any time and take effect from the next generation the worker begins.
type Settings struct {
	MaxGameLength *uint64 `json:"max_game_length"`
	Weights       Weights `json:"weights"`
	UseValue      bool    `json:"use_value"`

	RandomSymmetries bool `json:"random_symmetries"`

	Temperature       float64 `json:"temperature"`
	ZeroTempMoveCount uint32  `json:"zero_temp_move_count"`

	DirichletAlpha float64 `json:"dirichlet_alpha"`
	DirichletEps   float64 `json:"dirichlet_eps"`

	FullSearchProb float64 `json:"full_search_prob"`
	FullIterations uint64  `json:"full_iterations"`
	PartIterations uint64  `json:"part_iterations"`

	TopMoves int `json:"top_moves"`

	CacheSize int `json:"cache_size"`
}

// command is the externally tagged encoding of worker commands.
type command struct {
	StartupSettings *StartupSettings `json:"StartupSettings,omitempty"`
	NewSettings     *Settings        `json:"NewSettings,omitempty"`
	NewNetwork      *string          `json:"NewNetwork,omitempty"`
}

const (
	cmdWaitForNewNetwork = `"WaitForNewNetwork"`
	cmdStop              = `"Stop"`

	updateStopped = `"Stopped"`
)

// finishedFile is the worker's generation-complete notification.
type finishedFile struct {
	Index int `json:"index"`
}

type serverUpdate struct {
	FinishedFile *finishedFile `json:"FinishedFile"`
}

// parseUpdate decodes one worker update line. It returns the finished
// generation index, or stopped=true for the shutdown acknowledgement.
func parseUpdate(line []byte) (index int, stopped bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, false, fmt.Errorf("empty update from worker")
	}
	if string(line) == updateStopped {
		return 0, true, nil
	}

	var update serverUpdate
	if err := json.Unmarshal(line, &update); err != nil {
		return 0, false, fmt.Errorf("malformed update %q: %w", line, err)
	}
	if update.FinishedFile == nil {
		return 0, false, fmt.Errorf("unknown update %q", line)
	}
	return update.FinishedFile.Index, false, nil
}
