package loop

import (
	"fmt"
	"os"
	"path/filepath"
)

// Generation identifies one iteration of the loop and derives every path
// belonging to it. Indices are non-negative, strictly increasing and
// contiguous within a run.
type Generation struct {
	runDir string
	index  int
}

// NewGeneration creates the generation with the given index under the run
// directory.
func NewGeneration(runDir string, index int) Generation {
	return Generation{runDir: runDir, index: index}
}

// Index returns the generation index.
func (g Generation) Index() int {
	return g.index
}

// Prev returns the preceding generation, or nil for generation zero.
func (g Generation) Prev() *Generation {
	if g.index == 0 {
		return nil
	}
	prev := NewGeneration(g.runDir, g.index-1)
	return &prev
}

// DataPrefix returns the path prefix of the self-play data files the
// worker writes for this generation.
func (g Generation) DataPrefix() string {
	return filepath.Join(SelfplayDir(g.runDir), fmt.Sprintf("games_%d", g.index))
}

// TrainingDir returns this generation's training output directory.
func (g Generation) TrainingDir() string {
	return filepath.Join(g.runDir, "training", fmt.Sprintf("gen_%d", g.index))
}

// CheckpointPath returns the path of the trainable checkpoint saved after
// this generation's training steps.
func (g Generation) CheckpointPath() string {
	return filepath.Join(g.TrainingDir(), "network.ckpt")
}

// NetworkPath returns the path of the exported network handed to the
// self-play worker.
func (g Generation) NetworkPath() string {
	return filepath.Join(g.TrainingDir(), "network.onnx")
}

// MarkerPath returns the path of the finished marker.
func (g Generation) MarkerPath() string {
	return filepath.Join(g.TrainingDir(), "finished.marker")
}

// Finished reports whether the marker exists. A generation is complete if
// and only if its marker is on disk; missing artifacts without a marker
// mean the generation was never finished, not that it is corrupt.
func (g Generation) Finished() bool {
	_, err := os.Stat(g.MarkerPath())
	return err == nil
}

// EnsureTrainingDir creates the training directory if needed.
func (g Generation) EnsureTrainingDir() error {
	if err := os.MkdirAll(g.TrainingDir(), 0755); err != nil {
		return fmt.Errorf("failed to create training dir: %w", err)
	}
	return nil
}

// WriteMarker writes the empty finished marker. It must be the last write
// of the generation: every other artifact is already durable when the
// marker lands.
func (g Generation) WriteMarker() error {
	f, err := os.Create(g.MarkerPath())
	if err != nil {
		return fmt.Errorf("failed to write finished marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync finished marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close finished marker: %w", err)
	}
	return nil
}

// SelfplayDir returns the directory the worker writes generation data
// into.
func SelfplayDir(runDir string) string {
	return filepath.Join(runDir, "selfplay")
}

// InitialNetworkPath returns the path of the network exported before the
// first generation.
func InitialNetworkPath(runDir string) string {
	return filepath.Join(runDir, "initial_network.onnx")
}

// MetricLogPath returns the path of the run's metric log snapshot.
func MetricLogPath(runDir string) string {
	return filepath.Join(runDir, "log.db")
}
