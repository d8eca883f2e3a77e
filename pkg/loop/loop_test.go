package loop

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroloop/zeroloop/pkg/config"
	"github.com/zeroloop/zeroloop/pkg/datafile"
	"github.com/zeroloop/zeroloop/pkg/mlog"
	"github.com/zeroloop/zeroloop/pkg/replay"
	"github.com/zeroloop/zeroloop/pkg/selfplay"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// fakeChannel scripts the worker side of the session and records every
// call in order.
type fakeChannel struct {
	mu       sync.Mutex
	calls    []string
	indices  []int
	consumed int
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) SendStartupSettings(s selfplay.StartupSettings) error {
	c.record(fmt.Sprintf("StartupSettings first_gen=%d", s.FirstGen))
	return nil
}

func (c *fakeChannel) SendNewSettings(selfplay.Settings) error {
	c.record("NewSettings")
	return nil
}

func (c *fakeChannel) SendNewNetwork(path string) error {
	c.record("NewNetwork " + path)
	return nil
}

func (c *fakeChannel) SendWaitForNewNetwork() error {
	c.record("WaitForNewNetwork")
	return nil
}

func (c *fakeChannel) WaitForFile(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.consumed < len(c.indices) {
		index := c.indices[c.consumed]
		c.consumed++
		c.calls = append(c.calls, fmt.Sprintf("WaitForFile -> %d", index))
		c.mu.Unlock()
		return index, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return 0, ctx.Err()
}

func (c *fakeChannel) Close() error {
	c.record("Close")
	return nil
}

// fakeModel counts training activity and writes trivial artifacts.
type fakeModel struct {
	mu             sync.Mutex
	trainSteps     int
	evals          []string
	failCheckpoint bool
}

func (m *fakeModel) TrainStep(batch *replay.Batch, sink replay.MetricSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainSteps++
	sink.Log("loss", "total", 0.5)
	return nil
}

func (m *fakeModel) Evaluate(label string, batch *replay.Batch, sink replay.MetricSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, label)
	sink.Log(label, "loss", 0.4)
	return nil
}

func (m *fakeModel) SaveCheckpoint(path string) error {
	if m.failCheckpoint {
		return fmt.Errorf("induced checkpoint failure")
	}
	return os.WriteFile(path, []byte("checkpoint"), 0644)
}

func (m *fakeModel) Export(path string) error {
	return os.WriteFile(path, []byte("network"), 0644)
}

func (m *fakeModel) TrainStepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainSteps
}

func (m *fakeModel) Evals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.evals...)
}

// fakeStore hands out a shared fake model and records restores.
type fakeStore struct {
	model  *fakeModel
	inits  int
	loaded []string
}

func (s *fakeStore) Init() (TrainableModel, error) {
	s.inits++
	return s.model, nil
}

func (s *fakeStore) Load(checkpointPath string) (TrainableModel, error) {
	if _, err := os.Stat(checkpointPath); err != nil {
		return nil, err
	}
	s.loaded = append(s.loaded, checkpointPath)
	return s.model, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RunDir = t.TempDir()
	cfg.Game = "ttt"
	cfg.Buffer.TargetPositions = 1000
	cfg.Sampling.BatchSize = 4
	cfg.Sampling.Seed = 1
	cfg.Training.StepsPerGen = 3
	require.NoError(t, cfg.Validate())
	return cfg
}

// writeGeneration writes a synthetic self-play data file for the given
// generation, as the worker would before announcing it.
func writeGeneration(t *testing.T, runDir string, gi, games, length int) {
	t.Helper()
	game, err := types.FindGame("ttt")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(SelfplayDir(runDir), 0755))

	w, err := datafile.NewWriter(game, NewGeneration(runDir, gi).DataPrefix())
	require.NoError(t, err)
	for id := 0; id < games; id++ {
		for move := 0; move < length; move++ {
			require.NoError(t, w.Append(datafile.Position{
				GameID:     id,
				MoveIndex:  move,
				GameLength: length,
				Value:      0.5,
				WDL:        [3]float32{1, 0, 0},
				Input:      make([]float32, game.InputSize()),
				Policy:     make([]float32, game.PolicySize()),
			}))
		}
	}
	require.NoError(t, w.Finish())
}

func TestGenerationPaths(t *testing.T) {
	gen := NewGeneration("data/run", 3)

	assert.Equal(t, 3, gen.Index())
	assert.Equal(t, "data/run/selfplay/games_3", gen.DataPrefix())
	assert.Equal(t, "data/run/training/gen_3", gen.TrainingDir())
	assert.Equal(t, "data/run/training/gen_3/network.ckpt", gen.CheckpointPath())
	assert.Equal(t, "data/run/training/gen_3/network.onnx", gen.NetworkPath())
	assert.Equal(t, "data/run/training/gen_3/finished.marker", gen.MarkerPath())

	require.NotNil(t, gen.Prev())
	assert.Equal(t, 2, gen.Prev().Index())
	assert.Nil(t, NewGeneration("data/run", 0).Prev())
}

func TestMarker(t *testing.T) {
	gen := NewGeneration(t.TempDir(), 0)
	assert.False(t, gen.Finished())

	require.NoError(t, gen.EnsureTrainingDir())
	require.NoError(t, gen.WriteMarker())
	assert.True(t, gen.Finished())
}

func TestFreshRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	channel := &fakeChannel{indices: []int{0}}
	store := &fakeStore{model: &fakeModel{}}
	o, err := New(cfg, channel, store, nil)
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Run(context.Background()))

	gen := NewGeneration(cfg.RunDir, 0)
	assert.True(t, gen.Finished())
	assert.FileExists(t, gen.CheckpointPath())
	assert.FileExists(t, gen.NetworkPath())
	assert.FileExists(t, InitialNetworkPath(cfg.RunDir))
	assert.FileExists(t, MetricLogPath(cfg.RunDir))

	assert.Equal(t, 1, store.inits)
	assert.Equal(t, 3, store.model.TrainStepCount())
	assert.Equal(t, []string{"test-buffer", "test-last"}, store.model.Evals())
	assert.Equal(t, 1, o.Buffer().Len())
	assert.Equal(t, 10, o.Buffer().Positions())
	assert.Equal(t, 1, o.MetricLog().Batches())

	// Commands reach the worker in the protocol's required order, and
	// the new network is pushed only after the marker is written.
	assert.Equal(t, []string{
		"StartupSettings first_gen=0",
		"NewSettings",
		"NewNetwork " + InitialNetworkPath(cfg.RunDir),
		"WaitForFile -> 0",
		"WaitForNewNetwork",
		"NewNetwork " + gen.NetworkPath(),
	}, channel.Calls())
}

func TestResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 2

	writeGeneration(t, cfg.RunDir, 0, 2, 5)
	writeGeneration(t, cfg.RunDir, 1, 2, 5)

	channel := &fakeChannel{indices: []int{0, 1}}
	store := &fakeStore{model: &fakeModel{}}
	o, err := New(cfg, channel, store, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.Close())

	// Second session over the same run directory picks up at gen 2.
	cfg.Training.MaxGenerations = 3
	writeGeneration(t, cfg.RunDir, 2, 2, 5)

	channel2 := &fakeChannel{indices: []int{2}}
	store2 := &fakeStore{model: &fakeModel{}}
	o2, err := New(cfg, channel2, store2, nil)
	require.NoError(t, err)
	defer o2.Close()

	require.NoError(t, o2.Run(context.Background()))

	assert.Equal(t, 2, o2.StartGen())
	assert.Equal(t, 0, store2.inits)
	assert.Equal(t, []string{NewGeneration(cfg.RunDir, 1).CheckpointPath()}, store2.loaded)
	assert.Equal(t, 3, o2.Buffer().Len())
	assert.Equal(t, 3, o2.MetricLog().Batches())
	assert.True(t, NewGeneration(cfg.RunDir, 2).Finished())

	calls := channel2.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "StartupSettings first_gen=2", calls[0])
	// The resumed session pushes the last finished network, not a fresh
	// initial export.
	assert.Equal(t, "NewNetwork "+NewGeneration(cfg.RunDir, 1).NetworkPath(), calls[2])
}

func TestRecoveryIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	channel := &fakeChannel{indices: []int{0}}
	store := &fakeStore{model: &fakeModel{}}
	o, err := New(cfg, channel, store, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.Close())

	// Recovering twice over the same finished state lands in the same
	// place both times.
	for i := 0; i < 2; i++ {
		oi, err := New(cfg, &fakeChannel{}, &fakeStore{model: &fakeModel{}}, nil)
		require.NoError(t, err)
		require.NoError(t, oi.Recover())
		assert.Equal(t, 1, oi.StartGen())
		assert.Equal(t, 1, oi.Buffer().Len())
		assert.Equal(t, 10, oi.Buffer().Positions())
		require.NoError(t, oi.Close())
	}
}

func TestGenerationMismatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	channel := &fakeChannel{indices: []int{7}}
	o, err := New(cfg, channel, &fakeStore{model: &fakeModel{}}, nil)
	require.NoError(t, err)
	defer o.Close()

	err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrGenerationMismatch)
	assert.False(t, NewGeneration(cfg.RunDir, 0).Finished())
}

func TestMarkerWrittenLast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	model := &fakeModel{failCheckpoint: true}
	o, err := New(cfg, &fakeChannel{indices: []int{0}}, &fakeStore{model: model}, nil)
	require.NoError(t, err)

	err = o.Run(context.Background())
	require.Error(t, err)
	require.NoError(t, o.Close())

	// The failed generation left no marker, so the next session redoes
	// it from scratch and finishes it.
	assert.False(t, NewGeneration(cfg.RunDir, 0).Finished())

	o2, err := New(cfg, &fakeChannel{indices: []int{0}}, &fakeStore{model: &fakeModel{}}, nil)
	require.NoError(t, err)
	defer o2.Close()

	require.NoError(t, o2.Run(context.Background()))
	assert.Equal(t, 0, o2.StartGen())
	assert.True(t, NewGeneration(cfg.RunDir, 0).Finished())
}

func TestOnlyGenerate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1
	cfg.Training.OnlyGenerate = true
	cfg.Training.StepsPerGen = 0
	cfg.Training.InitialNetwork = "networks/base.onnx"

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	channel := &fakeChannel{indices: []int{0}}
	store := &fakeStore{model: &fakeModel{}}
	o, err := New(cfg, channel, store, nil)
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Run(context.Background()))

	assert.True(t, NewGeneration(cfg.RunDir, 0).Finished())
	assert.Equal(t, 0, store.model.TrainStepCount())
	assert.NoFileExists(t, NewGeneration(cfg.RunDir, 0).NetworkPath())

	// The configured network must reach the worker before the first
	// wait, or its generators would never start a game. After that the
	// worker keeps generating with the same network: no per-generation
	// pushes, no WaitForNewNetwork stalls.
	assert.Equal(t, []string{
		"StartupSettings first_gen=0",
		"NewSettings",
		"NewNetwork networks/base.onnx",
		"WaitForFile -> 0",
	}, channel.Calls())
}

func TestRecoverTruncatesUnfinishedMetricRows(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.MaxGenerations = 1

	writeGeneration(t, cfg.RunDir, 0, 2, 5)

	o, err := New(cfg, &fakeChannel{indices: []int{0}}, &fakeStore{model: &fakeModel{}}, nil)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))
	require.NoError(t, o.Close())

	// Simulate a crash between the log save and the marker write of
	// generation 1: the snapshot has a row for it, the marker does not
	// exist.
	l, err := mlog.Load(MetricLogPath(cfg.RunDir))
	require.NoError(t, err)
	l.StartBatch()
	l.Log("info", "gen", 1)
	require.NoError(t, l.Save(MetricLogPath(cfg.RunDir)))

	o2, err := New(cfg, &fakeChannel{}, &fakeStore{model: &fakeModel{}}, nil)
	require.NoError(t, err)
	defer o2.Close()

	require.NoError(t, o2.Recover())
	assert.Equal(t, 1, o2.StartGen())
	assert.Equal(t, 1, o2.MetricLog().Batches())
}

func TestRunCancellation(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, err := New(cfg, &fakeChannel{}, &fakeStore{model: &fakeModel{}}, nil)
	require.NoError(t, err)
	defer o.Close()

	err = o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, NewGeneration(cfg.RunDir, 0).Finished())
}
