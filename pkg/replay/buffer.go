package replay

import (
	"fmt"

	"github.com/zeroloop/zeroloop/pkg/datafile"
	"github.com/zeroloop/zeroloop/pkg/log"
	"github.com/zeroloop/zeroloop/pkg/metrics"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// MetricSink receives buffer-health metrics on ingestion. The mlog
// package provides the durable implementation; tests use fakes.
type MetricSink interface {
	Log(category, key string, value float64)
}

// Buffer is the sliding window of recent generations used as the training
// data source. Files are ordered oldest first; a cached position total
// drives whole-file eviction from the front.
//
// The buffer holds the smallest suffix of generations whose total minus
// the single oldest file does not exceed the target, so it may exceed the
// target by up to one generation's worth of positions. Membership is only
// ever mutated by the orchestrator's control goroutine.
type Buffer struct {
	game   types.Game
	target int
	opts   Options

	files     []*datafile.DataFile
	positions int
}

// NewBuffer creates an empty buffer targeting the given number of
// positions. The sampling options are applied to every sampler the buffer
// hands out.
func NewBuffer(game types.Game, targetPositions int, opts Options) *Buffer {
	return &Buffer{
		game:   game,
		target: targetPositions,
		opts:   opts,
	}
}

// Append ingests one newly finished generation: the file joins the tail,
// then older files are evicted from the front until the window invariant
// holds again. The just-appended file is never evicted. A nil sink skips
// metric reporting (used when replaying finished generations on startup).
func (b *Buffer) Append(file *datafile.DataFile, sink MetricSink) error {
	if file.Game().Name != b.game.Name {
		return fmt.Errorf("data file is for game %q, buffer holds %q", file.Game().Name, b.game.Name)
	}

	b.files = append(b.files, file)
	b.positions += file.Len()

	// Evict whole files from the front. The len guard both protects the
	// just-appended file and terminates the loop when zero-length heads
	// cannot shrink the total.
	for len(b.files) > 1 && b.positions-b.files[0].Len() > b.target {
		head := b.files[0]
		b.files = b.files[1:]
		b.positions -= head.Len()
		if err := head.Close(); err != nil {
			logger := log.WithComponent("replay")
			logger.Warn().Err(err).Msg("failed to release evicted generation")
		}
	}

	metrics.BufferGenerations.Set(float64(len(b.files)))
	metrics.BufferGames.Set(float64(b.Games()))
	metrics.BufferPositions.Set(float64(b.positions))

	if sink != nil {
		b.report(file, sink)
	}
	return nil
}

func (b *Buffer) report(file *datafile.DataFile, sink MetricSink) {
	sink.Log("buffer", "gens", float64(len(b.files)))
	sink.Log("buffer", "games", float64(b.Games()))
	sink.Log("buffer", "positions", float64(b.positions))

	info := file.Info()
	sink.Log("gen-size", "games", float64(info.GameCount))
	sink.Log("gen-size", "positions", float64(info.PositionCount))
	sink.Log("gen-game-len", "game length min", float64(info.MinGameLength))
	sink.Log("gen-game-len", "game length mean", info.MeanGameLength())
	sink.Log("gen-game-len", "game length max", float64(info.MaxGameLength))

	if info.RootWDL != nil {
		sink.Log("gen-root-wdl", "w", float64(info.RootWDL.Win))
		sink.Log("gen-root-wdl", "d", float64(info.RootWDL.Draw))
		sink.Log("gen-root-wdl", "l", float64(info.RootWDL.Loss))
	}
}

// SamplerFull returns a sampler over the entire current window.
func (b *Buffer) SamplerFull(batchSize int) (*Sampler, error) {
	files := make([]*datafile.DataFile, len(b.files))
	copy(files, b.files)
	return NewSampler(b.game, files, batchSize, b.opts)
}

// SamplerLast returns a sampler over only the most recently appended
// generation, used to separate recency effects from whole-buffer
// performance.
func (b *Buffer) SamplerLast(batchSize int) (*Sampler, error) {
	if len(b.files) == 0 {
		return nil, ErrEmptyBuffer
	}
	return NewSampler(b.game, []*datafile.DataFile{b.files[len(b.files)-1]}, batchSize, b.opts)
}

// Len returns the number of generations currently in the window.
func (b *Buffer) Len() int {
	return len(b.files)
}

// Positions returns the cached total position count.
func (b *Buffer) Positions() int {
	return b.positions
}

// Games returns the total game count across the window.
func (b *Buffer) Games() int {
	total := 0
	for _, f := range b.files {
		total += f.Info().GameCount
	}
	return total
}

// Files returns the current window, oldest first. The returned slice is a
// copy; the files remain owned by the buffer.
func (b *Buffer) Files() []*datafile.DataFile {
	files := make([]*datafile.DataFile, len(b.files))
	copy(files, b.files)
	return files
}

// Close releases the buffer's reference to every remaining file.
func (b *Buffer) Close() error {
	var firstErr error
	for _, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.files = nil
	b.positions = 0
	return firstErr
}
