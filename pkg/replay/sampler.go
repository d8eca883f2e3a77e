package replay

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/zeroloop/zeroloop/pkg/datafile"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// Options control how a Sampler draws batches.
type Options struct {
	// UnrollSteps > 0 switches the sampler to unrolled sequences of
	// UnrollSteps+1 consecutive positions per sample.
	UnrollSteps int

	// IncludeFinal controls the policy for sequences that would run past
	// the end of their game: when true the sequence is truncated at the
	// final position (and masked), when false the start offset is excluded
	// and redrawn.
	IncludeFinal bool

	// RandomSymmetries applies a random board symmetry per sample.
	RandomSymmetries bool

	// Workers is the number of prefetch goroutines (default 1).
	Workers int

	// PrefetchDepth bounds the number of batches prepared ahead of the
	// consumer (default 2).
	PrefetchDepth int

	// Seed fixes the sampling RNG; 0 seeds from the clock.
	Seed int64

	// AllowDuplicates permits a batch size larger than the number of
	// available positions.
	AllowDuplicates bool
}

type batchResult struct {
	batch    *Batch
	unrolled *UnrolledBatch
	err      error
}

// Sampler draws training batches uniformly across the union of positions
// in a fixed set of data files. Background workers decode batches ahead of
// the consumer into a bounded queue; the sampler must be closed on every
// exit path to stop the workers and release the file references it holds.
type Sampler struct {
	game      types.Game
	files     []*datafile.DataFile
	cum       []int
	total     int
	batchSize int
	opts      Options

	results chan batchResult
	stopCh  chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// NewSampler creates a sampler over the given files. The file set must
// hold at least one position, and at least batchSize positions unless
// duplicates are explicitly allowed. The sampler retains a reference to
// every file until it is closed.
func NewSampler(game types.Game, files []*datafile.DataFile, batchSize int, opts Options) (*Sampler, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}

	total := 0
	cum := make([]int, len(files))
	for i, f := range files {
		total += f.Len()
		cum[i] = total
	}
	if total == 0 {
		return nil, ErrEmptyBuffer
	}
	if batchSize > total && !opts.AllowDuplicates {
		return nil, fmt.Errorf("%w: batch size %d, %d positions", ErrInsufficientData, batchSize, total)
	}

	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PrefetchDepth <= 0 {
		opts.PrefetchDepth = 2
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	s := &Sampler{
		game:      game,
		files:     files,
		cum:       cum,
		total:     total,
		batchSize: batchSize,
		opts:      opts,
		results:   make(chan batchResult, opts.PrefetchDepth),
		stopCh:    make(chan struct{}),
	}

	for _, f := range files {
		f.Retain()
	}

	s.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.worker(rand.New(rand.NewSource(opts.Seed + int64(i))))
	}

	return s, nil
}

// Len returns the total number of positions available to the sampler.
func (s *Sampler) Len() int {
	return s.total
}

// NextBatch blocks until the next single-position batch is ready.
func (s *Sampler) NextBatch() (*Batch, error) {
	if s.opts.UnrollSteps > 0 {
		return nil, fmt.Errorf("sampler is configured for unrolled batches")
	}
	res, ok := <-s.results
	if !ok {
		return nil, ErrSamplerClosed
	}
	return res.batch, res.err
}

// NextUnrolledBatch blocks until the next unrolled batch is ready.
func (s *Sampler) NextUnrolledBatch() (*UnrolledBatch, error) {
	if s.opts.UnrollSteps == 0 {
		return nil, fmt.Errorf("sampler is not configured for unrolled batches")
	}
	res, ok := <-s.results
	if !ok {
		return nil, ErrSamplerClosed
	}
	return res.unrolled, res.err
}

// Close stops the prefetch workers and releases the sampler's file
// references. It is safe to call more than once.
func (s *Sampler) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		close(s.results)
		for _, f := range s.files {
			f.Close()
		}
	})
	return nil
}

// locate maps a global position index to (file, local index).
func (s *Sampler) locate(idx int) (int, int) {
	fi := sort.SearchInts(s.cum, idx+1)
	return fi, idx - (s.cum[fi] - s.files[fi].Len())
}

func (s *Sampler) worker(rng *rand.Rand) {
	defer s.wg.Done()

	// Indices are drawn without replacement within one shuffle pass and
	// with replacement across passes.
	perm := rng.Perm(s.total)
	next := 0
	draw := func() int {
		if next == len(perm) {
			rng.Shuffle(len(perm), func(i, j int) {
				perm[i], perm[j] = perm[j], perm[i]
			})
			next = 0
		}
		idx := perm[next]
		next++
		return idx
	}

	for {
		var res batchResult
		if s.opts.UnrollSteps > 0 {
			res.unrolled, res.err = s.buildUnrolled(rng, draw)
		} else {
			res.batch, res.err = s.buildBatch(rng, draw)
		}

		select {
		case s.results <- res:
		case <-s.stopCh:
			return
		}
		if res.err != nil {
			return
		}
	}
}

func (s *Sampler) buildBatch(rng *rand.Rand, draw func() int) (*Batch, error) {
	b := newBatch(s.game, s.batchSize)
	for row := 0; row < s.batchSize; row++ {
		fi, local := s.locate(draw())
		p, err := s.files[fi].PositionAt(local)
		if err != nil {
			return nil, err
		}
		if s.opts.RandomSymmetries {
			s.symmetrize(&p, rng.Intn(symmetryCount))
		}
		b.set(row, p)
	}
	return b, nil
}

func (s *Sampler) buildUnrolled(rng *rand.Rand, draw func() int) (*UnrolledBatch, error) {
	steps := s.opts.UnrollSteps + 1
	u := newUnrolledBatch(s.game, s.batchSize, steps)

	for row := 0; row < s.batchSize; row++ {
		var fi, local int
		var start datafile.Position

		// Without IncludeFinal, start offsets whose window runs past the end
		// of the game are excluded and redrawn. Attempts are bounded so a
		// buffer with only short games fails loudly instead of spinning.
		found := false
		for attempt := 0; attempt < 4*s.total; attempt++ {
			var err error
			fi, local = s.locate(draw())
			start, err = s.files[fi].PositionAt(local)
			if err != nil {
				return nil, err
			}
			if s.opts.IncludeFinal || start.MoveIndex+s.opts.UnrollSteps < start.GameLength {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no position admits an unroll window of %d steps", s.opts.UnrollSteps)
		}

		sym := 0
		if s.opts.RandomSymmetries {
			// One symmetry per sequence, so consecutive steps stay consistent.
			sym = rng.Intn(symmetryCount)
		}

		for k := 0; k < steps; k++ {
			if start.MoveIndex+k >= start.GameLength {
				break
			}
			p, err := s.files[fi].PositionAt(local + k)
			if err != nil {
				return nil, err
			}
			if p.GameID != start.GameID {
				return nil, fmt.Errorf("unroll window crossed a game boundary at position %d", local+k)
			}
			s.symmetrize(&p, sym)
			u.Steps[k].set(row, p)
			u.Mask[k][row] = true
		}
	}

	return u, nil
}

func (s *Sampler) symmetrize(p *datafile.Position, sym int) {
	if sym == 0 {
		return
	}
	p.Input = applySymmetry(sym, s.game.InputChannels(), s.game.BoardSize, p.Input)
	p.Policy = applySymmetry(sym, s.game.PolicyChannels, s.game.BoardSize, p.Policy)
}
