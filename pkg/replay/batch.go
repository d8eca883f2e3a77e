package replay

import (
	"github.com/zeroloop/zeroloop/pkg/datafile"
	"github.com/zeroloop/zeroloop/pkg/types"
)

// Batch is one training batch of single positions, laid out as flat
// row-major tensors. Batches are ephemeral: they are handed to a train or
// evaluate step and then discarded, never persisted.
type Batch struct {
	Game types.Game
	Size int

	// Input is Size * game.InputSize() values.
	Input []float32
	// Policy is Size * game.PolicySize() values.
	Policy []float32
	// Value is Size values.
	Value []float32
	// WDL is Size * 3 values.
	WDL []float32
}

func newBatch(game types.Game, size int) *Batch {
	return &Batch{
		Game:   game,
		Size:   size,
		Input:  make([]float32, size*game.InputSize()),
		Policy: make([]float32, size*game.PolicySize()),
		Value:  make([]float32, size),
		WDL:    make([]float32, size*3),
	}
}

func (b *Batch) set(row int, p datafile.Position) {
	copy(b.Input[row*b.Game.InputSize():], p.Input)
	copy(b.Policy[row*b.Game.PolicySize():], p.Policy)
	b.Value[row] = p.Value
	copy(b.WDL[row*3:], p.WDL[:])
}

// UnrolledBatch is a batch of multi-step sequences: Steps[k] holds every
// sample's position k steps after its start position. Sequences truncated
// at the end of their game have Mask[k][row] == false from the first
// missing step on; the corresponding tensor rows are zero.
type UnrolledBatch struct {
	Game types.Game
	Size int

	Steps []*Batch
	Mask  [][]bool
}

func newUnrolledBatch(game types.Game, size, steps int) *UnrolledBatch {
	u := &UnrolledBatch{
		Game:  game,
		Size:  size,
		Steps: make([]*Batch, steps),
		Mask:  make([][]bool, steps),
	}
	for k := range u.Steps {
		u.Steps[k] = newBatch(game, size)
		u.Mask[k] = make([]bool, size)
	}
	return u
}
