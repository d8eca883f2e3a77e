package datafile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/zeroloop/zeroloop/pkg/types"
)

// A generation is stored as three files sharing a path prefix:
//
//	<prefix>.json   metadata (types.FileInfo)
//	<prefix>.off    one little-endian uint64 byte offset per position
//	<prefix>.bin    position records, back to back
//
// Each record starts with a fixed header (game id, move index, game length,
// all uint32) followed by the position tensors as float32 values. The
// writer is the external self-play worker; this package only ever reads
// finished generations, plus provides a Writer for tests and tooling.
const headerSize = 12

// DataFile is an immutable, read-only handle to one generation's recorded
// positions. It is reference counted: the replay buffer holds one
// reference, and every live sampler holds another, so evicting a file
// that is still being sampled does not close it out from under the
// sampler.
type DataFile struct {
	game    types.Game
	info    types.FileInfo
	offsets []uint64
	binSize uint64

	mu   sync.Mutex
	bin  *os.File
	refs int
}

// Position is one decoded training position.
type Position struct {
	GameID     int
	MoveIndex  int
	GameLength int

	Value  float32
	WDL    [3]float32
	Input  []float32
	Policy []float32
}

// Open opens the generation stored at the given path prefix and validates
// it against the game profile.
func Open(game types.Game, prefix string) (*DataFile, error) {
	meta, err := os.ReadFile(prefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var info types.FileInfo
	if err := json.Unmarshal(meta, &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if info.Game != game.Name {
		return nil, fmt.Errorf("data file is for game %q, expected %q", info.Game, game.Name)
	}
	if info.PositionCount < 0 {
		return nil, fmt.Errorf("negative position count %d", info.PositionCount)
	}

	off, err := os.ReadFile(prefix + ".off")
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}
	if len(off) != 8*info.PositionCount {
		return nil, fmt.Errorf("offset file holds %d entries, metadata says %d positions", len(off)/8, info.PositionCount)
	}

	offsets := make([]uint64, info.PositionCount)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(off[8*i:])
	}

	bin, err := os.Open(prefix + ".bin")
	if err != nil {
		return nil, fmt.Errorf("failed to open positions: %w", err)
	}
	st, err := bin.Stat()
	if err != nil {
		bin.Close()
		return nil, fmt.Errorf("failed to stat positions: %w", err)
	}

	return &DataFile{
		game:    game,
		info:    info,
		offsets: offsets,
		binSize: uint64(st.Size()),
		bin:     bin,
		refs:    1,
	}, nil
}

// Len returns the number of positions in the file.
func (f *DataFile) Len() int {
	return len(f.offsets)
}

// Info returns the file's summary metadata.
func (f *DataFile) Info() types.FileInfo {
	return f.info
}

// Game returns the game profile the file was opened with.
func (f *DataFile) Game() types.Game {
	return f.game
}

// Retain takes an additional reference to the file. Every Retain must be
// paired with a Close.
func (f *DataFile) Retain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs <= 0 {
		panic("datafile: Retain after final Close")
	}
	f.refs++
}

// Close releases one reference. The underlying file is closed when the
// last reference is released.
func (f *DataFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs <= 0 {
		return fmt.Errorf("data file already closed")
	}
	f.refs--
	if f.refs == 0 {
		return f.bin.Close()
	}
	return nil
}

// PositionAt reads and decodes position i.
func (f *DataFile) PositionAt(i int) (Position, error) {
	raw, err := f.rawAt(i)
	if err != nil {
		return Position{}, err
	}
	return f.decode(raw)
}

func (f *DataFile) rawAt(i int) ([]byte, error) {
	if i < 0 || i >= len(f.offsets) {
		return nil, fmt.Errorf("position %d out of range [0, %d)", i, len(f.offsets))
	}

	start := f.offsets[i]
	end := f.binSize
	if i+1 < len(f.offsets) {
		end = f.offsets[i+1]
	}
	if end < start || end > f.binSize {
		return nil, fmt.Errorf("corrupt offsets for position %d: [%d, %d)", i, start, end)
	}

	buf := make([]byte, end-start)
	if _, err := f.bin.ReadAt(buf, int64(start)); err != nil {
		return nil, fmt.Errorf("failed to read position %d: %w", i, err)
	}
	return buf, nil
}

func (f *DataFile) decode(raw []byte) (Position, error) {
	want := headerSize + 4*(4+f.game.PolicySize()+f.game.InputSize())
	if len(raw) != want {
		return Position{}, fmt.Errorf("position record is %d bytes, expected %d", len(raw), want)
	}

	p := Position{
		GameID:     int(binary.LittleEndian.Uint32(raw[0:])),
		MoveIndex:  int(binary.LittleEndian.Uint32(raw[4:])),
		GameLength: int(binary.LittleEndian.Uint32(raw[8:])),
	}

	floats := raw[headerSize:]
	next := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(floats))
		floats = floats[4:]
		return v
	}

	p.Value = next()
	for i := range p.WDL {
		p.WDL[i] = next()
	}
	p.Policy = make([]float32, f.game.PolicySize())
	for i := range p.Policy {
		p.Policy[i] = next()
	}
	p.Input = make([]float32, f.game.InputSize())
	for i := range p.Input {
		p.Input[i] = next()
	}

	return p, nil
}
