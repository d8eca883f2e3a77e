package datafile

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/zeroloop/zeroloop/pkg/types"
)

// Writer produces generation files in the same layout the self-play worker
// writes. It exists for tests and for offline tooling that converts
// existing game records into training data.
type Writer struct {
	game   types.Game
	prefix string

	bin     *os.File
	buf     *bufio.Writer
	offsets []uint64
	written uint64

	gameCount  int
	minLength  int
	maxLength  int
	rootWDL    types.WDL
	hasRootWDL bool

	currGame    int
	currGameLen int
	finished    bool
}

// NewWriter starts a new generation at the given path prefix.
func NewWriter(game types.Game, prefix string) (*Writer, error) {
	bin, err := os.Create(prefix + ".bin")
	if err != nil {
		return nil, fmt.Errorf("failed to create positions file: %w", err)
	}
	return &Writer{
		game:     game,
		prefix:   prefix,
		bin:      bin,
		buf:      bufio.NewWriter(bin),
		currGame: -1,
	}, nil
}

// Append writes one position. Positions belonging to the same game must be
// appended consecutively, in move order.
func (w *Writer) Append(p Position) error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	if len(p.Policy) != w.game.PolicySize() || len(p.Input) != w.game.InputSize() {
		return fmt.Errorf("position shapes do not match game %q", w.game.Name)
	}

	if p.GameID != w.currGame {
		w.endGame()
		w.currGame = p.GameID
		w.currGameLen = p.GameLength
		w.gameCount++
	}

	w.offsets = append(w.offsets, w.written)

	record := make([]byte, 0, headerSize+4*(4+len(p.Policy)+len(p.Input)))
	record = binary.LittleEndian.AppendUint32(record, uint32(p.GameID))
	record = binary.LittleEndian.AppendUint32(record, uint32(p.MoveIndex))
	record = binary.LittleEndian.AppendUint32(record, uint32(p.GameLength))
	record = binary.LittleEndian.AppendUint32(record, math.Float32bits(p.Value))
	for _, v := range p.WDL {
		record = binary.LittleEndian.AppendUint32(record, math.Float32bits(v))
	}
	for _, v := range p.Policy {
		record = binary.LittleEndian.AppendUint32(record, math.Float32bits(v))
	}
	for _, v := range p.Input {
		record = binary.LittleEndian.AppendUint32(record, math.Float32bits(v))
	}

	if _, err := w.buf.Write(record); err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	w.written += uint64(len(record))

	// Tally the root outcome once per game, from the first position.
	if p.MoveIndex == 0 {
		w.hasRootWDL = true
		switch {
		case p.WDL[0] >= p.WDL[1] && p.WDL[0] >= p.WDL[2]:
			w.rootWDL.Win++
		case p.WDL[1] >= p.WDL[2]:
			w.rootWDL.Draw++
		default:
			w.rootWDL.Loss++
		}
	}

	return nil
}

func (w *Writer) endGame() {
	if w.currGame < 0 {
		return
	}
	if w.gameCount == 1 || w.currGameLen < w.minLength {
		w.minLength = w.currGameLen
	}
	if w.currGameLen > w.maxLength {
		w.maxLength = w.currGameLen
	}
}

// Finish flushes the position data and writes the offset and metadata
// files. The generation is complete once Finish returns.
func (w *Writer) Finish() error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	w.finished = true
	w.endGame()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush positions: %w", err)
	}
	if err := w.bin.Close(); err != nil {
		return fmt.Errorf("failed to close positions: %w", err)
	}

	off := make([]byte, 0, 8*len(w.offsets))
	for _, o := range w.offsets {
		off = binary.LittleEndian.AppendUint64(off, o)
	}
	if err := os.WriteFile(w.prefix+".off", off, 0644); err != nil {
		return fmt.Errorf("failed to write offsets: %w", err)
	}

	info := types.FileInfo{
		Game:          w.game.Name,
		PositionCount: len(w.offsets),
		GameCount:     w.gameCount,
		MinGameLength: w.minLength,
		MaxGameLength: w.maxLength,
		CreatedAt:     time.Now().UTC(),
	}
	if w.hasRootWDL {
		wdl := w.rootWDL
		info.RootWDL = &wdl
	}

	meta, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.prefix+".json", meta, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
