package types

import (
	"fmt"
	"time"
)

// Game describes the fixed tensor profile of a board game. All batches
// sampled for a game share these shapes, and the self-play worker is
// configured with the matching game name.
type Game struct {
	Name string

	BoardSize           int
	InputBoolChannels   int
	InputScalarChannels int
	PolicyChannels      int

	AverageGameLength     float64
	AverageAvailableMoves float64
}

// Known game profiles, mirroring the profiles understood by the self-play
// worker.
var games = []Game{
	{
		Name:                  "ataxx",
		BoardSize:             7,
		InputBoolChannels:     3,
		InputScalarChannels:   0,
		PolicyChannels:        17,
		AverageGameLength:     150,
		AverageAvailableMoves: 40,
	},
	{
		Name:                  "chess",
		BoardSize:             8,
		InputBoolChannels:     13,
		InputScalarChannels:   8,
		PolicyChannels:        73,
		AverageGameLength:     150,
		AverageAvailableMoves: 35,
	},
	{
		Name:                  "sttt",
		BoardSize:             9,
		InputBoolChannels:     3,
		InputScalarChannels:   0,
		PolicyChannels:        1,
		AverageGameLength:     50,
		AverageAvailableMoves: 10,
	},
	{
		Name:                  "ttt",
		BoardSize:             3,
		InputBoolChannels:     2,
		InputScalarChannels:   0,
		PolicyChannels:        1,
		AverageGameLength:     7,
		AverageAvailableMoves: 6,
	},
}

// FindGame looks up a game profile by name.
func FindGame(name string) (Game, error) {
	for _, g := range games {
		if g.Name == name {
			return g, nil
		}
	}
	return Game{}, fmt.Errorf("unknown game %q", name)
}

// InputChannels returns the total number of input channels (bool + scalar).
func (g Game) InputChannels() int {
	return g.InputBoolChannels + g.InputScalarChannels
}

// InputSize returns the number of input values per position.
func (g Game) InputSize() int {
	return g.InputChannels() * g.BoardSize * g.BoardSize
}

// PolicySize returns the number of policy values per position.
func (g Game) PolicySize() int {
	return g.PolicyChannels * g.BoardSize * g.BoardSize
}

// WDL holds win/draw/loss tallies from the perspective of the player to move.
type WDL struct {
	Win  uint64 `json:"w"`
	Draw uint64 `json:"d"`
	Loss uint64 `json:"l"`
}

// Total returns the total number of tallied outcomes.
func (w WDL) Total() uint64 {
	return w.Win + w.Draw + w.Loss
}

// FileInfo summarizes one generation's recorded positions.
type FileInfo struct {
	Game          string    `json:"game"`
	PositionCount int       `json:"position_count"`
	GameCount     int       `json:"game_count"`
	MinGameLength int       `json:"min_game_length"`
	MaxGameLength int       `json:"max_game_length"`
	RootWDL       *WDL      `json:"root_wdl,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MeanGameLength returns the mean game length, or 0 for an empty file.
func (i FileInfo) MeanGameLength() float64 {
	if i.GameCount == 0 {
		return 0
	}
	return float64(i.PositionCount) / float64(i.GameCount)
}
