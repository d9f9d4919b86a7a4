// Package engine holds the pure rule evaluators for the supported games.
// Engines know nothing about players, sessions or stakes: every decision is a
// function of the board, the move and the acting symbol.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrIllegalMove     = errors.New("ILLEGAL_MOVE: move not allowed")
	ErrUnsupportedGame = errors.New("UNSUPPORTED_GAME: unknown game type")
)

type TerminalKind string

const (
	None TerminalKind = "NONE"
	Win  TerminalKind = "WIN"
	Draw TerminalKind = "DRAW"
)

type Terminal struct {
	Kind   TerminalKind `json:"kind"`
	Winner Symbol       `json:"winner,omitempty"`
}

func (t Terminal) Over() bool { return t.Kind == Win || t.Kind == Draw }

type Engine interface {
	// Name is the game type this engine evaluates, e.g. "CONNECT4".
	Name() string
	NewBoard() Board
	// ApplyMove never mutates board. It fails with ErrIllegalMove when the
	// target is occupied or out of range, or when board is already terminal.
	ApplyMove(board Board, payload json.RawMessage, symbol Symbol) (Board, Terminal, error)
	Evaluate(board Board) Terminal
}

func checkPlayable(b Board, rows, cols int, symbol Symbol, eval func(Board) Terminal) error {
	if symbol != X && symbol != O {
		return fmt.Errorf("%w: unknown symbol %q", ErrIllegalMove, symbol)
	}
	if b.Rows != rows || b.Cols != cols || len(b.Cells) != rows*cols {
		return fmt.Errorf("%w: board has the wrong shape", ErrIllegalMove)
	}
	if eval(b).Over() {
		return fmt.Errorf("%w: game is already over", ErrIllegalMove)
	}
	return nil
}
