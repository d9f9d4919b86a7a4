package engine

import (
	"encoding/json"
	"fmt"
)

const (
	TicTacToeName = "TICTACTOE"

	ticTacToeSize   = 3
	ticTacToeWinLen = 3
)

// TicTacToeMove addresses cells 0..8, row-major from the top-left corner.
type TicTacToeMove struct {
	Cell *int `json:"cell"`
}

type TicTacToe struct{}

func (TicTacToe) Name() string { return TicTacToeName }

func (TicTacToe) NewBoard() Board { return NewBoard(ticTacToeSize, ticTacToeSize) }

func (e TicTacToe) Evaluate(b Board) Terminal { return scan(b, ticTacToeWinLen) }

func (e TicTacToe) ApplyMove(board Board, payload json.RawMessage, symbol Symbol) (Board, Terminal, error) {
	var mv TicTacToeMove
	if err := json.Unmarshal(payload, &mv); err != nil || mv.Cell == nil {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: payload must be {\"cell\": int}", ErrIllegalMove)
	}
	return e.Place(board, *mv.Cell, symbol)
}

// Place is ApplyMove with an already decoded cell index.
func (e TicTacToe) Place(board Board, cell int, symbol Symbol) (Board, Terminal, error) {
	if err := checkPlayable(board, ticTacToeSize, ticTacToeSize, symbol, e.Evaluate); err != nil {
		return board, Terminal{Kind: None}, err
	}
	if cell < 0 || cell >= len(board.Cells) {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: cell %d out of range", ErrIllegalMove, cell)
	}

	row, col := cell/board.Cols, cell%board.Cols
	if board.At(row, col) != Empty {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: cell %d is occupied", ErrIllegalMove, cell)
	}

	next := board.Clone()
	next.set(row, col, symbol)

	if lineThrough(next, row, col, ticTacToeWinLen) {
		return next, Terminal{Kind: Win, Winner: symbol}, nil
	}
	if next.Full() {
		return next, Terminal{Kind: Draw}, nil
	}
	return next, Terminal{Kind: None}, nil
}
