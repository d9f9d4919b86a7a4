package engine

import (
	"encoding/json"
	"fmt"
)

const (
	Connect4Name = "CONNECT4"

	Connect4Rows   = 6
	Connect4Cols   = 7
	connect4WinLen = 4
)

type Connect4Move struct {
	Column *int `json:"column"`
}

// Connect4 drops a token into the lowest empty row of a column.
type Connect4 struct{}

func (Connect4) Name() string { return Connect4Name }

func (Connect4) NewBoard() Board { return NewBoard(Connect4Rows, Connect4Cols) }

func (e Connect4) Evaluate(b Board) Terminal { return scan(b, connect4WinLen) }

func (e Connect4) ApplyMove(board Board, payload json.RawMessage, symbol Symbol) (Board, Terminal, error) {
	var mv Connect4Move
	if err := json.Unmarshal(payload, &mv); err != nil || mv.Column == nil {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: payload must be {\"column\": int}", ErrIllegalMove)
	}
	return e.Drop(board, *mv.Column, symbol)
}

// Drop is ApplyMove with an already decoded column.
func (e Connect4) Drop(board Board, col int, symbol Symbol) (Board, Terminal, error) {
	if err := checkPlayable(board, Connect4Rows, Connect4Cols, symbol, e.Evaluate); err != nil {
		return board, Terminal{Kind: None}, err
	}
	if col < 0 || col >= board.Cols {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: column %d out of range", ErrIllegalMove, col)
	}

	row := -1
	for r := board.Rows - 1; r >= 0; r-- {
		if board.At(r, col) == Empty {
			row = r
			break
		}
	}
	if row < 0 {
		return board, Terminal{Kind: None}, fmt.Errorf("%w: column %d is full", ErrIllegalMove, col)
	}

	next := board.Clone()
	next.set(row, col, symbol)

	if lineThrough(next, row, col, connect4WinLen) {
		return next, Terminal{Kind: Win, Winner: symbol}, nil
	}
	if next.Full() {
		return next, Terminal{Kind: Draw}, nil
	}
	return next, Terminal{Kind: None}, nil
}
