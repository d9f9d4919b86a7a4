package engine

import (
	"encoding/json"
	"fmt"
)

type Symbol string

const (
	Empty Symbol = ""
	X     Symbol = "X"
	O     Symbol = "O"
)

// Opponent returns the other playing symbol. Empty stays Empty.
func (s Symbol) Opponent() Symbol {
	switch s {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

// Board is a row-major grid. Row 0 is the top row.
type Board struct {
	Rows  int
	Cols  int
	Cells []Symbol
}

func NewBoard(rows, cols int) Board {
	return Board{
		Rows:  rows,
		Cols:  cols,
		Cells: make([]Symbol, rows*cols),
	}
}

func (b Board) At(row, col int) Symbol {
	return b.Cells[row*b.Cols+col]
}

func (b Board) InBounds(row, col int) bool {
	return row >= 0 && row < b.Rows && col >= 0 && col < b.Cols
}

// Clone returns a copy that shares no memory with b.
func (b Board) Clone() Board {
	cells := make([]Symbol, len(b.Cells))
	copy(cells, b.Cells)
	return Board{Rows: b.Rows, Cols: b.Cols, Cells: cells}
}

func (b Board) set(row, col int, s Symbol) {
	b.Cells[row*b.Cols+col] = s
}

func (b Board) Full() bool {
	for _, c := range b.Cells {
		if c == Empty {
			return false
		}
	}
	return true
}

// Swapped returns a copy with X and O exchanged.
func (b Board) Swapped() Board {
	out := b.Clone()
	for i, c := range out.Cells {
		out.Cells[i] = c.Opponent()
	}
	return out
}

type boardJSON struct {
	Rows int        `json:"rows"`
	Cols int        `json:"cols"`
	Grid [][]Symbol `json:"grid"`
}

func (b Board) MarshalJSON() ([]byte, error) {
	grid := make([][]Symbol, b.Rows)
	for r := 0; r < b.Rows; r++ {
		grid[r] = append([]Symbol(nil), b.Cells[r*b.Cols:(r+1)*b.Cols]...)
	}
	return json.Marshal(boardJSON{Rows: b.Rows, Cols: b.Cols, Grid: grid})
}

func (b *Board) UnmarshalJSON(data []byte) error {
	var raw boardJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.Grid) != raw.Rows {
		return fmt.Errorf("board has %d rows, header says %d", len(raw.Grid), raw.Rows)
	}
	cells := make([]Symbol, 0, raw.Rows*raw.Cols)
	for r, row := range raw.Grid {
		if len(row) != raw.Cols {
			return fmt.Errorf("board row %d has %d cells, header says %d", r, len(row), raw.Cols)
		}
		cells = append(cells, row...)
	}
	*b = Board{Rows: raw.Rows, Cols: raw.Cols, Cells: cells}
	return nil
}

var lineDirections = [][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// lineThrough reports whether the mark at (row, col) is part of a run of at
// least winLen identical marks in any direction.
func lineThrough(b Board, row, col, winLen int) bool {
	mark := b.At(row, col)
	if mark == Empty {
		return false
	}

	for _, d := range lineDirections {
		count := 1

		r, c := row+d[0], col+d[1]
		for b.InBounds(r, c) && b.At(r, c) == mark {
			count++
			r += d[0]
			c += d[1]
		}

		r, c = row-d[0], col-d[1]
		for b.InBounds(r, c) && b.At(r, c) == mark {
			count++
			r -= d[0]
			c -= d[1]
		}

		if count >= winLen {
			return true
		}
	}
	return false
}

// scan evaluates a whole board. A board where both symbols hold a line is
// unreachable through legal play; it reports the first line found.
func scan(b Board, winLen int) Terminal {
	for row := 0; row < b.Rows; row++ {
		for col := 0; col < b.Cols; col++ {
			if lineThrough(b, row, col, winLen) {
				return Terminal{Kind: Win, Winner: b.At(row, col)}
			}
		}
	}
	if b.Full() {
		return Terminal{Kind: Draw}
	}
	return Terminal{Kind: None}
}
