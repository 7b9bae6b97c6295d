// Package tensor holds the rectangular arrays that flow between collation,
// the trainer and model collaborators. Storage is row-major and always host
// resident; Device records where a collaborator should compute on it.
package tensor

import (
	"fmt"

	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Int64Matrix is a rows x cols matrix of int64.
type Int64Matrix struct {
	Rows, Cols int
	Data       []int64
	Device     device.Device
}

// NewInt64Matrix allocates a zeroed matrix.
func NewInt64Matrix(rows, cols int) Int64Matrix {
	return Int64Matrix{Rows: rows, Cols: cols, Data: make([]int64, rows*cols)}
}

// Int64FromRows copies equal-length rows into a matrix.
func Int64FromRows(rows [][]int64) (Int64Matrix, error) {
	if len(rows) == 0 {
		return Int64Matrix{}, nil
	}
	cols := len(rows[0])
	m := NewInt64Matrix(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return Int64Matrix{}, errors.ShapeMismatch("ragged rows").
				WithDetailf("row %d has %d columns, row 0 has %d", i, len(r), cols)
		}
		copy(m.Data[i*cols:], r)
	}
	return m, nil
}

func (m Int64Matrix) At(i, j int) int64 { return m.Data[i*m.Cols+j] }

func (m Int64Matrix) Set(i, j int, v int64) { m.Data[i*m.Cols+j] = v }

// Row returns a view of row i.
func (m Int64Matrix) Row(i int) []int64 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Shape returns [rows, cols].
func (m Int64Matrix) Shape() []int { return []int{m.Rows, m.Cols} }

// To returns the matrix tagged with d. The backing array is shared.
func (m Int64Matrix) To(d device.Device) Int64Matrix {
	m.Device = d
	return m
}

// BoolMatrix is a rows x cols matrix of bool.
type BoolMatrix struct {
	Rows, Cols int
	Data       []bool
	Device     device.Device
}

// NewBoolMatrix allocates an all-false matrix.
func NewBoolMatrix(rows, cols int) BoolMatrix {
	return BoolMatrix{Rows: rows, Cols: cols, Data: make([]bool, rows*cols)}
}

func (m BoolMatrix) At(i, j int) bool { return m.Data[i*m.Cols+j] }

func (m BoolMatrix) Set(i, j int, v bool) { m.Data[i*m.Cols+j] = v }

func (m BoolMatrix) Row(i int) []bool { return m.Data[i*m.Cols : (i+1)*m.Cols] }

func (m BoolMatrix) Shape() []int { return []int{m.Rows, m.Cols} }

func (m BoolMatrix) To(d device.Device) BoolMatrix {
	m.Device = d
	return m
}

// Vector is a 1-D float64 array.
type Vector struct {
	Data   []float64
	Device device.Device
}

func NewVector(data []float64) Vector { return Vector{Data: data} }

func (v Vector) Len() int { return len(v.Data) }

func (v Vector) Shape() []int { return []int{len(v.Data)} }

func (v Vector) To(d device.Device) Vector {
	v.Device = d
	return v
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FormatShape renders a shape as "[4 16]".
func FormatShape(s []int) string { return fmt.Sprint(s) }
