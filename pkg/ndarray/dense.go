package ndarray

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// AsDense views a contiguous 2-D float64 array as a gonum matrix. The matrix
// shares the descriptor's memory; writes through it are visible to the
// foreign side.
func (d *Descriptor) AsDense() (*mat.Dense, error) {
	if len(d.Shape) != 2 {
		return nil, fmt.Errorf("dense view needs a 2-D array, got %d dimensions", len(d.Shape))
	}
	values, err := d.Float64s()
	if err != nil {
		return nil, err
	}
	rows, cols := int(d.Shape[0]), int(d.Shape[1])
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("dense view of an empty %dx%d array", rows, cols)
	}
	return mat.NewDense(rows, cols, values), nil
}

// AsVector views a contiguous 1-D float64 array as a gonum vector
func (d *Descriptor) AsVector() (*mat.VecDense, error) {
	if len(d.Shape) != 1 {
		return nil, fmt.Errorf("vector view needs a 1-D array, got %d dimensions", len(d.Shape))
	}
	values, err := d.Float64s()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("vector view of an empty array")
	}
	return mat.NewVecDense(len(values), values), nil
}

// FromDense exposes a gonum matrix as an owned array without copying. Only
// matrices whose stride equals their column count are accepted.
func FromDense(m *mat.Dense) (*Descriptor, error) {
	raw := m.RawMatrix()
	if raw.Stride != raw.Cols {
		return nil, fmt.Errorf("matrix stride %d differs from column count %d", raw.Stride, raw.Cols)
	}
	return FromFloat64s(raw.Data[:raw.Rows*raw.Cols], int64(raw.Rows), int64(raw.Cols))
}
