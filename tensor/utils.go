package tensor

import (
	"fmt"
)

// Clone returns a deep copy of the tensor's shape and data. The clone is a
// leaf: it carries no gradient and no creator.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	clone, err := NewTensor(t.Shape, t.DType, t.Device, data)
	if err != nil {
		return nil, err
	}
	clone.requiresGrad = t.requiresGrad
	return clone, nil
}

// GetFloat32Data returns the raw backing slice of a Float32 tensor.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is not Float32: %s", t.DType)
	}
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor has no allocated data")
	}
	return data, nil
}

// GetInt32Data returns the raw backing slice of an Int32 tensor.
func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is not Int32: %s", t.DType)
	}
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor has no allocated data")
	}
	return data, nil
}

// Item returns the value of a single-element tensor as a float64.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return float64(t.Data.([]float32)[0]), nil
	case Int32:
		return float64(t.Data.([]int32)[0]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Equal reports whether two tensors have identical shape, dtype, and data.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if other == nil {
		return false, fmt.Errorf("cannot compare with nil tensor")
	}
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}
	return true, nil
}

// ArgMaxRows returns the index of the largest value in each row of a 2D
// Float32 tensor. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int32, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMaxRows requires a 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int32, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = int32(best)
	}
	return out, nil
}
