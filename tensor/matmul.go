package tensor

import (
	"fmt"
)

// MatMul multiplies two 2D Float32 tensors, tracked for autograd.
// Shapes (m, k) x (k, n) produce (m, n).
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	op := &matMulOp{}
	return op.Forward(t1, t2)
}

// Transpose returns the transpose of a 2D tensor. It is a data movement
// helper and is not tracked for autograd.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("Transpose only supports Float32, got %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return result, nil
}

// parallelThreshold is the number of multiply-adds below which matmul
// stays on a single goroutine.
const parallelThreshold = 32768

func matMulKernel(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("MatMul only supports Float32, got %s", t1.DType)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("MatMul shape mismatch: (%d, %d) x (%d, %d)",
			t1.Shape[0], t1.Shape[1], t2.Shape[0], t2.Shape[1])
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]

	result, err := Zeros([]int{m, n}, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	c := result.Data.([]float32)

	multiply := func(start, end int) {
		for i := start; i < end; i++ {
			arow := a[i*k : (i+1)*k]
			crow := c[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := arow[p]
				if av == 0 {
					continue
				}
				brow := b[p*n : (p+1)*n]
				for j := 0; j < n; j++ {
					crow[j] += av * brow[j]
				}
			}
		}
	}

	if m*k*n < parallelThreshold {
		multiply(0, m)
	} else {
		parallelRows(m, multiply)
	}

	return result, nil
}
