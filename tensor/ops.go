package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func anyRequiresGrad(tensors []*Tensor) bool {
	for _, t := range tensors {
		if t.requiresGrad {
			return true
		}
	}
	return false
}

// track attaches op as the creator of result when gradients must flow back
// through it.
func track(result *Tensor, op Operation, inputs []*Tensor) {
	if anyRequiresGrad(inputs) {
		result.requiresGrad = true
		result.creator = op
	}
}

// elementwiseBinary applies fn pairwise with broadcasting. Float32 only.
func elementwiseBinary(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("elementwise operations only support Float32, got %s", t1.DType)
	}

	outShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outShape, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := t1.Data.([]float32)
	data2 := t2.Data.([]float32)
	out := result.Data.([]float32)

	if shapesEqual(t1.Shape, t2.Shape) {
		for i := range out {
			out[i] = fn(data1[i], data2[i])
		}
		return result, nil
	}

	for i := range out {
		j1 := broadcastIndex(i, outShape, t1.Shape, t1.Strides)
		j2 := broadcastIndex(i, outShape, t2.Shape, t2.Strides)
		out[i] = fn(data1[j1], data2[j2])
	}
	return result, nil
}

func elementwiseUnary(t *Tensor, fn func(a float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("elementwise operations only support Float32, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	out := result.Data.([]float32)
	for i := range out {
		out[i] = fn(data[i])
	}
	return result, nil
}

// Add returns t1 + t2 with broadcasting, tracked for autograd.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	op := &addOp{}
	return op.Forward(t1, t2)
}

// Sub returns t1 - t2 with broadcasting, tracked for autograd.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	op := &subOp{}
	return op.Forward(t1, t2)
}

// Mul returns the elementwise product t1 * t2 with broadcasting, tracked
// for autograd.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	op := &mulOp{}
	return op.Forward(t1, t2)
}

// Scale returns t * factor, tracked for autograd.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	op := &scaleOp{factor: float32(factor)}
	return op.Forward(t)
}

// ReLU returns max(t, 0) elementwise, tracked for autograd.
func ReLU(t *Tensor) (*Tensor, error) {
	op := &reluOp{}
	return op.Forward(t)
}

// Tanh returns tanh(t) elementwise, tracked for autograd.
func Tanh(t *Tensor) (*Tensor, error) {
	op := &tanhOp{}
	return op.Forward(t)
}

// Reshape returns a tensor with the same data viewed under newShape,
// tracked for autograd.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	op := &reshapeOp{newShape: newShape}
	return op.Forward(t)
}

// Sum reduces the tensor to a single-element tensor holding the sum of all
// elements, tracked for autograd.
func Sum(t *Tensor) (*Tensor, error) {
	op := &sumOp{}
	return op.Forward(t)
}

func tanh32(a float32) float32 {
	return float32(math.Tanh(float64(a)))
}

func reshapeKernel(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor with %d elements to shape %v", t.NumElems, newShape)
	}

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
		return nil, fmt.Errorf("unsupported dtype for Reshape: %s", t.DType)
	}

	return NewTensor(newShape, t.DType, t.Device, data)
}
