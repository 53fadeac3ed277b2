// Package tensor provides CPU tensors with reverse-mode automatic
// differentiation. Tensors are dense, row-major, and carry an optional
// gradient plus a reference to the operation that created them, which
// together form the backward graph.
package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Operation is one node of the backward graph. Forward computes the result
// tensor and must record the inputs it needs for the backward pass.
// Backward receives the gradient of the loss with respect to the operation's
// output and returns one gradient per input, in input order. A nil entry
// means no gradient flows to that input.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(grad *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced this tensor, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Detach returns a tensor sharing this tensor's data but severed from the
// backward graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    append([]int{}, t.Shape...),
		Strides:  append([]int{}, t.Strides...),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
