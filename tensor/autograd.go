package tensor

import (
	"fmt"
)

// addOp implements broadcast-aware addition.
type addOp struct {
	inputs []*Tensor
}

func (op *addOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("Add requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseBinary(inputs[0], inputs[1], func(a, b float32) float32 { return a + b })
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *addOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(grad, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(grad, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *addOp) Inputs() []*Tensor { return op.inputs }

// subOp implements broadcast-aware subtraction.
type subOp struct {
	inputs []*Tensor
}

func (op *subOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("Sub requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseBinary(inputs[0], inputs[1], func(a, b float32) float32 { return a - b })
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *subOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(grad, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	negated, err := elementwiseUnary(grad, func(a float32) float32 { return -a })
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(negated, op.inputs[1].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *subOp) Inputs() []*Tensor { return op.inputs }

// mulOp implements broadcast-aware elementwise multiplication.
type mulOp struct {
	inputs []*Tensor
}

func (op *mulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("Mul requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseBinary(inputs[0], inputs[1], func(a, b float32) float32 { return a * b })
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *mulOp) Backward(grad *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	gradTimesB, err := elementwiseBinary(grad, b, func(g, x float32) float32 { return g * x })
	if err != nil {
		return nil, err
	}
	gradA, err := reduceGradientToShape(gradTimesB, a.Shape)
	if err != nil {
		return nil, err
	}

	gradTimesA, err := elementwiseBinary(grad, a, func(g, x float32) float32 { return g * x })
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(gradTimesA, b.Shape)
	if err != nil {
		return nil, err
	}

	return []*Tensor{gradA, gradB}, nil
}

func (op *mulOp) Inputs() []*Tensor { return op.inputs }

// scaleOp multiplies a tensor by a constant factor.
type scaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *scaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Scale requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseUnary(inputs[0], func(a float32) float32 { return a * op.factor })
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *scaleOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradIn, err := elementwiseUnary(grad, func(g float32) float32 { return g * op.factor })
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradIn}, nil
}

func (op *scaleOp) Inputs() []*Tensor { return op.inputs }

// reluOp implements the rectified linear activation.
type reluOp struct {
	inputs []*Tensor
}

func (op *reluOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLU requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseUnary(inputs[0], func(a float32) float32 {
		if a > 0 {
			return a
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *reluOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradIn, err := elementwiseBinary(grad, op.inputs[0], func(g, x float32) float32 {
		if x > 0 {
			return g
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradIn}, nil
}

func (op *reluOp) Inputs() []*Tensor { return op.inputs }

// tanhOp implements the hyperbolic tangent activation. The forward output
// is saved because the derivative is 1 - tanh^2.
type tanhOp struct {
	inputs []*Tensor
	output *Tensor
}

func (op *tanhOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Tanh requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := elementwiseUnary(inputs[0], tanh32)
	if err != nil {
		return nil, err
	}
	op.output = result
	track(result, op, op.inputs)
	return result, nil
}

func (op *tanhOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradIn, err := elementwiseBinary(grad, op.output, func(g, y float32) float32 {
		return g * (1 - y*y)
	})
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradIn}, nil
}

func (op *tanhOp) Inputs() []*Tensor { return op.inputs }

// reshapeOp changes the view shape; the gradient is reshaped back.
type reshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *reshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Reshape requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := reshapeKernel(inputs[0], op.newShape)
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *reshapeOp) Backward(grad *Tensor) ([]*Tensor, error) {
	gradIn, err := reshapeKernel(grad, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradIn}, nil
}

func (op *reshapeOp) Inputs() []*Tensor { return op.inputs }

// sumOp reduces all elements to a single-element tensor.
type sumOp struct {
	inputs []*Tensor
}

func (op *sumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Sum requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	t := inputs[0]
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sum only supports Float32, got %s", t.DType)
	}

	var sum float32
	for _, v := range t.Data.([]float32) {
		sum += v
	}

	result, err := NewTensor([]int{1}, Float32, t.Device, []float32{sum})
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *sumOp) Backward(grad *Tensor) ([]*Tensor, error) {
	if grad.NumElems != 1 {
		return nil, fmt.Errorf("Sum gradient must be a single element, got shape %v", grad.Shape)
	}
	g := grad.Data.([]float32)[0]
	gradIn, err := Full(op.inputs[0].Shape, g, Float32, grad.Device)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradIn}, nil
}

func (op *sumOp) Inputs() []*Tensor { return op.inputs }

// matMulOp implements 2D matrix multiplication.
type matMulOp struct {
	inputs []*Tensor
}

func (op *matMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMul requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := matMulKernel(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	track(result, op, op.inputs)
	return result, nil
}

func (op *matMulOp) Backward(grad *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// dL/dA = dL/dC x B^T, dL/dB = A^T x dL/dC
	bT, err := Transpose(b)
	if err != nil {
		return nil, err
	}
	gradA, err := matMulKernel(grad, bT)
	if err != nil {
		return nil, err
	}

	aT, err := Transpose(a)
	if err != nil {
		return nil, err
	}
	gradB, err := matMulKernel(aT, grad)
	if err != nil {
		return nil, err
	}

	return []*Tensor{gradA, gradB}, nil
}

func (op *matMulOp) Inputs() []*Tensor { return op.inputs }

// Backward propagates gradients from t back through its graph. The seed is
// the gradient of the final quantity with respect to t; it may be nil only
// when t holds a single element, in which case a gradient of one is used.
// Gradients accumulate into Grad() on leaf tensors that require them;
// intermediate results only pass gradients through. Calling Backward on a
// tensor with no graph and no gradient requirement is a no-op.
func (t *Tensor) Backward(seed *Tensor) error {
	if t.creator == nil && !t.requiresGrad {
		return nil
	}

	if seed == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("backward on a tensor with %d elements requires an explicit gradient", t.NumElems)
		}
		var err error
		seed, err = Ones(t.Shape, Float32, t.Device)
		if err != nil {
			return err
		}
	}
	if !shapesEqual(seed.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	pending := make(map[*Tensor]*Tensor)
	if err := addPending(pending, t, seed); err != nil {
		return err
	}

	// Reverse post-order visits every tensor only after all of its
	// consumers, so each gradient is complete before it flows further back.
	order := topoOrder(t)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := pending[node]
		if g == nil {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.accumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		grads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}

		inputs := node.creator.Inputs()
		if len(grads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(grads), len(inputs))
		}

		for j, input := range inputs {
			if grads[j] == nil {
				continue
			}
			if !input.requiresGrad && input.creator == nil {
				continue
			}
			if err := addPending(pending, input, grads[j]); err != nil {
				return err
			}
		}
	}

	return nil
}

// addPending merges g into the in-flight gradient for node. The first
// gradient is cloned so callers' tensors are never mutated.
func addPending(pending map[*Tensor]*Tensor, node *Tensor, g *Tensor) error {
	if g.DType != Float32 {
		return fmt.Errorf("gradients must be Float32, got %s", g.DType)
	}
	if !shapesEqual(g.Shape, node.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, node.Shape)
	}

	current := pending[node]
	if current == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		pending[node] = clone
		return nil
	}

	dst := current.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

func topoOrder(t *Tensor) []*Tensor {
	visited := make(map[*Tensor]bool)
	var order []*Tensor

	var visit func(*Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, input := range node.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, node)
	}

	visit(t)
	return order
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if g.DType != Float32 {
		return fmt.Errorf("gradients must be Float32, got %s", g.DType)
	}
	if !shapesEqual(g.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}

	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}

	dst := t.grad.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// ZeroGrad clears the accumulated gradient of every tensor in the slice.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
