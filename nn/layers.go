package nn

import (
	"fmt"
	"math"

	"github.com/tsawler/go-seqtrain/tensor"
)

// Linear is a fully connected layer: y = xW + b. The weight has shape
// [inputSize, outputSize] so inputs multiply it directly.
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a Linear layer with Xavier-uniform weights and zero
// bias. Initialization draws from the tensor package's seeded source.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear layer sizes must be positive: in=%d out=%d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.Uniform([]int{inputSize, outputSize}, -bound, bound, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		l.bias = biasT
	}

	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("linear layer expects 2D input [batch, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, err
	}

	if l.bias != nil {
		output, err = tensor.Add(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// InputSize returns the layer's expected feature count.
func (l *Linear) InputSize() int { return l.weight.Shape[0] }

// OutputSize returns the layer's produced feature count.
func (l *Linear) OutputSize() int { return l.weight.Shape[1] }

// ReLU applies the rectified linear activation.
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// Tanh applies the hyperbolic tangent activation.
type Tanh struct {
	training bool
}

func NewTanh() *Tanh {
	return &Tanh{training: true}
}

func (a *Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Tanh(input)
}

func (a *Tanh) Parameters() []*tensor.Tensor { return nil }
func (a *Tanh) Train()                       { a.training = true }
func (a *Tanh) Eval()                        { a.training = false }
func (a *Tanh) IsTraining() bool             { return a.training }

// Dropout zeroes activations with probability rate while training and
// scales the survivors by 1/(1-rate). In inference mode it is the
// identity, so mode switching visibly changes behavior.
type Dropout struct {
	rate     float64
	training bool
}

func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %f", rate)
	}
	return &Dropout{rate: rate, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.rate == 0 {
		return input, nil
	}

	draws, err := tensor.Random(input.Shape, input.Device)
	if err != nil {
		return nil, err
	}
	drawData, err := draws.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	scale := float32(1.0 / (1.0 - d.rate))
	maskData := make([]float32, len(drawData))
	for i, v := range drawData {
		if float64(v) >= d.rate {
			maskData[i] = scale
		}
	}

	mask, err := tensor.NewTensor(input.Shape, tensor.Float32, input.Device, maskData)
	if err != nil {
		return nil, err
	}

	return tensor.Mul(input, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// Rate returns the configured drop probability.
func (d *Dropout) Rate() float64 { return d.rate }

// Flatten collapses every dimension after the first, turning
// [batch, 1, features] inputs into [batch, features].
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("flatten expects at least 2 dimensions, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	return tensor.Reshape(input, []int{batchSize, input.NumElems / batchSize})
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) Train()                       { f.training = true }
func (f *Flatten) Eval()                        { f.training = false }
func (f *Flatten) IsTraining() bool             { return f.training }
