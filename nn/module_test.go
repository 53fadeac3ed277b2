package nn

import (
	"math"
	"testing"

	"github.com/tsawler/go-seqtrain/tensor"
)

func mustInput(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	in, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("failed to create input tensor: %v", err)
	}
	return in
}

func checkValues(t *testing.T, got *tensor.Tensor, want []float32, tol float64) {
	t.Helper()
	data, err := got.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read tensor data: %v", err)
	}
	if len(data) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(data))
	}
	for i := range want {
		if math.Abs(float64(data[i]-want[i])) > tol {
			t.Errorf("value %d: expected %f, got %f", i, want[i], data[i])
		}
	}
}

func TestNewLinearValidation(t *testing.T) {
	tests := []struct {
		name       string
		inputSize  int
		outputSize int
		expectErr  bool
	}{
		{"valid sizes", 4, 2, false},
		{"zero input size", 0, 2, true},
		{"zero output size", 4, 0, true},
		{"negative input size", -1, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLinear(tt.inputSize, tt.outputSize, true)
			if tt.expectErr && err == nil {
				t.Errorf("expected error, got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLinearForwardKnownWeights(t *testing.T) {
	linear, err := NewLinear(2, 2, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}

	params := linear.Parameters()
	if len(params) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(params))
	}
	wData, err := params[0].GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read weight data: %v", err)
	}
	copy(wData, []float32{1, 2, 3, 4})
	bData, err := params[1].GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read bias data: %v", err)
	}
	copy(bData, []float32{0.5, -0.5})

	input := mustInput(t, []int{2, 2}, []float32{1, 1, 2, 0})
	output, err := linear.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}

	// Row 0: [1*1+1*3+0.5, 1*2+1*4-0.5]; row 1: [2*1+0.5, 2*2-0.5].
	checkValues(t, output, []float32{4.5, 5.5, 2.5, 3.5}, 1e-6)
}

func TestLinearInputValidation(t *testing.T) {
	linear, err := NewLinear(3, 2, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}

	badDims := mustInput(t, []int{2, 4}, make([]float32, 8))
	if _, err := linear.Forward(badDims); err == nil {
		t.Errorf("expected error for mismatched input size")
	}

	badRank := mustInput(t, []int{2, 3, 1}, make([]float32, 6))
	if _, err := linear.Forward(badRank); err == nil {
		t.Errorf("expected error for non-2D input")
	}
}

func TestLinearXavierInit(t *testing.T) {
	tensor.SetRandomSeed(42)

	inputSize, outputSize := 100, 50
	linear, err := NewLinear(inputSize, outputSize, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}

	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	wData, err := linear.Parameters()[0].GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read weight data: %v", err)
	}
	for i, v := range wData {
		if float64(v) < -bound || float64(v) > bound {
			t.Fatalf("weight %d = %f outside Xavier bound %f", i, v, bound)
		}
	}

	bData, err := linear.Parameters()[1].GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read bias data: %v", err)
	}
	for i, v := range bData {
		if v != 0 {
			t.Errorf("bias %d = %f, expected zero init", i, v)
		}
	}

	for i, p := range linear.Parameters() {
		if !p.RequiresGrad() {
			t.Errorf("parameter %d does not require grad", i)
		}
	}
}

func TestReLUForward(t *testing.T) {
	relu := NewReLU()
	input := mustInput(t, []int{1, 4}, []float32{-2, -0.5, 0, 3})
	output, err := relu.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}
	checkValues(t, output, []float32{0, 0, 0, 3}, 1e-6)
}

func TestTanhForward(t *testing.T) {
	act := NewTanh()
	input := mustInput(t, []int{1, 3}, []float32{-1, 0, 1})
	output, err := act.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}
	want := []float32{float32(math.Tanh(-1)), 0, float32(math.Tanh(1))}
	checkValues(t, output, want, 1e-6)
}

func TestDropoutRateValidation(t *testing.T) {
	if _, err := NewDropout(-0.1); err == nil {
		t.Errorf("expected error for negative rate")
	}
	if _, err := NewDropout(1.0); err == nil {
		t.Errorf("expected error for rate 1.0")
	}
	if _, err := NewDropout(0.0); err != nil {
		t.Errorf("unexpected error for zero rate: %v", err)
	}
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	dropout, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("failed to create dropout: %v", err)
	}
	dropout.Eval()

	values := []float32{1, -2, 3, -4}
	input := mustInput(t, []int{1, 4}, values)
	output, err := dropout.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}
	checkValues(t, output, values, 0)
}

func TestDropoutTrainMasksAndScales(t *testing.T) {
	tensor.SetRandomSeed(7)

	rate := 0.5
	dropout, err := NewDropout(rate)
	if err != nil {
		t.Fatalf("failed to create dropout: %v", err)
	}
	dropout.Train()

	n := 64
	values := make([]float32, n)
	for i := range values {
		values[i] = 2.0
	}
	input := mustInput(t, []int{1, n}, values)
	output, err := dropout.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}

	data, err := output.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read output data: %v", err)
	}
	scaled := float32(2.0 / (1.0 - rate))
	zeros, kept := 0, 0
	for i, v := range data {
		switch {
		case v == 0:
			zeros++
		case math.Abs(float64(v-scaled)) < 1e-6:
			kept++
		default:
			t.Fatalf("value %d = %f, expected 0 or %f", i, v, scaled)
		}
	}
	if zeros == 0 || kept == 0 {
		t.Errorf("expected a mix of dropped and kept values, got %d dropped, %d kept", zeros, kept)
	}
}

func TestFlattenForward(t *testing.T) {
	flatten := NewFlatten()
	input := mustInput(t, []int{2, 1, 3}, []float32{1, 2, 3, 4, 5, 6})
	output, err := flatten.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}
	if len(output.Shape) != 2 || output.Shape[0] != 2 || output.Shape[1] != 3 {
		t.Fatalf("expected shape [2 3], got %v", output.Shape)
	}
	checkValues(t, output, []float32{1, 2, 3, 4, 5, 6}, 0)
}

func TestSequentialForwardChain(t *testing.T) {
	linear, err := NewLinear(2, 2, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}
	wData, _ := linear.Parameters()[0].GetFloat32Data()
	copy(wData, []float32{1, 0, 0, 1})

	model := NewSequential(linear, NewReLU())
	input := mustInput(t, []int{1, 2}, []float32{-3, 5})
	output, err := model.Forward(input)
	if err != nil {
		t.Fatalf("forward pass failed: %v", err)
	}
	checkValues(t, output, []float32{0, 5}, 1e-6)
}

func TestSequentialForwardError(t *testing.T) {
	linear, err := NewLinear(3, 2, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}
	model := NewSequential(NewReLU(), linear)

	input := mustInput(t, []int{1, 4}, make([]float32, 4))
	if _, err := model.Forward(input); err == nil {
		t.Errorf("expected error from mismatched layer input")
	}
}

func TestSequentialModeCascade(t *testing.T) {
	dropout, err := NewDropout(0.5)
	if err != nil {
		t.Fatalf("failed to create dropout: %v", err)
	}
	linear, err := NewLinear(2, 2, true)
	if err != nil {
		t.Fatalf("failed to create linear layer: %v", err)
	}
	model := NewSequential(linear, NewReLU(), dropout)

	model.Train()
	if !model.IsTraining() {
		t.Errorf("expected model in training mode")
	}
	for i, m := range []Module{linear, dropout} {
		if !m.IsTraining() {
			t.Errorf("submodule %d not in training mode after Train()", i)
		}
	}

	model.Eval()
	if model.IsTraining() {
		t.Errorf("expected model in eval mode")
	}
	for i, m := range []Module{linear, dropout} {
		if m.IsTraining() {
			t.Errorf("submodule %d still in training mode after Eval()", i)
		}
	}
}

func TestSequentialParameters(t *testing.T) {
	l1, err := NewLinear(4, 3, true)
	if err != nil {
		t.Fatalf("failed to create first layer: %v", err)
	}
	l2, err := NewLinear(3, 2, true)
	if err != nil {
		t.Fatalf("failed to create second layer: %v", err)
	}
	model := NewSequential(l1, NewReLU(), l2)

	params := model.Parameters()
	if len(params) != 4 {
		t.Fatalf("expected 4 parameters, got %d", len(params))
	}
	if params[0] != l1.Parameters()[0] || params[3] != l2.Parameters()[1] {
		t.Errorf("parameter order does not follow module order")
	}
}
