package checkpoint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-seqtrain/nn"
	"github.com/tsawler/go-seqtrain/tensor"
)

// buildFilledModel builds the spec and overwrites every parameter with a
// deterministic pattern so weight identity is checkable after round trips.
func buildFilledModel(t *testing.T, spec nn.Spec) *nn.Sequential {
	t.Helper()
	model, err := nn.Build(spec)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	for p, param := range model.Parameters() {
		data, err := param.GetFloat32Data()
		if err != nil {
			t.Fatalf("failed to access parameter %d: %v", p, err)
		}
		for i := range data {
			data[i] = float32(p+1)*0.1 + float32(i)*0.01
		}
	}
	return model
}

func TestExtractWeights(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0)
	model := buildFilledModel(t, spec)

	weights, err := ExtractWeights(spec, model.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}

	expected := []struct {
		name  string
		shape []int
		layer string
		typ   string
	}{
		{"dense1.weight", []int{4, 3}, "dense1", "weight"},
		{"dense1.bias", []int{3}, "dense1", "bias"},
		{"output.weight", []int{3, 2}, "output", "weight"},
		{"output.bias", []int{2}, "output", "bias"},
	}
	if len(weights) != len(expected) {
		t.Fatalf("expected %d weight tensors, got %d", len(expected), len(weights))
	}
	for i, want := range expected {
		got := weights[i]
		if got.Name != want.name || got.Layer != want.layer || got.Type != want.typ {
			t.Errorf("weight %d: expected %s (%s/%s), got %s (%s/%s)",
				i, want.name, want.layer, want.typ, got.Name, got.Layer, got.Type)
		}
		if len(got.Shape) != len(want.shape) {
			t.Fatalf("weight %s: expected shape %v, got %v", want.name, want.shape, got.Shape)
		}
		for j, dim := range want.shape {
			if got.Shape[j] != dim {
				t.Errorf("weight %s: expected shape %v, got %v", want.name, want.shape, got.Shape)
			}
		}
	}

	// Extracted data is a copy, not a view of the live parameters.
	paramData, err := model.Parameters()[0].GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to access parameter: %v", err)
	}
	before := weights[0].Data[0]
	paramData[0] = before + 100
	if weights[0].Data[0] != before {
		t.Error("extracted weights alias live parameter data")
	}
}

func TestExtractWeightsParameterMismatch(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0)
	model := buildFilledModel(t, spec)
	params := model.Parameters()

	if _, err := ExtractWeights(spec, params[:len(params)-1]); err == nil {
		t.Error("expected error for missing parameters")
	}
	if _, err := ExtractWeights(spec, append(params, params[0])); err == nil {
		t.Error("expected error for extra parameters")
	}
}

func TestLoadWeights(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0)
	source := buildFilledModel(t, spec)
	weights, err := ExtractWeights(spec, source.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}

	target, err := nn.Build(spec)
	if err != nil {
		t.Fatalf("failed to build target model: %v", err)
	}
	if err := LoadWeights(weights, target.Parameters()); err != nil {
		t.Fatalf("failed to load weights: %v", err)
	}

	for p, param := range target.Parameters() {
		got, err := param.GetFloat32Data()
		if err != nil {
			t.Fatalf("failed to access parameter %d: %v", p, err)
		}
		want, err := source.Parameters()[p].GetFloat32Data()
		if err != nil {
			t.Fatalf("failed to access source parameter %d: %v", p, err)
		}
		for i := range want {
			if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
				t.Fatalf("parameter %d value %d not bit-identical: %x vs %x",
					p, i, math.Float32bits(got[i]), math.Float32bits(want[i]))
			}
		}
	}
}

func TestLoadWeightsMismatches(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0)
	model := buildFilledModel(t, spec)
	weights, err := ExtractWeights(spec, model.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}

	if err := LoadWeights(weights[:2], model.Parameters()); err == nil {
		t.Error("expected error for weight count mismatch")
	}

	otherSpec := nn.Classifier(5, []int{3}, 2, 0)
	other, err := nn.Build(otherSpec)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	if err := LoadWeights(weights, other.Parameters()); err == nil {
		t.Error("expected error for shape mismatch")
	}
}

func TestTrainableRoundTrip(t *testing.T) {
	spec := nn.Classifier(6, []int{4}, 3, 0.2)
	model := buildFilledModel(t, spec)
	weights, err := ExtractWeights(spec, model.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}

	snap := &Snapshot{
		Spec:    spec,
		Weights: weights,
		Training: TrainingState{
			Epoch:        7,
			LearningRate: 0.025,
			BestAccuracy: 0.9375,
		},
		Optimizer: &OptimizerState{
			Type: "Adam",
			Parameters: map[string]float64{
				"lr":    0.025,
				"beta1": 0.9,
				"beta2": 0.999,
			},
		},
		Meta: Metadata{RunID: "run-42", Description: "round trip"},
	}

	path := filepath.Join(t.TempDir(), "best_model.json")
	if err := ExportTrainable(snap, path); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	loaded, err := LoadTrainable(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if loaded.Spec.Name != spec.Name || loaded.Spec.InputSize != spec.InputSize {
		t.Errorf("spec header changed: %+v", loaded.Spec)
	}
	if len(loaded.Spec.Layers) != len(spec.Layers) {
		t.Fatalf("layer count changed: expected %d, got %d", len(spec.Layers), len(loaded.Spec.Layers))
	}
	if loaded.Training != snap.Training {
		t.Errorf("training state changed: %+v", loaded.Training)
	}
	if loaded.Optimizer == nil || loaded.Optimizer.Type != "Adam" {
		t.Errorf("optimizer state changed: %+v", loaded.Optimizer)
	}
	if loaded.Optimizer.Parameters["beta2"] != 0.999 {
		t.Errorf("optimizer parameters changed: %v", loaded.Optimizer.Parameters)
	}
	if loaded.Meta.Framework != framework || loaded.Meta.Version != version {
		t.Errorf("expected framework metadata to be filled in, got %+v", loaded.Meta)
	}
	if loaded.Meta.RunID != "run-42" {
		t.Errorf("run id changed: %q", loaded.Meta.RunID)
	}

	if len(loaded.Weights) != len(weights) {
		t.Fatalf("weight count changed: expected %d, got %d", len(weights), len(loaded.Weights))
	}
	for i, want := range weights {
		got := loaded.Weights[i]
		if got.Name != want.Name {
			t.Errorf("weight %d name changed: %q vs %q", i, got.Name, want.Name)
		}
		for j := range want.Data {
			if math.Float32bits(got.Data[j]) != math.Float32bits(want.Data[j]) {
				t.Fatalf("weight %s value %d not bit-identical after round trip", want.Name, j)
			}
		}
	}
}

func TestLoadTrainableErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadTrainable(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadTrainable(path); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestTransposeMatrix(t *testing.T) {
	// 2x3 row-major -> 3x2.
	data := []float32{1, 2, 3, 4, 5, 6}
	got := transposeMatrix(data, []int{2, 3})
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestExportInferenceRoundTrip(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0.5)
	model := buildFilledModel(t, spec)
	weights, err := ExtractWeights(spec, model.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}
	snap := &Snapshot{Spec: spec, Weights: weights}

	path := filepath.Join(t.TempDir(), "best_model.onnx")
	if err := ExportInference(snap, path); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	imported, err := ImportInference(path)
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}

	if imported.Spec.InputSize != 4 {
		t.Errorf("expected input size 4, got %d", imported.Spec.InputSize)
	}
	if imported.Meta.Framework != framework {
		t.Errorf("expected producer %q, got %q", framework, imported.Meta.Framework)
	}

	// Dropout is identity at inference and must not survive the export.
	wantKinds := []nn.LayerKind{nn.KindFlatten, nn.KindDense, nn.KindReLU, nn.KindDense}
	if len(imported.Spec.Layers) != len(wantKinds) {
		t.Fatalf("expected %d layers, got %d: %+v", len(wantKinds), len(imported.Spec.Layers), imported.Spec.Layers)
	}
	for i, kind := range wantKinds {
		if imported.Spec.Layers[i].Kind != kind {
			t.Errorf("layer %d: expected kind %v, got %v", i, kind, imported.Spec.Layers[i].Kind)
		}
	}

	// The transpose into Gemm layout and back must be lossless.
	if len(imported.Weights) != len(weights) {
		t.Fatalf("expected %d weight tensors, got %d", len(weights), len(imported.Weights))
	}
	for i, want := range weights {
		got := imported.Weights[i]
		if got.Name != want.Name {
			t.Errorf("weight %d: expected name %q, got %q", i, want.Name, got.Name)
		}
		if len(got.Data) != len(want.Data) {
			t.Fatalf("weight %s: expected %d values, got %d", want.Name, len(want.Data), len(got.Data))
		}
		for j := range want.Data {
			if math.Float32bits(got.Data[j]) != math.Float32bits(want.Data[j]) {
				t.Fatalf("weight %s value %d not bit-identical after round trip", want.Name, j)
			}
		}
	}

	// The frozen graph computes the same function as the trainable model.
	rebuilt, err := nn.Build(imported.Spec)
	if err != nil {
		t.Fatalf("failed to rebuild model: %v", err)
	}
	if err := LoadWeights(imported.Weights, rebuilt.Parameters()); err != nil {
		t.Fatalf("failed to load imported weights: %v", err)
	}
	rebuilt.Eval()
	model.Eval()

	input, err := tensor.NewTensor([]int{1, 1, 4}, tensor.Float32, tensor.CPU, []float32{0.5, -1.25, 2, 0.125})
	if err != nil {
		t.Fatalf("failed to create input: %v", err)
	}
	wantOut, err := model.Forward(input)
	if err != nil {
		t.Fatalf("trainable forward failed: %v", err)
	}
	gotOut, err := rebuilt.Forward(input)
	if err != nil {
		t.Fatalf("frozen forward failed: %v", err)
	}

	wantData, _ := wantOut.GetFloat32Data()
	gotData, _ := gotOut.GetFloat32Data()
	if len(wantData) != len(gotData) {
		t.Fatalf("output sizes differ: %d vs %d", len(wantData), len(gotData))
	}
	for i := range wantData {
		if math.Abs(float64(wantData[i]-gotData[i])) > 1e-6 {
			t.Errorf("output %d: expected %f, got %f", i, wantData[i], gotData[i])
		}
	}
}

func TestExportInferenceFreezesFreshModel(t *testing.T) {
	spec := nn.Classifier(4, []int{3}, 2, 0)
	model := buildFilledModel(t, spec)
	weights, err := ExtractWeights(spec, model.Parameters())
	if err != nil {
		t.Fatalf("failed to extract weights: %v", err)
	}
	snap := &Snapshot{Spec: spec, Weights: weights}

	path := filepath.Join(t.TempDir(), "best_model.onnx")
	if err := ExportInference(snap, path); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	// The source model keeps its gradient tracking; only the fresh
	// instance inside the exporter is frozen.
	for i, param := range model.Parameters() {
		if !param.RequiresGrad() {
			t.Errorf("parameter %d lost gradient tracking during export", i)
		}
	}
}

func TestImportInferenceErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ImportInference(filepath.Join(dir, "missing.onnx")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.onnx")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := ImportInference(empty); err == nil {
		t.Error("expected error for empty file")
	}
}
