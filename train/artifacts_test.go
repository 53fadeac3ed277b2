package train

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-seqtrain/checkpoint"
	"github.com/tsawler/go-seqtrain/nn"
)

func TestNewRunDir(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, time.March, 7, 14, 30, 45, 0, time.UTC)

	dir, err := NewRunDir(root, now)
	if err != nil {
		t.Fatalf("NewRunDir failed: %v", err)
	}
	want := filepath.Join(root, "saved", "2025-03-07-14-30")
	if dir != want {
		t.Errorf("dir = %q, want %q", dir, want)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("run directory missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("run directory is not a directory")
	}

	// Seconds are truncated, so a run started in the same minute reuses
	// the directory.
	again, err := NewRunDir(root, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("NewRunDir on existing directory failed: %v", err)
	}
	if again != dir {
		t.Errorf("same-minute dir = %q, want %q", again, dir)
	}

	later, err := NewRunDir(root, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("NewRunDir failed: %v", err)
	}
	if later == dir {
		t.Error("runs two minutes apart share a directory")
	}
}

func TestLogLossTableFormat(t *testing.T) {
	aw := NewArtifactWriter(t.TempDir())

	if err := aw.LogLoss([]float64{0.5, 0.25}, []float64{0.75, 0.5}); err != nil {
		t.Fatalf("LogLoss failed: %v", err)
	}

	got, err := os.ReadFile(aw.LossTablePath())
	if err != nil {
		t.Fatalf("loss table missing: %v", err)
	}
	want := "0.50000000,0.75000000\n0.25000000,0.50000000\n"
	if string(got) != want {
		t.Errorf("loss table = %q, want %q", got, want)
	}
}

func TestLogLossOverwrites(t *testing.T) {
	aw := NewArtifactWriter(t.TempDir())

	if err := aw.LogLoss([]float64{0.5}, []float64{0.6}); err != nil {
		t.Fatalf("LogLoss failed: %v", err)
	}
	if err := aw.LogLoss([]float64{0.5, 0.4}, []float64{0.6, 0.5}); err != nil {
		t.Fatalf("second LogLoss failed: %v", err)
	}

	got, err := os.ReadFile(aw.LossTablePath())
	if err != nil {
		t.Fatalf("loss table missing: %v", err)
	}
	if want := "0.50000000,0.60000000\n0.40000000,0.50000000\n"; string(got) != want {
		t.Errorf("loss table = %q, want %q", got, want)
	}

	// Rewriting the same histories is byte-identical.
	if err := aw.LogLoss([]float64{0.5, 0.4}, []float64{0.6, 0.5}); err != nil {
		t.Fatalf("third LogLoss failed: %v", err)
	}
	again, err := os.ReadFile(aw.LossTablePath())
	if err != nil {
		t.Fatalf("loss table missing: %v", err)
	}
	if !bytes.Equal(got, again) {
		t.Error("identical histories produced different loss tables")
	}
}

func TestLogLossLengthMismatch(t *testing.T) {
	aw := NewArtifactWriter(t.TempDir())
	if err := aw.LogLoss([]float64{0.5, 0.4}, []float64{0.6}); err == nil {
		t.Fatal("expected error for mismatched history lengths")
	}
}

func TestLogLossWritesPlot(t *testing.T) {
	aw := NewArtifactWriter(t.TempDir())

	if err := aw.LogLoss([]float64{0.9, 0.5, 0.3}, []float64{1.0, 0.7, 0.6}); err != nil {
		t.Fatalf("LogLoss failed: %v", err)
	}

	img, err := os.ReadFile(aw.LossPlotPath())
	if err != nil {
		t.Fatalf("loss plot missing: %v", err)
	}
	magic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if len(img) < len(magic) || !bytes.Equal(img[:len(magic)], magic) {
		t.Error("loss plot is not a PNG file")
	}
}

func TestSaveModelWritesBothForms(t *testing.T) {
	aw := NewArtifactWriter(t.TempDir())
	spec := nn.Classifier(3, []int{2}, 2, 0)
	model, err := nn.Build(spec)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}

	state := checkpoint.TrainingState{Epoch: 2, LearningRate: 0.05, BestAccuracy: 0.75}
	opt := &checkpoint.OptimizerState{Type: "Adam", Parameters: map[string]float64{"lr": 0.05}}
	meta := checkpoint.Metadata{RunID: "run-7"}

	if err := aw.SaveModel(spec, model, state, opt, meta); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	snap, err := checkpoint.LoadTrainable(aw.TrainablePath())
	if err != nil {
		t.Fatalf("trainable checkpoint unreadable: %v", err)
	}
	if snap.Training != state {
		t.Errorf("training state = %+v, want %+v", snap.Training, state)
	}
	if snap.Meta.RunID != "run-7" {
		t.Errorf("run ID = %q, want run-7", snap.Meta.RunID)
	}
	if snap.Meta.Framework == "" {
		t.Error("framework metadata was not filled in")
	}
	if len(snap.Weights) != 4 {
		t.Fatalf("weights = %d tensors, want 4", len(snap.Weights))
	}

	imported, err := checkpoint.ImportInference(aw.InferencePath())
	if err != nil {
		t.Fatalf("inference model unreadable: %v", err)
	}
	if imported.Spec.InputSize != 3 {
		t.Errorf("imported input size = %d, want 3", imported.Spec.InputSize)
	}
	wantKinds := []nn.LayerKind{nn.KindFlatten, nn.KindDense, nn.KindReLU, nn.KindDense}
	if len(imported.Spec.Layers) != len(wantKinds) {
		t.Fatalf("imported layers = %d, want %d", len(imported.Spec.Layers), len(wantKinds))
	}
	for i, want := range wantKinds {
		if got := imported.Spec.Layers[i].Kind; got != want {
			t.Errorf("layer %d kind = %v, want %v", i, got, want)
		}
	}
}
