// Package checkpoint serializes model state in two forms: a JSON snapshot
// that carries everything needed to resume training, and a frozen ONNX
// graph for inference serving.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-seqtrain/nn"
	"github.com/tsawler/go-seqtrain/tensor"
)

const (
	framework = "go-seqtrain"
	version   = "1.0.0"
)

// Snapshot is a complete model state: architecture, weights, optimizer
// settings, and training progress.
type Snapshot struct {
	Spec      nn.Spec         `json:"model_spec"`
	Weights   []WeightTensor  `json:"weights"`
	Training  TrainingState   `json:"training_state"`
	Optimizer *OptimizerState `json:"optimizer_state,omitempty"`
	Meta      Metadata        `json:"metadata"`
}

// WeightTensor is one parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// OptimizerState records the optimizer a snapshot was trained with.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// ExportTrainable writes the snapshot as indented JSON, overwriting any
// file already at path.
func ExportTrainable(snap *Snapshot, path string) error {
	if snap.Meta.Framework == "" {
		snap.Meta.Framework = framework
		snap.Meta.Version = version
	}
	if snap.Meta.CreatedAt.IsZero() {
		snap.Meta.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint %s", path)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snap); err != nil {
		return errors.Wrapf(err, "encoding checkpoint %s", path)
	}
	return nil
}

// LoadTrainable reads a snapshot written by ExportTrainable.
func LoadTrainable(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint %s", path)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %s", path)
	}
	return &snap, nil
}

// ExtractWeights copies the model parameters into named weight tensors,
// walking the spec so each dense layer contributes its weight and bias in
// parameter order. The returned data is independent of the live tensors.
func ExtractWeights(spec nn.Spec, params []*tensor.Tensor) ([]WeightTensor, error) {
	var weights []WeightTensor
	paramIndex := 0
	for _, layer := range spec.Layers {
		if layer.Kind != nn.KindDense {
			continue
		}
		if paramIndex+2 > len(params) {
			return nil, fmt.Errorf("insufficient parameters for dense layer %s", layer.Name)
		}

		weight := params[paramIndex]
		weightData, err := weight.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract weight data for layer %s: %v", layer.Name, err)
		}
		weights = append(weights, WeightTensor{
			Name:  layer.Name + ".weight",
			Shape: append([]int(nil), weight.Shape...),
			Data:  append([]float32(nil), weightData...),
			Layer: layer.Name,
			Type:  "weight",
		})
		paramIndex++

		bias := params[paramIndex]
		biasData, err := bias.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract bias data for layer %s: %v", layer.Name, err)
		}
		weights = append(weights, WeightTensor{
			Name:  layer.Name + ".bias",
			Shape: append([]int(nil), bias.Shape...),
			Data:  append([]float32(nil), biasData...),
			Layer: layer.Name,
			Type:  "bias",
		})
		paramIndex++
	}

	if paramIndex != len(params) {
		return nil, fmt.Errorf("parameter count mismatch: spec consumes %d, model has %d", paramIndex, len(params))
	}
	return weights, nil
}

// LoadWeights copies saved weight data back into model parameters. The
// weights must be in the same order ExtractWeights produced them.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, weight := range weights {
		param := params[i]
		if len(param.Shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs weight %v",
				weight.Name, param.Shape, weight.Shape)
		}
		for j, dim := range param.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: parameter %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}

		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to access parameter data for %s: %v", weight.Name, err)
		}
		copy(data, weight.Data)
	}
	return nil
}
