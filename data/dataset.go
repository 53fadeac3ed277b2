// Package data supplies datasets and the batch loader that feed training
// and validation passes.
package data

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/pkg/errors"
)

// Dataset is a finite collection of fixed-size samples with integer class
// labels.
type Dataset interface {
	// Len returns the total number of samples.
	Len() int
	// SampleSize returns the number of values in each sample.
	SampleSize() int
	// Get returns the sample and label at idx.
	Get(idx int) ([]float32, int32, error)
}

// InMemoryDataset holds all samples in memory.
type InMemoryDataset struct {
	inputs [][]float32
	labels []int32
}

// NewInMemoryDataset creates a dataset from parallel input and label
// slices. All samples must have the same size and labels must be
// non-negative class indices.
func NewInMemoryDataset(inputs [][]float32, labels []int32) (*InMemoryDataset, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("inputs and labels must have the same length: got %d and %d", len(inputs), len(labels))
	}
	for i := 1; i < len(inputs); i++ {
		if len(inputs[i]) != len(inputs[0]) {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", i, len(inputs[i]), len(inputs[0]))
		}
	}
	for i, label := range labels {
		if label < 0 {
			return nil, fmt.Errorf("sample %d has negative label %d", i, label)
		}
	}

	return &InMemoryDataset{inputs: inputs, labels: labels}, nil
}

// Len returns the number of samples in the dataset.
func (ds *InMemoryDataset) Len() int {
	return len(ds.inputs)
}

// SampleSize returns the number of values per sample, or 0 for an empty
// dataset.
func (ds *InMemoryDataset) SampleSize() int {
	if len(ds.inputs) == 0 {
		return 0
	}
	return len(ds.inputs[0])
}

// Get returns the sample at the given index.
func (ds *InMemoryDataset) Get(idx int) ([]float32, int32, error) {
	if idx < 0 || idx >= len(ds.inputs) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.inputs))
	}
	return ds.inputs[idx], ds.labels[idx], nil
}

type jsonDataset struct {
	Inputs [][]float32 `json:"inputs"`
	Labels []int32     `json:"labels"`
}

// LoadJSON reads a dataset from a JSON file of the form
// {"inputs": [[...], ...], "labels": [...]}.
func LoadJSON(path string) (*InMemoryDataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset %s", path)
	}

	var parsed jsonDataset
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrapf(err, "parsing dataset %s", path)
	}

	ds, err := NewInMemoryDataset(parsed.Inputs, parsed.Labels)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid dataset %s", path)
	}
	return ds, nil
}

// Synthetic builds a dataset of noisy clusters, one cluster per class,
// with cluster centers spread evenly over [-1, 1]. Sample i belongs to
// class i mod classes. Deterministic for a given seed.
func Synthetic(samples, sampleSize, classes int, seed int64) (*InMemoryDataset, error) {
	if samples <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", samples)
	}
	if sampleSize <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", sampleSize)
	}
	if classes < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", classes)
	}

	rng := rand.New(rand.NewSource(seed))
	inputs := make([][]float32, samples)
	labels := make([]int32, samples)
	for i := range inputs {
		class := i % classes
		center := 2.0*float64(class)/float64(classes-1) - 1.0
		sample := make([]float32, sampleSize)
		for d := range sample {
			sample[d] = float32(center + rng.NormFloat64()*0.1)
		}
		inputs[i] = sample
		labels[i] = int32(class)
	}

	return NewInMemoryDataset(inputs, labels)
}
