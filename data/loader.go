package data

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-seqtrain/tensor"
)

// Batch is one slice of a dataset, assembled into tensors ready for a
// forward pass. Inputs has shape (size, 1, sample_size) and Labels holds
// one class index per sample.
type Batch struct {
	Inputs *tensor.Tensor
	Labels *tensor.Tensor
	Size   int
}

// Loader yields a dataset as a sequence of batches, optionally reshuffled
// at the start of every pass. The loader owns its random source, so two
// loaders built with the same seed walk the same order.
type Loader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewLoader creates a loader over the dataset. The seed only matters when
// shuffle is enabled.
func NewLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*Loader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset must not be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &Loader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Samples returns the total number of samples in one pass.
func (l *Loader) Samples() int {
	return len(l.indices)
}

// Batches returns the number of batches in one pass.
func (l *Loader) Batches() int {
	return (len(l.indices) + l.batchSize - 1) / l.batchSize
}

// Reset rewinds the loader for a new pass, reshuffling if enabled.
func (l *Loader) Reset() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.position = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.indices), func(i, j int) {
			l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
		})
	}
}

// HasNext reports whether the current pass has more batches.
func (l *Loader) HasNext() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.position < len(l.indices)
}

// Next returns the next batch, or nil once the pass is complete. The final
// batch may be smaller than the configured batch size.
func (l *Loader) Next() (*Batch, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.position >= len(l.indices) {
		return nil, nil
	}

	end := l.position + l.batchSize
	if end > len(l.indices) {
		end = len(l.indices)
	}
	batchIndices := l.indices[l.position:end]
	l.position = end

	batch, err := l.assemble(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// assemble gathers the chosen samples into batch tensors.
func (l *Loader) assemble(indices []int) (*Batch, error) {
	size := len(indices)
	sampleSize := l.dataset.SampleSize()

	inputData := make([]float32, size*sampleSize)
	labelData := make([]int32, size)
	for i, idx := range indices {
		sample, label, err := l.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if len(sample) != sampleSize {
			return nil, fmt.Errorf("sample %d has %d values, expected %d", idx, len(sample), sampleSize)
		}
		copy(inputData[i*sampleSize:(i+1)*sampleSize], sample)
		labelData[i] = label
	}

	inputs, err := tensor.NewTensor([]int{size, 1, sampleSize}, tensor.Float32, tensor.CPU, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %v", err)
	}
	labels, err := tensor.NewTensor([]int{size}, tensor.Int32, tensor.CPU, labelData)
	if err != nil {
		return nil, fmt.Errorf("failed to create label tensor: %v", err)
	}

	return &Batch{Inputs: inputs, Labels: labels, Size: size}, nil
}
