package train

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-seqtrain/tensor"
)

// MetricAccumulator collects per-batch results over one pass of a dataset.
// Loss is averaged per batch, unweighted by batch size; accuracy is
// sample-weighted, so uneven final batches count by their true size.
type MetricAccumulator struct {
	losses  []float64
	correct int
	samples int
}

// AddBatch records one batch result.
func (ma *MetricAccumulator) AddBatch(loss float64, correct, size int) {
	ma.losses = append(ma.losses, loss)
	ma.correct += correct
	ma.samples += size
}

// MeanLoss returns the arithmetic mean of per-batch losses, or 0 for an
// empty pass.
func (ma *MetricAccumulator) MeanLoss() float64 {
	if len(ma.losses) == 0 {
		return 0
	}
	return stat.Mean(ma.losses, nil)
}

// Accuracy returns total correct predictions over total samples, or 0 for
// an empty pass.
func (ma *MetricAccumulator) Accuracy() float64 {
	if ma.samples == 0 {
		return 0
	}
	return float64(ma.correct) / float64(ma.samples)
}

// Batches returns the number of recorded batches.
func (ma *MetricAccumulator) Batches() int {
	return len(ma.losses)
}

// Samples returns the number of samples seen across all batches.
func (ma *MetricAccumulator) Samples() int {
	return ma.samples
}

// Correct returns the number of correct predictions across all batches.
func (ma *MetricAccumulator) Correct() int {
	return ma.correct
}

// Reset clears the accumulator for a new pass.
func (ma *MetricAccumulator) Reset() {
	ma.losses = ma.losses[:0]
	ma.correct = 0
	ma.samples = 0
}

// CountCorrect counts predictions whose argmax matches the label.
// predictions: [batch_size, num_classes] logits; labels: [batch_size].
func CountCorrect(predictions, labels *tensor.Tensor) (int, error) {
	preds, err := tensor.ArgMaxRows(predictions)
	if err != nil {
		return 0, fmt.Errorf("argmax failed: %v", err)
	}
	labelData, err := labels.GetInt32Data()
	if err != nil {
		return 0, fmt.Errorf("failed to read labels: %v", err)
	}
	if len(preds) != len(labelData) {
		return 0, fmt.Errorf("prediction count %d does not match label count %d", len(preds), len(labelData))
	}

	correct := 0
	for i := range preds {
		if preds[i] == labelData[i] {
			correct++
		}
	}
	return correct, nil
}

// ConfusionMatrix tallies predictions by (true class, predicted class).
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int
	Samples    int
}

// NewConfusionMatrix creates an empty matrix for the given class count.
func NewConfusionMatrix(classes int) (*ConfusionMatrix, error) {
	if classes < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", classes)
	}
	matrix := make([][]int, classes)
	for i := range matrix {
		matrix[i] = make([]int, classes)
	}
	return &ConfusionMatrix{NumClasses: classes, Matrix: matrix}, nil
}

// Update tallies one batch of predictions against labels.
func (cm *ConfusionMatrix) Update(predictions, labels *tensor.Tensor) error {
	preds, err := tensor.ArgMaxRows(predictions)
	if err != nil {
		return fmt.Errorf("argmax failed: %v", err)
	}
	labelData, err := labels.GetInt32Data()
	if err != nil {
		return fmt.Errorf("failed to read labels: %v", err)
	}
	if len(preds) != len(labelData) {
		return fmt.Errorf("prediction count %d does not match label count %d", len(preds), len(labelData))
	}

	for i := range preds {
		actual := int(labelData[i])
		predicted := int(preds[i])
		if actual < 0 || actual >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", actual, cm.NumClasses)
		}
		if predicted < 0 || predicted >= cm.NumClasses {
			return fmt.Errorf("prediction %d out of range [0, %d)", predicted, cm.NumClasses)
		}
		cm.Matrix[actual][predicted]++
		cm.Samples++
	}
	return nil
}

// Accuracy returns the fraction of samples on the matrix diagonal, or 0
// when empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.Samples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.Samples)
}

// Reset clears all tallies.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.Samples = 0
}

// String renders the matrix one row per true class.
func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	for i, row := range cm.Matrix {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "class %d:", i)
		for _, count := range row {
			fmt.Fprintf(&b, " %6d", count)
		}
	}
	return b.String()
}
