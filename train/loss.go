// Package train drives model training end to end: the epoch loop, the
// optimization and validation passes, learning-rate decay, best-checkpoint
// selection, and the artifacts each run leaves behind.
package train

import (
	"fmt"
	"math"

	"github.com/tsawler/go-seqtrain/tensor"
)

// Loss computes a scalar training loss and its gradient with respect to
// the predictions.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// WeightedCrossEntropy is softmax cross-entropy over class logits with a
// fixed per-class weight. The reduction is a weighted mean: the summed
// per-sample losses are divided by the summed weights of the target
// classes, not by the batch size.
type WeightedCrossEntropy struct {
	weights []float32
}

// NewWeightedCrossEntropy creates the loss for len(weights) classes.
func NewWeightedCrossEntropy(weights []float64) (*WeightedCrossEntropy, error) {
	if len(weights) < 2 {
		return nil, fmt.Errorf("need at least 2 class weights, got %d", len(weights))
	}
	ws := make([]float32, len(weights))
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("class weight %d is negative: %f", i, w)
		}
		ws[i] = float32(w)
	}
	return &WeightedCrossEntropy{weights: ws}, nil
}

// Classes returns the number of classes the loss was configured for.
func (ce *WeightedCrossEntropy) Classes() int {
	return len(ce.weights)
}

func (ce *WeightedCrossEntropy) validate(predicted, target *tensor.Tensor) (batchSize, numClasses int, err error) {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return 0, 0, fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	if len(target.Shape) != 1 {
		return 0, 0, fmt.Errorf("target must be 1D tensor [batch_size], got shape %v", target.Shape)
	}

	batchSize = predicted.Shape[0]
	numClasses = predicted.Shape[1]
	if target.Shape[0] != batchSize {
		return 0, 0, fmt.Errorf("batch size mismatch: predicted %d, target %d", batchSize, target.Shape[0])
	}
	if numClasses != len(ce.weights) {
		return 0, 0, fmt.Errorf("class count mismatch: predicted %d, loss configured for %d", numClasses, len(ce.weights))
	}
	return batchSize, numClasses, nil
}

// Forward computes the weighted mean cross-entropy loss.
// predicted: [batch_size, num_classes] logits; target: [batch_size] class
// indices.
func (ce *WeightedCrossEntropy) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	probs, err := ce.softmax(predicted)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}
	targetData, err := target.GetInt32Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read target data: %v", err)
	}

	var totalLoss, totalWeight float64
	for i := 0; i < batchSize; i++ {
		class := targetData[i]
		if class < 0 || int(class) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", class, numClasses)
		}

		prob := probs[i*numClasses+int(class)]
		// Add small epsilon to prevent log(0)
		if prob < 1e-10 {
			prob = 1e-10
		}

		w := float64(ce.weights[class])
		totalLoss += w * -math.Log(float64(prob))
		totalWeight += w
	}
	if totalWeight == 0 {
		return nil, fmt.Errorf("all target classes have zero weight")
	}

	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(totalLoss / totalWeight)})
}

// Backward computes the loss gradient with respect to the logits:
// w[y_i] * (softmax(x)_ic - 1[c == y_i]) / sum_j w[y_j].
func (ce *WeightedCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	batchSize, numClasses, err := ce.validate(predicted, target)
	if err != nil {
		return nil, err
	}

	probs, err := ce.softmax(predicted)
	if err != nil {
		return nil, fmt.Errorf("softmax computation failed: %v", err)
	}
	targetData, err := target.GetInt32Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read target data: %v", err)
	}

	var totalWeight float64
	for i := 0; i < batchSize; i++ {
		class := targetData[i]
		if class < 0 || int(class) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", class, numClasses)
		}
		totalWeight += float64(ce.weights[class])
	}
	if totalWeight == 0 {
		return nil, fmt.Errorf("all target classes have zero weight")
	}

	grad := make([]float32, batchSize*numClasses)
	for i := 0; i < batchSize; i++ {
		class := int(targetData[i])
		w := float64(ce.weights[class])
		for j := 0; j < numClasses; j++ {
			p := float64(probs[i*numClasses+j])
			if j == class {
				p -= 1.0
			}
			grad[i*numClasses+j] = float32(w * p / totalWeight)
		}
	}

	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

// softmax applies a row-wise softmax with max subtraction for numerical
// stability.
func (ce *WeightedCrossEntropy) softmax(logits *tensor.Tensor) ([]float32, error) {
	data, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	batchSize := logits.Shape[0]
	numClasses := logits.Shape[1]
	result := make([]float32, len(data))

	for i := 0; i < batchSize; i++ {
		offset := i * numClasses

		maxVal := data[offset]
		for j := 1; j < numClasses; j++ {
			if data[offset+j] > maxVal {
				maxVal = data[offset+j]
			}
		}

		var sum float32
		for j := 0; j < numClasses; j++ {
			exp := float32(math.Exp(float64(data[offset+j] - maxVal)))
			result[offset+j] = exp
			sum += exp
		}
		for j := 0; j < numClasses; j++ {
			result[offset+j] /= sum
		}
	}

	return result, nil
}
