package train

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-seqtrain/data"
	"github.com/tsawler/go-seqtrain/nn"
)

// EpochRunner executes one training pass per Run call: forward, loss,
// backward, and one optimizer step per batch. It is the only component
// that mutates model weights.
type EpochRunner struct {
	model     nn.Module
	criterion Loss
	optimizer Optimizer
	logger    zerolog.Logger
}

// NewEpochRunner wires a training pass over the given collaborators.
func NewEpochRunner(model nn.Module, criterion Loss, optimizer Optimizer, logger zerolog.Logger) *EpochRunner {
	return &EpochRunner{
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		logger:    logger,
	}
}

// Run puts the model in training mode and walks one full pass of the
// loader, applying a gradient update per batch. It returns the arithmetic
// mean of per-batch losses. epoch and epochs are 1-based and used only
// for logging.
func (er *EpochRunner) Run(loader *data.Loader, epoch, epochs int) (float64, error) {
	er.model.Train()
	loader.Reset()

	var metrics MetricAccumulator
	batches := loader.Batches()
	batchIndex := 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, fmt.Errorf("fetching training batch %d failed: %v", batchIndex+1, err)
		}
		if batch == nil {
			break
		}
		batchIndex++

		er.optimizer.ZeroGrad()

		preds, err := er.model.Forward(batch.Inputs)
		if err != nil {
			return 0, fmt.Errorf("training forward pass failed: %v", err)
		}
		lossTensor, err := er.criterion.Forward(preds, batch.Labels)
		if err != nil {
			return 0, fmt.Errorf("loss computation failed: %v", err)
		}
		loss, err := lossTensor.Item()
		if err != nil {
			return 0, fmt.Errorf("loss is not a scalar: %v", err)
		}

		gradPreds, err := er.criterion.Backward(preds, batch.Labels)
		if err != nil {
			return 0, fmt.Errorf("loss gradient computation failed: %v", err)
		}
		if err := preds.Backward(gradPreds); err != nil {
			return 0, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := er.optimizer.Step(); err != nil {
			return 0, fmt.Errorf("optimizer step failed: %v", err)
		}

		// Per-batch accuracy is logged but never aggregated.
		correct, err := CountCorrect(preds, batch.Labels)
		if err != nil {
			return 0, fmt.Errorf("accuracy computation failed: %v", err)
		}
		metrics.AddBatch(loss, correct, batch.Size)

		er.logger.Info().
			Int("epoch", epoch).
			Int("epochs", epochs).
			Int("batch", batchIndex).
			Int("batches", batches).
			Float64("loss", loss).
			Float64("accuracy", float64(correct)/float64(batch.Size)).
			Msg("train batch")
	}

	if metrics.Batches() == 0 {
		return 0, fmt.Errorf("training set is empty")
	}
	return metrics.MeanLoss(), nil
}

// ValidationResult aggregates one read-only pass over the validation set.
type ValidationResult struct {
	MeanLoss  float64
	Accuracy  float64
	Correct   int
	Samples   int
	Confusion *ConfusionMatrix
}

// ValidationRunner executes inference-mode passes over a validation set.
// It never computes gradients or touches model weights.
type ValidationRunner struct {
	model     nn.Module
	criterion Loss
	classes   int
}

// NewValidationRunner wires a validation pass for a model with the given
// class count.
func NewValidationRunner(model nn.Module, criterion Loss, classes int) (*ValidationRunner, error) {
	if classes < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", classes)
	}
	return &ValidationRunner{model: model, criterion: criterion, classes: classes}, nil
}

// Run puts the model in eval mode and walks one full pass of the loader.
// Loss is the mean of per-batch losses; accuracy is total correct over
// the pass's total sample count, so uneven final batches are weighted by
// their true size.
func (vr *ValidationRunner) Run(loader *data.Loader) (ValidationResult, error) {
	vr.model.Eval()
	loader.Reset()

	totalSamples := loader.Samples()
	confusion, err := NewConfusionMatrix(vr.classes)
	if err != nil {
		return ValidationResult{}, err
	}

	var metrics MetricAccumulator
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return ValidationResult{}, fmt.Errorf("fetching validation batch failed: %v", err)
		}
		if batch == nil {
			break
		}

		preds, err := vr.model.Forward(batch.Inputs)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation forward pass failed: %v", err)
		}
		lossTensor, err := vr.criterion.Forward(preds, batch.Labels)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation loss computation failed: %v", err)
		}
		loss, err := lossTensor.Item()
		if err != nil {
			return ValidationResult{}, fmt.Errorf("validation loss is not a scalar: %v", err)
		}

		correct, err := CountCorrect(preds, batch.Labels)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("accuracy computation failed: %v", err)
		}
		if err := confusion.Update(preds, batch.Labels); err != nil {
			return ValidationResult{}, fmt.Errorf("confusion matrix update failed: %v", err)
		}
		metrics.AddBatch(loss, correct, batch.Size)
	}

	if metrics.Batches() == 0 {
		return ValidationResult{}, fmt.Errorf("validation set is empty")
	}

	return ValidationResult{
		MeanLoss:  metrics.MeanLoss(),
		Accuracy:  float64(metrics.Correct()) / float64(totalSamples),
		Correct:   metrics.Correct(),
		Samples:   totalSamples,
		Confusion: confusion,
	}, nil
}
