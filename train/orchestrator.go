package train

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-seqtrain/checkpoint"
	"github.com/tsawler/go-seqtrain/data"
	"github.com/tsawler/go-seqtrain/nn"
)

// RunParams wires the collaborators an Orchestrator drives. All fields
// except RunID are required; an empty RunID gets a generated one.
type RunParams struct {
	Spec        nn.Spec
	Model       nn.Module
	Criterion   Loss
	Optimizer   Optimizer
	Gamma       float64
	Epochs      int
	Classes     int
	TrainLoader *data.Loader
	ValLoader   *data.Loader
	Artifacts   *ArtifactWriter
	Logger      zerolog.Logger
	RunID       string
}

// Orchestrator runs the full training schedule: for every epoch it trains,
// decays the learning rate, validates, records both loss histories, and
// saves the model whenever validation accuracy reaches a new best.
type Orchestrator struct {
	spec        nn.Spec
	model       nn.Module
	optimizer   Optimizer
	controller  *LRController
	selector    *CheckpointSelector
	epochRunner *EpochRunner
	valRunner   *ValidationRunner
	artifacts   *ArtifactWriter
	trainLoader *data.Loader
	valLoader   *data.Loader
	epochs      int
	runID       string
	logger      zerolog.Logger

	trainHistory []float64
	valHistory   []float64
	lrHistory    []float64
}

// NewOrchestrator validates the wiring and assembles the per-epoch
// runners around it.
func NewOrchestrator(params RunParams) (*Orchestrator, error) {
	if params.Model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if params.Criterion == nil {
		return nil, fmt.Errorf("criterion cannot be nil")
	}
	if params.Optimizer == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if params.TrainLoader == nil || params.ValLoader == nil {
		return nil, fmt.Errorf("both data loaders are required")
	}
	if params.Artifacts == nil {
		return nil, fmt.Errorf("artifact writer cannot be nil")
	}
	if params.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", params.Epochs)
	}

	controller, err := NewLRController(params.Optimizer, params.Gamma)
	if err != nil {
		return nil, err
	}
	valRunner, err := NewValidationRunner(params.Model, params.Criterion, params.Classes)
	if err != nil {
		return nil, err
	}

	runID := params.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &Orchestrator{
		spec:        params.Spec,
		model:       params.Model,
		optimizer:   params.Optimizer,
		controller:  controller,
		selector:    NewCheckpointSelector(),
		epochRunner: NewEpochRunner(params.Model, params.Criterion, params.Optimizer, params.Logger),
		valRunner:   valRunner,
		artifacts:   params.Artifacts,
		trainLoader: params.TrainLoader,
		valLoader:   params.ValLoader,
		epochs:      params.Epochs,
		runID:       runID,
		logger:      params.Logger,
	}, nil
}

// RunID returns the identifier stamped on this run's logs and checkpoints.
func (o *Orchestrator) RunID() string { return o.runID }

// Run executes the whole schedule. It stops at the first failed epoch;
// artifacts from completed epochs remain on disk.
func (o *Orchestrator) Run() error {
	o.logger.Info().Msg("Training started.")

	for epoch := 1; epoch <= o.epochs; epoch++ {
		trainLoss, err := o.epochRunner.Run(o.trainLoader, epoch, o.epochs)
		if err != nil {
			return fmt.Errorf("epoch %d: %v", epoch, err)
		}

		// The recorded rate is the one this epoch trained at; decay
		// takes effect from the next epoch.
		rate := o.controller.Rate()
		o.lrHistory = append(o.lrHistory, rate)
		o.logger.Info().Int("epoch", epoch).Float64("rate", rate).Msg("learning rate")
		o.controller.Step()

		result, err := o.valRunner.Run(o.valLoader)
		if err != nil {
			return fmt.Errorf("epoch %d: %v", epoch, err)
		}

		o.trainHistory = append(o.trainHistory, trainLoss)
		o.valHistory = append(o.valHistory, result.MeanLoss)
		o.logger.Info().
			Int("epoch", epoch).
			Float64("loss", result.MeanLoss).
			Float64("accuracy", result.Accuracy).
			Msg("validation")
		o.logger.Debug().
			Int("epoch", epoch).
			Str("matrix", result.Confusion.String()).
			Msg("confusion matrix")

		if err := o.artifacts.LogLoss(o.trainHistory, o.valHistory); err != nil {
			return errors.Wrapf(err, "recording loss history for epoch %d", epoch)
		}

		previous := o.selector.Best()
		if o.selector.Consider(result.Accuracy) {
			o.logger.Info().
				Float64("previous", previous).
				Float64("current", result.Accuracy).
				Msg("best accuracy updated")

			state := checkpoint.TrainingState{
				Epoch:        epoch,
				LearningRate: o.controller.Rate(),
				BestAccuracy: o.selector.Best(),
			}
			optState := o.optimizer.State()
			meta := checkpoint.Metadata{RunID: o.runID}
			if err := o.artifacts.SaveModel(o.spec, o.model, state, &optState, meta); err != nil {
				return errors.Wrapf(err, "saving best model at epoch %d", epoch)
			}
			o.logger.Info().
				Str("trainable", o.artifacts.TrainablePath()).
				Str("inference", o.artifacts.InferencePath()).
				Msg("model saved")
		}
	}

	o.logger.Info().Msg("Training finished.")
	return nil
}

// TrainHistory returns per-epoch mean training losses.
func (o *Orchestrator) TrainHistory() []float64 {
	return append([]float64(nil), o.trainHistory...)
}

// ValHistory returns per-epoch mean validation losses.
func (o *Orchestrator) ValHistory() []float64 {
	return append([]float64(nil), o.valHistory...)
}

// LRHistory returns the learning rate each epoch trained at.
func (o *Orchestrator) LRHistory() []float64 {
	return append([]float64(nil), o.lrHistory...)
}

// BestAccuracy returns the best validation accuracy seen so far.
func (o *Orchestrator) BestAccuracy() float64 { return o.selector.Best() }

// Improvements returns how many times the best accuracy was beaten.
func (o *Orchestrator) Improvements() int { return o.selector.Improvements() }
