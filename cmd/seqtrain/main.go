// Command seqtrain trains a sequence classifier end to end and leaves the
// run's artifacts, logs, and best checkpoints in a timestamped directory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsawler/go-seqtrain/config"
	"github.com/tsawler/go-seqtrain/data"
	"github.com/tsawler/go-seqtrain/nn"
	"github.com/tsawler/go-seqtrain/tensor"
	"github.com/tsawler/go-seqtrain/train"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "seqtrain: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if _, err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tensor.SetRandomSeed(cfg.Seed)

	runDir, err := train.NewRunDir(cfg.RootDir, time.Now())
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(runDir, train.RunLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening run log: %v", err)
	}
	defer logFile.Close()

	runID := uuid.NewString()
	sink := zerolog.MultiLevelWriter(logFile, zerolog.ConsoleWriter{Out: os.Stderr})
	logger := zerolog.New(sink).With().Timestamp().Str("run_id", runID).Logger()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %v", err)
	}
	logger.Info().RawJSON("config", cfgJSON).Msg("training configuration")
	logger.Info().Str("dir", runDir).Msg("run directory")

	spec := nn.Classifier(cfg.Model.InputSize, cfg.Model.HiddenSize, cfg.Data.Classes, cfg.Model.Dropout)
	model, err := nn.Build(spec)
	if err != nil {
		return fmt.Errorf("building model: %v", err)
	}
	logger.Info().Str("model", nn.Describe(spec)).Msg("model architecture")

	trainSet, err := loadDataset(cfg, cfg.Data.TrainPath, cfg.Seed)
	if err != nil {
		return fmt.Errorf("loading training data: %v", err)
	}
	valSet, err := loadDataset(cfg, cfg.Data.ValPath, cfg.Seed+1)
	if err != nil {
		return fmt.Errorf("loading validation data: %v", err)
	}
	logger.Info().Int("length", trainSet.Len()).Msg("train sequence")
	logger.Info().Int("length", valSet.Len()).Msg("validate sequence")

	trainLoader, err := data.NewLoader(trainSet, cfg.Train.TrainBatchSize, true, cfg.Seed)
	if err != nil {
		return fmt.Errorf("creating train loader: %v", err)
	}
	valLoader, err := data.NewLoader(valSet, cfg.Train.ValBatchSize, true, cfg.Seed+1)
	if err != nil {
		return fmt.Errorf("creating validation loader: %v", err)
	}

	criterion, err := train.NewWeightedCrossEntropy(cfg.LossWeights())
	if err != nil {
		return fmt.Errorf("creating loss: %v", err)
	}
	optimizer := train.NewAdam(model.Parameters(), cfg.Train.LR, 0.9, 0.999, 1e-8, 0)

	orch, err := train.NewOrchestrator(train.RunParams{
		Spec:        spec,
		Model:       model,
		Criterion:   criterion,
		Optimizer:   optimizer,
		Gamma:       cfg.Train.Gamma,
		Epochs:      cfg.Train.Epoch,
		Classes:     cfg.Data.Classes,
		TrainLoader: trainLoader,
		ValLoader:   valLoader,
		Artifacts:   train.NewArtifactWriter(runDir),
		Logger:      logger,
		RunID:       runID,
	})
	if err != nil {
		return err
	}

	if err := orch.Run(); err != nil {
		logger.Error().Err(err).Msg("training failed")
		return err
	}

	logger.Info().
		Float64("best_accuracy", orch.BestAccuracy()).
		Str("dir", runDir).
		Msg("run complete")
	return nil
}

// loadDataset reads the dataset at path, or generates a synthetic one when
// no path is configured.
func loadDataset(cfg config.Config, path string, seed int64) (*data.InMemoryDataset, error) {
	var (
		ds  *data.InMemoryDataset
		err error
	)
	if path != "" {
		ds, err = data.LoadJSON(path)
	} else {
		ds, err = data.Synthetic(cfg.Data.Samples, cfg.Model.InputSize, cfg.Data.Classes, seed)
	}
	if err != nil {
		return nil, err
	}
	if ds.Len() > 0 && ds.SampleSize() != cfg.Model.InputSize {
		return nil, fmt.Errorf("dataset sample size %d does not match model input size %d", ds.SampleSize(), cfg.Model.InputSize)
	}
	return ds, nil
}
