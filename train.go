package nertrain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Evaluator is the per-epoch validation hook. The driver invokes it with the
// 1-indexed epoch number and does not interpret its output.
type Evaluator interface {
	Eval(epoch int) error
}

// Trainer sequences one fine-tuning run from configuration to a persisted
// checkpoint. It owns the model's parameter state for the whole run; the
// evaluator reads that state but never writes it.
type Trainer struct {
	cfg *Config
	log *zap.Logger

	// Eval overrides the default validation evaluator when set before Run.
	Eval Evaluator
}

// NewTrainer builds a trainer with an injected logger. Tests pass
// zap.NewNop().
func NewTrainer(cfg *Config, log *zap.Logger) *Trainer {
	return &Trainer{cfg: cfg, log: log}
}

// Train runs one full fine-tuning pass, mirroring Trainer.Run for callers
// that do not need to customize the evaluator.
func Train(cfg *Config, log *zap.Logger) (*BertNER, *DataLoader, error) {
	return NewTrainer(cfg, log).Run()
}

// Run executes the whole training schedule: epoch loop, per-epoch
// evaluation, final checkpoint. It returns the trained model and the batch
// source for caller-side inspection. Failures are not retried; the first
// error aborts the run.
func (tr *Trainer) Run() (*BertNER, *DataLoader, error) {
	cfg := tr.cfg
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log := tr.log.With(zap.String("run_id", uuid.NewString()))

	if err := os.MkdirAll(cfg.ModelPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create model directory: %w", err)
	}
	loader, err := NewDataLoader(cfg.TrainDataPath, cfg.BatchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("load training data: %w", err)
	}
	if loader.SeqLen() != cfg.MaxLength {
		return nil, nil, fmt.Errorf("training data has sequence length %d, config says %d", loader.SeqLen(), cfg.MaxLength)
	}

	model := NewBertNER(cfg)
	if cfg.BertPath != "" {
		if err := model.LoadPretrained(cfg.BertPath); err != nil {
			return nil, nil, err
		}
		log.Info("loaded pretrained encoder", zap.String("bert_path", cfg.BertPath))
	}

	// One capability probe for the whole run.
	dev := DetectDevice()
	if dev.Accelerated() {
		log.Info("accelerated backend available, moving model",
			zap.String("device", dev.Name), zap.Int("workers", dev.Workers))
	}
	model.ToDevice(dev)

	optimizer, err := ChooseOptimizer(cfg, model)
	if err != nil {
		return nil, nil, err
	}
	evaluator := tr.Eval
	if evaluator == nil {
		evaluator, err = NewValidationEvaluator(cfg, model, dev, log)
		if err != nil {
			return nil, nil, err
		}
	}

	B, T := cfg.BatchSize, loader.SeqLen()
	numBatches := loader.NumBatches()
	// Coarse cadence: the first batch, then roughly twice per epoch. The
	// divisor is clamped so single-batch epochs still log once.
	logInterval := numBatches / 2
	if logInterval < 1 {
		logInterval = 1
	}

	for epoch := 1; epoch <= cfg.Epoch; epoch++ {
		model.TrainMode()
		log.Info("epoch begin", zap.Int("epoch", epoch))
		trainLoss := make([]float64, 0, numBatches)
		loader.Reset()
		for index := 0; index < numBatches; index++ {
			optimizer.ZeroGrad()
			batch, err := loader.NextBatch()
			if err != nil {
				return nil, nil, fmt.Errorf("epoch %d batch %d: %w", epoch, index, err)
			}
			batch = dev.Place(batch)
			loss := model.Forward(batch.InputIDs, batch.AttentionMask, batch.Labels, B, T)
			if err := model.Backward(); err != nil {
				return nil, nil, fmt.Errorf("epoch %d batch %d backward: %w", epoch, index, err)
			}
			optimizer.Step()
			trainLoss = append(trainLoss, float64(loss))
			if index%logInterval == 0 {
				log.Info("batch loss",
					zap.Int("epoch", epoch), zap.Int("batch", index), zap.Float64("loss", float64(loss)))
			}
		}
		log.Info("epoch average loss", zap.Int("epoch", epoch), zap.Float64("loss", mean(trainLoss)))
		if err := evaluator.Eval(epoch); err != nil {
			return nil, nil, fmt.Errorf("epoch %d evaluation: %w", epoch, err)
		}
	}

	// The save is unconditional: a zero-epoch run still writes its (untrained)
	// snapshot, matching the behavior downstream tooling expects.
	checkpointPath := filepath.Join(cfg.ModelPath, CheckpointFileName)
	if err := SaveCheckpoint(checkpointPath, model); err != nil {
		return nil, nil, err
	}
	log.Info("model saved", zap.String("path", checkpointPath))
	return model, loader, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
