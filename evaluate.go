package nertrain

import (
	"fmt"

	"go.uber.org/zap"
)

// ValidationEvaluator measures the model on a held-out set once per epoch.
// It reads the shared model's parameters but never mutates them, and it logs
// its own results; the training driver does not interpret them.
type ValidationEvaluator struct {
	cfg    *Config
	model  *BertNER
	loader *DataLoader
	dev    Device
	log    *zap.Logger
}

// NewValidationEvaluator opens the validation set named by the configuration.
// An empty valid_data_path is allowed: evaluation degrades to a logged skip.
func NewValidationEvaluator(cfg *Config, model *BertNER, dev Device, log *zap.Logger) (*ValidationEvaluator, error) {
	ev := &ValidationEvaluator{cfg: cfg, model: model, dev: dev, log: log}
	if cfg.ValidDataPath == "" {
		return ev, nil
	}
	loader, err := NewDataLoader(cfg.ValidDataPath, cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("load validation data: %w", err)
	}
	if loader.SeqLen() != cfg.MaxLength {
		return nil, fmt.Errorf("validation data has sequence length %d, config says %d", loader.SeqLen(), cfg.MaxLength)
	}
	ev.loader = loader
	return ev, nil
}

// Eval runs one full pass over the validation set in eval mode and logs mean
// loss and token accuracy for the given 1-indexed epoch.
func (ev *ValidationEvaluator) Eval(epoch int) error {
	if ev.loader == nil {
		ev.log.Info("no validation data, skipping evaluation", zap.Int("epoch", epoch))
		return nil
	}
	ev.model.EvalMode()
	ev.loader.Reset()
	B, T := ev.loader.BatchSize(), ev.loader.SeqLen()
	var totalLoss float64
	var correct, counted int
	for i := 0; i < ev.loader.NumBatches(); i++ {
		batch, err := ev.loader.NextBatch()
		if err != nil {
			return fmt.Errorf("validation batch %d: %w", i, err)
		}
		batch = ev.dev.Place(batch)
		loss := ev.model.Forward(batch.InputIDs, batch.AttentionMask, batch.Labels, B, T)
		totalLoss += float64(loss)
		preds := ev.model.PredictedLabels()
		for j, want := range batch.Labels {
			if want == ignoreLabel {
				continue
			}
			counted++
			if preds[j] == want {
				correct++
			}
		}
	}
	meanLoss := totalLoss / float64(ev.loader.NumBatches())
	accuracy := 0.0
	if counted > 0 {
		accuracy = float64(correct) / float64(counted)
	}
	ev.log.Info("validation",
		zap.Int("epoch", epoch),
		zap.Float64("loss", meanLoss),
		zap.Float64("token_accuracy", accuracy),
		zap.Int("tokens", counted))
	return nil
}
