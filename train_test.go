package nertrain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingEvaluator stands in for the validation pass and records the epoch
// numbers it is invoked with.
type recordingEvaluator struct {
	epochs []int
}

func (r *recordingEvaluator) Eval(epoch int) error {
	r.epochs = append(r.epochs, epoch)
	return nil
}

// writeTrainData writes numExamples encoded examples of length seqLen.
func writeTrainData(t *testing.T, path string, numExamples, seqLen int) {
	t.Helper()
	inputIDs := make([][]int32, numExamples)
	masks := make([][]int32, numExamples)
	labels := make([][]int32, numExamples)
	for e := 0; e < numExamples; e++ {
		inputIDs[e] = make([]int32, seqLen)
		masks[e] = make([]int32, seqLen)
		labels[e] = make([]int32, seqLen)
		for i := 0; i < seqLen; i++ {
			inputIDs[e][i] = int32((e + i) % 16)
			masks[e][i] = 1
			labels[e][i] = int32((e + i) % 3)
		}
	}
	require.NoError(t, WriteDataset(path, inputIDs, masks, labels))
}

// trainerConfig wires testConfig to real files in a temp dir.
func trainerConfig(t *testing.T, numExamples int) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.ModelPath = filepath.Join(dir, "out")
	cfg.TrainDataPath = filepath.Join(dir, "train.bin")
	writeTrainData(t, cfg.TrainDataPath, numExamples, cfg.MaxLength)
	return cfg
}

func TestTrainer_Run_TwoEpochScenario(t *testing.T) {
	cfg := trainerConfig(t, 4) // 2 batches of 2 examples
	cfg.Epoch = 2
	core, logs := observer.New(zapcore.InfoLevel)
	rec := &recordingEvaluator{}

	tr := NewTrainer(cfg, zap.New(core))
	tr.Eval = rec
	model, loader, err := tr.Run()
	require.NoError(t, err)
	require.NotNil(t, model)
	require.NotNil(t, loader)

	// evaluator ran once per epoch, in order, 1-indexed
	assert.Equal(t, []int{1, 2}, rec.epochs)

	// exactly two epoch-begin lines
	assert.Equal(t, 2, logs.FilterMessage("epoch begin").Len())

	// with two batches the cadence logs every batch, so the logged epoch
	// average must equal the plain mean of the logged batch losses
	batchLosses := logs.FilterMessage("batch loss").All()
	epochAverages := logs.FilterMessage("epoch average loss").All()
	require.Len(t, batchLosses, 4)
	require.Len(t, epochAverages, 2)
	for epoch := 0; epoch < 2; epoch++ {
		want := (batchLosses[epoch*2].ContextMap()["loss"].(float64) +
			batchLosses[epoch*2+1].ContextMap()["loss"].(float64)) / 2
		assert.InDelta(t, want, epochAverages[epoch].ContextMap()["loss"].(float64), 1e-9)
	}

	// exactly one checkpoint, at the fixed path, matching the live model
	entries, err := os.ReadDir(cfg.ModelPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, CheckpointFileName, entries[0].Name())
	params, loadedCfg, err := LoadCheckpoint(filepath.Join(cfg.ModelPath, CheckpointFileName))
	require.NoError(t, err)
	assert.Equal(t, model.Params.Memory, params)
	assert.Equal(t, cfg, loadedCfg)
}

func TestTrainer_Run_ZeroEpochs(t *testing.T) {
	cfg := trainerConfig(t, 2)
	cfg.Epoch = 0
	core, logs := observer.New(zapcore.InfoLevel)
	rec := &recordingEvaluator{}

	tr := NewTrainer(cfg, zap.New(core))
	tr.Eval = rec
	_, _, err := tr.Run()
	require.NoError(t, err)

	// no iteration, no evaluation, but the save still happens
	assert.Empty(t, rec.epochs)
	assert.Zero(t, logs.FilterMessage("epoch begin").Len())
	_, statErr := os.Stat(filepath.Join(cfg.ModelPath, CheckpointFileName))
	assert.NoError(t, statErr)
}

func TestTrainer_Run_SingleBatchEpoch(t *testing.T) {
	cfg := trainerConfig(t, 2) // exactly one batch
	cfg.Epoch = 1
	core, logs := observer.New(zapcore.InfoLevel)
	rec := &recordingEvaluator{}

	tr := NewTrainer(cfg, zap.New(core))
	tr.Eval = rec
	_, loader, err := tr.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, loader.NumBatches())
	assert.Equal(t, []int{1}, rec.epochs)
	// the single batch is the first batch, so it is logged once
	assert.Equal(t, 1, logs.FilterMessage("batch loss").Len())
}

func TestTrainer_Run_DefaultEvaluator(t *testing.T) {
	cfg := trainerConfig(t, 2)
	cfg.Epoch = 1
	cfg.ValidDataPath = filepath.Join(filepath.Dir(cfg.TrainDataPath), "valid.bin")
	writeTrainData(t, cfg.ValidDataPath, 2, cfg.MaxLength)
	core, logs := observer.New(zapcore.InfoLevel)

	_, _, err := NewTrainer(cfg, zap.New(core)).Run()
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("validation").Len())
}

func TestTrainer_Run_Errors(t *testing.T) {
	t.Run("missingTrainData", func(t *testing.T) {
		cfg := testConfig()
		cfg.ModelPath = filepath.Join(t.TempDir(), "out")
		cfg.TrainDataPath = filepath.Join(t.TempDir(), "absent.bin")
		_, _, err := NewTrainer(cfg, zap.NewNop()).Run()
		assert.Error(t, err)
	})
	t.Run("sequenceLengthMismatch", func(t *testing.T) {
		cfg := trainerConfig(t, 2)
		cfg.MaxLength = 8 // dataset was written with length 4
		_, _, err := NewTrainer(cfg, zap.NewNop()).Run()
		assert.Error(t, err)
	})
	t.Run("invalidConfig", func(t *testing.T) {
		cfg := trainerConfig(t, 2)
		cfg.Epoch = -1
		_, _, err := NewTrainer(cfg, zap.NewNop()).Run()
		assert.Error(t, err)
	})
	t.Run("missingPretrainedWeights", func(t *testing.T) {
		cfg := trainerConfig(t, 2)
		cfg.BertPath = filepath.Join(t.TempDir(), "absent.pth")
		_, _, err := NewTrainer(cfg, zap.NewNop()).Run()
		assert.Error(t, err)
	})
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, mean(nil))
	assert.Equal(t, 2.0, mean([]float64{1, 2, 3}))
	assert.Equal(t, 1.5, mean([]float64{1, 2}))
}
