package nertrain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidationEvaluator_Eval(t *testing.T) {
	cfg := testConfig()
	cfg.ValidDataPath = filepath.Join(t.TempDir(), "valid.bin")
	writeTrainData(t, cfg.ValidDataPath, 4, cfg.MaxLength)
	model := NewBertNER(cfg)
	core, logs := observer.New(zapcore.InfoLevel)

	ev, err := NewValidationEvaluator(cfg, model, DetectDevice(), zap.New(core))
	require.NoError(t, err)

	before := make([]float32, len(model.Params.Memory))
	copy(before, model.Params.Memory)

	require.NoError(t, ev.Eval(3))

	entries := logs.FilterMessage("validation").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["epoch"])
	assert.Equal(t, int64(16), fields["tokens"]) // 4 examples, 4 unmasked tokens each
	accuracy := fields["token_accuracy"].(float64)
	assert.GreaterOrEqual(t, accuracy, 0.0)
	assert.LessOrEqual(t, accuracy, 1.0)

	// evaluation must not touch the parameters
	assert.Equal(t, before, model.Params.Memory)
}

func TestValidationEvaluator_SkipsWithoutData(t *testing.T) {
	cfg := testConfig()
	model := NewBertNER(cfg)
	core, logs := observer.New(zapcore.InfoLevel)

	ev, err := NewValidationEvaluator(cfg, model, DetectDevice(), zap.New(core))
	require.NoError(t, err)
	require.NoError(t, ev.Eval(1))

	assert.Zero(t, logs.FilterMessage("validation").Len())
	assert.Equal(t, 1, logs.FilterMessage("no validation data, skipping evaluation").Len())
}

func TestNewValidationEvaluator_SequenceLengthMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.ValidDataPath = filepath.Join(t.TempDir(), "valid.bin")
	writeTrainData(t, cfg.ValidDataPath, 2, cfg.MaxLength+2)
	_, err := NewValidationEvaluator(cfg, NewBertNER(cfg), DetectDevice(), zap.NewNop())
	assert.Error(t, err)
}
