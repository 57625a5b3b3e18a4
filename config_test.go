package nertrain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
model_path: out
train_data_path: data/train.bin
valid_data_path: data/valid.bin
epoch: 3
batch_size: 8
max_length: 32
hidden_size: 64
num_heads: 4
class_num: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "out", cfg.ModelPath)
	assert.Equal(t, "data/train.bin", cfg.TrainDataPath)
	assert.Equal(t, 3, cfg.Epoch)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 64, cfg.HiddenSize)
	// defaults survive a partial file
	assert.Equal(t, "adamw", cfg.Optimizer)
	assert.Equal(t, 1e-4, cfg.LearningRate)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.TrainDataPath = "data/train.bin"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaultsWithData", mutate: func(*Config) {}},
		{name: "zeroEpochsAllowed", mutate: func(c *Config) { c.Epoch = 0 }},
		{name: "negativeEpochs", mutate: func(c *Config) { c.Epoch = -1 }, wantErr: true},
		{name: "emptyModelPath", mutate: func(c *Config) { c.ModelPath = "" }, wantErr: true},
		{name: "emptyTrainData", mutate: func(c *Config) { c.TrainDataPath = "" }, wantErr: true},
		{name: "zeroBatch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "hiddenNotMultipleOfHeads", mutate: func(c *Config) { c.HiddenSize = 10; c.NumHeads = 4 }, wantErr: true},
		{name: "badOptimizer", mutate: func(c *Config) { c.Optimizer = "rmsprop" }, wantErr: true},
		{name: "negativeLearningRate", mutate: func(c *Config) { c.LearningRate = -1 }, wantErr: true},
		{name: "dropoutOfOne", mutate: func(c *Config) { c.Dropout = 1.0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
