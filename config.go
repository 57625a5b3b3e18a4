package nertrain

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every setting for one fine-tuning run. It is built once before
// training starts and is read-only afterwards; the entry point is the only
// place allowed to mutate it (to inject the pretrained weight path).
type Config struct {
	// Paths
	ModelPath     string `yaml:"model_path"`      // output directory for the checkpoint
	TrainDataPath string `yaml:"train_data_path"` // encoded training dataset
	ValidDataPath string `yaml:"valid_data_path"` // encoded validation dataset, may be empty
	BertPath      string `yaml:"bert_path"`       // pretrained encoder weights, empty = random init

	// Training
	Epoch     int `yaml:"epoch"`
	BatchSize int `yaml:"batch_size"`
	MaxLength int `yaml:"max_length"` // sequence length every example is padded/truncated to

	// Model
	VocabSize  int     `yaml:"vocab_size"`
	HiddenSize int     `yaml:"hidden_size"`
	NumLayers  int     `yaml:"num_layers"`
	NumHeads   int     `yaml:"num_heads"`
	ClassNum   int     `yaml:"class_num"` // number of entity labels
	Dropout    float64 `yaml:"dropout"`

	// Optimizer
	Optimizer    string  `yaml:"optimizer"` // "adamw" or "sgd"
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`

	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a config with the hyperparameters a small fine-tuning
// run uses unless the file says otherwise.
func DefaultConfig() *Config {
	return &Config{
		ModelPath:    "model_output",
		Epoch:        10,
		BatchSize:    16,
		MaxLength:    100,
		VocabSize:    21128,
		HiddenSize:   256,
		NumLayers:    2,
		NumHeads:     4,
		ClassNum:     9,
		Dropout:      0.1,
		Optimizer:    "adamw",
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
		Seed:         21,
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the preconditions the training driver relies on.
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("config: model_path must not be empty")
	}
	if c.TrainDataPath == "" {
		return errors.New("config: train_data_path must not be empty")
	}
	if c.Epoch < 0 {
		return fmt.Errorf("config: epoch must not be negative, got %d", c.Epoch)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxLength < 1 {
		return fmt.Errorf("config: max_length must be at least 1, got %d", c.MaxLength)
	}
	if c.HiddenSize < 1 || c.NumHeads < 1 || c.HiddenSize%c.NumHeads != 0 {
		return fmt.Errorf("config: hidden_size %d must be a positive multiple of num_heads %d", c.HiddenSize, c.NumHeads)
	}
	if c.NumLayers < 1 {
		return fmt.Errorf("config: num_layers must be at least 1, got %d", c.NumLayers)
	}
	if c.VocabSize < 1 || c.ClassNum < 1 {
		return fmt.Errorf("config: vocab_size %d and class_num %d must be positive", c.VocabSize, c.ClassNum)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("config: learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("config: dropout must be in [0,1), got %g", c.Dropout)
	}
	switch c.Optimizer {
	case "adamw", "sgd":
	default:
		return fmt.Errorf("config: unknown optimizer %q", c.Optimizer)
	}
	return nil
}
