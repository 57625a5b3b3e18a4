package nertrain

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
)

// CheckpointFileName is the fixed name of the final checkpoint inside the
// model output directory.
const CheckpointFileName = "bert_ner_model.pth"

// Checkpoint format: a uint32 little-endian length, the run configuration as
// JSON, then the raw little-endian float32 parameter memory. The embedded
// configuration makes the file self-describing: it carries everything needed
// to rebuild an equivalent model for inference.

// SaveCheckpoint writes the model's parameter snapshot and its configuration.
func SaveCheckpoint(path string, model *BertNER) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()

	configJSON, err := json.Marshal(model.Config)
	if err != nil {
		return fmt.Errorf("marshal checkpoint config: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(configJSON))); err != nil {
		return fmt.Errorf("write checkpoint header: %w", err)
	}
	if _, err := f.Write(configJSON); err != nil {
		return fmt.Errorf("write checkpoint config: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return fmt.Errorf("write checkpoint parameters: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint back: the parameter memory and the
// configuration that produced it. The parameter count is cross-checked
// against the architecture the stored configuration describes.
func LoadCheckpoint(path string) ([]float32, *Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read checkpoint: %w", err)
	}
	r := bytes.NewReader(data)
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("read checkpoint header: %w", err)
	}
	if int(headerLen) > r.Len() {
		return nil, nil, fmt.Errorf("checkpoint header claims %d config bytes, only %d remain", headerLen, r.Len())
	}
	configJSON := make([]byte, headerLen)
	if _, err := r.Read(configJSON); err != nil {
		return nil, nil, fmt.Errorf("read checkpoint config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse checkpoint config: %w", err)
	}
	if cfg.VocabSize < 1 || cfg.HiddenSize < 1 || cfg.MaxLength < 1 || cfg.NumLayers < 1 || cfg.ClassNum < 1 {
		return nil, nil, fmt.Errorf("checkpoint config describes an invalid architecture: vocab %d, hidden %d, layers %d, labels %d, max length %d",
			cfg.VocabSize, cfg.HiddenSize, cfg.NumLayers, cfg.ClassNum, cfg.MaxLength)
	}

	var want ParameterTensors
	want.Init(cfg.VocabSize, cfg.HiddenSize, cfg.MaxLength, cfg.NumLayers, cfg.ClassNum)
	if r.Len() != want.Len()*4 {
		return nil, nil, fmt.Errorf("checkpoint holds %d parameter bytes, config describes %d", r.Len(), want.Len()*4)
	}
	params := make([]float32, want.Len())
	if err := binary.Read(r, binary.LittleEndian, params); err != nil {
		return nil, nil, fmt.Errorf("read checkpoint parameters: %w", err)
	}
	return params, &cfg, nil
}
