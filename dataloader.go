package nertrain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	datasetMagic   int32 = 0x4E455231 // "NER1"
	datasetVersion int32 = 1
)

// Batch is one training step's worth of examples: three equal-length,
// batch-contiguous tensors of batchSize*seqLen elements each. Labels use
// ignoreLabel for positions excluded from the loss.
type Batch struct {
	InputIDs      []int32
	AttentionMask []int32
	Labels        []int32
}

// DataLoader yields batches over a pre-encoded NER dataset. The file holds
// fixed-length examples (token ids, attention mask, label ids); tokenization
// and label alignment happen upstream. The loader is finite and re-iterable:
// Reset rewinds it, and NextBatch wraps around at the end like the reference
// loaders do.
type DataLoader struct {
	batchSize       int
	seqLen          int
	numExamples     int
	numBatches      int
	currentPosition int

	// deinterleaved, example-major
	inputIDs []int32
	masks    []int32
	labels   []int32
}

// NewDataLoader opens an encoded dataset file.
func NewDataLoader(filename string, batchSize int) (*DataLoader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return newDataLoader(f, batchSize)
}

func newDataLoader(r io.Reader, batchSize int) (*DataLoader, error) {
	header := make([]int32, 4)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	if header[0] != datasetMagic || header[1] != datasetVersion {
		return nil, errors.New("bad dataset file format")
	}
	numExamples, seqLen := int(header[2]), int(header[3])
	if numExamples < 1 || seqLen < 1 {
		return nil, fmt.Errorf("dataset header claims %d examples of length %d", numExamples, seqLen)
	}
	if numExamples < batchSize {
		return nil, fmt.Errorf("dataset has %d examples, fewer than batch size %d", numExamples, batchSize)
	}
	loader := &DataLoader{
		batchSize:   batchSize,
		seqLen:      seqLen,
		numExamples: numExamples,
		numBatches:  numExamples / batchSize,
		inputIDs:    make([]int32, numExamples*seqLen),
		masks:       make([]int32, numExamples*seqLen),
		labels:      make([]int32, numExamples*seqLen),
	}
	example := make([]int32, 3*seqLen)
	for e := 0; e < numExamples; e++ {
		if err := binary.Read(r, binary.LittleEndian, example); err != nil {
			return nil, fmt.Errorf("read example %d: %w", e, err)
		}
		off := e * seqLen
		copy(loader.inputIDs[off:], example[:seqLen])
		copy(loader.masks[off:], example[seqLen:2*seqLen])
		copy(loader.labels[off:], example[2*seqLen:])
	}
	return loader, nil
}

// newDataLoaderFromExamples builds a loader directly from example slices.
func newDataLoaderFromExamples(inputIDs, masks, labels [][]int32, batchSize int) (*DataLoader, error) {
	if len(inputIDs) == 0 || len(inputIDs) != len(masks) || len(inputIDs) != len(labels) {
		return nil, errors.New("example slices must be non-empty and equal length")
	}
	if len(inputIDs) < batchSize {
		return nil, fmt.Errorf("dataset has %d examples, fewer than batch size %d", len(inputIDs), batchSize)
	}
	seqLen := len(inputIDs[0])
	loader := &DataLoader{
		batchSize:   batchSize,
		seqLen:      seqLen,
		numExamples: len(inputIDs),
		numBatches:  len(inputIDs) / batchSize,
		inputIDs:    make([]int32, len(inputIDs)*seqLen),
		masks:       make([]int32, len(inputIDs)*seqLen),
		labels:      make([]int32, len(inputIDs)*seqLen),
	}
	for e := range inputIDs {
		if len(inputIDs[e]) != seqLen || len(masks[e]) != seqLen || len(labels[e]) != seqLen {
			return nil, fmt.Errorf("example %d is not length %d", e, seqLen)
		}
		off := e * seqLen
		copy(loader.inputIDs[off:], inputIDs[e])
		copy(loader.masks[off:], masks[e])
		copy(loader.labels[off:], labels[e])
	}
	return loader, nil
}

// NumBatches is the number of full batches per epoch; a trailing partial
// batch is dropped.
func (loader *DataLoader) NumBatches() int {
	return loader.numBatches
}

// SeqLen is the fixed example length of the dataset.
func (loader *DataLoader) SeqLen() int {
	return loader.seqLen
}

// BatchSize returns the number of examples per batch.
func (loader *DataLoader) BatchSize() int {
	return loader.batchSize
}

// Reset rewinds the loader to the first batch.
func (loader *DataLoader) Reset() {
	loader.currentPosition = 0
}

// NextBatch returns views over the next batch's tensors, wrapping to the
// start once the final full batch has been consumed.
func (loader *DataLoader) NextBatch() (Batch, error) {
	span := loader.batchSize * loader.seqLen
	nextPos := loader.currentPosition + span
	if nextPos > loader.numBatches*span {
		loader.Reset()
		nextPos = span
	}
	batch := Batch{
		InputIDs:      loader.inputIDs[loader.currentPosition:nextPos],
		AttentionMask: loader.masks[loader.currentPosition:nextPos],
		Labels:        loader.labels[loader.currentPosition:nextPos],
	}
	loader.currentPosition = nextPos
	return batch, nil
}

// WriteDataset encodes examples into the loader's file format. It exists for
// dataset preparation and for tests that need a real file on disk.
func WriteDataset(filename string, inputIDs, masks, labels [][]int32) error {
	if len(inputIDs) == 0 || len(inputIDs) != len(masks) || len(inputIDs) != len(labels) {
		return errors.New("example slices must be non-empty and equal length")
	}
	seqLen := len(inputIDs[0])
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	defer f.Close()
	header := []int32{datasetMagic, datasetVersion, int32(len(inputIDs)), int32(seqLen)}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write dataset header: %w", err)
	}
	for e := range inputIDs {
		if len(inputIDs[e]) != seqLen || len(masks[e]) != seqLen || len(labels[e]) != seqLen {
			return fmt.Errorf("example %d is not length %d", e, seqLen)
		}
		for _, field := range [][]int32{inputIDs[e], masks[e], labels[e]} {
			if err := binary.Write(f, binary.LittleEndian, field); err != nil {
				return fmt.Errorf("write example %d: %w", e, err)
			}
		}
	}
	return nil
}
