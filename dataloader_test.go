package nertrain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataLoader_NextBatch(t *testing.T) {
	type want struct {
		reset    bool
		inputIDs []int32
		labels   []int32
	}
	tests := []struct {
		name           string
		inputIDs       [][]int32
		batchSize      int
		wantNumBatches int
		want           []want
	}{
		{
			name:           "singleExampleBatches",
			inputIDs:       [][]int32{{0, 1}, {2, 3}, {4, 5}},
			batchSize:      1,
			wantNumBatches: 3,
			want: []want{
				{inputIDs: []int32{0, 1}, labels: []int32{0, 10}},
				{inputIDs: []int32{2, 3}, labels: []int32{20, 30}},
				{inputIDs: []int32{4, 5}, labels: []int32{40, 50}},
				// wraps back to the start
				{inputIDs: []int32{0, 1}, labels: []int32{0, 10}},
				{reset: true, inputIDs: []int32{0, 1}, labels: []int32{0, 10}},
			},
		},
		{
			name:           "batchOfTwo",
			inputIDs:       [][]int32{{0, 1}, {2, 3}, {4, 5}, {6, 7}},
			batchSize:      2,
			wantNumBatches: 2,
			want: []want{
				{inputIDs: []int32{0, 1, 2, 3}, labels: []int32{0, 10, 20, 30}},
				{inputIDs: []int32{4, 5, 6, 7}, labels: []int32{40, 50, 60, 70}},
				{inputIDs: []int32{0, 1, 2, 3}, labels: []int32{0, 10, 20, 30}},
			},
		},
		{
			name:           "partialBatchDropped",
			inputIDs:       [][]int32{{0, 1}, {2, 3}, {4, 5}},
			batchSize:      2,
			wantNumBatches: 1,
			want: []want{
				{inputIDs: []int32{0, 1, 2, 3}, labels: []int32{0, 10, 20, 30}},
				{inputIDs: []int32{0, 1, 2, 3}, labels: []int32{0, 10, 20, 30}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			masks := make([][]int32, len(tt.inputIDs))
			labels := make([][]int32, len(tt.inputIDs))
			for e, ids := range tt.inputIDs {
				masks[e] = make([]int32, len(ids))
				labels[e] = make([]int32, len(ids))
				for i, id := range ids {
					masks[e][i] = 1
					labels[e][i] = id * 10
				}
			}
			loader, err := newDataLoaderFromExamples(tt.inputIDs, masks, labels, tt.batchSize)
			require.NoError(t, err)
			assert.Equal(t, tt.wantNumBatches, loader.NumBatches())
			for _, want := range tt.want {
				if want.reset {
					loader.Reset()
				}
				batch, err := loader.NextBatch()
				require.NoError(t, err)
				assert.Equal(t, want.inputIDs, batch.InputIDs)
				assert.Equal(t, want.labels, batch.Labels)
				assert.Len(t, batch.AttentionMask, len(want.inputIDs))
			}
		})
	}
}

func TestDataLoader_FileRoundTrip(t *testing.T) {
	inputIDs := [][]int32{{1, 2, 3}, {4, 5, 6}}
	masks := [][]int32{{1, 1, 0}, {1, 1, 1}}
	labels := [][]int32{{0, 1, -1}, {2, 0, 1}}

	path := filepath.Join(t.TempDir(), "train.bin")
	require.NoError(t, WriteDataset(path, inputIDs, masks, labels))

	loader, err := NewDataLoader(path, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.NumBatches())
	assert.Equal(t, 3, loader.SeqLen())

	batch, err := loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, batch.InputIDs)
	assert.Equal(t, []int32{1, 1, 0}, batch.AttentionMask)
	assert.Equal(t, []int32{0, 1, -1}, batch.Labels)

	batch, err = loader.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 6}, batch.InputIDs)
}

func TestDataLoader_Errors(t *testing.T) {
	t.Run("missingFile", func(t *testing.T) {
		_, err := NewDataLoader(filepath.Join(t.TempDir(), "absent.bin"), 1)
		assert.Error(t, err)
	})
	t.Run("batchLargerThanDataset", func(t *testing.T) {
		inputIDs := [][]int32{{1, 2}}
		masks := [][]int32{{1, 1}}
		labels := [][]int32{{0, 0}}
		_, err := newDataLoaderFromExamples(inputIDs, masks, labels, 2)
		assert.Error(t, err)
	})
	t.Run("badMagic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "garbage.bin")
		require.NoError(t, WriteDataset(path, [][]int32{{1}}, [][]int32{{1}}, [][]int32{{0}}))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[0] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))
		_, err = NewDataLoader(path, 1)
		assert.Error(t, err)
	})
}
