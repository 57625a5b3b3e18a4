package nertrain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDevice(t *testing.T) {
	dev := DetectDevice()
	assert.NotEmpty(t, dev.Name)
	if dev.Parallel {
		assert.Greater(t, dev.Workers, 1)
	} else {
		assert.Equal(t, 1, dev.Workers)
	}
}

func TestDevice_Place(t *testing.T) {
	batch := Batch{
		InputIDs:      []int32{1, 2, 3},
		AttentionMask: []int32{1, 1, 0},
		Labels:        []int32{0, 1, -1},
	}

	t.Run("serialPassesThrough", func(t *testing.T) {
		dev := Device{Name: "cpu", Parallel: false, Workers: 1}
		placed := dev.Place(batch)
		assert.Equal(t, &batch.InputIDs[0], &placed.InputIDs[0])
	})

	t.Run("parallelCopies", func(t *testing.T) {
		dev := Device{Name: "cpu", Parallel: true, Workers: 4}
		placed := dev.Place(batch)
		assert.Equal(t, batch, placed)
		placed.InputIDs[0] = 99
		assert.Equal(t, int32(1), batch.InputIDs[0])
	})
}
