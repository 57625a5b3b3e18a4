package nertrain

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device is the compute placement for a run: either the serial scalar path
// or the accelerated path that fans kernels out across cores. It is probed
// once at the start of a run and threaded through explicitly; nothing
// re-queries capability state per batch.
type Device struct {
	Name     string
	Parallel bool
	Workers  int
}

// DetectDevice probes the host once. The accelerated path needs wide vector
// units and more than one core; everything else falls back to the serial
// path.
func DetectDevice() Device {
	wide := cpuid.CPU.Supports(cpuid.AVX2) ||
		cpuid.CPU.Supports(cpuid.AVX512F) ||
		cpuid.CPU.Supports(cpuid.ASIMD)
	workers := runtime.NumCPU()
	if wide && workers > 1 {
		name := cpuid.CPU.BrandName
		if name == "" {
			name = "cpu"
		}
		return Device{Name: name, Parallel: true, Workers: workers}
	}
	return Device{Name: "cpu", Parallel: false, Workers: 1}
}

// Accelerated reports whether the parallel kernel path is active.
func (d Device) Accelerated() bool {
	return d.Parallel
}

// Place relocates a batch for the device. On the accelerated path the batch
// tensors are copied into fresh buffers: kernels run across goroutines and
// must not alias loader memory. On the serial path the batch passes through
// untouched.
func (d Device) Place(b Batch) Batch {
	if !d.Parallel {
		return b
	}
	pin := func(src []int32) []int32 {
		dst := make([]int32, len(src))
		copy(dst, src)
		return dst
	}
	return Batch{
		InputIDs:      pin(b.InputIDs),
		AttentionMask: pin(b.AttentionMask),
		Labels:        pin(b.Labels),
	}
}
