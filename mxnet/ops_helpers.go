package mxnet

// This file contains helper functions shared by the convolution lowering functions.

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// spatialAxes returns the spatial axes of a tensor in channels-first format.
// For a rank-4 tensor [N, C, H, W], returns [2, 3].
func spatialAxes(rank int) []int {
	axes := make([]int, rank-2)
	for i := range axes {
		axes[i] = i + 2
	}
	return axes
}

// channelsFirstAxes is the convolution axes configuration for data shaped [N, C, spatial...] and
// filters shaped [O, I, spatial...], the MXNet convention.
func channelsFirstAxes(rank int) backends.ConvolveAxesConfig {
	spatial := spatialAxes(rank)
	return backends.ConvolveAxesConfig{
		InputBatch:           0,
		InputChannels:        1,
		InputSpatial:         spatial,
		KernelOutputChannels: 0,
		KernelInputChannels:  1,
		KernelSpatial:        spatial,
		OutputBatch:          0,
		OutputChannels:       1,
		OutputSpatial:        spatial,
	}
}

// reshapeToChannelAxis reshapes a per-channel vector shaped [C] to [1, C, 1, ..., 1], so it
// broadcasts against a tensor of the given rank in channels-first format.
func reshapeToChannelAxis(v *Node, rank int) *Node {
	if v.Rank() != 1 {
		exceptions.Panicf("per-channel values must have rank 1, got %s", v.Shape())
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	dims[1] = v.Shape().Dim(0)
	return Reshape(v, dims...)
}

// toScalar reshapes a tensor with a single element, e.g. a calibration min or max shaped [1], to a scalar.
func toScalar(x *Node) *Node {
	if x.IsScalar() {
		return x
	}
	if x.Shape().Size() != 1 {
		exceptions.Panicf("expected a tensor with a single element, got %s", x.Shape())
	}
	return Reshape(x)
}

// allOnes returns whether all values are 1.
func allOnes(values []int) bool {
	for _, v := range values {
		if v != 1 {
			return false
		}
	}
	return true
}
