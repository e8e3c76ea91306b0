// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

// axesSpec is the resolved axis-role assignment for one input shape: which
// axes index the statistics, which axes are reduced over, and the derived
// element counts. It is pure arithmetic over a known rank, with no error
// paths.
type axesSpec struct {
	rank        int
	batchAxis   int // always 0
	channelAxis int // rank-1 if channels-last, else 1

	// statAxes are the axes whose extents index the stored statistics,
	// sorted ascending (batch first, when present).
	statAxes []int

	// statAxesNoBatch is statAxes without the batch axis. Running statistics
	// are never kept per batch example, so they broadcast over these axes
	// only.
	statAxesNoBatch []int

	// reductionAxes is the complement of statAxes: the axes reduced over when
	// computing mean and variance.
	reductionAxes []int

	// statDims are the extents over statAxes: the shape of a freshly computed
	// statistics tensor.
	statDims []int

	// numStats is the product of extents over statAxes and numFeatures the
	// product over reductionAxes.
	numStats    int
	numFeatures int

	batchSize int
}

// resolve computes the axis roles for an input with the given dimensions.
// The batch axis is always axis 0; the channel axis is the last axis when
// channelsLast, otherwise axis 1.
func resolve(dims []int, channelsLast bool, stats StatAxes) axesSpec {
	rank := len(dims)
	spec := axesSpec{
		rank:        rank,
		batchAxis:   0,
		channelAxis: 1,
		numStats:    1,
		numFeatures: 1,
		batchSize:   dims[0],
	}
	if channelsLast {
		spec.channelAxis = rank - 1
	}
	if stats.HasBatch() {
		spec.statAxes = append(spec.statAxes, spec.batchAxis)
	}
	if stats.HasChannel() {
		spec.statAxes = append(spec.statAxes, spec.channelAxis)
		spec.statAxesNoBatch = append(spec.statAxesNoBatch, spec.channelAxis)
	}
	for _, axis := range spec.statAxes {
		spec.statDims = append(spec.statDims, dims[axis])
		spec.numStats *= dims[axis]
	}
	spec.reductionAxes = complementAxes(rank, spec.statAxes)
	for _, axis := range spec.reductionAxes {
		spec.numFeatures *= dims[axis]
	}
	return spec
}

// complementAxes returns the axes in [0, rank) not present in kept.
// kept must be sorted ascending.
func complementAxes(rank int, kept []int) []int {
	complement := make([]int, 0, rank-len(kept))
	ii := 0
	for axis := range rank {
		if ii < len(kept) && kept[ii] == axis {
			ii++
			continue
		}
		complement = append(complement, axis)
	}
	return complement
}
