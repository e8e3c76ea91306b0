// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Backward builds the closed-form gradient of the forward normalization with
// respect to the input and the affine parameters, given the saved forward
// State and the gradient of the loss with respect to the normalized output.
//
// With norm = 1/numFeatures and reductions over the resolved reduction axes:
//
//	gradOutputSum = Σ gradOutput
//	dotProduct    = Σ gradOutput·(x−mean)
//	gradMean      = gradOutputSum·norm
//	projScale     = dotProduct·norm·invStd²
//	gradScale     = invStd[·weight]
//
// When the forward pass computed fresh statistics (training path), mean and
// variance are functions of x and the correction terms apply:
//
//	gradInput = (gradOutput − (x−mean)·projScale − gradMean) · gradScale
//
// When the forward pass read fixed running statistics they are constants and
// the correction terms vanish:
//
//	gradInput = gradOutput · gradScale
//
// gradWeight is dotProduct·invStd and gradBias is gradOutputSum, each further
// reduced over the batch axis when the batch axis is a statistics axis (the
// affine parameters carry no batch axis). They are nil when the corresponding
// parameter is absent. Gradients are returned in the forward output's element
// type.
func Backward(state *State, gradOutput *Node) (gradInput, gradWeight, gradBias *Node) {
	if state == nil || state.X == nil {
		exceptions.Panicf("statnorm: Backward called with an empty State; it requires the State saved by Forward")
	}
	cfg := state.Config
	dims := state.X.Shape().Dimensions
	spec := resolve(dims, cfg.ChannelsLast, cfg.StatAxes)
	if len(spec.reductionAxes) == 0 {
		exceptions.Panicf("statnorm: statistics axes %s cover every axis of x (shape %s), leaving nothing to reduce over",
			cfg.StatAxes, state.X.Shape())
	}

	workDType := state.X.DType()
	gradOut := toWorkDType(gradOutput, workDType)

	// Saved statistics broadcast over the axes they were computed for:
	// the full statistics axes on the training path, the batch-free ones when
	// running statistics were read.
	savedStatAxes := spec.statAxes
	if !state.UsedInputStats {
		savedStatAxes = spec.statAxesNoBatch
	}
	statBcastAxes := complementAxes(spec.rank, savedStatAxes)
	meanFull := ExpandAndBroadcast(state.Mean, dims, statBcastAxes)
	invStdFull := ExpandAndBroadcast(state.InvStd, dims, statBcastAxes)

	norm := 1.0 / float64(spec.numFeatures)
	gradOutputSum := ReduceSum(gradOut, spec.reductionAxes...)
	xMinusMean := Sub(state.X, meanFull)
	dotProduct := ReduceSum(Mul(gradOut, xMinusMean), spec.reductionAxes...)

	gradScale := invStdFull
	if state.Weight != nil {
		gradScale = Mul(invStdFull, broadcastAffine(state.Weight, dims, spec))
	}

	if state.UsedInputStats {
		gradMean := ExpandAndBroadcast(
			MulScalar(gradOutputSum, norm), dims, spec.reductionAxes)
		projScale := ExpandAndBroadcast(
			Mul(MulScalar(dotProduct, norm), Square(state.InvStd)),
			dims, spec.reductionAxes)
		gradInput = Mul(
			Sub(Sub(gradOut, Mul(xMinusMean, projScale)), gradMean),
			gradScale)
	} else {
		// mean and invStd were constants in the forward pass.
		gradInput = Mul(gradOut, gradScale)
	}
	gradInput = fromWorkDType(gradInput, state.OutputDType)

	if state.Weight != nil {
		gw := Mul(dotProduct, invStdToStatDims(state, spec))
		if cfg.StatAxes.HasBatch() {
			gw = ReduceSum(gw, 0)
		}
		gradWeight = fromWorkDType(gw, state.OutputDType)
	}
	if state.Bias != nil {
		gb := gradOutputSum
		if cfg.StatAxes.HasBatch() {
			gb = ReduceSum(gb, 0)
		}
		gradBias = fromWorkDType(gb, state.OutputDType)
	}
	return
}

// invStdToStatDims aligns the saved invStd with the shape of tensors reduced
// over the reduction axes (statDims). On the training path they already
// match; on the inference path invStd has no batch axis and is broadcast up
// when the batch axis is a statistics axis.
func invStdToStatDims(state *State, spec axesSpec) *Node {
	if state.UsedInputStats || !state.Config.StatAxes.HasBatch() {
		return state.InvStd
	}
	return ExpandAndBroadcast(state.InvStd, spec.statDims, []int{0})
}
