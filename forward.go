// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// State carries the values saved by Forward for a later Backward call: the
// (upcast) input and affine parameters, the statistics actually used to
// normalize, and which statistics path the forward pass took. All nodes
// belong to the same graph; to run the backward pass on a separate graph,
// rebuild the State from the executed tensors with NewState.
type State struct {
	// Config used by the forward pass.
	Config Config

	// X is the input, in the accumulation dtype.
	X *Node

	// Weight and Bias are the affine parameters, nil when absent.
	Weight, Bias *Node

	// Mean and InvStd are the statistics used for normalization, shaped by
	// the statistics axes (without the batch axis when running statistics
	// were used).
	Mean, InvStd *Node

	// UsedInputStats records whether the forward pass computed fresh
	// statistics from the input (training path) as opposed to reading
	// running statistics (inference path). The backward formula differs
	// between the two.
	UsedInputStats bool

	// OutputDType is the element type of the normalized output, which the
	// gradients are cast back to.
	OutputDType dtypes.DType
}

// NewState reassembles a State on a new graph, typically from tensors saved
// at the end of a previous forward execution. mean and invStd must be shaped
// the way Forward produced them. All non-nil nodes are upcast to the
// accumulation dtype.
func NewState(cfg Config, x, weight, bias, mean, invStd *Node, usedInputStats bool) *State {
	cfg.validate()
	outputDType := x.DType()
	workDType := accumulationDType(outputDType)
	return &State{
		Config:         cfg,
		X:              toWorkDType(x, workDType),
		Weight:         toWorkDType(weight, workDType),
		Bias:           toWorkDType(bias, workDType),
		Mean:           toWorkDType(mean, workDType),
		InvStd:         toWorkDType(invStd, workDType),
		UsedInputStats: usedInputStats,
		OutputDType:    outputDType,
	}
}

// Forward builds the generalized normalization forward computation:
//
//	normalized = (x − mean) · 1/√(variance+ε) [· weight] [+ bias]
//
// Statistics are indexed by cfg.StatAxes and computed by reducing over all
// other axes (training mode), or read from the supplied running statistics
// (inference mode). weight and bias are optional; they must be 1-D over the
// channel axis when ChannelAxis is in cfg.StatAxes, and scalars otherwise.
//
// runningMean and runningVar must be supplied together or not at all. When
// supplied and training-mode statistics were computed, their exponentially
// averaged update is returned as newRunningMean/newRunningVar. The returned
// values are destined for the same storage the inputs came from: Normalizer
// and package layers apply that write-back. They are nil when there is
// nothing to update.
//
// The returned State feeds a later Backward call.
func Forward(cfg Config, x, weight, bias, runningMean, runningVar *Node) (normalized *Node, state *State, newRunningMean, newRunningVar *Node) {
	cfg.validate()
	if (runningMean == nil) != (runningVar == nil) {
		exceptions.Panicf("statnorm: running mean and running variance must be supplied together (got runningMean=%v, runningVar=%v)",
			runningMean != nil, runningVar != nil)
	}
	if cfg.ChannelsLast {
		checkChannelsLastRank(x.Rank())
	}

	origDType := x.DType()
	workDType := accumulationDType(origDType)
	dims := x.Shape().Dimensions
	spec := resolve(dims, cfg.ChannelsLast, cfg.StatAxes)
	if len(spec.reductionAxes) == 0 {
		exceptions.Panicf("statnorm: statistics axes %s cover every axis of x (shape %s), leaving nothing to reduce over",
			cfg.StatAxes, x.Shape())
	}

	xw := toWorkDType(x, workDType)
	ww := toWorkDType(weight, workDType)
	bw := toWorkDType(bias, workDType)

	useInputStats := cfg.UseInputStats || runningMean == nil
	var mean, invStd, out *Node
	if useInputStats {
		mean = ReduceMean(xw, spec.reductionAxes...)
		meanFull := ExpandAndBroadcast(mean, dims, spec.reductionAxes)
		centered := Sub(xw, meanFull)
		variance := ReduceMean(Square(centered), spec.reductionAxes...)
		if cfg.Unbiased {
			variance = MulScalar(variance, besselCorrection(spec.numFeatures))
		}

		if runningMean != nil {
			// The variance merged into the running statistics is always
			// unbiased, regardless of cfg.Unbiased.
			unbiasedVariance := variance
			if !cfg.Unbiased {
				unbiasedVariance = MulScalar(variance, besselCorrection(spec.numFeatures))
			}
			rmW := toWorkDType(runningMean, workDType)
			rvW := toWorkDType(runningVar, workDType)
			newRunningMean = mergeRunning(mean, rmW, cfg.Momentum, spec)
			newRunningVar = mergeRunning(unbiasedVariance, rvW, cfg.Momentum, spec)
			// Running statistics are stored in the input's element type.
			newRunningMean = fromWorkDType(newRunningMean, origDType)
			newRunningVar = fromWorkDType(newRunningVar, origDType)
		}

		invStd = Rsqrt(AddScalar(variance, cfg.Epsilon))
		out = Mul(centered, ExpandAndBroadcast(invStd, dims, spec.reductionAxes))
	} else {
		// Inference: read running statistics, which never carry a batch axis.
		bcastAxes := complementAxes(spec.rank, spec.statAxesNoBatch)
		mean = toWorkDType(runningMean, workDType)
		invStd = Rsqrt(AddScalar(toWorkDType(runningVar, workDType), cfg.Epsilon))
		out = Mul(
			Sub(xw, ExpandAndBroadcast(mean, dims, bcastAxes)),
			ExpandAndBroadcast(invStd, dims, bcastAxes))
	}

	if ww != nil {
		out = Mul(out, broadcastAffine(ww, dims, spec))
	}
	if bw != nil {
		out = Add(out, broadcastAffine(bw, dims, spec))
	}

	state = &State{
		Config:         cfg,
		X:              xw,
		Weight:         ww,
		Bias:           bw,
		Mean:           mean,
		InvStd:         invStd,
		UsedInputStats: useInputStats,
		OutputDType:    origDType,
	}
	normalized = fromWorkDType(out, origDType)
	return
}

// besselCorrection is the biased→unbiased variance correction factor
// n/(n−1). A single reduced element makes the correction divide by zero;
// that is a fatal configuration error, not NaN propagation.
func besselCorrection(numFeatures int) float64 {
	if numFeatures <= 1 {
		exceptions.Panicf("statnorm: unbiased variance correction requires more than one reduced element per statistic, got numFeatures=%d "+
			"(a batch of one with per-channel statistics hits this; use biased variance or a larger reduction)", numFeatures)
	}
	return float64(numFeatures) / float64(numFeatures-1)
}

// mergeRunning folds a freshly computed batch statistic into the running
// estimate: new = momentum·batchStat + (1−momentum)·running. Per-instance
// statistics (batch axis present) are first averaged over the batch axis,
// since running statistics never carry a batch axis.
func mergeRunning(batchStat, running *Node, momentum float64, spec axesSpec) *Node {
	if len(spec.statAxes) > 0 && spec.statAxes[0] == spec.batchAxis {
		batchStat = ReduceMean(batchStat, 0)
	}
	return Add(
		MulScalar(batchStat, momentum),
		MulScalar(running, 1-momentum))
}

// broadcastAffine broadcasts an affine parameter (1-D over the channel axis,
// or a scalar when the channel axis is not a statistics axis) to the full
// input shape.
func broadcastAffine(param *Node, dims []int, spec axesSpec) *Node {
	if param.Shape().IsScalar() {
		return BroadcastToDims(param, dims...)
	}
	return ExpandAndBroadcast(param, dims, complementAxes(spec.rank, []int{spec.channelAxis}))
}
