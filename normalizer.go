// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Normalizer compiles and executes the forward and backward normalization
// graphs on concrete tensors. It is the executable counterpart of the pure
// graph-building Forward and Backward functions: it owns the compiled
// executables (cached and re-JITed per input shape by graph.Exec), saves the
// forward statistics for the next Backward call, and applies the in-place
// update of the caller-owned running statistics.
//
// When cfg.ChannelsLast is set, the input is permuted to the canonical
// channel-second layout before any statistics computation and the output is
// permuted back, so callers keep their channels-last layout end to end; only
// 4-D and 5-D inputs are accepted in that mode.
//
// A Normalizer is not safe for concurrent use: at most one in-flight
// forward/backward pair may touch a given running-statistics pair at a time.
type Normalizer struct {
	backend backends.Backend
	cfg     Config

	weight, bias            *tensors.Tensor
	runningMean, runningVar *tensors.Tensor

	fwdExec, bwdExec *Exec

	// Saved by Forward for the next Backward call.
	saved struct {
		valid        bool
		x            *tensors.Tensor
		mean, invStd *tensors.Tensor
	}
}

// NewNormalizer returns a Normalizer for the given configuration. Affine
// parameters and running statistics are optional; set them with WithAffine
// and WithRunningStats before the first Forward call.
func NewNormalizer(backend backends.Backend, cfg Config) *Normalizer {
	cfg.validate()
	return &Normalizer{backend: backend, cfg: cfg}
}

// WithAffine sets the scale (weight) and shift (bias) parameters. Either may
// be nil. They must be 1-D over the channel axis when the channel axis is a
// statistics axis, and scalars otherwise.
func (n *Normalizer) WithAffine(weight, bias *tensors.Tensor) *Normalizer {
	if n.fwdExec != nil {
		exceptions.Panicf("statnorm: Normalizer.WithAffine must be called before the first Forward")
	}
	n.weight, n.bias = weight, bias
	return n
}

// WithRunningStats hands the Normalizer the caller-owned running mean and
// variance. Both must be given, or neither. The tensors are updated in place
// by Forward calls that compute fresh statistics: the new values are written
// back into these same tensors, so the update is observable to any other
// holder of them.
func (n *Normalizer) WithRunningStats(mean, variance *tensors.Tensor) *Normalizer {
	if (mean == nil) != (variance == nil) {
		exceptions.Panicf("statnorm: running mean and running variance must be supplied together (got mean=%v, variance=%v)",
			mean != nil, variance != nil)
	}
	if n.fwdExec != nil {
		exceptions.Panicf("statnorm: Normalizer.WithRunningStats must be called before the first Forward")
	}
	n.runningMean, n.runningVar = mean, variance
	return n
}

// coreConfig is the configuration handed to the graph-level Forward/Backward:
// the physical channels-last adaptation is handled here by permutation, so
// the core always sees the canonical channel-second layout.
func (n *Normalizer) coreConfig() Config {
	cfg := n.cfg
	cfg.ChannelsLast = false
	return cfg
}

// Forward normalizes x and returns the result, saving the statistics for a
// later Backward call. If running statistics were supplied and fresh
// statistics were computed, the running statistics tensors are updated in
// place before Forward returns.
func (n *Normalizer) Forward(x *tensors.Tensor) *tensors.Tensor {
	if n.cfg.ChannelsLast {
		checkChannelsLastRank(x.Shape().Rank())
	}
	if n.fwdExec == nil {
		n.fwdExec = MustNewExecAny(n.backend, n.buildForwardGraph)
		klog.V(1).Infof("statnorm: created forward executor (statAxes=%s, channelsLast=%v)", n.cfg.StatAxes, n.cfg.ChannelsLast)
	}

	inputs := []any{x}
	if n.weight != nil {
		inputs = append(inputs, n.weight)
	}
	if n.bias != nil {
		inputs = append(inputs, n.bias)
	}
	if n.runningMean != nil {
		inputs = append(inputs, n.runningMean, n.runningVar)
	}
	outputs := n.fwdExec.MustExec(inputs...)

	normalized, mean, invStd := outputs[0], outputs[1], outputs[2]
	if len(outputs) > 3 {
		// Aliasing write-back: the updated running statistics overwrite the
		// caller-owned tensors, not fresh values.
		copyFlatInto(n.runningMean, outputs[3])
		copyFlatInto(n.runningVar, outputs[4])
	}

	n.saved.valid = true
	n.saved.x = x
	n.saved.mean = mean
	n.saved.invStd = invStd
	return normalized
}

// buildForwardGraph assembles the forward graph for one combination of input
// shapes. Inputs follow the order assembled by Forward:
// x [, weight] [, bias] [, runningMean, runningVar].
func (n *Normalizer) buildForwardGraph(inputs []*Node) []*Node {
	x, weight, bias, runningMean, runningVar := n.splitInputs(inputs)

	if n.cfg.ChannelsLast {
		x = CanonicalizeChannelsLast(x)
	}
	normalized, state, newRunningMean, newRunningVar := Forward(n.coreConfig(), x, weight, bias, runningMean, runningVar)
	if n.cfg.ChannelsLast {
		normalized = RestoreChannelsLast(normalized)
	}

	// Saved statistics stay in the accumulation element type; only the
	// normalized output and running statistics are downcast.
	outputs := []*Node{normalized, state.Mean, state.InvStd}
	if newRunningMean != nil {
		outputs = append(outputs, newRunningMean, newRunningVar)
	}
	return outputs
}

// Backward computes the gradients for the last Forward call, given the
// gradient of the loss with respect to the normalized output. gradWeight and
// gradBias are nil when the corresponding affine parameter is absent.
func (n *Normalizer) Backward(gradOutput *tensors.Tensor) (gradInput, gradWeight, gradBias *tensors.Tensor) {
	if !n.saved.valid {
		exceptions.Panicf("statnorm: Normalizer.Backward called before Forward; there is no saved state to differentiate")
	}
	if n.bwdExec == nil {
		n.bwdExec = MustNewExecAny(n.backend, n.buildBackwardGraph)
		klog.V(1).Infof("statnorm: created backward executor (statAxes=%s, channelsLast=%v)", n.cfg.StatAxes, n.cfg.ChannelsLast)
	}

	inputs := []any{n.saved.x}
	if n.weight != nil {
		inputs = append(inputs, n.weight)
	}
	if n.bias != nil {
		inputs = append(inputs, n.bias)
	}
	inputs = append(inputs, n.saved.mean, n.saved.invStd, gradOutput)
	outputs := n.bwdExec.MustExec(inputs...)

	gradInput = outputs[0]
	next := 1
	if n.weight != nil {
		gradWeight = outputs[next]
		next++
	}
	if n.bias != nil {
		gradBias = outputs[next]
	}
	return
}

// buildBackwardGraph assembles the backward graph. Inputs follow the order
// assembled by Backward: x [, weight] [, bias], mean, invStd, gradOutput.
func (n *Normalizer) buildBackwardGraph(inputs []*Node) []*Node {
	x, weight, bias, _, _ := n.splitInputs(inputs[:len(inputs)-3])
	mean, invStd, gradOutput := inputs[len(inputs)-3], inputs[len(inputs)-2], inputs[len(inputs)-1]

	if n.cfg.ChannelsLast {
		x = CanonicalizeChannelsLast(x)
		gradOutput = CanonicalizeChannelsLast(gradOutput)
	}
	usedInputStats := n.cfg.UseInputStats || n.runningMean == nil
	state := NewState(n.coreConfig(), x, weight, bias, mean, invStd, usedInputStats)
	gradInput, gradWeight, gradBias := Backward(state, gradOutput)
	if n.cfg.ChannelsLast {
		gradInput = RestoreChannelsLast(gradInput)
	}

	outputs := []*Node{gradInput}
	if gradWeight != nil {
		outputs = append(outputs, gradWeight)
	}
	if gradBias != nil {
		outputs = append(outputs, gradBias)
	}
	return outputs
}

// splitInputs maps the flat Exec parameter list back to the named optional
// inputs, using the presence recorded in the Normalizer.
func (n *Normalizer) splitInputs(inputs []*Node) (x, weight, bias, runningMean, runningVar *Node) {
	x = inputs[0]
	next := 1
	if n.weight != nil {
		weight = inputs[next]
		next++
	}
	if n.bias != nil {
		bias = inputs[next]
		next++
	}
	if n.runningMean != nil && next < len(inputs) {
		runningMean = inputs[next]
		runningVar = inputs[next+1]
	}
	return
}

// Finalize releases the compiled executables. The Normalizer must not be
// used afterwards.
func (n *Normalizer) Finalize() {
	if n.fwdExec != nil {
		n.fwdExec.Finalize()
		n.fwdExec = nil
	}
	if n.bwdExec != nil {
		n.bwdExec.Finalize()
		n.bwdExec = nil
	}
	n.saved.valid = false
}

// copyFlatInto overwrites dst's flat data with src's, preserving dst's
// identity -- this is the aliasing output contract for running statistics.
// Shapes and dtypes must match.
func copyFlatInto(dst, src *tensors.Tensor) {
	if !dst.Shape().Equal(src.Shape()) {
		exceptions.Panicf("statnorm: aliasing write-back with mismatched shapes: dst=%s, src=%s", dst.Shape(), src.Shape())
	}
	var err error
	switch dst.DType() {
	case dtypes.Float64:
		err = copyFlat[float64](dst, src)
	case dtypes.Float32:
		err = copyFlat[float32](dst, src)
	case dtypes.Float16:
		err = copyFlat[float16.Float16](dst, src)
	case dtypes.BFloat16:
		err = copyFlat[bfloat16.BFloat16](dst, src)
	default:
		exceptions.Panicf("statnorm: unsupported running statistics dtype %s", dst.DType())
	}
	if err != nil {
		panic(errors.WithMessage(err, "statnorm: running statistics write-back"))
	}
}

func copyFlat[T dtypes.Supported](dst, src *tensors.Tensor) error {
	return tensors.MutableFlatData[T](dst, func(dstFlat []T) {
		_ = tensors.ConstFlatData[T](src, func(srcFlat []T) {
			copy(dstFlat, srcFlat)
		})
	})
}
