// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statnorm implements the generalized statistical normalization family
// -- batch, layer and instance normalization -- as one parameterized
// computation with an analytic (closed-form) backward pass.
//
// The three classic normalization layers differ only in which axes index the
// computed statistics ("statistics axes"); all remaining axes are reduced over
// when computing mean and variance:
//
//	BatchNorm:    StatAxes = PerChannel          (statistics per channel)
//	LayerNorm:    StatAxes = PerLayer            (statistics per batch example)
//	InstanceNorm: StatAxes = PerInstance         (statistics per example and channel)
//
// The package builds computation graphs with github.com/gomlx/gomlx/pkg/core/graph
// and delegates compilation and execution to the configured backend. Three
// levels of API are provided:
//
//   - Forward and Backward: pure graph-building functions, connected by an
//     explicit State value carrying the saved forward statistics.
//   - Normalizer: an executable wrapper that compiles and runs the forward and
//     backward graphs on concrete tensors, owning the saved state and applying
//     the in-place running-statistics update.
//   - package layers: context.Context based layer builders with learned scale
//     and offset variables, in the style of gomlx's batchnorm layer.
//
// Running statistics (an exponential moving average of mean and variance,
// used at inference time) are owned by the caller and updated in place:
// the updated values are written back to the same caller-owned storage, never
// returned as fresh values. Callers must serialize concurrent use of the same
// running-statistics pair; no locking is done at this layer.
package statnorm

import (
	"github.com/gomlx/exceptions"
)

// StatAxes is a set of named axes whose extents index the computed
// statistics. It is one of the three combinations PerLayer, PerChannel or
// PerInstance.
type StatAxes uint8

const (
	// BatchAxis marks the batch axis (always logical axis 0) as a statistics axis.
	BatchAxis StatAxes = 1 << iota

	// ChannelAxis marks the channel axis as a statistics axis. The channel
	// axis is the last logical axis when channels-last is set, otherwise
	// logical axis 1.
	ChannelAxis
)

const (
	// PerLayer keeps statistics per batch example, reducing over channels and
	// spatial axes: layer normalization.
	PerLayer = BatchAxis

	// PerChannel keeps statistics per channel, reducing over the batch and
	// spatial axes: batch normalization.
	PerChannel = ChannelAxis

	// PerInstance keeps statistics per (batch example, channel) pair, reducing
	// over the spatial axes only: instance normalization.
	PerInstance = BatchAxis | ChannelAxis
)

// HasBatch returns whether the batch axis is a statistics axis.
func (s StatAxes) HasBatch() bool { return s&BatchAxis != 0 }

// HasChannel returns whether the channel axis is a statistics axis.
func (s StatAxes) HasChannel() bool { return s&ChannelAxis != 0 }

// String implements fmt.Stringer.
func (s StatAxes) String() string {
	switch s {
	case PerLayer:
		return "PerLayer"
	case PerChannel:
		return "PerChannel"
	case PerInstance:
		return "PerInstance"
	}
	return "InvalidStatAxes"
}

// Config parameterizes one normalization computation.
//
// The zero value is not valid: StatAxes must be one of PerLayer, PerChannel or
// PerInstance, and Epsilon must be > 0.
type Config struct {
	// StatAxes selects which axes index the statistics. See PerLayer,
	// PerChannel and PerInstance.
	StatAxes StatAxes

	// ChannelsLast indicates the channel axis is the last logical axis, as
	// opposed to logical axis 1. The batch axis is always axis 0.
	ChannelsLast bool

	// UseInputStats selects training-mode statistics: mean and variance are
	// computed from the input. If false and running statistics are supplied,
	// they are used instead (inference mode). If no running statistics are
	// supplied, input statistics are always used.
	UseInputStats bool

	// Momentum is the weight of the current batch statistic in the
	// exponential moving average update of the running statistics:
	// new = Momentum·batchStat + (1−Momentum)·running. Must be in [0, 1].
	Momentum float64

	// Epsilon regularizes the variance before taking its reciprocal square
	// root. Must be > 0.
	Epsilon float64

	// Unbiased applies Bessel's correction to the variance used for
	// normalization. Independent of this flag, the variance merged into the
	// running statistics is always unbiased.
	Unbiased bool
}

// validate panics with an informative message on invalid configurations.
// All errors here are caller bugs, reported synchronously and never retried.
func (cfg Config) validate() {
	switch cfg.StatAxes {
	case PerLayer, PerChannel, PerInstance:
	default:
		exceptions.Panicf("statnorm: invalid StatAxes %d, must be one of PerLayer, PerChannel or PerInstance", cfg.StatAxes)
	}
	if cfg.Momentum < 0 || cfg.Momentum > 1 {
		exceptions.Panicf("statnorm: momentum must be in [0, 1], got %g", cfg.Momentum)
	}
	if cfg.Epsilon <= 0 {
		exceptions.Panicf("statnorm: epsilon must be > 0, got %g", cfg.Epsilon)
	}
}
