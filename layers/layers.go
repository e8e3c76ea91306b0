// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers provides context.Context based normalization layers built on
// the statnorm core: batch, layer and instance normalization as one
// parameterized computation, with learned scale/offset parameters and running
// mean/variance state held as context variables.
//
// Each layer is configured through a builder: create it with one of the
// constructors (BatchNorm, LayerNorm, InstanceNorm1D/2D/3D), chain the
// desired settings and call Done to get the normalized value:
//
//	normalized := layers.InstanceNorm2D(ctx, x).Epsilon(1e-5).Done()
//
// During training (ctx.IsTraining) statistics are computed from the input and
// the running statistics variables are updated in place; during inference the
// running statistics are used instead, when tracked.
package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/statnorm"
)

// Scope names used for the layer variables, one per normalization flavor.
const (
	BatchNormScopeName    = "batch_normalization"
	LayerNormScopeName    = "layer_normalization"
	InstanceNormScopeName = "instance_normalization"
)

// Config is a normalization layer under construction. Create it with
// BatchNorm, LayerNorm or InstanceNorm1D/2D/3D, adjust the settings and call
// Done.
type Config struct {
	ctx *context.Context
	x   *Node

	statAxes  statnorm.StatAxes
	scopeName string

	// requiredRank pins the input rank for the fixed-dimensionality variants;
	// 0 accepts any rank >= 2.
	requiredRank int

	channelsLast      bool
	momentum, epsilon float64
	unbiased          bool
	center, scale     bool
	trainable         bool
	trackRunningStats bool
	newScope          bool
}

func newConfig(ctx *context.Context, x *Node, statAxes statnorm.StatAxes, scopeName string) *Config {
	return &Config{
		ctx:       ctx,
		x:         x,
		statAxes:  statAxes,
		scopeName: scopeName,
		momentum:  0.1,
		epsilon:   1e-5,
		center:    true,
		scale:     true,
		trainable: true,
		newScope:  true,
	}
}

// BatchNorm creates a batch normalization layer: statistics are kept per
// channel and computed by reducing over the batch and all spatial axes.
// Running statistics are tracked by default.
func BatchNorm(ctx *context.Context, x *Node) *Config {
	cfg := newConfig(ctx, x, statnorm.PerChannel, BatchNormScopeName)
	cfg.trackRunningStats = true
	return cfg
}

// LayerNorm creates a layer normalization layer: statistics are kept per
// batch example and computed by reducing over all other axes. It does not
// track running statistics by default, since its statistics don't depend on
// the batch composition.
func LayerNorm(ctx *context.Context, x *Node) *Config {
	return newConfig(ctx, x, statnorm.PerLayer, LayerNormScopeName)
}

// InstanceNorm creates an instance normalization layer for any input rank >=
// 3: statistics are kept per (batch example, channel) pair and computed by
// reducing over the spatial axes.
//
// See InstanceNorm1D, InstanceNorm2D and InstanceNorm3D for the variants that
// validate the input dimensionality.
func InstanceNorm(ctx *context.Context, x *Node) *Config {
	return newConfig(ctx, x, statnorm.PerInstance, InstanceNormScopeName)
}

// InstanceNorm1D is InstanceNorm for 3-D inputs (batch, channel, width).
func InstanceNorm1D(ctx *context.Context, x *Node) *Config {
	cfg := InstanceNorm(ctx, x)
	cfg.requiredRank = 3
	return cfg
}

// InstanceNorm2D is InstanceNorm for 4-D inputs (batch, channel, height, width).
func InstanceNorm2D(ctx *context.Context, x *Node) *Config {
	cfg := InstanceNorm(ctx, x)
	cfg.requiredRank = 4
	return cfg
}

// InstanceNorm3D is InstanceNorm for 5-D inputs (batch, channel, depth, height, width).
func InstanceNorm3D(ctx *context.Context, x *Node) *Config {
	cfg := InstanceNorm(ctx, x)
	cfg.requiredRank = 5
	return cfg
}

// Momentum sets the weight of the current batch statistic in the exponential
// moving average update of the running statistics:
// new = momentum·batchStat + (1−momentum)·running. The default is 0.1.
func (cfg *Config) Momentum(value float64) *Config {
	cfg.momentum = value
	return cfg
}

// Epsilon is a small float added to the variance to avoid dividing by zero.
// It defaults to 1e-5.
func (cfg *Config) Epsilon(value float64) *Config {
	cfg.epsilon = value
	return cfg
}

// Unbiased applies Bessel's correction to the variance used for
// normalization. It defaults to false. The variance folded into the running
// statistics is always unbiased, independent of this setting.
func (cfg *Config) Unbiased(value bool) *Config {
	cfg.unbiased = value
	return cfg
}

// Center defines whether the layer adds a learned offset (the β parameter)
// to the normalized value. It defaults to true.
func (cfg *Config) Center(value bool) *Config {
	cfg.center = value
	return cfg
}

// Scale defines whether the layer multiplies the normalized value by a
// learned scale (the γ parameter). It defaults to true.
func (cfg *Config) Scale(value bool) *Config {
	cfg.scale = value
	return cfg
}

// TrackRunningStats defines whether the layer keeps running mean and variance
// variables, updated during training and used for normalization during
// inference. BatchNorm defaults to true, the other flavors to false.
func (cfg *Config) TrackRunningStats(value bool) *Config {
	cfg.trackRunningStats = value
	return cfg
}

// Trainable defines whether the layer is trainable. If set to false it is
// frozen: the scale and offset parameters are excluded from gradient updates
// and the layer always normalizes with the running statistics when tracked,
// even when the context is set for training. The default is true.
func (cfg *Config) Trainable(value bool) *Config {
	cfg.trainable = value
	return cfg
}

// ChannelsLast declares the channel axis to be the last logical axis, as
// opposed to axis 1. The batch axis is always axis 0.
func (cfg *Config) ChannelsLast(value bool) *Config {
	cfg.channelsLast = value
	return cfg
}

// CurrentScope configures the layer not to create a sub-scope for its
// variables and instead use the current one.
func (cfg *Config) CurrentScope() *Config {
	cfg.newScope = false
	return cfg
}

// Done finishes configuring the layer and builds the graph computation that
// normalizes the input. It panics (with a stack trace) on invalid
// configurations: wrong input rank for the chosen variant, or channels-last
// with a rank other than 4 or 5.
func (cfg *Config) Done() *Node {
	x := cfg.x
	g := x.Graph()
	dtype := x.DType()
	rank := x.Rank()

	if cfg.requiredRank != 0 && rank != cfg.requiredRank {
		exceptions.Panicf("layers: expected %d-D input, got %d-D input (shape %s)", cfg.requiredRank, rank, x.Shape())
	} else if cfg.requiredRank == 0 && rank < 2 {
		exceptions.Panicf("layers: normalization requires rank >= 2 (batch plus at least one more axis), got shape %s", x.Shape())
	}

	ctx := cfg.ctx
	if cfg.newScope {
		ctx = ctx.In(cfg.scopeName)
	}

	// Affine parameters are per-channel when the channel axis indexes the
	// statistics, otherwise scalar.
	paramShape := shapes.Make(dtype)
	if cfg.statAxes.HasChannel() {
		channelAxis := 1
		if cfg.channelsLast {
			channelAxis = rank - 1
		}
		paramShape = shapes.Make(dtype, x.Shape().Dimensions[channelAxis])
	}

	var weight, bias *Node
	if cfg.scale {
		weight = ctx.WithInitializer(initializers.One).
			VariableWithShape("scale", paramShape).SetTrainable(cfg.trainable).ValueGraph(g)
	}
	if cfg.center {
		bias = ctx.WithInitializer(initializers.Zero).
			VariableWithShape("offset", paramShape).SetTrainable(cfg.trainable).ValueGraph(g)
	}

	var meanVar, varianceVar *context.Variable
	var runningMean, runningVar *Node
	if cfg.trackRunningStats {
		meanVar = ctx.WithInitializer(initializers.Zero).
			VariableWithShape("mean", paramShape).SetTrainable(false)
		varianceVar = ctx.WithInitializer(initializers.One).
			VariableWithShape("variance", paramShape).SetTrainable(false)
		runningMean = meanVar.ValueGraph(g)
		runningVar = varianceVar.ValueGraph(g)
	}

	training := cfg.trainable && ctx.IsTraining(g)
	coreCfg := statnorm.Config{
		StatAxes:      cfg.statAxes,
		ChannelsLast:  cfg.channelsLast,
		UseInputStats: training || !cfg.trackRunningStats,
		Momentum:      cfg.momentum,
		Epsilon:       cfg.epsilon,
		Unbiased:      cfg.unbiased,
	}
	normalized, _, newRunningMean, newRunningVar := statnorm.Forward(coreCfg, x, weight, bias, runningMean, runningVar)

	// The running statistics update aliases the variables' storage: the next
	// forward call reading the same variables observes it.
	if newRunningMean != nil {
		meanVar.SetValueGraph(newRunningMean)
		varianceVar.SetValueGraph(newRunningVar)
	}
	return normalized
}
