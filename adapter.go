// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// This file is the precision and layout adapter: the casting policy around
// reduced-precision element types, and the permutation of channels-last
// tensors into the canonical channel-second layout and back.

// isReducedPrecision reports whether dtype requires upcasting for statistics
// arithmetic.
func isReducedPrecision(dtype dtypes.DType) bool {
	return dtype == dtypes.Float16 || dtype == dtypes.BFloat16
}

// accumulationDType returns the element type used for all intermediate
// reduction and statistics arithmetic: Float32 for reduced-precision floating
// types, otherwise the input type itself.
func accumulationDType(dtype dtypes.DType) dtypes.DType {
	if isReducedPrecision(dtype) {
		return dtypes.Float32
	}
	return dtype
}

// toWorkDType casts x to the accumulation dtype, a no-op for nil or for
// native-precision inputs.
func toWorkDType(x *Node, workDType dtypes.DType) *Node {
	if x == nil || x.DType() == workDType {
		return x
	}
	return ConvertDType(x, workDType)
}

// fromWorkDType casts x back to the caller's element type, a no-op for nil or
// when no upcast happened.
func fromWorkDType(x *Node, dtype dtypes.DType) *Node {
	if x == nil || x.DType() == dtype {
		return x
	}
	return ConvertDType(x, dtype)
}

// checkChannelsLastRank panics unless rank is one of the supported
// channels-last ranks. Only 4-D and 5-D tensors have a defined channels-last
// layout; anything else is an unsupported configuration and must abort rather
// than silently mis-layout.
func checkChannelsLastRank(rank int) {
	if rank != 4 && rank != 5 {
		exceptions.Panicf("statnorm: channels-last layout requires a 4-D or 5-D tensor, got rank %d", rank)
	}
}

// CanonicalizeChannelsLast permutes a channels-last tensor (channel at the
// last logical axis) so the channel becomes logical axis 1, the canonical
// layout for statistics computation. Restore the original layout with
// RestoreChannelsLast.
//
// It panics if x is not 4-D or 5-D.
func CanonicalizeChannelsLast(x *Node) *Node {
	rank := x.Rank()
	checkChannelsLastRank(rank)
	// [N, S..., C] -> [N, C, S...]
	permutation := make([]int, 0, rank)
	permutation = append(permutation, 0, rank-1)
	for axis := 1; axis < rank-1; axis++ {
		permutation = append(permutation, axis)
	}
	return TransposeAllAxes(x, permutation...)
}

// RestoreChannelsLast is the inverse of CanonicalizeChannelsLast: it permutes
// a canonical channel-second tensor back to channels-last order.
//
// It panics if x is not 4-D or 5-D.
func RestoreChannelsLast(x *Node) *Node {
	rank := x.Rank()
	checkChannelsLastRank(rank)
	// [N, C, S...] -> [N, S..., C]
	permutation := make([]int, 0, rank)
	permutation = append(permutation, 0)
	for axis := 2; axis < rank; axis++ {
		permutation = append(permutation, axis)
	}
	permutation = append(permutation, 1)
	return TransposeAllAxes(x, permutation...)
}
