// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statnorm

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

func flat64(t *testing.T, tensor *tensors.Tensor) []float64 {
	var out []float64
	require.NoError(t, tensors.ConstFlatData(tensor, func(data []float64) {
		out = append(out, data...)
	}))
	return out
}

// finiteDiffLoss numerically differentiates loss(param) = Σ gradFlat ⊙
// normalizer.Forward(x) with respect to each element of param, by central
// differences. param may be x itself or one of the affine parameters held by
// the normalizer.
func finiteDiffLoss(t *testing.T, n *Normalizer, x, param *tensors.Tensor, gradFlat []float64, h float64) []float64 {
	nudge := func(i int, delta float64) {
		require.NoError(t, tensors.MutableFlatData(param, func(data []float64) {
			data[i] += delta
		}))
	}
	grads := make([]float64, param.Shape().Size())
	for i := range grads {
		nudge(i, h)
		lossPlus := floats.Dot(gradFlat, flat64(t, n.Forward(x)))
		nudge(i, -2*h)
		lossMinus := floats.Dot(gradFlat, flat64(t, n.Forward(x)))
		nudge(i, h)
		grads[i] = (lossPlus - lossMinus) / (2 * h)
	}
	return grads
}

func TestBackwardAgainstFiniteDifferences(t *testing.T) {
	const (
		batch    = 2
		channels = 3
		spatial  = 4
		h        = 1e-6
		delta    = 1e-5
	)
	backend := graphtest.BuildTestBackend()

	for _, tc := range []struct {
		name     string
		statAxes StatAxes
	}{
		{"per-layer", PerLayer},
		{"per-channel", PerChannel},
		{"per-instance", PerInstance},
	} {
		t.Run(tc.name, func(t *testing.T) {
			xFlat := make([]float64, batch*channels*spatial)
			gradFlat := make([]float64, len(xFlat))
			for i := range xFlat {
				xFlat[i] = math.Sin(0.7*float64(i)) + 0.05*float64(i)
				gradFlat[i] = math.Cos(0.3 * float64(i))
			}
			x := tensors.FromFlatDataAndDimensions(xFlat, batch, channels, spatial)
			gradOutput := tensors.FromFlatDataAndDimensions(gradFlat, batch, channels, spatial)

			// Affine parameters are per-channel when the channel axis indexes
			// the statistics, scalar otherwise.
			var weight, bias *tensors.Tensor
			if tc.statAxes.HasChannel() {
				weight = tensors.FromFlatDataAndDimensions([]float64{1.2, -0.8, 0.5}, channels)
				bias = tensors.FromFlatDataAndDimensions([]float64{0.3, -0.1, 0.7}, channels)
			} else {
				weight = tensors.FromValue(1.3)
				bias = tensors.FromValue(-0.2)
			}

			cfg := Config{StatAxes: tc.statAxes, UseInputStats: true, Epsilon: 1e-5}
			n := NewNormalizer(backend, cfg).WithAffine(weight, bias)

			n.Forward(x)
			gradInput, gradWeight, gradBias := n.Backward(gradOutput)

			wantGradInput := finiteDiffLoss(t, n, x, x, gradFlat, h)
			gotGradInput := flat64(t, gradInput)
			require.Len(t, gotGradInput, len(wantGradInput))
			for i := range wantGradInput {
				require.InDeltaf(t, wantGradInput[i], gotGradInput[i], delta, "gradInput[%d]", i)
			}

			wantGradWeight := finiteDiffLoss(t, n, x, weight, gradFlat, h)
			gotGradWeight := flat64(t, gradWeight)
			require.Len(t, gotGradWeight, len(wantGradWeight))
			for i := range wantGradWeight {
				require.InDeltaf(t, wantGradWeight[i], gotGradWeight[i], delta, "gradWeight[%d]", i)
			}

			wantGradBias := finiteDiffLoss(t, n, x, bias, gradFlat, h)
			gotGradBias := flat64(t, gradBias)
			require.Len(t, gotGradBias, len(wantGradBias))
			for i := range wantGradBias {
				require.InDeltaf(t, wantGradBias[i], gotGradBias[i], delta, "gradBias[%d]", i)
			}
		})
	}
}

// TestBackwardInference checks the inference-path gradient, where the running
// statistics are constants: dLoss/dx = gradOutput · weight · invStd, with no
// correction terms.
func TestBackwardInference(t *testing.T) {
	const h = 1e-6
	backend := graphtest.BuildTestBackend()

	xFlat := []float64{1, 5, 3, 4, -2, 0, 7, 1}
	gradFlat := []float64{0.5, -1, 2, 0.25, 1, 1, -0.5, 3}
	x := tensors.FromFlatDataAndDimensions(xFlat, 2, 2, 2)
	gradOutput := tensors.FromFlatDataAndDimensions(gradFlat, 2, 2, 2)
	weight := tensors.FromFlatDataAndDimensions([]float64{2, -1.5}, 2)
	runningMean := tensors.FromFlatDataAndDimensions([]float64{1, 3}, 2)
	runningVar := tensors.FromFlatDataAndDimensions([]float64{4, 0.25}, 2)

	cfg := Config{StatAxes: PerChannel, UseInputStats: false, Epsilon: 1e-5}
	n := NewNormalizer(backend, cfg).
		WithAffine(weight, nil).
		WithRunningStats(runningMean, runningVar)

	n.Forward(x)
	gradInput, gradWeight, gradBias := n.Backward(gradOutput)
	require.Nil(t, gradBias)

	// Closed form on the host.
	runningVarFlat := []float64{4, 0.25}
	weightFlat := []float64{2, -1.5}
	gotGradInput := flat64(t, gradInput)
	for i, g := range gradFlat {
		c := (i / 2) % 2
		want := g * weightFlat[c] / math.Sqrt(runningVarFlat[c]+1e-5)
		require.InDeltaf(t, want, gotGradInput[i], 1e-8, "gradInput[%d]", i)
	}

	// And against finite differences; the inference path never updates the
	// running statistics, so repeated Forward calls are safe.
	wantGradInput := finiteDiffLoss(t, n, x, x, gradFlat, h)
	for i := range wantGradInput {
		require.InDeltaf(t, wantGradInput[i], gotGradInput[i], 1e-5, "gradInput[%d] vs finite differences", i)
	}
	wantGradWeight := finiteDiffLoss(t, n, x, weight, gradFlat, h)
	gotGradWeight := flat64(t, gradWeight)
	for i := range wantGradWeight {
		require.InDeltaf(t, wantGradWeight[i], gotGradWeight[i], 1e-5, "gradWeight[%d] vs finite differences", i)
	}
}

func TestBackwardWithoutAffine(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	x := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	gradOutput := tensors.FromFlatDataAndDimensions([]float64{1, 1, 1, 1, 1, 1, 1, 1}, 2, 2, 2)

	cfg := Config{StatAxes: PerInstance, UseInputStats: true, Epsilon: 1e-5}
	n := NewNormalizer(backend, cfg)
	n.Forward(x)
	gradInput, gradWeight, gradBias := n.Backward(gradOutput)
	require.NotNil(t, gradInput)
	require.Nil(t, gradWeight)
	require.Nil(t, gradBias)

	// A constant gradient has no component along the normalized directions:
	// the projection and mean corrections cancel it entirely.
	for i, g := range flat64(t, gradInput) {
		require.InDeltaf(t, 0, g, 1e-8, "gradInput[%d]", i)
	}
}

// TestBackwardReducedPrecisionBias checks that the bias gradient is emitted on
// the reduced-precision path just like the weight gradient, in the input's
// element type.
func TestBackwardReducedPrecisionBias(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	toF16 := func(values []float32) []float16.Float16 {
		out := make([]float16.Float16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(v)
		}
		return out
	}

	x := tensors.FromFlatDataAndDimensions(toF16([]float32{1, 2, 3, 4, 5, 6, 7, 8}), 2, 2, 2)
	gradOutput := tensors.FromFlatDataAndDimensions(toF16([]float32{1, 1, 1, 1, 1, 1, 1, 1}), 2, 2, 2)
	weight := tensors.FromFlatDataAndDimensions(toF16([]float32{1, 1}), 2)
	bias := tensors.FromFlatDataAndDimensions(toF16([]float32{0, 0}), 2)

	cfg := Config{StatAxes: PerChannel, UseInputStats: true, Epsilon: 1e-5}
	n := NewNormalizer(backend, cfg).WithAffine(weight, bias)
	n.Forward(x)
	_, gradWeight, gradBias := n.Backward(gradOutput)

	require.NotNil(t, gradWeight)
	require.NotNil(t, gradBias)
	require.Equal(t, dtypes.Float16, gradWeight.DType())
	require.Equal(t, dtypes.Float16, gradBias.DType())

	// gradBias is the plain sum of the incoming gradient per channel: 4 ones.
	var gradBiasFlat []float16.Float16
	require.NoError(t, tensors.ConstFlatData(gradBias, func(data []float16.Float16) {
		gradBiasFlat = append(gradBiasFlat, data...)
	}))
	require.Len(t, gradBiasFlat, 2)
	for i, v := range gradBiasFlat {
		require.InDeltaf(t, 4, float64(v.Float32()), 1e-2, "gradBias[%d]", i)
	}
}
