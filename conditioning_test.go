package radnerf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomWindows(seed int64, b, t, c int) *Tensor {
	return NewTensorUniform(rand.New(rand.NewSource(seed)), -1, 1, b, t, c)
}

func TestAudioNetShapes(t *testing.T) {
	net := NewAudioNet(rand.New(rand.NewSource(1)), 29, 64, 16)

	out, err := net.Encode(randomWindows(2, 3, 16, 29), FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 64}, out.Shape())

	_, err = net.Encode(randomWindows(2, 1, 8, 29), FullPrecision)
	assert.ErrorIs(t, err, ErrWindowTooShort)

	_, err = net.Encode(randomWindows(2, 1, 16, 44), FullPrecision)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = net.Encode(NewTensor(16, 29), FullPrecision)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestAudioNetCentreCrop(t *testing.T) {
	net := NewAudioNet(rand.New(rand.NewSource(1)), 29, 32, 16)
	long := randomWindows(3, 1, 20, 29)

	// A 20-frame window is cropped to frames [2, 18).
	crop := FromSlice(long.data[2*29:18*29], 1, 16, 29)

	a, err := net.Encode(long, FullPrecision)
	require.NoError(t, err)
	b, err := net.Encode(crop, FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, b.Data(), a.Data())
}

func TestAudioNetShortPrenetIgnoresOutsideFrames(t *testing.T) {
	// An 8-frame prenet over 16-frame windows reads frames [4, 12) only.
	net := NewAudioNet(rand.New(rand.NewSource(1)), 29, 32, 8)
	w := randomWindows(4, 1, 16, 29)

	a, err := net.Encode(w, FullPrecision)
	require.NoError(t, err)

	changed := w.Clone()
	for c := 0; c < 29; c++ {
		changed.Set(5, 0, 0, c)
		changed.Set(-5, 0, 15, c)
	}
	b, err := net.Encode(changed, FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())

	changed.Set(3, 0, 8, 0)
	c, err := net.Encode(changed, FullPrecision)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data(), c.Data())
}

func TestAudioNetBatchRowsIndependent(t *testing.T) {
	net := NewAudioNet(rand.New(rand.NewSource(1)), 29, 32, 16)
	w := randomWindows(5, 3, 16, 29)

	all, err := net.Encode(w, FullPrecision)
	require.NoError(t, err)

	for b := 0; b < 3; b++ {
		one, err := net.Encode(frameMatrix(w, b).Reshape(1, 16, 29), FullPrecision)
		require.NoError(t, err)
		assert.Equal(t, one.Row(0), all.Row(b), "window %d", b)
	}
}

func TestFitHistory(t *testing.T) {
	h := FromRows([][]float64{{1, 1}, {2, 2}, {3, 3}})

	assert.Same(t, h, fitHistory(h, 3))
	assert.Equal(t, []float64{2, 2, 3, 3}, fitHistory(h, 2).Data())
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 2, 2, 3, 3}, fitHistory(h, 5).Data())
}

func TestAttentionOfConstantHistory(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	row := []float64{0.5, -1, 2, 0.25}
	history := FromRows([][]float64{row, row, row})

	smoothers := map[string]historySmoother{
		"audio":   NewAudioAttNet(rng, 4, 8),
		"heatmap": NewHeatmapAttNet(rng, 4, 8),
	}
	for name, att := range smoothers {
		t.Run(name, func(t *testing.T) {
			out, err := att.Attend(history, FullPrecision)
			require.NoError(t, err)
			require.Equal(t, []int{1, 4}, out.Shape())
			assert.InDeltaSlice(t, row, out.Data(), 1e-12)

			_, err = att.Attend(NewTensor(3, 5), FullPrecision)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestAttentionOutputInsideHistoryHull(t *testing.T) {
	att := NewAudioAttNet(rand.New(rand.NewSource(2)), 3, 8)
	history := NewTensorUniform(rand.New(rand.NewSource(3)), -1, 1, 8, 3)

	out, err := att.Attend(history, FullPrecision)
	require.NoError(t, err)

	for c := 0; c < 3; c++ {
		lo, hi := history.At(0, c), history.At(0, c)
		for r := 1; r < 8; r++ {
			lo, hi = min(lo, history.At(r, c)), max(hi, history.At(r, c))
		}
		assert.GreaterOrEqual(t, out.At(0, c), lo-1e-12)
		assert.LessOrEqual(t, out.At(0, c), hi+1e-12)
	}
}

func TestSplatLandmarks(t *testing.T) {
	heat := make([]float64, heatmapSize*heatmapSize)

	// (-1, -1) lands exactly on the first cell.
	splatLandmarks(heat, []float64{-1, -1, 0})
	assert.InDelta(t, 1.0, heat[0], 1e-12)
	assert.Zero(t, heat[heatmapSize*heatmapSize-1])
	for _, v := range heat {
		assert.LessOrEqual(t, v, 1.0)
		assert.GreaterOrEqual(t, v, 0.0)
	}

	// Out-of-range coordinates are clamped onto the border.
	splatLandmarks(heat, []float64{5, 5, 0})
	assert.Zero(t, heat[0], "splat clears previous contents")
	assert.InDelta(t, 1.0, heat[heatmapSize*heatmapSize-1], 1e-12)
}

func TestAvgPool(t *testing.T) {
	heat := make([]float64, heatmapSize*heatmapSize)
	for i := range heat {
		heat[i] = 1
	}
	heat[0] = 0

	out := heatmapSize / heatmapPool
	dst := make([]float64, out*out)
	avgPool(dst, heat)

	assert.InDelta(t, 15.0/16, dst[0], 1e-12)
	for _, v := range dst[1:] {
		assert.InDelta(t, 1.0, v, 1e-12)
	}
}

func TestHeatmapEncoderReadsLatestFrame(t *testing.T) {
	enc := NewHeatmapEncoder(rand.New(rand.NewSource(1)), 204, 32)
	w := randomWindows(6, 2, 4, 204)

	a, err := enc.Encode(w, FullPrecision)
	require.NoError(t, err)
	require.Equal(t, []int{2, 32}, a.Shape())

	older := w.Clone()
	for c := 0; c < 204; c++ {
		older.Set(0.9, 0, 0, c)
		older.Set(-0.9, 1, 2, c)
	}
	b, err := enc.Encode(older, FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())

	_, err = enc.Encode(randomWindows(6, 1, 4, 29), FullPrecision)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestFaceLandmarkColumns(t *testing.T) {
	assert.Len(t, upperFaceLandmarks, 18)
	assert.Len(t, lowerFaceLandmarks, 23)

	upper := landmarkColumns(upperFaceLandmarks)
	lower := landmarkColumns(lowerFaceLandmarks)
	assert.Len(t, upper, 54)
	assert.Len(t, lower, 69)

	assert.Equal(t, []int{51, 52, 53}, upper[:3])
	assert.Equal(t, []int{12, 13, 14}, lower[:3])
	assert.Equal(t, []int{201, 202, 203}, lower[len(lower)-3:])

	seen := map[int]bool{}
	for _, c := range append(append([]int(nil), upper...), lower...) {
		assert.False(t, seen[c], "column %d used twice", c)
		seen[c] = true
	}
}

func resolvedArch(t *testing.T, mutate func(*Config)) Architecture {
	t.Helper()
	cfg := DefaultConfig()
	mutate(&cfg)
	arch, err := cfg.Resolve()
	require.NoError(t, err)
	return arch
}

func TestSplitFaceConditioning(t *testing.T) {
	arch := resolvedArch(t, func(c *Config) {
		c.CondType = CondLandmarks
		c.SeparateUFLF = true
	})
	cond := newConditioning(rand.New(rand.NewSource(1)), arch)
	require.IsType(t, &splitFacePipeline{}, cond)
	assert.Equal(t, 64, cond.outDim())

	w := randomWindows(7, 8, 16, 204)
	base, err := cond.encode(w, FullPrecision)
	require.NoError(t, err)
	require.Equal(t, []int{1, 64}, base.Shape())

	// Landmark 0 (jaw) belongs to neither half.
	jaw := w.Clone()
	for b := 0; b < 8; b++ {
		for f := 0; f < 16; f++ {
			jaw.Set(0.7, b, f, 0)
		}
	}
	out, err := cond.encode(jaw, FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, base.Data(), out.Data())

	// Moving an eye landmark (36) only affects the upper half.
	eye := w.Clone()
	for b := 0; b < 8; b++ {
		for f := 0; f < 16; f++ {
			eye.Set(0.7, b, f, 3*36)
		}
	}
	out, err = cond.encode(eye, FullPrecision)
	require.NoError(t, err)
	assert.NotEqual(t, base.Data()[:32], out.Data()[:32])
	assert.Equal(t, base.Data()[32:], out.Data()[32:])

	names := map[string]bool{}
	for _, p := range cond.parameters() {
		names[p.Name] = true
	}
	assert.True(t, names["cond_upper.prenet.fc2.weight"])
	assert.True(t, names["cond_lower.att.att.weight"])
}

func TestConditioningWithoutAttentionUsesNewestWindow(t *testing.T) {
	arch := resolvedArch(t, func(c *Config) { c.WithAtt = false })
	cond := newConditioning(rand.New(rand.NewSource(1)), arch)

	w := randomWindows(8, 3, 16, 29)
	a, err := cond.encode(w, FullPrecision)
	require.NoError(t, err)
	require.Equal(t, []int{1, 64}, a.Shape())

	older := w.Clone()
	for f := 0; f < 16; f++ {
		older.Set(0.9, 0, f, 0)
		older.Set(0.9, 1, f, 1)
	}
	b, err := cond.encode(older, FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())

	for _, p := range cond.parameters() {
		assert.NotContains(t, p.Name, ".att.")
	}
}

func TestConditioningWithAttentionSeesHistory(t *testing.T) {
	arch := resolvedArch(t, func(c *Config) {})
	cond := newConditioning(rand.New(rand.NewSource(1)), arch)

	w := randomWindows(9, 8, 16, 29)
	a, err := cond.encode(w, FullPrecision)
	require.NoError(t, err)

	older := w.Clone()
	for f := 0; f < 16; f++ {
		older.Set(0.9, 0, f, 0)
	}
	b, err := cond.encode(older, FullPrecision)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data(), b.Data())

	// A single window is padded up to the smoothing length.
	one, err := cond.encode(randomWindows(9, 1, 16, 29), FullPrecision)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 64}, one.Shape())
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	x := FromSlice([]float64{1, 2, 3}, 1, 3)
	assert.Equal(t, []float64{1, 2, 3}, dropout(x, 0, rng).Data())

	ones := NewTensor(1, 1000)
	for i := range ones.data {
		ones.data[i] = 1
	}
	dropout(ones, 0.5, rng)

	zeros := 0
	for _, v := range ones.data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("dropout produced %v, want 0 or 2", v)
		}
	}
	assert.InDelta(t, 500, zeros, 100)
}
