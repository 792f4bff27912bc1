package radnerf

import (
	"math"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spatialGridConfig(typ GridType, interp Interpolation) GridConfig {
	return GridConfig{
		InputDim:          3,
		NumLevels:         16,
		LevelDim:          2,
		BaseResolution:    16,
		Log2HashmapSize:   16,
		DesiredResolution: 2048,
		Type:              typ,
		Interpolation:     interp,
	}
}

// rampGrid is a single-level 1D grid whose vertex p stores the value p.
func rampGrid(t *testing.T, interp Interpolation) *multiResGrid {
	t.Helper()
	g, err := newMultiResGrid(GridConfig{
		InputDim:          1,
		NumLevels:         1,
		LevelDim:          1,
		BaseResolution:    16,
		Log2HashmapSize:   10,
		DesiredResolution: 16,
		Type:              HashGrid,
		Interpolation:     interp,
	})
	require.NoError(t, err)
	for i := range g.embeddings {
		g.embeddings[i] = float32(i)
	}
	return g
}

func TestGridLevelLayout(t *testing.T) {
	g, err := newMultiResGrid(spatialGridConfig(HashGrid, LinearInterpolation))
	require.NoError(t, err)
	require.Len(t, g.levels, 16)

	// Coarsest level: scale 15, 17^3 = 4913 vertices rounded up to 4920.
	assert.InDelta(t, 15, g.levels[0].scale, 1e-5)
	assert.Equal(t, uint32(16), g.levels[0].resolution)
	assert.Equal(t, uint32(4920), g.levels[0].size)
	assert.Equal(t, 0, g.levels[0].offset)

	// Finest level saturates the table.
	last := g.levels[15]
	assert.Equal(t, uint32(1<<16), last.size)
	assert.InDelta(t, 2047, last.scale, 0.5)

	total := 0
	for _, lvl := range g.levels {
		assert.Zero(t, lvl.size%8, "level sizes are multiples of 8")
		assert.Equal(t, total, lvl.offset)
		total += int(lvl.size)
	}
	assert.Equal(t, total*2, g.NumParams())
	assert.Equal(t, 32, g.OutputDim())
}

func TestGridLinearInterpolationIsExactOnRamp(t *testing.T) {
	g := rampGrid(t, LinearInterpolation)

	for _, x := range []float64{-1, -0.5, -0.13, 0, 0.42, 1} {
		out, err := g.Encode(FromSlice([]float64{x}, 1, 1), 1)
		require.NoError(t, err)

		u := (x + 1) / 2
		assert.InDelta(t, u*15+0.5, out.At(0, 0), 1e-4, "x=%v", x)
	}
}

func TestGridSmoothstepInterpolation(t *testing.T) {
	g := rampGrid(t, SmoothstepInterpolation)

	// x = 0 -> pos = 8.0 exactly: vertex value, no blending.
	out, err := g.Encode(FromSlice([]float64{0}, 1, 1), 1)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, out.At(0, 0), 1e-5)

	// Quarter of the way through a cell: smoothstep(0.25) = 0.15625.
	x := (8.25-0.5)/15*2 - 1
	out, err = g.Encode(FromSlice([]float64{x}, 1, 1), 1)
	require.NoError(t, err)
	assert.InDelta(t, 8.15625, out.At(0, 0), 1e-3)
}

func TestGridOutOfBoundsIsZero(t *testing.T) {
	enc, err := NewGridEncoder(rand.New(rand.NewSource(1)), spatialGridConfig(TiledGrid, LinearInterpolation))
	require.NoError(t, err)

	coords := FromRows([][]float64{
		{0, 0, 0},
		{1.5, 0, 0},
		{0, math.NaN(), 0},
		{-2, -2, -2},
	})
	out, err := enc.Encode(coords, 1)
	require.NoError(t, err)

	assert.NotEqual(t, make([]float64, 32), out.Row(0))
	for r := 1; r < 4; r++ {
		assert.Equal(t, make([]float64, 32), out.Row(r), "row %d", r)
	}
}

func TestGridBoundScalesDomain(t *testing.T) {
	enc, err := NewGridEncoder(rand.New(rand.NewSource(2)), spatialGridConfig(HashGrid, LinearInterpolation))
	require.NoError(t, err)

	a, err := enc.Encode(FromRows([][]float64{{0.25, -0.5, 0.1}}), 1)
	require.NoError(t, err)
	b, err := enc.Encode(FromRows([][]float64{{0.5, -1, 0.2}}), 2)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), b.Data())
}

func TestGridTiledAndHashAgreeOnDenseLevels(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	hash, err := newMultiResGrid(spatialGridConfig(HashGrid, LinearInterpolation))
	require.NoError(t, err)
	tiled, err := newMultiResGrid(spatialGridConfig(TiledGrid, LinearInterpolation))
	require.NoError(t, err)

	corner := []uint32{3, 7, 11}
	assert.Equal(t, hash.vertexIndex(hash.levels[0], corner), tiled.vertexIndex(tiled.levels[0], corner))

	// On the finest level the hash path is used and stays in range.
	last := hash.levels[15]
	for i := 0; i < 100; i++ {
		c := []uint32{uint32(rng.Intn(2048)), uint32(rng.Intn(2048)), uint32(rng.Intn(2048))}
		assert.Less(t, hash.vertexIndex(last, c), last.size)
		assert.Less(t, tiled.vertexIndex(last, c), last.size)
	}
}

func TestGridConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*GridConfig)
	}{
		{"zero input dim", func(c *GridConfig) { c.InputDim = 0 }},
		{"too many dims", func(c *GridConfig) { c.InputDim = maxGridInputDim + 1 }},
		{"no levels", func(c *GridConfig) { c.NumLevels = 0 }},
		{"huge table", func(c *GridConfig) { c.Log2HashmapSize = 31 }},
		{"desired below base", func(c *GridConfig) { c.DesiredResolution = 8 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := spatialGridConfig(HashGrid, LinearInterpolation)
			tt.mutate(&cfg)
			_, err := NewGridEncoder(rand.New(rand.NewSource(1)), cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGridEncodeErrors(t *testing.T) {
	enc, err := NewGridEncoder(rand.New(rand.NewSource(1)), spatialGridConfig(HashGrid, LinearInterpolation))
	require.NoError(t, err)

	_, err = enc.Encode(NewTensor(4, 2), 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = enc.Encode(NewTensor(4, 3), 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseGridOptions(t *testing.T) {
	g, err := ParseGridType("TiledGrid")
	require.NoError(t, err)
	assert.Equal(t, TiledGrid, g)

	i, err := ParseInterpolation("smoothstep")
	require.NoError(t, err)
	assert.Equal(t, SmoothstepInterpolation, i)

	_, err = ParseGridType("octree")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseInterpolation("cubic")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// Features are convex combinations of table entries, so they can never
// exceed the initialisation range, and encoding is a pure function.
func TestProperty_GridFeaturesBoundedAndDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	grids := map[string]GridEncoder{}
	for _, typ := range []GridType{HashGrid, TiledGrid} {
		for _, interp := range []Interpolation{LinearInterpolation, SmoothstepInterpolation} {
			enc, err := NewGridEncoder(rand.New(rand.NewSource(7)), spatialGridConfig(typ, interp))
			require.NoError(t, err)
			grids[typ.String()+"/"+interp.String()] = enc
		}
	}

	for name, enc := range grids {
		properties.Property(name+" features bounded and deterministic", prop.ForAll(
			func(x, y, z float64) bool {
				coords := FromRows([][]float64{{x, y, z}})
				a, err := enc.Encode(coords, 1)
				if err != nil {
					return false
				}
				b, err := enc.Encode(coords, 1)
				if err != nil {
					return false
				}
				for i, v := range a.data {
					if v != b.data[i] || math.Abs(v) > gridInitRange*1.0001 {
						return false
					}
				}
				return true
			},
			gen.Float64Range(-1, 1),
			gen.Float64Range(-1, 1),
			gen.Float64Range(-1, 1),
		))
	}

	properties.TestingRun(t)
}

func BenchmarkGridEncode(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	enc, err := NewGridEncoder(rng, spatialGridConfig(TiledGrid, LinearInterpolation))
	if err != nil {
		b.Fatal(err)
	}
	coords := NewTensorUniform(rng, -1, 1, 4096, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Encode(coords, 1); err != nil {
			b.Fatal(err)
		}
	}
}
