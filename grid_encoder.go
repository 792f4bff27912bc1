package radnerf

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A multi-resolution grid encoder turns a continuous coordinate into a
// learned feature vector. It keeps L levels of grids, from coarse (base
// resolution) to fine (desired resolution), growing geometrically. For each
// level the coordinate falls into one cell; the 2^D corner vertices of that
// cell each own a small learned vector (LevelDim wide), and the level's
// feature is their interpolation. Concatenating all levels gives an
// L*LevelDim feature.
//
// ADDRESSING:
//   - Coarse levels fit densely: vertex (i, j, k) lives at i + j*R + k*R².
//   - Fine levels would need (R+1)^D entries, far too many. A hash grid
//     hashes the vertex coordinates into a fixed-size table instead;
//     collisions are tolerated (training averages their gradients).
//     A tiled grid simply wraps the dense index modulo the table size.
//
// INTERPOLATION:
//   - Linear: weights are products of frac / (1-frac) per axis.
//   - Smoothstep: frac is first shaped by f²(3-2f), which makes the
//     gradient continuous across cell boundaries.
//
// The decoder instantiates this twice: once over 3D space (bound = scene
// bound) and once over the ambient coordinate (bound = 1). It never needs
// to know which addressing or interpolation variant is active.
//
// Tables are float32, as the parameters of real grid encoders are.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Instant Neural Graphics Primitives with a Multiresolution Hash Encoding"
//   by Müller, Evans, Schied, Keller (2022)
//   https://arxiv.org/abs/2201.05989
//
// ===========================================================================

// GridEncoder is the capability the decoder consumes: coordinates within
// [-bound, bound]^InputDim in, (N, OutputDim) features out.
type GridEncoder interface {
	// Encode maps coords of shape (N, InputDim) to (N, OutputDim).
	// Coordinates outside the bound produce an all-zero feature row.
	Encode(coords *Tensor, bound float64) (*Tensor, error)

	// InputDim returns the coordinate dimensionality.
	InputDim() int

	// OutputDim returns NumLevels * LevelDim.
	OutputDim() int

	// NumParams returns the number of learned scalars.
	NumParams() int
}

// GridType selects how grid vertices are addressed.
type GridType int

const (
	// HashGrid switches to spatial hashing once a level no longer fits.
	HashGrid GridType = iota

	// TiledGrid always uses dense addressing, wrapping modulo the table size.
	TiledGrid
)

// String implements fmt.Stringer.
func (g GridType) String() string {
	switch g {
	case HashGrid:
		return "hashgrid"
	case TiledGrid:
		return "tiledgrid"
	default:
		return fmt.Sprintf("GridType(%d)", int(g))
	}
}

// ParseGridType accepts "hashgrid"/"hash" and "tiledgrid"/"tiled".
func ParseGridType(s string) (GridType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hashgrid", "hash":
		return HashGrid, nil
	case "tiledgrid", "tiled":
		return TiledGrid, nil
	default:
		return HashGrid, fmt.Errorf("%w: unknown grid type %q", ErrInvalidConfig, s)
	}
}

// Interpolation selects how cell-local fractions become corner weights.
type Interpolation int

const (
	// LinearInterpolation is plain multilinear interpolation.
	LinearInterpolation Interpolation = iota

	// SmoothstepInterpolation shapes fractions with f²(3-2f) first.
	SmoothstepInterpolation
)

// String implements fmt.Stringer.
func (i Interpolation) String() string {
	switch i {
	case LinearInterpolation:
		return "linear"
	case SmoothstepInterpolation:
		return "smoothstep"
	default:
		return fmt.Sprintf("Interpolation(%d)", int(i))
	}
}

// ParseInterpolation accepts "linear" and "smoothstep".
func ParseInterpolation(s string) (Interpolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear":
		return LinearInterpolation, nil
	case "smoothstep":
		return SmoothstepInterpolation, nil
	default:
		return LinearInterpolation, fmt.Errorf("%w: unknown interpolation %q", ErrInvalidConfig, s)
	}
}

func (i Interpolation) shape(f float32) float32 {
	if i == SmoothstepInterpolation {
		return f * f * (3 - 2*f)
	}
	return f
}

// GridConfig describes one grid encoder.
type GridConfig struct {
	InputDim          int
	NumLevels         int
	LevelDim          int
	BaseResolution    int
	Log2HashmapSize   int
	DesiredResolution float64
	Type              GridType
	Interpolation     Interpolation
}

// maxGridInputDim is the number of hashing primes available.
const maxGridInputDim = 7

var hashPrimes = [maxGridInputDim]uint32{1, 2654435761, 805459861, 3674653429, 2097192037, 1434869437, 2165219737}

// gridInitRange bounds the uniform initialisation of grid tables.
const gridInitRange = 1e-4

type gridLevel struct {
	scale      float32 // coordinate in [0,1] -> cell space
	resolution uint32  // vertices per axis minus one
	size       uint32  // entries in this level's table
	offset     int     // first entry of this level in the shared table
}

// multiResGrid implements GridEncoder for both addressing variants.
type multiResGrid struct {
	cfg        GridConfig
	levels     []gridLevel
	embeddings []float32 // (entries, LevelDim), all levels back to back
}

// learnedGrid is a GridEncoder whose tables can be checkpointed.
type learnedGrid interface {
	GridEncoder
	parameters(prefix string) []Parameter
}

// NewGridEncoder builds and initialises a grid encoder.
func NewGridEncoder(rng *rand.Rand, cfg GridConfig) (GridEncoder, error) {
	return newInitializedGrid(rng, cfg)
}

func newInitializedGrid(rng *rand.Rand, cfg GridConfig) (learnedGrid, error) {
	g, err := newMultiResGrid(cfg)
	if err != nil {
		return nil, err
	}
	for i := range g.embeddings {
		g.embeddings[i] = float32(-gridInitRange + 2*gridInitRange*rng.Float64())
	}
	return g, nil
}

func newMultiResGrid(cfg GridConfig) (*multiResGrid, error) {
	switch {
	case cfg.InputDim < 1 || cfg.InputDim > maxGridInputDim:
		return nil, fmt.Errorf("%w: grid input dim %d outside [1,%d]", ErrInvalidConfig, cfg.InputDim, maxGridInputDim)
	case cfg.NumLevels < 1, cfg.LevelDim < 1, cfg.BaseResolution < 1:
		return nil, fmt.Errorf("%w: grid levels/level dim/base resolution must be positive", ErrInvalidConfig)
	case cfg.Log2HashmapSize < 1 || cfg.Log2HashmapSize > 30:
		return nil, fmt.Errorf("%w: log2 hashmap size %d outside [1,30]", ErrInvalidConfig, cfg.Log2HashmapSize)
	case cfg.DesiredResolution < float64(cfg.BaseResolution):
		return nil, fmt.Errorf("%w: desired resolution %.1f below base %d", ErrInvalidConfig, cfg.DesiredResolution, cfg.BaseResolution)
	}

	// Geometric growth from base to desired resolution.
	perLevelScale := float32(1)
	if cfg.NumLevels > 1 {
		perLevelScale = math32.Exp2(math32.Log2(float32(cfg.DesiredResolution)/float32(cfg.BaseResolution)) / float32(cfg.NumLevels-1))
	}
	s := math32.Log2(perLevelScale)
	maxEntries := uint64(1) << uint(cfg.Log2HashmapSize)

	g := &multiResGrid{cfg: cfg}
	offset := 0
	for l := 0; l < cfg.NumLevels; l++ {
		scale := math32.Exp2(float32(l)*s)*float32(cfg.BaseResolution) - 1
		resolution := uint32(math32.Ceil(scale)) + 1

		dense := uint64(1)
		for d := 0; d < cfg.InputDim && dense <= maxEntries; d++ {
			dense *= uint64(resolution) + 1
		}
		size := dense
		if size > maxEntries {
			size = maxEntries
		}
		size = (size + 7) / 8 * 8

		g.levels = append(g.levels, gridLevel{
			scale:      scale,
			resolution: resolution,
			size:       uint32(size),
			offset:     offset,
		})
		offset += int(size)
	}
	g.embeddings = make([]float32, offset*cfg.LevelDim)
	return g, nil
}

func (g *multiResGrid) InputDim() int  { return g.cfg.InputDim }
func (g *multiResGrid) OutputDim() int { return g.cfg.NumLevels * g.cfg.LevelDim }
func (g *multiResGrid) NumParams() int { return len(g.embeddings) }

// Encode implements GridEncoder. It only reads the tables, so concurrent
// calls are safe.
func (g *multiResGrid) Encode(coords *Tensor, bound float64) (*Tensor, error) {
	if coords.Dims() != 2 || coords.Cols() != g.cfg.InputDim {
		return nil, fmt.Errorf("%w: grid encoder expects (N, %d) coordinates, got %v", ErrShapeMismatch, g.cfg.InputDim, coords.shape)
	}
	if !(bound > 0) || math.IsInf(bound, 0) {
		return nil, fmt.Errorf("%w: grid bound must be positive and finite, got %v", ErrInvalidConfig, bound)
	}

	d := g.cfg.InputDim
	out := NewTensor(coords.Rows(), g.OutputDim())
	unit := make([]float32, d)
	frac := make([]float32, d)
	cell := make([]uint32, d)
	corner := make([]uint32, d)

rows:
	for n := 0; n < coords.Rows(); n++ {
		row := coords.Row(n)
		for i, v := range row {
			u := float32((v + bound) / (2 * bound))
			if !(u >= 0 && u <= 1) {
				continue rows // out of bounds (or NaN): zero feature
			}
			unit[i] = u
		}

		dst := out.Row(n)
		for li := range g.levels {
			g.encodeLevel(li, unit, frac, cell, corner, dst[li*g.cfg.LevelDim:(li+1)*g.cfg.LevelDim])
		}
	}
	return out, nil
}

// encodeLevel interpolates one level's feature into dst.
func (g *multiResGrid) encodeLevel(li int, unit, frac []float32, cell, corner []uint32, dst []float64) {
	lvl := g.levels[li]
	d := len(unit)
	c := g.cfg.LevelDim

	for i, u := range unit {
		pos := u*lvl.scale + 0.5
		base := math32.Floor(pos)
		cell[i] = uint32(base)
		frac[i] = g.cfg.Interpolation.shape(pos - base)
	}

	for mask := 0; mask < 1<<uint(d); mask++ {
		w := float32(1)
		for i := 0; i < d; i++ {
			if mask&(1<<uint(i)) == 0 {
				w *= 1 - frac[i]
				corner[i] = cell[i]
			} else {
				w *= frac[i]
				corner[i] = cell[i] + 1
			}
		}
		if w == 0 {
			continue
		}
		entry := lvl.offset + int(g.vertexIndex(lvl, corner))
		feat := g.embeddings[entry*c : (entry+1)*c]
		for ch, v := range feat {
			dst[ch] += float64(w * v)
		}
	}
}

// vertexIndex addresses a grid vertex within its level's table.
func (g *multiResGrid) vertexIndex(lvl gridLevel, corner []uint32) uint32 {
	var index, stride uint64 = 0, 1
	for _, p := range corner {
		index += uint64(p) * stride
		stride *= uint64(lvl.resolution) + 1
	}
	if g.cfg.Type == HashGrid && stride > uint64(lvl.size) {
		return spatialHash(corner) % lvl.size
	}
	return uint32(index % uint64(lvl.size))
}

// spatialHash xors vertex coordinates scaled by large primes.
func spatialHash(corner []uint32) uint32 {
	var h uint32
	for i, p := range corner {
		h ^= p * hashPrimes[i]
	}
	return h
}

func (g *multiResGrid) parameters(prefix string) []Parameter {
	entries := len(g.embeddings) / g.cfg.LevelDim
	return []Parameter{float32Parameter(prefix+".embeddings", []int{entries, g.cfg.LevelDim}, g.embeddings)}
}
