package radnerf

import (
	"fmt"
	"math/rand"
)

// windowEncoder is the prenet half of a conditioning pipeline:
// (B, T, C) windows in, (B, dim) features out.
type windowEncoder interface {
	Encode(windows *Tensor, p Precision) (*Tensor, error)
	syncHalf()
	parameters(prefix string) []Parameter
}

// historySmoother is the attention half: (S, dim) history in, (1, dim) out.
type historySmoother interface {
	Attend(history *Tensor, p Precision) (*Tensor, error)
	syncHalf()
	parameters(prefix string) []Parameter
}

// conditioning is the pipeline selected at construction. Every variant
// maps a (B, T, C) stack of windows, oldest first, to one (1, outDim)
// conditioning feature.
type conditioning interface {
	encode(windows *Tensor, p Precision) (*Tensor, error)
	outDim() int
	syncHalf()
	parameters() []Parameter
}

// condPipeline is a prenet optionally followed by attention smoothing.
// Without attention the most recent window's feature is used.
type condPipeline struct {
	prefix string
	dim    int
	prenet windowEncoder
	att    historySmoother // nil when attention is disabled
}

func (c *condPipeline) encode(windows *Tensor, p Precision) (*Tensor, error) {
	feats, err := c.prenet.Encode(windows, p)
	if err != nil {
		return nil, err
	}
	if c.att == nil {
		n := feats.Rows()
		return SliceRows(feats, n-1, n).Clone(), nil
	}
	return c.att.Attend(feats, p)
}

func (c *condPipeline) outDim() int { return c.dim }

func (c *condPipeline) syncHalf() {
	c.prenet.syncHalf()
	if c.att != nil {
		c.att.syncHalf()
	}
}

func (c *condPipeline) parameters() []Parameter {
	params := c.prenet.parameters(c.prefix + ".prenet")
	if c.att != nil {
		params = append(params, c.att.parameters(c.prefix+".att")...)
	}
	return params
}

// Landmark subsets of the 68-point layout used by split-face conditioning.
var (
	upperFaceLandmarks = landmarkIndices([]int{17, 19, 21, 22, 24, 26}, 36, 48)
	lowerFaceLandmarks = landmarkIndices([]int{4, 8, 12}, 48, 68)
)

// landmarkIndices lists explicit landmarks followed by the range [lo, hi).
func landmarkIndices(explicit []int, lo, hi int) []int {
	out := append([]int(nil), explicit...)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

// landmarkColumns expands landmark indices to their (x, y, z) columns.
func landmarkColumns(landmarks []int) []int {
	cols := make([]int, 0, 3*len(landmarks))
	for _, l := range landmarks {
		cols = append(cols, 3*l, 3*l+1, 3*l+2)
	}
	return cols
}

// splitFacePipeline conditions the upper and lower face independently.
// The output is [upper, lower], each half of the conditioning width.
type splitFacePipeline struct {
	inDim        int
	upper, lower *condPipeline
	upperCols    []int
	lowerCols    []int
}

func (s *splitFacePipeline) encode(windows *Tensor, p Precision) (*Tensor, error) {
	if windows.Dims() != 3 || windows.shape[2] != s.inDim {
		return nil, fmt.Errorf("%w: split-face conditioning expects (B, T, %d) windows, got %v", ErrShapeMismatch, s.inDim, windows.shape)
	}
	b, t := windows.shape[0], windows.shape[1]
	flat := windows.Reshape(b*t, s.inDim)

	upper, err := s.upper.encode(SelectCols(flat, s.upperCols).Reshape(b, t, len(s.upperCols)), p)
	if err != nil {
		return nil, fmt.Errorf("upper face: %w", err)
	}
	lower, err := s.lower.encode(SelectCols(flat, s.lowerCols).Reshape(b, t, len(s.lowerCols)), p)
	if err != nil {
		return nil, fmt.Errorf("lower face: %w", err)
	}
	return ConcatCols(upper, lower), nil
}

func (s *splitFacePipeline) outDim() int { return s.upper.dim + s.lower.dim }

func (s *splitFacePipeline) syncHalf() {
	s.upper.syncHalf()
	s.lower.syncHalf()
}

func (s *splitFacePipeline) parameters() []Parameter {
	return append(s.upper.parameters(), s.lower.parameters()...)
}

// newConditioning builds the pipeline for arch.Variant.
func newConditioning(rng *rand.Rand, arch Architecture) conditioning {
	switch arch.Variant {
	case HeatmapConditioning:
		c := &condPipeline{
			prefix: "cond",
			dim:    arch.CondOutDim,
			prenet: NewHeatmapEncoder(rng, arch.CondInDim, arch.CondOutDim),
		}
		if arch.WithAtt {
			c.att = NewHeatmapAttNet(rng, arch.CondOutDim, arch.SmoWinSize)
		}
		return c

	case SplitFaceConditioning:
		half := arch.CondOutDim / 2
		upperCols := landmarkColumns(upperFaceLandmarks)
		lowerCols := landmarkColumns(lowerFaceLandmarks)
		return &splitFacePipeline{
			inDim:     arch.CondInDim,
			upper:     newPlainPipeline(rng, "cond_upper", len(upperCols), half, arch),
			lower:     newPlainPipeline(rng, "cond_lower", len(lowerCols), half, arch),
			upperCols: upperCols,
			lowerCols: lowerCols,
		}

	default:
		return newPlainPipeline(rng, "cond", arch.CondInDim, arch.CondOutDim, arch)
	}
}

func newPlainPipeline(rng *rand.Rand, prefix string, inDim, outDim int, arch Architecture) *condPipeline {
	c := &condPipeline{
		prefix: prefix,
		dim:    outDim,
		prenet: NewAudioNet(rng, inDim, outDim, arch.CondWinSize),
	}
	if arch.WithAtt {
		c.att = NewAudioAttNet(rng, outDim, arch.SmoWinSize)
	}
	return c
}

// dropout zeroes each element with probability rate and scales survivors
// by 1/(1-rate). x is modified in place.
func dropout(x *Tensor, rate float64, rng *rand.Rand) *Tensor {
	if rate <= 0 {
		return x
	}
	keep := 1 / (1 - rate)
	for i := range x.data {
		if rng.Float64() < rate {
			x.data[i] = 0
		} else {
			x.data[i] *= keep
		}
	}
	return x
}
