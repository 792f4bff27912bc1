package radnerf

import (
	"fmt"
	"math"
	"math/rand"
)

// Heatmap conditioning encodes landmarks as images rather than raw
// coordinates: every (x, y) landmark is splatted as a Gaussian onto a
// small grid, the grid is average pooled, and an MLP maps the pooled
// image to the conditioning feature. Small landmark jitter then moves
// mass smoothly between neighbouring cells instead of perturbing the
// input vector directly.

const (
	heatmapSize   = 32  // heatmap grid is heatmapSize x heatmapSize
	heatmapPool   = 4   // average pooling window
	heatmapSigma  = 1.5 // Gaussian radius in cells
	heatmapKeyDim = 16  // query/key width of the heatmap attention
)

// HeatmapEncoder is the prenet variant for heatmap conditioning. It reads
// only the most recent frame of each window.
type HeatmapEncoder struct {
	inDim, outDim int

	fc1 *Linear
	fc2 *Linear
}

// NewHeatmapEncoder creates a heatmap prenet for inDim = 3*keypoints.
func NewHeatmapEncoder(rng *rand.Rand, inDim, outDim int) *HeatmapEncoder {
	pooled := (heatmapSize / heatmapPool) * (heatmapSize / heatmapPool)
	return &HeatmapEncoder{
		inDim:  inDim,
		outDim: outDim,
		fc1:    NewLinear(rng, pooled, 64, true),
		fc2:    NewLinear(rng, 64, outDim, true),
	}
}

// Encode maps (B, T, 3K) landmark windows to (B, outDim).
func (e *HeatmapEncoder) Encode(windows *Tensor, p Precision) (*Tensor, error) {
	if windows.Dims() != 3 || windows.shape[2] != e.inDim {
		return nil, fmt.Errorf("%w: heatmap prenet expects (B, T, %d) windows, got %v", ErrShapeMismatch, e.inDim, windows.shape)
	}
	batch, frames := windows.shape[0], windows.shape[1]

	pooled := NewTensor(batch, e.fc1.inDim)
	heat := make([]float64, heatmapSize*heatmapSize)
	for b := 0; b < batch; b++ {
		latest := frameMatrix(windows, b).Row(frames - 1)
		splatLandmarks(heat, latest)
		avgPool(pooled.Row(b), heat)
	}

	h := LeakyReLU(e.fc1.Forward(pooled, p), condLeakySlope)
	return e.fc2.Forward(h, p), nil
}

func (e *HeatmapEncoder) syncHalf() {
	e.fc1.syncHalf()
	e.fc2.syncHalf()
}

func (e *HeatmapEncoder) parameters(prefix string) []Parameter {
	return append(e.fc1.parameters(prefix+".fc1"), e.fc2.parameters(prefix+".fc2")...)
}

// splatLandmarks renders (x, y, z) triples with x, y in [-1, 1] into heat
// as the per-cell maximum of isotropic Gaussians.
func splatLandmarks(heat []float64, coords []float64) {
	for i := range heat {
		heat[i] = 0
	}
	inv := 1 / (2 * heatmapSigma * heatmapSigma)
	radius := int(math.Ceil(3 * heatmapSigma))

	for k := 0; k+2 < len(coords); k += 3 {
		cx := (clamp(coords[k], -1, 1) + 1) / 2 * (heatmapSize - 1)
		cy := (clamp(coords[k+1], -1, 1) + 1) / 2 * (heatmapSize - 1)
		x0, y0 := int(math.Round(cx)), int(math.Round(cy))

		for y := max(0, y0-radius); y <= min(heatmapSize-1, y0+radius); y++ {
			for x := max(0, x0-radius); x <= min(heatmapSize-1, x0+radius); x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				v := math.Exp(-(dx*dx + dy*dy) * inv)
				if idx := y*heatmapSize + x; v > heat[idx] {
					heat[idx] = v
				}
			}
		}
	}
}

// avgPool downsamples a heatmapSize² image by heatmapPool in each axis.
func avgPool(dst []float64, heat []float64) {
	out := heatmapSize / heatmapPool
	norm := float64(heatmapPool * heatmapPool)
	for oy := 0; oy < out; oy++ {
		for ox := 0; ox < out; ox++ {
			sum := 0.0
			for y := oy * heatmapPool; y < (oy+1)*heatmapPool; y++ {
				for x := ox * heatmapPool; x < (ox+1)*heatmapPool; x++ {
					sum += heat[y*heatmapSize+x]
				}
			}
			dst[oy*out+ox] = sum / norm
		}
	}
}

// HeatmapAttNet smooths heatmap features with dot-product attention of the
// newest frame against the whole history.
type HeatmapAttNet struct {
	dim, seqLen int

	query *Linear
	key   *Linear
}

// NewHeatmapAttNet creates the heatmap attention variant.
func NewHeatmapAttNet(rng *rand.Rand, dim, seqLen int) *HeatmapAttNet {
	return &HeatmapAttNet{
		dim:    dim,
		seqLen: seqLen,
		query:  NewLinear(rng, dim, heatmapKeyDim, false),
		key:    NewLinear(rng, dim, heatmapKeyDim, false),
	}
}

// Attend reduces a (S, dim) history, oldest row first, to (1, dim).
func (a *HeatmapAttNet) Attend(history *Tensor, p Precision) (*Tensor, error) {
	if history.Dims() != 2 || history.Cols() != a.dim {
		return nil, fmt.Errorf("%w: heatmap attention expects (S, %d) history, got %v", ErrShapeMismatch, a.dim, history.shape)
	}
	h := fitHistory(history, a.seqLen)

	q := a.query.Forward(SliceRows(h, a.seqLen-1, a.seqLen), p) // (1, k)
	k := a.key.Forward(h, p)                                   // (S, k)
	scores := Scale(MatMul(q, Transpose(k)), 1/math.Sqrt(heatmapKeyDim))
	return MatMul(SoftmaxRows(scores), h), nil
}

func (a *HeatmapAttNet) syncHalf() {
	a.query.syncHalf()
	a.key.syncHalf()
}

func (a *HeatmapAttNet) parameters(prefix string) []Parameter {
	return append(a.query.parameters(prefix+".query"), a.key.parameters(prefix+".key")...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
