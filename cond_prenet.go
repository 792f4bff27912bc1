package radnerf

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The conditioning signal (DeepSpeech / Esperanto audio features or 3D
// facial landmarks) arrives as a short window of per-frame vectors around
// the frame being rendered. Two small networks turn it into one vector:
//
//   1. AudioNet (the prenet) summarises one window. A stack of strided 1D
//      convolutions halves the time axis at each step (16 -> 8 -> 4 -> 2 -> 1),
//      then two fully connected layers map to the conditioning width.
//
//   2. AudioAttNet smooths a history of prenet outputs. It looks at the
//      last few frames' features, predicts one attention logit per frame,
//      and returns the softmax-weighted average. Lip motion driven by raw
//      per-frame features jitters; the weighted average does not.
//
// Both are evaluated once per rendered frame. Their output is then shared
// by every ray sample of that frame.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "AD-NeRF: Audio Driven Neural Radiance Fields for Talking Head Synthesis"
//   by Guo et al. (2021) https://arxiv.org/abs/2103.11078
//
// - "Real-time Neural Radiance Talking Portrait Synthesis via Audio-spatial
//   Decomposition" by Tang et al. (2022) https://arxiv.org/abs/2211.12368
//
// ===========================================================================

// condLeakySlope is the negative slope of every LeakyReLU in the
// conditioning nets.
const condLeakySlope = 0.02

// AudioNet compresses a (T, C) conditioning window into one vector.
type AudioNet struct {
	inDim, outDim int
	winSize       int

	convs []*Conv1D
	fc1   *Linear
	fc2   *Linear
}

// NewAudioNet creates a prenet for inDim-wide frames over winSize frames.
func NewAudioNet(rng *rand.Rand, inDim, outDim, winSize int) *AudioNet {
	channels := []int{inDim, 32, 32, 64, 64}
	n := &AudioNet{inDim: inDim, outDim: outDim, winSize: winSize}
	for i := 0; i+1 < len(channels); i++ {
		n.convs = append(n.convs, NewConv1D(rng, channels[i], channels[i+1], 3, 2, 1))
	}
	n.fc1 = NewLinear(rng, 64, 64, true)
	n.fc2 = NewLinear(rng, 64, outDim, true)
	return n
}

// Encode maps windows of shape (B, T, C) to (B, outDim), one row per
// window. Windows longer than winSize are centre-cropped; shorter ones
// are rejected with ErrWindowTooShort.
func (n *AudioNet) Encode(windows *Tensor, p Precision) (*Tensor, error) {
	if windows.Dims() != 3 || windows.shape[2] != n.inDim {
		return nil, fmt.Errorf("%w: prenet expects (B, T, %d) windows, got %v", ErrShapeMismatch, n.inDim, windows.shape)
	}
	batch, frames := windows.shape[0], windows.shape[1]
	if frames < n.winSize {
		return nil, fmt.Errorf("%w: got %d frames, prenet needs %d", ErrWindowTooShort, frames, n.winSize)
	}
	start := (frames - n.winSize) / 2

	pooled := NewTensor(batch, 64)
	for b := 0; b < batch; b++ {
		w := frameMatrix(windows, b)
		x := Transpose(SliceRows(w, start, start+n.winSize)) // (C, win)
		for _, conv := range n.convs {
			x = LeakyReLU(conv.Forward(x, p), condLeakySlope)
		}
		meanTime(pooled.Row(b), x)
	}

	h := LeakyReLU(n.fc1.Forward(pooled, p), condLeakySlope)
	return n.fc2.Forward(h, p), nil
}

func (n *AudioNet) syncHalf() {
	for _, c := range n.convs {
		c.syncHalf()
	}
	n.fc1.syncHalf()
	n.fc2.syncHalf()
}

func (n *AudioNet) parameters(prefix string) []Parameter {
	var params []Parameter
	for i, c := range n.convs {
		params = append(params, c.parameters(fmt.Sprintf("%s.conv.%d", prefix, i))...)
	}
	params = append(params, n.fc1.parameters(prefix+".fc1")...)
	return append(params, n.fc2.parameters(prefix+".fc2")...)
}

// AudioAttNet smooths a history of conditioning features with learned
// attention over time.
type AudioAttNet struct {
	dim, seqLen int

	convs []*Conv1D
	att   *Linear
}

// NewAudioAttNet creates an attention net over seqLen frames of dim-wide
// features.
func NewAudioAttNet(rng *rand.Rand, dim, seqLen int) *AudioAttNet {
	channels := []int{dim, 16, 8, 4, 2, 1}
	a := &AudioAttNet{dim: dim, seqLen: seqLen}
	for i := 0; i+1 < len(channels); i++ {
		a.convs = append(a.convs, NewConv1D(rng, channels[i], channels[i+1], 3, 1, 1))
	}
	a.att = NewLinear(rng, seqLen, seqLen, true)
	return a
}

// Attend reduces a (S, dim) history, oldest row first, to (1, dim).
func (a *AudioAttNet) Attend(history *Tensor, p Precision) (*Tensor, error) {
	if history.Dims() != 2 || history.Cols() != a.dim {
		return nil, fmt.Errorf("%w: attention expects (S, %d) history, got %v", ErrShapeMismatch, a.dim, history.shape)
	}
	h := fitHistory(history, a.seqLen)

	y := Transpose(h) // (dim, S)
	for _, conv := range a.convs {
		y = LeakyReLU(conv.Forward(y, p), condLeakySlope)
	}
	// y is (1, S): one logit per history frame.
	weights := SoftmaxRows(a.att.Forward(y, p))
	return MatMul(weights, h), nil
}

func (a *AudioAttNet) syncHalf() {
	for _, c := range a.convs {
		c.syncHalf()
	}
	a.att.syncHalf()
}

func (a *AudioAttNet) parameters(prefix string) []Parameter {
	var params []Parameter
	for i, c := range a.convs {
		params = append(params, c.parameters(fmt.Sprintf("%s.conv.%d", prefix, i))...)
	}
	return append(params, a.att.parameters(prefix+".att")...)
}

// frameMatrix returns a (T, C) view of window b of a (B, T, C) tensor.
func frameMatrix(windows *Tensor, b int) *Tensor {
	t, c := windows.shape[1], windows.shape[2]
	return &Tensor{
		data:  windows.data[b*t*c : (b+1)*t*c],
		shape: []int{t, c},
	}
}

// meanTime averages a (channels, T) tensor over time into dst.
func meanTime(dst []float64, x *Tensor) {
	t := float64(x.Cols())
	for c := 0; c < x.Rows(); c++ {
		sum := 0.0
		for _, v := range x.Row(c) {
			sum += v
		}
		dst[c] = sum / t
	}
}

// fitHistory returns exactly seqLen rows: the most recent seqLen rows of a
// long history, or a short history preceded by copies of its oldest row.
func fitHistory(h *Tensor, seqLen int) *Tensor {
	rows := h.Rows()
	switch {
	case rows == seqLen:
		return h
	case rows > seqLen:
		return SliceRows(h, rows-seqLen, rows)
	}

	cols := h.Cols()
	out := NewTensor(seqLen, cols)
	pad := seqLen - rows
	for i := 0; i < pad; i++ {
		copy(out.Row(i), h.Row(0))
	}
	copy(out.data[pad*cols:], h.data)
	return out
}
