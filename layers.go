package radnerf

import (
	"fmt"
	"math"
	"math/rand"
)

// Linear is a fully connected layer: y = x @ W (+ b).
//
// W is stored (in, out) so a batch of row vectors multiplies directly.
// The float16 working copies are refreshed by syncHalf whenever the
// master weights change.
type Linear struct {
	inDim, outDim int

	weight *Tensor // (in, out)
	bias   *Tensor // (1, out), nil for bias-free layers

	weightHalf *Tensor
	biasHalf   *Tensor
}

// NewLinear creates a layer with PyTorch-style uniform initialisation
// U(-1/√in, 1/√in) for both weight and bias.
func NewLinear(rng *rand.Rand, inDim, outDim int, withBias bool) *Linear {
	bound := 1 / math.Sqrt(float64(inDim))
	l := &Linear{
		inDim:  inDim,
		outDim: outDim,
		weight: NewTensorUniform(rng, -bound, bound, inDim, outDim),
	}
	if withBias {
		l.bias = NewTensorUniform(rng, -bound, bound, 1, outDim)
	}
	l.syncHalf()
	return l
}

// Forward applies the layer to x of shape (rows, in).
func (l *Linear) Forward(x *Tensor, p Precision) *Tensor {
	if x.Cols() != l.inDim {
		panic(fmt.Sprintf("radnerf: linear expects %d inputs, got %v", l.inDim, x.shape))
	}

	w, b := l.weight, l.bias
	if p == HalfPrecision {
		w, b = l.weightHalf, l.biasHalf
	}

	out := MatMul(x, w)
	if b != nil {
		addBias(out, b)
	}
	return p.round(out)
}

// syncHalf rebuilds the float16 working copies from the master weights.
func (l *Linear) syncHalf() {
	wh := NewTensorFloat16(l.weight.shape...)
	wh.FromTensor(l.weight)
	l.weightHalf = wh.ToTensor()

	l.biasHalf = nil
	if l.bias != nil {
		bh := NewTensorFloat16(l.bias.shape...)
		bh.FromTensor(l.bias)
		l.biasHalf = bh.ToTensor()
	}
}

func (l *Linear) parameters(prefix string) []Parameter {
	params := []Parameter{tensorParameter(prefix+".weight", l.weight)}
	if l.bias != nil {
		params = append(params, tensorParameter(prefix+".bias", l.bias))
	}
	return params
}

// MLP is a stack of bias-free linear layers with ReLU between them and no
// activation after the last layer.
//
//	MLP(x) = W_L · relu(W_{L-1} · ... relu(W_1 · x))
//
// With a single layer it degenerates to one linear map in → out.
type MLP struct {
	inDim, outDim, hiddenDim int
	layers                   []*Linear
}

// NewMLP builds an MLP with numLayers linear layers (numLayers >= 1).
func NewMLP(rng *rand.Rand, inDim, outDim, hiddenDim, numLayers int) *MLP {
	if numLayers < 1 {
		panic(fmt.Sprintf("radnerf: MLP needs at least one layer, got %d", numLayers))
	}
	m := &MLP{inDim: inDim, outDim: outDim, hiddenDim: hiddenDim}
	for l := 0; l < numLayers; l++ {
		in, out := hiddenDim, hiddenDim
		if l == 0 {
			in = inDim
		}
		if l == numLayers-1 {
			out = outDim
		}
		m.layers = append(m.layers, NewLinear(rng, in, out, false))
	}
	return m
}

// Forward evaluates the whole network at precision p.
func (m *MLP) Forward(x *Tensor, p Precision) *Tensor {
	return m.Head(m.Hidden(x, p), p)
}

// Hidden evaluates every layer but the last, including the trailing ReLU.
// For a single-layer MLP it returns x unchanged.
func (m *MLP) Hidden(x *Tensor, p Precision) *Tensor {
	h := x
	for _, layer := range m.layers[:len(m.layers)-1] {
		h = ReLU(layer.Forward(h, p))
	}
	return h
}

// Head evaluates the last layer on hidden activations.
func (m *MLP) Head(h *Tensor, p Precision) *Tensor {
	return m.layers[len(m.layers)-1].Forward(h, p)
}

// InDim returns the input width.
func (m *MLP) InDim() int { return m.inDim }

// OutDim returns the output width.
func (m *MLP) OutDim() int { return m.outDim }

func (m *MLP) syncHalf() {
	for _, l := range m.layers {
		l.syncHalf()
	}
}

func (m *MLP) parameters(prefix string) []Parameter {
	var params []Parameter
	for i, l := range m.layers {
		params = append(params, l.parameters(fmt.Sprintf("%s.%d", prefix, i))...)
	}
	return params
}

// Conv1D is a 1D convolution over a (channels, time) signal.
//
// Weight layout is (out, in*kernel): row o holds kernel taps for every
// input channel, channel-major. Padding is zero padding on both ends.
type Conv1D struct {
	inCh, outCh     int
	kernel          int
	stride, padding int

	weight *Tensor // (out, in*kernel)
	bias   *Tensor // (1, out)

	weightHalf *Tensor
	biasHalf   *Tensor
}

// NewConv1D creates a convolution with PyTorch-style uniform init.
func NewConv1D(rng *rand.Rand, inCh, outCh, kernel, stride, padding int) *Conv1D {
	bound := 1 / math.Sqrt(float64(inCh*kernel))
	c := &Conv1D{
		inCh:    inCh,
		outCh:   outCh,
		kernel:  kernel,
		stride:  stride,
		padding: padding,
		weight:  NewTensorUniform(rng, -bound, bound, outCh, inCh*kernel),
		bias:    NewTensorUniform(rng, -bound, bound, 1, outCh),
	}
	c.syncHalf()
	return c
}

// OutLen returns the number of output time steps for an input of length t.
func (c *Conv1D) OutLen(t int) int {
	return (t+2*c.padding-c.kernel)/c.stride + 1
}

// Forward convolves x of shape (in, T) into (out, OutLen(T)).
func (c *Conv1D) Forward(x *Tensor, p Precision) *Tensor {
	if x.Dims() != 2 || x.shape[0] != c.inCh {
		panic(fmt.Sprintf("radnerf: conv1d expects (%d, T), got %v", c.inCh, x.shape))
	}

	w, b := c.weight, c.bias
	if p == HalfPrecision {
		w, b = c.weightHalf, c.biasHalf
	}

	t := x.shape[1]
	tOut := c.OutLen(t)
	if tOut < 1 {
		panic(fmt.Sprintf("radnerf: conv1d input length %d too short for kernel %d", t, c.kernel))
	}

	out := NewTensor(c.outCh, tOut)
	for o := 0; o < c.outCh; o++ {
		wRow := w.Row(o)
		for j := 0; j < tOut; j++ {
			sum := b.data[o]
			start := j*c.stride - c.padding
			for i := 0; i < c.inCh; i++ {
				xRow := x.Row(i)
				taps := wRow[i*c.kernel : (i+1)*c.kernel]
				for k, wv := range taps {
					pos := start + k
					if pos < 0 || pos >= t {
						continue
					}
					sum += wv * xRow[pos]
				}
			}
			out.data[o*tOut+j] = sum
		}
	}
	return p.round(out)
}

func (c *Conv1D) syncHalf() {
	wh := NewTensorFloat16(c.weight.shape...)
	wh.FromTensor(c.weight)
	c.weightHalf = wh.ToTensor()

	bh := NewTensorFloat16(c.bias.shape...)
	bh.FromTensor(c.bias)
	c.biasHalf = bh.ToTensor()
}

func (c *Conv1D) parameters(prefix string) []Parameter {
	return []Parameter{
		tensorParameter(prefix+".weight", c.weight),
		tensorParameter(prefix+".bias", c.bias),
	}
}

// addBias adds a bias row to each row of a 2D tensor in place.
// x: (rows, features), bias: (1, features)
func addBias(x, bias *Tensor) {
	cols := x.Cols()
	if bias.Size() != cols {
		panic(fmt.Sprintf("radnerf: bias %v does not match %v", bias.shape, x.shape))
	}
	for i := 0; i < x.Rows(); i++ {
		row := x.Row(i)
		for j := range row {
			row[j] += bias.data[j]
		}
	}
}
