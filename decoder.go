package radnerf

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The Decoder is the per-sample field of a talking-head radiance field.
// For every ray sample of a frame it answers: how dense is space here,
// and what colour does it emit towards the camera, given what the face
// is currently saying?
//
//   position ──► position grid ──► pos_feat ─┬──────────────────────────┐
//                                            │                          │
//   cond_feat (one per frame, broadcast) ────┴► ambient MLP ► tanh      │
//                                                              │        │
//                                 ambient grid (bound 1) ◄─────┘        │
//                                        │                              │
//                                        └──► ambient_feat ──┬──────────┘
//                                                            ▼
//                                                   sigma MLP [pos, amb]
//                                                    │             │
//                                          trunc_exp(h[0])    geo_feat
//                                                    │             │
//   direction ──► SH basis ──────────────────────────┼─────────────┤
//   individual code (optional, broadcast) ───────────┼─────────────┤
//                                                    ▼             ▼
//                                                 density    colour MLP ► sigmoid
//
// The ambient coordinate is where the talking state lives. The ambient MLP
// moves every point into a low-dimensional "deformation space" keyed by
// the conditioning feature, and a second grid looks up features there.
// Its logits are always evaluated at full precision: a float16 rounding
// error right before tanh shifts the lookup address on the ambient grid.
//
// Every sample is independent. Batch rows are split across workers and
// each row is computed exactly as it would be alone, so parallel and
// single-threaded evaluation agree bit for bit.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "NeRF: Representing Scenes as Neural Radiance Fields for View
//   Synthesis" by Mildenhall et al. (2020) https://arxiv.org/abs/2003.08934
//
// - "HyperNeRF: A Higher-Dimensional Representation for Topologically
//   Varying Neural Radiance Fields" by Park et al. (2021)
//   https://arxiv.org/abs/2106.13228 (ambient coordinates)
//
// ===========================================================================

// ambientLimit keeps the ambient coordinate strictly inside (-1, 1).
// float64 tanh rounds to exactly ±1 once |x| exceeds about 19.
var ambientLimit = math.Nextafter(1, 0)

// Decoder evaluates density, colour and ambient coordinate for ray samples.
//
// A Decoder is read-only after construction and safe for concurrent use.
type Decoder struct {
	arch      Architecture
	precision Precision
	compute   ComputeConfig
	logger    *zap.Logger

	cond conditioning

	positionGrid learnedGrid
	ambientGrid  learnedGrid
	ambientNet   *MLP
	sigmaNet     *MLP
	directions   DirectionEncoder
	colorNet     *MLP
}

// Option configures a Decoder.
type Option func(*options)

type options struct {
	seed      int64
	logger    *zap.Logger
	precision *Precision
	compute   ComputeConfig
}

// WithSeed sets the seed of parameter initialisation.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPrecision overrides the precision named in the config.
func WithPrecision(p Precision) Option {
	return func(o *options) { o.precision = &p }
}

// WithComputeConfig sets how batch rows are split across workers.
func WithComputeConfig(cfg ComputeConfig) Option {
	return func(o *options) { o.compute = cfg }
}

// NewDecoder validates cfg and builds a freshly initialised decoder.
// Unsupported conditioning setups fail with ErrUnsupportedConfig.
func NewDecoder(cfg Config, opts ...Option) (*Decoder, error) {
	o := options{
		seed:    1,
		logger:  zap.NewNop(),
		compute: DefaultComputeConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	arch, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	precision := arch.Precision
	if o.precision != nil {
		precision = *o.precision
	}

	rng := rand.New(rand.NewSource(o.seed))
	d := &Decoder{
		arch:      arch,
		precision: precision,
		compute:   o.compute,
		logger:    o.logger.With(zap.String("component", "decoder")),
	}

	d.cond = newConditioning(rng, arch)

	d.positionGrid, err = newInitializedGrid(rng, GridConfig{
		InputDim:          3,
		NumLevels:         gridNumLevels,
		LevelDim:          gridLevelDim,
		BaseResolution:    gridBaseResolution,
		Log2HashmapSize:   arch.Log2HashmapSize,
		DesiredResolution: arch.DesiredResolution * arch.Bound,
		Type:              arch.Grid,
		Interpolation:     arch.Interpolation,
	})
	if err != nil {
		return nil, fmt.Errorf("position grid: %w", err)
	}

	d.ambientNet = NewMLP(rng, d.positionGrid.OutputDim()+arch.CondOutDim, arch.AmbientCoordDim, arch.HiddenDimAmbient, arch.NumLayersAmbient)

	d.ambientGrid, err = newInitializedGrid(rng, GridConfig{
		InputDim:          arch.AmbientCoordDim,
		NumLevels:         gridNumLevels,
		LevelDim:          gridLevelDim,
		BaseResolution:    gridBaseResolution,
		Log2HashmapSize:   arch.Log2HashmapSize,
		DesiredResolution: arch.DesiredResolution,
		Type:              arch.Grid,
		Interpolation:     arch.Interpolation,
	})
	if err != nil {
		return nil, fmt.Errorf("ambient grid: %w", err)
	}

	d.sigmaNet = NewMLP(rng, d.positionGrid.OutputDim()+d.ambientGrid.OutputDim(), 1+arch.GeoFeatDim, arch.HiddenDimSigma, arch.NumLayersSigma)
	d.colorNet = NewMLP(rng, d.directions.OutputDim()+arch.GeoFeatDim+arch.IndividualDim(), 3, arch.HiddenDimColor, arch.NumLayersColor)

	d.logger.Info("decoder initialised",
		zap.String("cond_type", arch.CondType),
		zap.Int("cond_in_dim", arch.CondInDim),
		zap.Int("cond_out_dim", arch.CondOutDim),
		zap.Stringer("conditioning", arch.Variant),
		zap.Bool("with_att", arch.WithAtt),
		zap.Stringer("grid", arch.Grid),
		zap.Stringer("interpolation", arch.Interpolation),
		zap.Int("individual_dim", arch.IndividualDim()),
		zap.Stringer("precision", precision),
		zap.Int("num_params", d.NumParams()),
	)
	return d, nil
}

// Architecture returns the resolved configuration.
func (d *Decoder) Architecture() Architecture { return d.arch }

// Precision returns the precision layers are evaluated at.
func (d *Decoder) Precision() Precision { return d.precision }

// EncodeCondition maps a stack of conditioning windows to the frame's
// (1, cond_out_dim) conditioning feature.
//
// windows is (B, T, C): B consecutive windows, oldest first, each of T
// frames. With attention the last smo_win_size windows are smoothed;
// without it only the most recent window is used. A (T, C) tensor is
// treated as a single window.
func (d *Decoder) EncodeCondition(windows *Tensor) (*Tensor, error) {
	if windows == nil {
		return nil, fmt.Errorf("%w: nil conditioning window", ErrShapeMismatch)
	}
	if windows.Dims() == 2 {
		windows = windows.Reshape(1, windows.shape[0], windows.shape[1])
	}
	if windows.Dims() != 3 {
		return nil, fmt.Errorf("%w: conditioning expects (B, T, C) windows, got %v", ErrShapeMismatch, windows.shape)
	}
	return d.cond.encode(windows, d.precision)
}

// EncodeConditionTraining is EncodeCondition followed by inverted dropout
// at cond_dropout_rate, drawing from rng.
func (d *Decoder) EncodeConditionTraining(windows *Tensor, rng *rand.Rand) (*Tensor, error) {
	feat, err := d.EncodeCondition(windows)
	if err != nil {
		return nil, err
	}
	return dropout(feat, d.arch.CondDropoutRate, rng), nil
}

// Output holds the per-sample results of Forward.
type Output struct {
	Density *Tensor // (N, 1), non-negative
	Color   *Tensor // (N, 3), in [0, 1]
	Ambient *Tensor // (N, ambient_coord_dim), in (-1, 1)
}

// DensityOutput holds the results of the density-only path.
type DensityOutput struct {
	Sigma   *Tensor // (N, 1)
	GeoFeat *Tensor // (N, geo_feat_dim)
}

// Forward evaluates N ray samples.
//
// position and direction are (N, 3). condFeat is (1, cond_out_dim),
// broadcast to every sample, or (N, cond_out_dim). individual follows the
// same rule with the identity embedding width and must be nil exactly
// when the model was built without an identity embedding.
func (d *Decoder) Forward(position, direction, condFeat, individual *Tensor) (*Output, error) {
	n, err := d.checkBatch(position, condFeat)
	if err != nil {
		return nil, err
	}
	if direction == nil || direction.Dims() != 2 || direction.Cols() != 3 || direction.Rows() != n {
		return nil, fmt.Errorf("%w: direction must be (%d, 3), got %v", ErrShapeMismatch, n, shapeOf(direction))
	}
	if err := d.checkIndividual(individual, n); err != nil {
		return nil, err
	}

	out := &Output{
		Density: NewTensor(n, 1),
		Color:   NewTensor(n, 3),
		Ambient: NewTensor(n, d.arch.AmbientCoordDim),
	}
	err = parallelRows(n, d.compute, func(start, end int) error {
		pos := SliceRows(position, start, end)
		dirs := SliceRows(direction, start, end)
		cond := rowsFor(condFeat, start, end)

		ambient, h, err := d.densityRows(pos, cond)
		if err != nil {
			return err
		}
		sigma := TruncExp(SliceCols(h, 0, 1))
		geo := SliceCols(h, 1, h.Cols())

		dirFeat, err := d.directions.Encode(dirs)
		if err != nil {
			return err
		}
		colorIn := []*Tensor{dirFeat, geo}
		if individual != nil {
			colorIn = append(colorIn, rowsFor(individual, start, end))
		}
		color := Sigmoid(d.colorNet.Forward(ConcatCols(colorIn...), d.precision))

		copy(out.Density.data[start:end], sigma.data)
		copy(out.Color.data[start*3:end*3], color.data)
		copy(out.Ambient.data[start*ambient.Cols():end*ambient.Cols()], ambient.data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Density evaluates only the density sub-pipeline, for callers such as
// occupancy estimation that never need colour. It agrees exactly with
// the density Forward returns for the same inputs.
//
// Heatmap conditioning is not supported here and fails with
// ErrHeatmapDensity.
func (d *Decoder) Density(position, condFeat *Tensor) (*DensityOutput, error) {
	if d.arch.Variant == HeatmapConditioning {
		return nil, ErrHeatmapDensity
	}
	n, err := d.checkBatch(position, condFeat)
	if err != nil {
		return nil, err
	}

	out := &DensityOutput{
		Sigma:   NewTensor(n, 1),
		GeoFeat: NewTensor(n, d.arch.GeoFeatDim),
	}
	err = parallelRows(n, d.compute, func(start, end int) error {
		_, h, err := d.densityRows(SliceRows(position, start, end), rowsFor(condFeat, start, end))
		if err != nil {
			return err
		}
		geoDim := d.arch.GeoFeatDim
		copy(out.Sigma.data[start:end], TruncExp(SliceCols(h, 0, 1)).data)
		copy(out.GeoFeat.data[start*geoDim:end*geoDim], SliceCols(h, 1, h.Cols()).data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// densityRows runs position grid -> ambient net -> ambient grid -> sigma
// net on one chunk of rows. It returns the ambient coordinate and the raw
// sigma net output (logit, geo_feat...).
func (d *Decoder) densityRows(pos, cond *Tensor) (ambient, h *Tensor, err error) {
	posFeat, err := d.positionGrid.Encode(pos, d.arch.Bound)
	if err != nil {
		return nil, nil, err
	}

	hidden := d.ambientNet.Hidden(ConcatCols(posFeat, cond), d.precision)
	logit := inFullPrecision(func(p Precision) *Tensor {
		return d.ambientNet.Head(hidden, p)
	})
	ambient = apply(logit, func(v float64) float64 {
		return clamp(math.Tanh(v), -ambientLimit, ambientLimit)
	})

	ambientFeat, err := d.ambientGrid.Encode(ambient, 1)
	if err != nil {
		return nil, nil, err
	}
	h = d.sigmaNet.Forward(ConcatCols(posFeat, ambientFeat), d.precision)
	return ambient, h, nil
}

// checkBatch validates positions against the conditioning feature and
// returns the batch size.
func (d *Decoder) checkBatch(position, condFeat *Tensor) (int, error) {
	if position == nil || position.Dims() != 2 || position.Cols() != 3 {
		return 0, fmt.Errorf("%w: position must be (N, 3), got %v", ErrShapeMismatch, shapeOf(position))
	}
	n := position.Rows()
	if condFeat == nil || condFeat.Dims() != 2 || condFeat.Cols() != d.arch.CondOutDim ||
		(condFeat.Rows() != 1 && condFeat.Rows() != n) {
		return 0, fmt.Errorf("%w: conditioning feature must be (1, %d) or (%d, %d), got %v",
			ErrShapeMismatch, d.arch.CondOutDim, n, d.arch.CondOutDim, shapeOf(condFeat))
	}
	return n, nil
}

func (d *Decoder) checkIndividual(individual *Tensor, n int) error {
	dim := d.arch.IndividualDim()
	switch {
	case dim == 0 && individual != nil:
		return fmt.Errorf("%w: model has no identity embedding, got %v", ErrShapeMismatch, individual.shape)
	case dim == 0:
		return nil
	case individual == nil:
		return fmt.Errorf("%w: model needs a (1, %d) identity embedding", ErrShapeMismatch, dim)
	case individual.Dims() != 2 || individual.Cols() != dim || (individual.Rows() != 1 && individual.Rows() != n):
		return fmt.Errorf("%w: identity embedding must be (1, %d) or (%d, %d), got %v", ErrShapeMismatch, dim, n, dim, individual.shape)
	}
	return nil
}

// rowsFor returns rows [start, end) of a per-sample tensor, or replicates
// a single broadcast row end-start times.
func rowsFor(t *Tensor, start, end int) *Tensor {
	if t.Rows() == 1 {
		return RepeatRows(t, end-start)
	}
	return SliceRows(t, start, end)
}

func shapeOf(t *Tensor) []int {
	if t == nil {
		return nil
	}
	return t.shape
}

// Parameters lists every learned tensor in a stable order.
func (d *Decoder) Parameters() []Parameter {
	params := d.cond.parameters()
	params = append(params, d.positionGrid.parameters("position_grid")...)
	params = append(params, d.ambientNet.parameters("ambient_net")...)
	params = append(params, d.ambientGrid.parameters("ambient_grid")...)
	params = append(params, d.sigmaNet.parameters("sigma_net")...)
	return append(params, d.colorNet.parameters("color_net")...)
}

// NumParams returns the total number of learned scalars.
func (d *Decoder) NumParams() int {
	total := 0
	for _, p := range d.Parameters() {
		total += p.Len()
	}
	return total
}

// syncHalf refreshes float16 weight copies after parameters change.
func (d *Decoder) syncHalf() {
	d.cond.syncHalf()
	d.ambientNet.syncHalf()
	d.sigmaNet.syncHalf()
	d.colorNet.syncHalf()
}
