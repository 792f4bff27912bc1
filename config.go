package radnerf

import (
	"errors"
	"fmt"
	"strings"
)

// Conditioning signal types.
const (
	CondDeepSpeech = "deepspeech"
	CondEsperanto  = "esperanto"
	CondLandmarks  = "idexp_lm3d_normalized"
)

// Landmark keypoint modes for CondLandmarks.
const (
	KeypointsLM68  = "lm68"
	KeypointsLM131 = "lm131"
	KeypointsLM468 = "lm468"
)

// Grid encoder constants shared by the spatial and ambient grids.
const (
	gridNumLevels      = 16
	gridLevelDim       = 2
	gridBaseResolution = 16
)

// Config holds the hyperparameters of the decoder.
//
// Field tags cover every supported source: YAML and TOML files, JSON
// checkpoint headers and RADNERF_* environment overrides.
type Config struct {
	// Conditioning
	CondType        string  `yaml:"cond_type" toml:"cond_type" json:"cond_type" env:"COND_TYPE"`
	KeypointMode    string  `yaml:"nerf_keypoint_mode" toml:"nerf_keypoint_mode" json:"nerf_keypoint_mode" env:"KEYPOINT_MODE"`
	CondOutDim      int     `yaml:"cond_out_dim" toml:"cond_out_dim" json:"cond_out_dim" env:"COND_OUT_DIM"`
	CondWinSize     int     `yaml:"cond_win_size" toml:"cond_win_size" json:"cond_win_size" env:"COND_WIN_SIZE"`
	SmoWinSize      int     `yaml:"smo_win_size" toml:"smo_win_size" json:"smo_win_size" env:"SMO_WIN_SIZE"`
	WithAtt         bool    `yaml:"with_att" toml:"with_att" json:"with_att" env:"WITH_ATT"`
	ToHeatmap       bool    `yaml:"to_heatmap" toml:"to_heatmap" json:"to_heatmap" env:"TO_HEATMAP"`
	SeparateUFLF    bool    `yaml:"separate_uf_lf" toml:"separate_uf_lf" json:"separate_uf_lf" env:"SEPARATE_UF_LF"`
	CondDropoutRate float64 `yaml:"cond_dropout_rate" toml:"cond_dropout_rate" json:"cond_dropout_rate" env:"COND_DROPOUT_RATE"`

	// Grid encoders
	GridType              string  `yaml:"grid_type" toml:"grid_type" json:"grid_type" env:"GRID_TYPE"`
	GridInterpolationType string  `yaml:"grid_interpolation_type" toml:"grid_interpolation_type" json:"grid_interpolation_type" env:"GRID_INTERPOLATION_TYPE"`
	Log2HashmapSize       int     `yaml:"log2_hashmap_size" toml:"log2_hashmap_size" json:"log2_hashmap_size" env:"LOG2_HASHMAP_SIZE"`
	DesiredResolution     float64 `yaml:"desired_resolution" toml:"desired_resolution" json:"desired_resolution" env:"DESIRED_RESOLUTION"`
	Bound                 float64 `yaml:"bound" toml:"bound" json:"bound" env:"BOUND"`

	// Ambient network
	NumLayersAmbient int `yaml:"num_layers_ambient" toml:"num_layers_ambient" json:"num_layers_ambient" env:"NUM_LAYERS_AMBIENT"`
	HiddenDimAmbient int `yaml:"hidden_dim_ambient" toml:"hidden_dim_ambient" json:"hidden_dim_ambient" env:"HIDDEN_DIM_AMBIENT"`
	AmbientCoordDim  int `yaml:"ambient_coord_dim" toml:"ambient_coord_dim" json:"ambient_coord_dim" env:"AMBIENT_COORD_DIM"`

	// Density decoder
	NumLayersSigma int `yaml:"num_layers_sigma" toml:"num_layers_sigma" json:"num_layers_sigma" env:"NUM_LAYERS_SIGMA"`
	HiddenDimSigma int `yaml:"hidden_dim_sigma" toml:"hidden_dim_sigma" json:"hidden_dim_sigma" env:"HIDDEN_DIM_SIGMA"`
	GeoFeatDim     int `yaml:"geo_feat_dim" toml:"geo_feat_dim" json:"geo_feat_dim" env:"GEO_FEAT_DIM"`

	// Color decoder
	NumLayersColor         int  `yaml:"num_layers_color" toml:"num_layers_color" json:"num_layers_color" env:"NUM_LAYERS_COLOR"`
	HiddenDimColor         int  `yaml:"hidden_dim_color" toml:"hidden_dim_color" json:"hidden_dim_color" env:"HIDDEN_DIM_COLOR"`
	UseIndividualEmbedding bool `yaml:"use_individual_embedding" toml:"use_individual_embedding" json:"use_individual_embedding" env:"USE_INDIVIDUAL_EMBEDDING"`
	IndividualEmbeddingDim int  `yaml:"individual_embedding_dim" toml:"individual_embedding_dim" json:"individual_embedding_dim" env:"INDIVIDUAL_EMBEDDING_DIM"`

	// Numerics
	Precision string `yaml:"precision" toml:"precision" json:"precision" env:"PRECISION"`
}

// DefaultConfig returns the reference talking-head configuration:
// DeepSpeech conditioning with attention smoothing and a tiled grid.
func DefaultConfig() Config {
	return Config{
		CondType:     CondDeepSpeech,
		KeypointMode: KeypointsLM68,
		CondOutDim:   64,
		CondWinSize:  16,
		SmoWinSize:   8,
		WithAtt:      true,

		GridType:              "tiledgrid",
		GridInterpolationType: "linear",
		Log2HashmapSize:       16,
		DesiredResolution:     2048,
		Bound:                 1,

		NumLayersAmbient: 2,
		HiddenDimAmbient: 64,
		AmbientCoordDim:  2,

		NumLayersSigma: 3,
		HiddenDimSigma: 64,
		GeoFeatDim:     64,

		NumLayersColor:         2,
		HiddenDimColor:         64,
		IndividualEmbeddingDim: 4,

		Precision: "full",
	}
}

// Validate checks ranges and enum spellings. Signal-type support is
// checked by Resolve.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value int
	}{
		{"cond_out_dim", c.CondOutDim},
		{"cond_win_size", c.CondWinSize},
		{"smo_win_size", c.SmoWinSize},
		{"log2_hashmap_size", c.Log2HashmapSize},
		{"num_layers_ambient", c.NumLayersAmbient},
		{"hidden_dim_ambient", c.HiddenDimAmbient},
		{"ambient_coord_dim", c.AmbientCoordDim},
		{"num_layers_sigma", c.NumLayersSigma},
		{"hidden_dim_sigma", c.HiddenDimSigma},
		{"geo_feat_dim", c.GeoFeatDim},
		{"num_layers_color", c.NumLayersColor},
		{"hidden_dim_color", c.HiddenDimColor},
	}
	for _, f := range positive {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.value))
		}
	}

	if c.CondOutDim/2*2 < 2 {
		errs = append(errs, fmt.Errorf("cond_out_dim must be at least 2, got %d", c.CondOutDim))
	}
	if c.AmbientCoordDim > maxGridInputDim {
		errs = append(errs, fmt.Errorf("ambient_coord_dim must be at most %d, got %d", maxGridInputDim, c.AmbientCoordDim))
	}
	if c.UseIndividualEmbedding && c.IndividualEmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("individual_embedding_dim must be positive when enabled, got %d", c.IndividualEmbeddingDim))
	}
	if c.CondDropoutRate < 0 || c.CondDropoutRate >= 1 {
		errs = append(errs, fmt.Errorf("cond_dropout_rate must be in [0,1), got %v", c.CondDropoutRate))
	}
	if !(c.Bound > 0) {
		errs = append(errs, fmt.Errorf("bound must be positive, got %v", c.Bound))
	}
	if c.DesiredResolution < gridBaseResolution {
		errs = append(errs, fmt.Errorf("desired_resolution must be at least %d, got %v", gridBaseResolution, c.DesiredResolution))
	}
	if c.Log2HashmapSize > 30 {
		errs = append(errs, fmt.Errorf("log2_hashmap_size must be at most 30, got %d", c.Log2HashmapSize))
	}
	if c.SeparateUFLF && c.ToHeatmap {
		errs = append(errs, errors.New("separate_uf_lf cannot be combined with to_heatmap"))
	}
	if _, err := ParseGridType(c.GridType); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseInterpolation(c.GridInterpolationType); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParsePrecision(c.Precision); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ConditioningVariant tags the conditioning pipeline built for a config.
type ConditioningVariant int

const (
	// PlainConditioning is AudioNet (+ AudioAttNet) on the raw signal.
	PlainConditioning ConditioningVariant = iota

	// HeatmapConditioning renders landmarks to heatmaps first.
	HeatmapConditioning

	// SplitFaceConditioning runs independent upper- and lower-face
	// pipelines on subsets of the 68 landmarks.
	SplitFaceConditioning
)

// String implements fmt.Stringer.
func (v ConditioningVariant) String() string {
	switch v {
	case PlainConditioning:
		return "plain"
	case HeatmapConditioning:
		return "heatmap"
	case SplitFaceConditioning:
		return "split-face"
	default:
		return fmt.Sprintf("ConditioningVariant(%d)", int(v))
	}
}

// Architecture is a validated Config with every derived quantity resolved.
type Architecture struct {
	Config

	CondInDim     int
	CondOutDim    int // forced even
	Variant       ConditioningVariant
	Grid          GridType
	Interpolation Interpolation
	Precision     Precision
}

// Resolve validates c and derives the architecture. Unknown signal
// types or keypoint modes fail with ErrUnsupportedConfig; there is no
// fallback signal type.
func (c Config) Resolve() (Architecture, error) {
	if err := c.Validate(); err != nil {
		return Architecture{}, err
	}

	arch := Architecture{Config: c, CondOutDim: c.CondOutDim / 2 * 2}

	switch c.CondType {
	case CondEsperanto:
		arch.CondInDim = 44
	case CondDeepSpeech:
		arch.CondInDim = 29
	case CondLandmarks:
		keypoints, err := keypointCount(c.KeypointMode)
		if err != nil {
			return Architecture{}, err
		}
		arch.CondInDim = 3 * keypoints
	default:
		return Architecture{}, fmt.Errorf("%w: cond_type %q", ErrUnsupportedConfig, c.CondType)
	}

	switch {
	case c.SeparateUFLF:
		if c.CondType != CondLandmarks || c.KeypointMode != KeypointsLM68 {
			return Architecture{}, fmt.Errorf("%w: separate_uf_lf requires %s with %s", ErrUnsupportedConfig, CondLandmarks, KeypointsLM68)
		}
		arch.Variant = SplitFaceConditioning
	case c.ToHeatmap:
		arch.Variant = HeatmapConditioning
	default:
		arch.Variant = PlainConditioning
	}

	// Validate already rejected unknown spellings.
	arch.Grid, _ = ParseGridType(c.GridType)
	arch.Interpolation, _ = ParseInterpolation(c.GridInterpolationType)
	arch.Precision, _ = ParsePrecision(c.Precision)
	return arch, nil
}

// IndividualDim returns the identity embedding width, 0 when disabled.
func (a Architecture) IndividualDim() int {
	if !a.UseIndividualEmbedding {
		return 0
	}
	return a.IndividualEmbeddingDim
}

func keypointCount(mode string) (int, error) {
	switch strings.ToLower(mode) {
	case KeypointsLM68:
		return 68, nil
	case KeypointsLM131:
		return 131, nil
	case KeypointsLM468:
		return 468, nil
	default:
		return 0, fmt.Errorf("%w: keypoint mode %q", ErrUnsupportedConfig, mode)
	}
}
