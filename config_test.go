package radnerf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	arch, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 29, arch.CondInDim)
	assert.Equal(t, 64, arch.CondOutDim)
	assert.Equal(t, PlainConditioning, arch.Variant)
	assert.Equal(t, TiledGrid, arch.Grid)
	assert.Equal(t, LinearInterpolation, arch.Interpolation)
	assert.Equal(t, FullPrecision, arch.Precision)
	assert.Equal(t, 0, arch.IndividualDim())
}

func TestResolveConditionInputDim(t *testing.T) {
	tests := []struct {
		condType string
		keypoint string
		want     int
	}{
		{CondDeepSpeech, "", 29},
		{CondEsperanto, "", 44},
		{CondLandmarks, KeypointsLM68, 204},
		{CondLandmarks, KeypointsLM131, 393},
		{CondLandmarks, KeypointsLM468, 1404},
	}

	for _, tt := range tests {
		t.Run(tt.condType+"/"+tt.keypoint, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CondType = tt.condType
			cfg.KeypointMode = tt.keypoint
			arch, err := cfg.Resolve()
			require.NoError(t, err)
			assert.Equal(t, tt.want, arch.CondInDim)
		})
	}
}

func TestResolveUnsupported(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown signal", func(c *Config) { c.CondType = "wav2vec" }},
		{"unknown keypoints", func(c *Config) {
			c.CondType = CondLandmarks
			c.KeypointMode = "lm5"
		}},
		{"split face on audio", func(c *Config) { c.SeparateUFLF = true }},
		{"split face on lm131", func(c *Config) {
			c.CondType = CondLandmarks
			c.KeypointMode = KeypointsLM131
			c.SeparateUFLF = true
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := cfg.Resolve()
			assert.ErrorIs(t, err, ErrUnsupportedConfig)

			_, err = NewDecoder(cfg)
			assert.ErrorIs(t, err, ErrUnsupportedConfig)
		})
	}
}

func TestResolveVariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CondType = CondLandmarks
	cfg.ToHeatmap = true
	arch, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, HeatmapConditioning, arch.Variant)
	assert.Equal(t, "heatmap", arch.Variant.String())

	cfg.ToHeatmap = false
	cfg.SeparateUFLF = true
	arch, err = cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, SplitFaceConditioning, arch.Variant)
}

func TestResolveForcesEvenCondDim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CondOutDim = 33
	arch, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 32, arch.CondOutDim)
	assert.Equal(t, 33, arch.Config.CondOutDim)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cond dim", func(c *Config) { c.CondOutDim = 0 }},
		{"cond dim one", func(c *Config) { c.CondOutDim = 1 }},
		{"negative window", func(c *Config) { c.CondWinSize = -1 }},
		{"no sigma layers", func(c *Config) { c.NumLayersSigma = 0 }},
		{"ambient too wide", func(c *Config) { c.AmbientCoordDim = 8 }},
		{"identity without width", func(c *Config) {
			c.UseIndividualEmbedding = true
			c.IndividualEmbeddingDim = 0
		}},
		{"dropout one", func(c *Config) { c.CondDropoutRate = 1 }},
		{"zero bound", func(c *Config) { c.Bound = 0 }},
		{"coarse grid", func(c *Config) { c.DesiredResolution = 4 }},
		{"huge table", func(c *Config) { c.Log2HashmapSize = 40 }},
		{"split face heatmap", func(c *Config) {
			c.SeparateUFLF = true
			c.ToHeatmap = true
		}},
		{"bad grid", func(c *Config) { c.GridType = "octree" }},
		{"bad interpolation", func(c *Config) { c.GridInterpolationType = "cubic" }},
		{"bad precision", func(c *Config) { c.Precision = "bf16" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HiddenDimColor = 0
	cfg.GridType = "octree"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hidden_dim_color")
	assert.Contains(t, err.Error(), "octree")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvPrefix("").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoaderFileFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "radnerf.yaml", "cond_type: esperanto\nwith_att: false\nbound: 1.5\n"},
		{"yml", "radnerf.yml", "cond_type: esperanto\nwith_att: false\nbound: 1.5\n"},
		{"toml", "radnerf.toml", "cond_type = \"esperanto\"\nwith_att = false\nbound = 1.5\n"},
		{"json", "radnerf.json", `{"cond_type": "esperanto", "with_att": false, "bound": 1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewLoader().
				WithConfigPath(writeFile(t, tt.file, tt.content)).
				WithEnvPrefix("").
				Load()
			require.NoError(t, err)

			assert.Equal(t, CondEsperanto, cfg.CondType)
			assert.False(t, cfg.WithAtt)
			assert.Equal(t, 1.5, cfg.Bound)
			// Unset keys keep their defaults.
			assert.Equal(t, 64, cfg.CondOutDim)
			assert.Equal(t, "tiledgrid", cfg.GridType)
		})
	}
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "radnerf.yaml", "cond_type: esperanto\ncond_out_dim: 32\n")

	t.Setenv("RADNERF_COND_TYPE", "deepspeech")
	t.Setenv("RADNERF_WITH_ATT", "false")
	t.Setenv("RADNERF_COND_DROPOUT_RATE", "0.25")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, CondDeepSpeech, cfg.CondType)
	assert.False(t, cfg.WithAtt)
	assert.Equal(t, 0.25, cfg.CondDropoutRate)
	assert.Equal(t, 32, cfg.CondOutDim)
}

func TestLoaderCustomEnvPrefix(t *testing.T) {
	t.Setenv("TALK_GEO_FEAT_DIM", "15")
	t.Setenv("RADNERF_GEO_FEAT_DIM", "99")

	cfg, err := NewLoader().WithEnvPrefix("TALK").Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.GeoFeatDim)
}

func TestLoaderErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).Load()
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown extension", func(t *testing.T) {
		_, err := NewLoader().WithConfigPath(writeFile(t, "radnerf.ini", "x=1")).Load()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := NewLoader().WithConfigPath(writeFile(t, "radnerf.yaml", "cond_out_dim: [")).Load()
		assert.Error(t, err)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("RADNERF_COND_OUT_DIM", "many")
		_, err := NewLoader().Load()
		assert.ErrorContains(t, err, "RADNERF_COND_OUT_DIM")
	})

	t.Run("invalid values", func(t *testing.T) {
		_, err := NewLoader().WithConfigPath(writeFile(t, "radnerf.yaml", "bound: -1\n")).Load()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestLoaderValidators(t *testing.T) {
	errAudioOnly := errors.New("audio conditioning required")
	loader := NewLoader().
		WithEnvPrefix("").
		WithValidator(func(c *Config) error {
			if c.CondType == CondLandmarks {
				return errAudioOnly
			}
			return nil
		})

	_, err := loader.Load()
	assert.NoError(t, err)

	path := writeFile(t, "radnerf.yaml", "cond_type: idexp_lm3d_normalized\n")
	_, err = loader.WithConfigPath(path).Load()
	assert.ErrorIs(t, err, errAudioOnly)
}
