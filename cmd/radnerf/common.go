package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scttfrdmn/radnerf"
)

// modelFlags are shared by every subcommand that needs a decoder.
type modelFlags struct {
	model     *string
	config    *string
	seed      *int64
	precision *string
	workers   *int
	logLevel  *string
}

func addModelFlags(fs *flag.FlagSet) *modelFlags {
	return &modelFlags{
		model:     fs.String("model", "", "Checkpoint to load (overrides -config)"),
		config:    fs.String("config", "", "Config file (.yaml, .toml or .json); RADNERF_* env overrides apply"),
		seed:      fs.Int64("seed", 1, "Initialisation seed when no checkpoint is given"),
		precision: fs.String("precision", "", "Override precision: full or half"),
		workers:   fs.Int("workers", 0, "Worker goroutines per batch (0 = all CPUs)"),
		logLevel:  fs.String("log-level", "info", "Log level: debug, info, warn, error"),
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid -log-level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// openDecoder loads a checkpoint or builds a decoder from config.
func (f *modelFlags) openDecoder(logger *zap.Logger) (*radnerf.Decoder, error) {
	compute := radnerf.DefaultComputeConfig()
	compute.NumWorkers = *f.workers
	opts := []radnerf.Option{
		radnerf.WithLogger(logger),
		radnerf.WithSeed(*f.seed),
		radnerf.WithComputeConfig(compute),
	}
	if *f.precision != "" {
		p, err := radnerf.ParsePrecision(*f.precision)
		if err != nil {
			return nil, err
		}
		opts = append(opts, radnerf.WithPrecision(p))
	}

	if *f.model != "" {
		d, err := radnerf.LoadCheckpoint(*f.model, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		return d, nil
	}

	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return radnerf.NewDecoder(*cfg, opts...)
}

func (f *modelFlags) loadConfig() (*radnerf.Config, error) {
	loader := radnerf.NewLoader()
	if *f.config != "" {
		loader = loader.WithConfigPath(*f.config)
	}
	return loader.Load()
}

// parseVectors parses "x,y,z;x,y,z" into an (N, dim) tensor.
func parseVectors(s string, dim int) (*radnerf.Tensor, error) {
	var rows [][]float64
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ",")
		if len(parts) != dim {
			return nil, fmt.Errorf("vector %q has %d components, want %d", item, len(parts), dim)
		}
		row := make([]float64, dim)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("vector %q: %w", item, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no vectors in %q", s)
	}
	return radnerf.FromRows(rows), nil
}

// loadWindows reads a [B][T][C] JSON array, or returns zeros shaped for
// the decoder's conditioning when path is empty.
func loadWindows(path string, arch radnerf.Architecture) (*radnerf.Tensor, error) {
	if path == "" {
		b := 1
		if arch.WithAtt {
			b = arch.SmoWinSize
		}
		return radnerf.NewTensor(b, arch.CondWinSize, arch.CondInDim), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conditioning: %w", err)
	}
	var windows [][][]float64
	if err := json.Unmarshal(data, &windows); err != nil {
		return nil, fmt.Errorf("failed to parse conditioning: %w", err)
	}
	if len(windows) == 0 || len(windows[0]) == 0 || len(windows[0][0]) == 0 {
		return nil, fmt.Errorf("conditioning in %s is empty", path)
	}

	b, t, c := len(windows), len(windows[0]), len(windows[0][0])
	flat := make([]float64, 0, b*t*c)
	for i, w := range windows {
		if len(w) != t {
			return nil, fmt.Errorf("window %d has %d frames, want %d", i, len(w), t)
		}
		for j, frame := range w {
			if len(frame) != c {
				return nil, fmt.Errorf("window %d frame %d has %d values, want %d", i, j, len(frame), c)
			}
			flat = append(flat, frame...)
		}
	}
	return radnerf.FromSlice(flat, b, t, c), nil
}

// loadIndividual returns a zero identity embedding when the model needs one.
func loadIndividual(s string, arch radnerf.Architecture) (*radnerf.Tensor, error) {
	dim := arch.IndividualDim()
	if dim == 0 {
		if s != "" {
			return nil, fmt.Errorf("model has no identity embedding")
		}
		return nil, nil
	}
	if s == "" {
		return radnerf.NewTensor(1, dim), nil
	}
	return parseVectors(s, dim)
}
