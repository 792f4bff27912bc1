package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scttfrdmn/radnerf"
	"github.com/scttfrdmn/radnerf/internal/metrics"
)

// evalFlags are the inputs shared by eval and density.
type evalFlags struct {
	*modelFlags
	points     *string
	dirs       *string
	cond       *string
	individual *string
	jsonOut    *bool
}

func addEvalFlags(fs *flag.FlagSet) *evalFlags {
	return &evalFlags{
		modelFlags: addModelFlags(fs),
		points:     fs.String("points", "0,0,0", "Sample positions as \"x,y,z;x,y,z\""),
		dirs:       fs.String("dirs", "0,0,1", "View directions, one per point or a single shared one"),
		cond:       fs.String("cond", "", "Conditioning windows as a JSON [B][T][C] array (default zeros)"),
		individual: fs.String("individual", "", "Identity embedding as \"v1,v2,...\" (default zeros when required)"),
		jsonOut:    fs.Bool("json", false, "Print results as JSON"),
	}
}

// setup builds the decoder, evaluator and the single frame to evaluate.
func (f *evalFlags) setup(withDirections bool) (*radnerf.Evaluator, radnerf.Frame, *zap.Logger, error) {
	logger, err := newLogger(*f.logLevel)
	if err != nil {
		return nil, radnerf.Frame{}, nil, err
	}
	decoder, err := f.openDecoder(logger)
	if err != nil {
		return nil, radnerf.Frame{}, nil, err
	}
	arch := decoder.Architecture()

	frame := radnerf.Frame{}
	if frame.Position, err = parseVectors(*f.points, 3); err != nil {
		return nil, radnerf.Frame{}, nil, fmt.Errorf("-points: %w", err)
	}
	if withDirections {
		dirs, err := parseVectors(*f.dirs, 3)
		if err != nil {
			return nil, radnerf.Frame{}, nil, fmt.Errorf("-dirs: %w", err)
		}
		if n := frame.Position.Rows(); dirs.Rows() == 1 && n > 1 {
			dirs = radnerf.RepeatRows(dirs, n)
		}
		frame.Direction = dirs
		if frame.Individual, err = loadIndividual(*f.individual, arch); err != nil {
			return nil, radnerf.Frame{}, nil, fmt.Errorf("-individual: %w", err)
		}
	}
	if frame.Windows, err = loadWindows(*f.cond, arch); err != nil {
		return nil, radnerf.Frame{}, nil, err
	}

	collector := metrics.NewCollector(prometheus.NewRegistry(), "radnerf", logger)
	evaluator := radnerf.NewEvaluator(decoder,
		radnerf.WithRecorder(collector),
		radnerf.WithEvaluatorLogger(logger),
	)
	return evaluator, frame, logger, nil
}

// RunEvalCommand evaluates the full decoder on the given points.
func RunEvalCommand(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	f := addEvalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	evaluator, frame, logger, err := f.setup(true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outs, err := evaluator.EvaluateFrames(ctx, []radnerf.Frame{frame})
	if err != nil {
		return err
	}
	out := outs[0]

	if *f.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"density": rowsOf(out.Density),
			"color":   rowsOf(out.Color),
			"ambient": rowsOf(out.Ambient),
		})
	}

	fmt.Printf("%-4s %-12s %-30s %s\n", "#", "density", "color", "ambient")
	for i := 0; i < out.Density.Rows(); i++ {
		fmt.Printf("%-4d %-12.6g %-30s %v\n", i, out.Density.At(i, 0), fmt.Sprintf("%.4f", out.Color.Row(i)), out.Ambient.Row(i))
	}
	return nil
}

// RunDensityCommand evaluates only the density path.
func RunDensityCommand(args []string) error {
	fs := flag.NewFlagSet("density", flag.ExitOnError)
	f := addEvalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	evaluator, frame, logger, err := f.setup(false)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outs, err := evaluator.DensityFrames(ctx, []radnerf.Frame{frame})
	if err != nil {
		return err
	}
	out := outs[0]

	if *f.jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"sigma": rowsOf(out.Sigma),
		})
	}
	for i := 0; i < out.Sigma.Rows(); i++ {
		fmt.Printf("%-4d %.6g\n", i, out.Sigma.At(i, 0))
	}
	return nil
}

func rowsOf(t *radnerf.Tensor) [][]float64 {
	rows := make([][]float64, t.Rows())
	for i := range rows {
		rows[i] = append([]float64(nil), t.Row(i)...)
	}
	return rows
}
