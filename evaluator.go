package radnerf

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Evaluation paths reported to a FrameRecorder.
const (
	pathForward = "forward"
	pathDensity = "density"
)

// Frame is one rendered frame's worth of decoder input.
type Frame struct {
	// Index identifies the frame in its sequence and keys the
	// conditioning cache. Frames sharing an index must share conditioning.
	Index int

	// Windows is the (B, T, C) conditioning window stack. Ignored when
	// CondFeat is set.
	Windows *Tensor

	// CondFeat is an already encoded (1, cond_out_dim) feature.
	CondFeat *Tensor

	Position   *Tensor // (N, 3)
	Direction  *Tensor // (N, 3), unused by the density path
	Individual *Tensor // (1, dim) identity embedding, or nil
}

// FrameRecorder receives one observation per evaluated frame.
type FrameRecorder interface {
	RecordFrame(path string, samples int, duration time.Duration, err error)
}

// Evaluator runs many frames through one shared Decoder concurrently.
// Each frame's conditioning is encoded once and cached by frame index.
type Evaluator struct {
	decoder     *Decoder
	cache       *ConditionCache
	recorder    FrameRecorder
	logger      *zap.Logger
	concurrency int
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithFrameConcurrency bounds the number of frames in flight.
func WithFrameConcurrency(n int) EvaluatorOption {
	return func(e *Evaluator) { e.concurrency = n }
}

// WithRecorder reports per-frame metrics to r.
func WithRecorder(r FrameRecorder) EvaluatorOption {
	return func(e *Evaluator) { e.recorder = r }
}

// WithConditionCache shares cache across evaluators.
func WithConditionCache(cache *ConditionCache) EvaluatorOption {
	return func(e *Evaluator) { e.cache = cache }
}

// WithEvaluatorLogger sets the evaluator's logger.
func WithEvaluatorLogger(logger *zap.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// NewEvaluator creates an evaluator over d.
func NewEvaluator(d *Decoder, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		decoder:     d,
		logger:      zap.NewNop(),
		concurrency: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = NewConditionCache(0)
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	e.logger = e.logger.With(zap.String("component", "evaluator"))
	return e
}

// Cache returns the evaluator's conditioning cache.
func (e *Evaluator) Cache() *ConditionCache { return e.cache }

// EvaluateFrames runs Forward on every frame. Results are in frame order.
// The first failing frame cancels the rest and its error is returned.
func (e *Evaluator) EvaluateFrames(ctx context.Context, frames []Frame) ([]*Output, error) {
	results := make([]*Output, len(frames))
	err := e.run(ctx, frames, pathForward, func(i int, f Frame, cond *Tensor) error {
		out, err := e.decoder.Forward(f.Position, f.Direction, cond, f.Individual)
		results[i] = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DensityFrames runs the density-only path on every frame.
func (e *Evaluator) DensityFrames(ctx context.Context, frames []Frame) ([]*DensityOutput, error) {
	results := make([]*DensityOutput, len(frames))
	err := e.run(ctx, frames, pathDensity, func(i int, f Frame, cond *Tensor) error {
		out, err := e.decoder.Density(f.Position, cond)
		results[i] = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Evaluator) run(ctx context.Context, frames []Frame, path string, eval func(i int, f Frame, cond *Tensor) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, f := range frames {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()

			err := e.evalFrame(i, f, eval)
			if e.recorder != nil {
				e.recorder.RecordFrame(path, samplesOf(f), time.Since(start), err)
			}
			if err != nil {
				return fmt.Errorf("frame %d: %w", f.Index, err)
			}

			e.logger.Debug("frame evaluated",
				zap.String("path", path),
				zap.Int("frame", f.Index),
				zap.Int("samples", samplesOf(f)),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// Cancellation before any frame was scheduled leaves g without error.
	return ctx.Err()
}

func (e *Evaluator) evalFrame(i int, f Frame, eval func(i int, f Frame, cond *Tensor) error) error {
	cond := f.CondFeat
	if cond == nil {
		var err error
		cond, err = e.cache.GetOrCompute(f.Index, func() (*Tensor, error) {
			if f.Windows == nil {
				return nil, fmt.Errorf("%w: frame has neither conditioning windows nor feature", ErrShapeMismatch)
			}
			return e.decoder.EncodeCondition(f.Windows)
		})
		if err != nil {
			return err
		}
	}
	return eval(i, f, cond)
}

func samplesOf(f Frame) int {
	if f.Position == nil {
		return 0
	}
	return f.Position.Rows()
}
