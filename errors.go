package radnerf

import "errors"

var (
	// ErrUnsupportedConfig reports a conditioning signal type or landmark
	// keypoint mode the decoder does not know how to build.
	ErrUnsupportedConfig = errors.New("radnerf: unsupported configuration")

	// ErrInvalidConfig reports an out-of-range or inconsistent option.
	ErrInvalidConfig = errors.New("radnerf: invalid configuration")

	// ErrShapeMismatch indicates caller input with incompatible shapes.
	ErrShapeMismatch = errors.New("radnerf: shape mismatch")

	// ErrWindowTooShort is returned when a conditioning window holds fewer
	// frames than the prenet consumes. Producers pad at sequence edges.
	ErrWindowTooShort = errors.New("radnerf: conditioning window too short")

	// ErrHeatmapDensity is the precondition failure of the density-only
	// path when heatmap conditioning is configured.
	ErrHeatmapDensity = errors.New("radnerf: density path does not support heatmap conditioning")

	// ErrCheckpoint indicates a malformed or incompatible checkpoint file.
	ErrCheckpoint = errors.New("radnerf: bad checkpoint")
)
