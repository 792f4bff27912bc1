package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry(), "test", zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.framesTotal)
	assert.NotNil(t, collector.samplesTotal)
	assert.NotNil(t, collector.evaluationDuration)
	assert.NotNil(t, collector.evaluationErrors)
}

func TestCollector_RecordFrame(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry(), "test", zap.NewNop())

	collector.RecordFrame(PathForward, 128, 2*time.Millisecond, nil)
	collector.RecordFrame(PathForward, 64, 3*time.Millisecond, nil)
	collector.RecordFrame(PathDensity, 32, time.Millisecond, nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.framesTotal))
	assert.Equal(t, 192.0, testutil.ToFloat64(collector.samplesTotal.WithLabelValues(PathForward)))
	assert.Equal(t, 32.0, testutil.ToFloat64(collector.samplesTotal.WithLabelValues(PathDensity)))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.evaluationDuration))
}

func TestCollector_RecordFrameError(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry(), "test", zap.NewNop())

	collector.RecordFrame(PathDensity, 16, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.framesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.evaluationErrors.WithLabelValues(PathDensity)))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// Same namespace on two registries must not collide.
	require.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry(), "radnerf", zap.NewNop())
		NewCollector(prometheus.NewRegistry(), "radnerf", zap.NewNop())
	})
}

func TestCollector_Gather(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollector(reg, "radnerf", zap.NewNop())
	collector.RecordFrame(PathForward, 1, time.Millisecond, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["radnerf_frames_total"])
	assert.True(t, names["radnerf_samples_total"])
	assert.True(t, names["radnerf_evaluation_duration_seconds"])
}
