package optimizer

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/models"
)

type fakeSource struct {
	snap models.ResourceSnapshot
}

func (f *fakeSource) Snapshot(ctx context.Context) models.ResourceSnapshot {
	return f.snap
}

func newTestOptimizer(availableBytes uint64, gpu bool) *Optimizer {
	src := &fakeSource{snap: models.ResourceSnapshot{
		TotalMemoryBytes:     16 << 30,
		AvailableMemoryBytes: availableBytes,
		GPUAvailable:         gpu,
		StorageKnown:         true,
	}}
	return New(config.Default().Optimizer, src, hclog.NewNullLogger())
}

func baseConfig() models.TrainingConfig {
	return models.TrainingConfig{
		ModelName:                 "gpt2",
		BatchSize:                 16,
		GradientAccumulationSteps: 1,
		LearningRate:              5e-5,
		MaxEpochs:                 3,
		MaxSequenceLength:         512,
	}
}

const (
	testModelSize   = uint64(1 << 30)
	testDatasetSize = uint64(10 << 20)
)

func TestUnchangedUnderLowPressure(t *testing.T) {
	o := newTestOptimizer(16<<30, false)

	out := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), models.TierUnchanged)

	assert.Equal(t, models.TierUnchanged, out.Tier)
	assert.Equal(t, baseConfig(), out.Config)
	assert.Empty(t, out.Degradations)
	assert.Less(t, out.PressureRatio, 0.9)
}

func TestSevereDegradation(t *testing.T) {
	// 4 GiB available against a ~8 GiB requirement puts the ratio well
	// above the severe threshold.
	o := newTestOptimizer(4<<30, false)

	out := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), models.TierUnchanged)

	require.Equal(t, models.TierSevere, out.Tier)
	assert.Greater(t, out.PressureRatio, 1.5)
	assert.LessOrEqual(t, out.Config.BatchSize, 4) // at most a quarter of the base batch
	assert.True(t, out.Config.GradientCheckpointing)
	assert.True(t, out.Config.FP16)
	assert.True(t, out.Config.StreamingDataLoading)
	// Effective batch preserved through accumulation.
	assert.Equal(t, baseConfig().EffectiveBatchSize(), out.Config.EffectiveBatchSize())
	assert.NotEmpty(t, out.Degradations)
}

func TestMonotoneDegradation(t *testing.T) {
	// Shrinking availability must never yield a larger batch or fewer
	// degradation flags.
	availables := []uint64{16 << 30, 8 << 30, 6 << 30, 5 << 30, 4 << 30, 2 << 30}

	prevBatch := 1 << 30
	prevFlags := 0
	for _, available := range availables {
		o := newTestOptimizer(available, false)
		out := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), models.TierUnchanged)

		assert.LessOrEqual(t, out.Config.BatchSize, prevBatch,
			"batch grew when availability dropped to %d", available)

		flags := 0
		if out.Config.FP16 {
			flags++
		}
		if out.Config.GradientCheckpointing {
			flags++
		}
		if out.Config.StreamingDataLoading {
			flags++
		}
		assert.GreaterOrEqual(t, flags, prevFlags,
			"degradation flags dropped when availability shrank to %d", available)

		prevBatch = out.Config.BatchSize
		prevFlags = flags
	}
}

func TestIdempotence(t *testing.T) {
	cases := []struct {
		name      string
		available uint64
		minTier   models.OptimizationTier
	}{
		{"light", 8 << 30, models.TierUnchanged},
		{"reduced", 6 << 30, models.TierUnchanged},
		{"severe", 4 << 30, models.TierUnchanged},
		{"conservative", 16 << 30, models.TierConservative},
		{"minimal", 16 << 30, models.TierMinimal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOptimizer(tc.available, false)

			first := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), tc.minTier)
			second := o.Optimize(context.Background(), testModelSize, testDatasetSize, first.Config, tc.minTier)

			assert.Equal(t, first.Config, second.Config, "re-optimization stacked degradations")
		})
	}
}

func TestBatchNeverBelowOne(t *testing.T) {
	o := newTestOptimizer(1<<30, false)

	for _, batch := range []int{0, 1, 2, 16} {
		cfg := baseConfig()
		cfg.BatchSize = batch
		out := o.Optimize(context.Background(), testModelSize, testDatasetSize, cfg, models.TierUnchanged)
		assert.GreaterOrEqual(t, out.Config.BatchSize, 1, "batch %d degraded below 1", batch)
	}
}

func TestUnknownAvailabilityUsesMinimalFallback(t *testing.T) {
	o := newTestOptimizer(0, false)

	out := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), models.TierUnchanged)

	assert.Equal(t, models.TierMinimal, out.Tier)
	assert.Equal(t, 1, out.Config.BatchSize)
	assert.Equal(t, 8, out.Config.GradientAccumulationSteps)
	assert.True(t, out.Config.FP16)
	assert.True(t, out.Config.GradientCheckpointing)
	assert.True(t, out.Config.StreamingDataLoading)
}

func TestMinTierForcesDegradation(t *testing.T) {
	// Plenty of memory, but the floor forces a severe tier anyway.
	o := newTestOptimizer(16<<30, false)

	out := o.Optimize(context.Background(), testModelSize, testDatasetSize, baseConfig(), models.TierSevere)

	assert.Equal(t, models.TierSevere, out.Tier)
	assert.LessOrEqual(t, out.Config.BatchSize, 4)
	assert.True(t, out.Config.StreamingDataLoading)
}

func TestEscalateTier(t *testing.T) {
	assert.Equal(t, models.TierLight, EscalateTier(models.TierUnchanged))
	assert.Equal(t, models.TierReduced, EscalateTier(models.TierLight))
	assert.Equal(t, models.TierSevere, EscalateTier(models.TierReduced))
	assert.Equal(t, models.TierConservative, EscalateTier(models.TierSevere))
	assert.Equal(t, models.TierMinimal, EscalateTier(models.TierConservative))
	assert.Equal(t, models.TierMinimal, EscalateTier(models.TierMinimal))
}

func TestFallbackTiers(t *testing.T) {
	o := newTestOptimizer(16<<30, false)

	tiers := o.FallbackTiers()
	require.Len(t, tiers, 2)

	conservative, minimal := tiers[0], tiers[1]
	assert.Equal(t, models.TierConservative, conservative.Tier)
	assert.Equal(t, models.TierMinimal, minimal.Tier)
	assert.LessOrEqual(t, minimal.Config.BatchSize, conservative.Config.BatchSize)
	for _, tier := range tiers {
		assert.GreaterOrEqual(t, tier.Config.BatchSize, 1)
		assert.True(t, tier.Config.FP16)
		assert.True(t, tier.Config.GradientCheckpointing)
		assert.True(t, tier.Config.StreamingDataLoading)
	}
}

func TestLearningRateScalesWithEffectiveBatch(t *testing.T) {
	o := newTestOptimizer(16<<30, false)

	cfg := baseConfig() // batch 16, accumulation 1, lr 5e-5
	out := o.Optimize(context.Background(), testModelSize, testDatasetSize, cfg, models.TierConservative)

	// batch 2 with accumulation capped at 4 halves the effective batch.
	require.Equal(t, 2, out.Config.BatchSize)
	require.Equal(t, 4, out.Config.GradientAccumulationSteps)
	assert.InDelta(t, 2.5e-5, out.Config.LearningRate, 1e-12)
}

func TestEstimateMemoryGrowsWithInputs(t *testing.T) {
	o := newTestOptimizer(16<<30, false)
	cfg := baseConfig()

	small := o.EstimateMemory(100<<20, 1<<20, cfg)
	bigModel := o.EstimateMemory(2<<30, 1<<20, cfg)
	assert.Greater(t, bigModel, small)

	bigBatch := cfg
	bigBatch.BatchSize = 32
	assert.Greater(t, o.EstimateMemory(100<<20, 1<<20, bigBatch), small)

	// Dataset residency is capped; huge datasets stop raising the estimate.
	capped := o.EstimateMemory(100<<20, 10<<30, cfg)
	cappedMore := o.EstimateMemory(100<<20, 20<<30, cfg)
	assert.Equal(t, capped, cappedMore)
}

func TestEstimateTrainingTime(t *testing.T) {
	o := newTestOptimizer(16<<30, false)

	cfg := baseConfig()
	cfg.BatchSize = 8
	est := o.EstimateTrainingTime(1<<20, cfg) // ~1024 samples, 3 epochs

	assert.Greater(t, est.EstimatedSeconds, 0.0)
	assert.InDelta(t, est.EstimatedSeconds/60, est.EstimatedMinutes, 0.001)
	assert.Greater(t, est.SamplesPerSecond, 0.0)
}
