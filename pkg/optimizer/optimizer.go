// Package optimizer derives resource-aware training configurations.
// Given the host's available memory and an estimate of what a job
// needs, it degrades the requested config along a fixed staircase:
// higher memory pressure never yields a larger batch or lighter
// degradation flags, and re-optimizing an already-degraded config does
// not stack further reductions.
package optimizer

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/resources"
)

const mebibyte = 1 << 20

// avgSampleBytes is the rough size of one text training sample, used
// to turn dataset byte sizes into sample counts for time estimates.
const avgSampleBytes = 1024

// SnapshotSource provides resource snapshots for optimization decisions.
type SnapshotSource interface {
	Snapshot(ctx context.Context) models.ResourceSnapshot
}

// Optimizer adapts training configurations to host resource pressure.
type Optimizer struct {
	logger    hclog.Logger
	cfg       config.OptimizerConfig
	resources SnapshotSource
}

// New creates an optimizer reading availability from the given source.
func New(cfg config.OptimizerConfig, src SnapshotSource, logger hclog.Logger) *Optimizer {
	return &Optimizer{
		logger:    logger.Named("optimizer"),
		cfg:       cfg,
		resources: src,
	}
}

// tierRank orders tiers from no degradation to the minimal fallback.
func tierRank(t models.OptimizationTier) int {
	switch t {
	case models.TierLight:
		return 1
	case models.TierReduced:
		return 2
	case models.TierSevere:
		return 3
	case models.TierConservative:
		return 4
	case models.TierMinimal:
		return 5
	default:
		return 0
	}
}

// EscalateTier returns the next-stronger tier, capped at the minimal
// fallback. The scheduler uses it after out-of-memory failures.
func EscalateTier(t models.OptimizationTier) models.OptimizationTier {
	switch t {
	case models.TierUnchanged:
		return models.TierLight
	case models.TierLight:
		return models.TierReduced
	case models.TierReduced:
		return models.TierSevere
	case models.TierSevere:
		return models.TierConservative
	default:
		return models.TierMinimal
	}
}

// MaxTier returns the stronger of two tiers.
func MaxTier(a, b models.OptimizationTier) models.OptimizationTier {
	if tierRank(b) > tierRank(a) {
		return b
	}
	return a
}

// Optimize adapts base to the current memory pressure. minTier forces
// at least that degradation tier regardless of measured pressure;
// callers without a floor pass models.TierUnchanged. The returned
// config never has a batch size below 1.
func (o *Optimizer) Optimize(ctx context.Context, modelSizeBytes, datasetSizeBytes uint64, base models.TrainingConfig, minTier models.OptimizationTier) models.OptimizedConfig {
	snap := o.resources.Snapshot(ctx)

	required := o.EstimateMemory(modelSizeBytes, datasetSizeBytes, base)
	ratio := resources.PressureRatio(required, snap.AvailableMemoryBytes)

	tier := o.tierFor(ratio, snap)
	tier = MaxTier(tier, minTier)

	result := o.apply(base, tier, snap)
	result.PressureRatio = ratio
	result.EstimateBytes = required

	o.logger.Debug("optimized training config",
		"tier", result.Tier,
		"pressure_ratio", fmt.Sprintf("%.2f", ratio),
		"required_bytes", required,
		"available_bytes", snap.AvailableMemoryBytes,
		"batch_size", result.Config.BatchSize,
	)
	return result
}

// EstimateMemory estimates the bytes a training run needs: runtime
// floor, model weights with optimizer state, the per-batch working
// set, and capped dataset residency, scaled by the safety factor.
func (o *Optimizer) EstimateMemory(modelSizeBytes, datasetSizeBytes uint64, cfg models.TrainingConfig) uint64 {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}

	floor := float64(o.cfg.RuntimeFloorMB) * mebibyte
	model := float64(modelSizeBytes) * o.cfg.ModelMultiplier
	working := float64(batch) * o.cfg.PerSampleMB * mebibyte

	resident := float64(datasetSizeBytes)
	if capBytes := float64(o.cfg.DatasetResidentCapMB) * mebibyte; resident > capBytes {
		resident = capBytes
	}

	return uint64((floor + model + working + resident) * o.cfg.SafetyFactor)
}

// TimeEstimate is a coarse training duration estimate.
type TimeEstimate struct {
	EstimatedSeconds float64 `json:"estimated_seconds"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
	SamplesPerSecond float64 `json:"samples_per_second"`
}

// EstimateTrainingTime estimates wall-clock training time from dataset
// size, epochs, and batch efficiency, including a fixed overhead for
// evaluation and checkpointing.
func (o *Optimizer) EstimateTrainingTime(datasetSizeBytes uint64, cfg models.TrainingConfig) TimeEstimate {
	samples := float64(datasetSizeBytes) / avgSampleBytes
	if samples < 1 {
		samples = 1
	}
	epochs := cfg.MaxEpochs
	if epochs < 1 {
		epochs = 1
	}
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 1
	}

	const timePerSample = 0.1 // seconds, CPU baseline
	efficiency := 1.0 - 0.3*(float64(batch)/32.0)
	if efficiency < 0.1 {
		efficiency = 0.1
	}

	trainSeconds := samples * float64(epochs) * timePerSample * efficiency
	total := trainSeconds * 1.2

	perSecond := 0.0
	if trainSeconds > 0 {
		perSecond = samples / trainSeconds
	}
	return TimeEstimate{
		EstimatedSeconds: total,
		EstimatedMinutes: total / 60,
		SamplesPerSecond: perSecond,
	}
}

// FallbackTiers returns the static safe-mode configurations used when
// resource information is unavailable, ordered least to most
// conservative.
func (o *Optimizer) FallbackTiers() []models.OptimizedConfig {
	return []models.OptimizedConfig{
		{
			Tier: models.TierConservative,
			Config: models.TrainingConfig{
				BatchSize:                 2,
				GradientAccumulationSteps: 4,
				FP16:                      true,
				GradientCheckpointing:     true,
				StreamingDataLoading:      true,
			},
		},
		{
			Tier: models.TierMinimal,
			Config: models.TrainingConfig{
				BatchSize:                 1,
				GradientAccumulationSteps: 8,
				FP16:                      true,
				GradientCheckpointing:     true,
				StreamingDataLoading:      true,
			},
		},
	}
}

func (o *Optimizer) tierFor(ratio float64, snap models.ResourceSnapshot) models.OptimizationTier {
	if snap.AvailableMemoryBytes == 0 {
		// No usable availability signal: fall through to the strongest
		// static tier rather than guessing.
		return models.TierMinimal
	}
	switch {
	case ratio > o.cfg.SevereThreshold:
		return models.TierSevere
	case ratio > o.cfg.HighThreshold:
		return models.TierReduced
	case ratio > o.cfg.ModerateThreshold:
		return models.TierLight
	default:
		return models.TierUnchanged
	}
}

// boundedAccum preserves as much of the effective batch as the static
// accumulation limit allows.
func boundedAccum(effective, batch, limit int) int {
	accum := effective / batch
	if accum < 1 {
		accum = 1
	}
	if accum > limit {
		accum = limit
	}
	return accum
}

// optimalBatch is the largest batch the usable share of available
// memory sustains, capped by configuration.
func (o *Optimizer) optimalBatch(snap models.ResourceSnapshot) int {
	if snap.AvailableMemoryBytes == 0 {
		return 1
	}
	perSample := o.cfg.PerSampleMB * mebibyte
	if perSample <= 0 {
		return o.cfg.MaxBatchSize
	}
	usable := float64(snap.AvailableMemoryBytes) * o.cfg.UsableMemoryFraction
	batch := int(usable / perSample)
	if batch < 1 {
		batch = 1
	}
	if o.cfg.MaxBatchSize > 0 && batch > o.cfg.MaxBatchSize {
		batch = o.cfg.MaxBatchSize
	}
	return batch
}

func (o *Optimizer) apply(base models.TrainingConfig, tier models.OptimizationTier, snap models.ResourceSnapshot) models.OptimizedConfig {
	cfg := base
	var deg []string

	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
		deg = append(deg, "batch_size raised to 1")
	}
	if cfg.GradientAccumulationSteps < 1 {
		cfg.GradientAccumulationSteps = 1
	}

	if tier == models.TierUnchanged {
		return models.OptimizedConfig{Config: cfg, Tier: tier, Degradations: deg}
	}

	effective := cfg.EffectiveBatchSize()
	rank := tierRank(tier)

	// Batch caps accumulate with tier severity; the final batch is the
	// minimum of the input and every applicable cap, so re-applying the
	// same tier is a no-op.
	target := cfg.BatchSize
	if o.cfg.MaxBatchSize > 0 && target > o.cfg.MaxBatchSize {
		target = o.cfg.MaxBatchSize
	}
	if opt := o.optimalBatch(snap); target > opt {
		target = opt
	}
	switch tier {
	case models.TierReduced:
		if half := effective / 2; target > half {
			target = half
		}
	case models.TierSevere:
		if quarter := effective / 4; target > quarter {
			target = quarter
		}
	case models.TierConservative:
		if target > 2 {
			target = 2
		}
	case models.TierMinimal:
		target = 1
	}
	if target < 1 {
		target = 1
	}

	// Preserve the effective batch through accumulation. The fallback
	// tiers additionally cap accumulation at their static value; the
	// effective batch may shrink but never grows.
	accum := cfg.GradientAccumulationSteps
	switch tier {
	case models.TierConservative:
		accum = boundedAccum(effective, target, 4)
	case models.TierMinimal:
		accum = boundedAccum(effective, target, 8)
	default:
		if target != cfg.BatchSize {
			accum = effective / target
			if accum < 1 {
				accum = 1
			}
		}
	}

	if target != cfg.BatchSize {
		deg = append(deg, fmt.Sprintf("batch_size %d to %d", cfg.BatchSize, target))
	}
	if accum != cfg.GradientAccumulationSteps {
		deg = append(deg, fmt.Sprintf("gradient_accumulation_steps %d to %d", cfg.GradientAccumulationSteps, accum))
	}

	// Scale the learning rate with the change in effective batch.
	if newEffective := target * accum; cfg.LearningRate > 0 && newEffective != effective {
		scaled := cfg.LearningRate * float64(newEffective) / float64(effective)
		deg = append(deg, fmt.Sprintf("learning_rate %g to %g", cfg.LearningRate, scaled))
		cfg.LearningRate = scaled
	}

	cfg.BatchSize = target
	cfg.GradientAccumulationSteps = accum

	// Degradation flags only ever turn on.
	lowMemory := snap.AvailableMemoryBytes > 0 && snap.AvailableMemoryBytes < 8<<30
	if rank >= tierRank(models.TierLight) && !cfg.FP16 && (snap.GPUAvailable || lowMemory) {
		cfg.FP16 = true
		deg = append(deg, "fp16 enabled")
	}
	if rank >= tierRank(models.TierReduced) && !cfg.GradientCheckpointing {
		cfg.GradientCheckpointing = true
		deg = append(deg, "gradient_checkpointing enabled")
	}
	if rank >= tierRank(models.TierSevere) {
		if !cfg.FP16 {
			cfg.FP16 = true
			deg = append(deg, "fp16 enabled")
		}
		if !cfg.StreamingDataLoading {
			cfg.StreamingDataLoading = true
			deg = append(deg, "streaming_data_loading enabled")
		}
	}

	return models.OptimizedConfig{Config: cfg, Tier: tier, Degradations: deg}
}
