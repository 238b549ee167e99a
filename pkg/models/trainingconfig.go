package models

// TrainingConfig holds the tunable training parameters passed to the
// worker process. JSON tags match the worker wire format.
type TrainingConfig struct {
	ModelName                 string  `json:"model_name"`
	BatchSize                 int     `json:"batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	MaxEpochs                 int     `json:"max_epochs"`
	MaxSequenceLength         int     `json:"max_length"`
	FP16                      bool    `json:"fp16"`
	GradientCheckpointing     bool    `json:"gradient_checkpointing"`
	StreamingDataLoading      bool    `json:"streaming_data_loading"`
}

// WithDefaults fills unset fields with the worker's own defaults so
// the optimizer and the worker agree on the effective base config.
func (c TrainingConfig) WithDefaults(modelName string) TrainingConfig {
	if c.ModelName == "" {
		c.ModelName = modelName
	}
	if c.ModelName == "" {
		c.ModelName = "gpt2"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.GradientAccumulationSteps <= 0 {
		c.GradientAccumulationSteps = 1
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 5e-5
	}
	if c.MaxEpochs <= 0 {
		c.MaxEpochs = 3
	}
	if c.MaxSequenceLength <= 0 {
		c.MaxSequenceLength = 256
	}
	return c
}

// EffectiveBatchSize returns batch size times gradient accumulation steps.
func (c TrainingConfig) EffectiveBatchSize() int {
	steps := c.GradientAccumulationSteps
	if steps < 1 {
		steps = 1
	}
	batch := c.BatchSize
	if batch < 1 {
		batch = 1
	}
	return batch * steps
}

// OptimizationTier identifies how aggressively a config was degraded
type OptimizationTier string

const (
	TierUnchanged    OptimizationTier = "unchanged"
	TierLight        OptimizationTier = "light"
	TierReduced      OptimizationTier = "reduced"
	TierSevere       OptimizationTier = "severe"
	TierConservative OptimizationTier = "fallback_conservative"
	TierMinimal      OptimizationTier = "fallback_minimal"
)

// OptimizedConfig is the result of resource-aware config optimization
type OptimizedConfig struct {
	Config        TrainingConfig   `json:"config"`
	Tier          OptimizationTier `json:"tier"`
	PressureRatio float64          `json:"pressure_ratio"`
	EstimateBytes uint64           `json:"estimated_memory_bytes"`
	Degradations  []string         `json:"degradations,omitempty"`
}
