package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
	"github.com/modelforge/modelforge-go/pkg/resources"
)

var (
	optModelSizeMB   int
	optDatasetSizeMB int
	optModelName     string
	optBatchSize     int
	optEpochs        int
	optMaxLength     int
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Preview the training config for the current memory pressure",
	Long: `Runs the resource-aware config optimization against live host
resources and prints the result as JSON, without enqueueing a job.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging)

		monitor := resources.NewMonitor(cfg.Resources,
			resources.NewSystemProber(time.Duration(cfg.Resources.GPUProbeTimeout)*time.Second), logger)
		opt := optimizer.New(cfg.Optimizer, monitor, logger)

		base := models.TrainingConfig{
			ModelName:         optModelName,
			BatchSize:         optBatchSize,
			MaxEpochs:         optEpochs,
			MaxSequenceLength: optMaxLength,
		}.WithDefaults(optModelName)

		ctx := context.Background()
		modelBytes := uint64(optModelSizeMB) << 20
		datasetBytes := uint64(optDatasetSizeMB) << 20

		optimized := opt.Optimize(ctx, modelBytes, datasetBytes, base, models.TierUnchanged)
		estimate := opt.EstimateTrainingTime(datasetBytes, optimized.Config)

		out, err := json.MarshalIndent(struct {
			Optimized    models.OptimizedConfig `json:"optimized"`
			TimeEstimate optimizer.TimeEstimate `json:"time_estimate"`
		}{optimized, estimate}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	optimizeCmd.Flags().IntVar(&optModelSizeMB, "model-size-mb", 0, "model size in MB (required)")
	optimizeCmd.Flags().IntVar(&optDatasetSizeMB, "dataset-size-mb", 0, "dataset size in MB (required)")
	optimizeCmd.Flags().StringVar(&optModelName, "model", "gpt2", "model name for the base config")
	optimizeCmd.Flags().IntVar(&optBatchSize, "batch", 8, "requested batch size")
	optimizeCmd.Flags().IntVar(&optEpochs, "epochs", 3, "training epochs")
	optimizeCmd.Flags().IntVar(&optMaxLength, "max-length", 256, "max sequence length")
	_ = optimizeCmd.MarkFlagRequired("model-size-mb")
	_ = optimizeCmd.MarkFlagRequired("dataset-size-mb")
	rootCmd.AddCommand(optimizeCmd)
}
