package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelforge/modelforge-go/pkg/resources"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the current host resource snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging)

		monitor := resources.NewMonitor(cfg.Resources,
			resources.NewSystemProber(time.Duration(cfg.Resources.GPUProbeTimeout)*time.Second), logger)
		snap := monitor.Snapshot(context.Background())

		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
