package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bianoble/cloudpush/internal/engine"
)

var (
	deleteBatch        batchOptions
	deleteBuilds       []string
	deleteDryRun       bool
	deleteKeepSnapshot bool
	deleteRHSMURL      string
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete pushed AMIs from the cloud accounts",
	Long: `Delete removes the AMIs of the requested builds from every storage
account they could live in and marks the removed images invisible in the
RHSM image registry. Images outside the requested builds are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		if deleteRHSMURL != "" {
			cfg.RHSM.URL = deleteRHSMURL
		}
		deleteBatch.apply(cfg)
		if len(deleteBuilds) > 0 {
			cfg.Builds = deleteBuilds
		}
		if len(cfg.Builds) == 0 {
			return fmt.Errorf("no builds to delete — pass --builds or set 'builds' in the config")
		}
		sources, err := sourceList(deleteBatch.Sources, cfg)
		if err != nil {
			return err
		}

		logger := newLogger()
		providers, err := newProviders(cfg, logger)
		if err != nil {
			return err
		}
		registry, err := newRHSM(cfg, logger)
		if err != nil {
			return err
		}

		eng := &engine.DeleteEngine{
			Sources:        newSources(),
			Providers:      providers,
			RHSM:           registry,
			Collector:      newCollector(cfg),
			Tracker:        engine.NewBuildTracker(),
			Logger:         logger,
			RequestThreads: cfg.Workers.Request,
		}
		res, err := eng.Run(cmd.Context(), engine.DeleteOptions{
			Sources:        sources,
			Builds:         cfg.Builds,
			DryRun:         deleteDryRun || cfg.DryRun,
			KeepSnapshot:   deleteKeepSnapshot || cfg.KeepSnapshot,
			Limit:          cfg.Limit,
			CollectResults: true,
		})
		if err != nil {
			return err
		}
		printRunSummary(res)
		if !res.Success {
			return failRun("delete failed")
		}
		return nil
	},
}

func init() {
	deleteBatch.AddFlags(deleteCmd.Flags())
	deleteCmd.Flags().StringSliceVar(&deleteBuilds, "builds", nil, "builds whose images should be deleted (repeatable)")
	deleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "log what would be deleted without touching anything")
	deleteCmd.Flags().BoolVar(&deleteKeepSnapshot, "keep-snapshot", false, "delete the image but keep its backing snapshot")
	deleteCmd.Flags().StringVar(&deleteRHSMURL, "rhsm-url", "", "base URL of the RHSM image registry")
	rootCmd.AddCommand(deleteCmd)
}
