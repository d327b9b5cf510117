package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bianoble/cloudpush/internal/engine"
)

var (
	pushBatch   batchOptions
	pushPrePush bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push VM images to their marketplace destinations",
	Long: `Push loads VM images from the given sources, resolves their
marketplace destinations from the policy registry and uploads and
publishes each image to every destination of its release.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		pushBatch.apply(cfg)
		sources, err := sourceList(pushBatch.Sources, cfg)
		if err != nil {
			return err
		}

		logger := newLogger()
		resolver, err := newPolicyResolver(cfg, logger)
		if err != nil {
			return err
		}
		providers, err := newProviders(cfg, logger)
		if err != nil {
			return err
		}

		eng := &engine.PushEngine{
			Sources:        newSources(),
			Policy:         resolver,
			Providers:      providers,
			Steps:          newSteps(cfg, logger),
			Collector:      newCollector(cfg),
			Tracker:        engine.NewBuildTracker(),
			Logger:         logger,
			RequestThreads: cfg.Workers.Request,
			ProcessThreads: cfg.Workers.Process,
		}
		res, err := eng.Run(cmd.Context(), engine.PushOptions{
			Sources:        sources,
			PrePush:        pushPrePush || cfg.PrePush,
			Limit:          cfg.Limit,
			CollectResults: true,
		})
		if err != nil {
			return err
		}
		printRunSummary(res)
		if !res.Success {
			return failRun("marketplace push failed")
		}
		return nil
	},
}

func init() {
	pushBatch.AddFlags(pushCmd.Flags())
	pushCmd.Flags().BoolVar(&pushPrePush, "pre-push", false, "upload and associate images without making them available to users")
	rootCmd.AddCommand(pushCmd)
}
