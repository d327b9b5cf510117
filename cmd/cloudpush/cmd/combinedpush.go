package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bianoble/cloudpush/internal/engine"
	"github.com/bianoble/cloudpush/internal/rhsm"
)

var (
	combinedWorkflow string
	combinedBatch    batchOptions
	combinedBeta     bool
	combinedPrePush  bool
	combinedPrefix   string
	combinedRHSMURL  string
)

var combinedPushCmd = &cobra.Command{
	Use:   "combined-push",
	Short: "Push VM images through the marketplace and community workflows",
	Long: `Combined-push drives the marketplace and community workflows over
one batch of push items. With --workflow all both run in parallel, their
results are reported as one outcome and the push succeeds only when every
image was handled by at least one workflow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workflow := engine.Workflow(combinedWorkflow)
		switch workflow {
		case engine.WorkflowMarketplace, engine.WorkflowCommunity, engine.WorkflowAll:
		default:
			return fmt.Errorf("unknown workflow %q — expected marketplace, community or all", combinedWorkflow)
		}

		cfg, err := runConfig()
		if err != nil {
			return err
		}
		if combinedRHSMURL != "" {
			cfg.RHSM.URL = combinedRHSMURL
		}
		if combinedPrefix != "" {
			cfg.ContainerPrefix = combinedPrefix
		}
		combinedBatch.apply(cfg)
		sources, err := sourceList(combinedBatch.Sources, cfg)
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

		// The marketplace-only workflow never talks to the registry, so
		// it does not require an RHSM URL.
		var registry *rhsm.Client
		if workflow != engine.WorkflowMarketplace {
			registry, err = newRHSM(cfg, logger)
			if err != nil {
				return err
			}
		}

		tracker := engine.NewBuildTracker()
		steps := newSteps(cfg, logger)
		collector := newCollector(cfg)
		eng := &engine.CombinedEngine{
			Marketplace: &engine.PushEngine{
				Sources:        newSources(),
				Policy:         resolver,
				Providers:      providers,
				Steps:          steps,
				Collector:      collector,
				Tracker:        tracker,
				Logger:         logger,
				RequestThreads: cfg.Workers.Request,
				ProcessThreads: cfg.Workers.Process,
			},
			Community: &engine.CommunityEngine{
				Sources:          newSources(),
				Policy:           resolver,
				Providers:        providers,
				RHSM:             registry,
				Steps:            steps,
				Collector:        collector,
				Tracker:          tracker,
				Logger:           logger,
				ContainerPrefix:  cfg.ContainerPrefix,
				CommunityThreads: cfg.Workers.Community,
			},
			Collector: collector,
			Tracker:   tracker,
			Logger:    logger,
		}
		res, err := eng.Run(cmd.Context(), engine.CombinedOptions{
			Workflow: workflow,
			Push: engine.PushOptions{
				Sources:        sources,
				PrePush:        combinedPrePush || cfg.PrePush,
				Limit:          cfg.Limit,
				CollectResults: true,
			},
			Community: engine.CommunityOptions{
				Sources:        sources,
				Beta:           combinedBeta || cfg.Beta,
				PrePush:        combinedPrePush || cfg.PrePush,
				Limit:          cfg.Limit,
				CollectResults: true,
			},
		})
		if err != nil {
			return err
		}
		printRunSummary(res)
		if !res.Success {
			return failRun("combined VM push failed")
		}
		return nil
	},
}

func init() {
	combinedPushCmd.Flags().StringVarP(&combinedWorkflow, "workflow", "w", "all", "workflow to run: marketplace, community or all")
	combinedBatch.AddFlags(combinedPushCmd.Flags())
	combinedPushCmd.Flags().BoolVar(&combinedBeta, "beta", false, "release community images as beta instead of GA")
	combinedPushCmd.Flags().BoolVar(&combinedPrePush, "pre-push", false, "upload and associate images without making them available to users")
	combinedPushCmd.Flags().StringVar(&combinedPrefix, "container-prefix", "", "prefix of the community storage container names")
	combinedPushCmd.Flags().StringVar(&combinedRHSMURL, "rhsm-url", "", "base URL of the RHSM image registry")
	rootCmd.AddCommand(combinedPushCmd)
}
