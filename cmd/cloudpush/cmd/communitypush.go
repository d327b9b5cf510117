package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bianoble/cloudpush/internal/engine"
)

var (
	communityBatch   batchOptions
	communityBeta    bool
	communityPrePush bool
	communityPrefix  string
	communityRHSMURL string
)

var communityPushCmd = &cobra.Command{
	Use:   "community-push",
	Short: "Push AMIs to the community cloud accounts",
	Long: `Community-push loads AMI push items from the given sources and
uploads each image to the community accounts of its release, sharing it
with the configured accounts and registering the result in the RHSM
image registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := runConfig()
		if err != nil {
			return err
		}
		if communityRHSMURL != "" {
			cfg.RHSM.URL = communityRHSMURL
		}
		if communityPrefix != "" {
			cfg.ContainerPrefix = communityPrefix
		}
		communityBatch.apply(cfg)
		sources, err := sourceList(communityBatch.Sources, cfg)
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
		registry, err := newRHSM(cfg, logger)
		if err != nil {
			return err
		}

		eng := &engine.CommunityEngine{
			Sources:          newSources(),
			Policy:           resolver,
			Providers:        providers,
			RHSM:             registry,
			Steps:            newSteps(cfg, logger),
			Collector:        newCollector(cfg),
			Tracker:          engine.NewBuildTracker(),
			Logger:           logger,
			ContainerPrefix:  cfg.ContainerPrefix,
			CommunityThreads: cfg.Workers.Community,
		}
		res, err := eng.Run(cmd.Context(), engine.CommunityOptions{
			Sources:        sources,
			Beta:           communityBeta || cfg.Beta,
			PrePush:        communityPrePush || cfg.PrePush,
			Limit:          cfg.Limit,
			CollectResults: true,
		})
		if err != nil {
			return err
		}
		printRunSummary(res)
		if !res.Success {
			return failRun("community push failed")
		}
		return nil
	},
}

func init() {
	communityBatch.AddFlags(communityPushCmd.Flags())
	communityPushCmd.Flags().BoolVar(&communityBeta, "beta", false, "release images as beta instead of GA")
	communityPushCmd.Flags().BoolVar(&communityPrePush, "pre-push", false, "upload images without sharing them publicly")
	communityPushCmd.Flags().StringVar(&communityPrefix, "container-prefix", "", "prefix of the storage container names")
	communityPushCmd.Flags().StringVar(&communityRHSMURL, "rhsm-url", "", "base URL of the RHSM image registry")
	rootCmd.AddCommand(communityPushCmd)
}
