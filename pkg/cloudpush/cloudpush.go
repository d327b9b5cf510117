// Package cloudpush provides the public Go library API for cloudpush.
//
// cloudpush orchestrates VM image delivery to cloud marketplaces: it
// loads push items from staged or remote sources, resolves their
// delivery targets through a policy service and drives each image
// through upload, association and go-live on its marketplace. This
// package exposes constructors and interfaces for embedding cloudpush
// in other Go programs.
//
// # Basic Usage
//
//	client, err := cloudpush.New(cloudpush.Options{
//	    ConfigPath:  "cloudpush.yaml",
//	    Credentials: []string{"/etc/cloudpush/aws-na.json"},
//	    AWSClients:  myAWSBuilder,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Push a batch to its marketplace destinations
//	result, err := client.Push(ctx, cloudpush.PushOptions{
//	    Sources: []string{"staged:/mnt/staged"},
//	})
//
//	// Or drive both workflows at once
//	result, err = client.CombinedPush(ctx, cloudpush.CombinedPushOptions{
//	    Workflow: cloudpush.WorkflowAll,
//	    Sources:  []string{"staged:/mnt/staged"},
//	})
package cloudpush

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/config"
	"github.com/bianoble/cloudpush/internal/engine"
	"github.com/bianoble/cloudpush/internal/policy"
	"github.com/bianoble/cloudpush/internal/provider"
	"github.com/bianoble/cloudpush/internal/rhsm"
	"github.com/bianoble/cloudpush/internal/source"
	"github.com/bianoble/cloudpush/internal/step"
)

// PushOptions configures a marketplace push.
type PushOptions struct {
	// Sources lists the push item source URLs to load.
	Sources []string

	// PrePush uploads and associates images without making them
	// available to end users.
	PrePush bool

	// Limit caps how many push items are taken from the sources. Zero
	// falls back to the configured limit, which defaults to the whole
	// batch.
	Limit int
}

// CommunityPushOptions configures a community push.
type CommunityPushOptions struct {
	Sources []string

	// Beta releases the images as beta instead of GA.
	Beta bool

	// PrePush uploads images without sharing them publicly.
	PrePush bool

	// Limit caps how many push items are taken from the sources.
	Limit int
}

// CombinedPushOptions configures a combined run over both workflows.
type CombinedPushOptions struct {
	// Workflow selects marketplace, community or all. Empty means all.
	Workflow Workflow

	Sources []string
	Beta    bool
	PrePush bool
	Limit   int
}

// DeleteOptions configures a delete run.
type DeleteOptions struct {
	Sources []string

	// Builds names the builds whose images should be deleted. Images
	// outside them are skipped.
	Builds []string

	// DryRun logs what would be deleted without touching anything.
	DryRun bool

	// KeepSnapshot deletes images but keeps their backing snapshots.
	KeepSnapshot bool

	// Limit caps how many push items are taken from the sources.
	Limit int
}

// Pusher pushes VM images to their marketplace destinations.
type Pusher interface {
	Push(ctx context.Context, opts PushOptions) (*RunResult, error)
	CommunityPush(ctx context.Context, opts CommunityPushOptions) (*RunResult, error)
	CombinedPush(ctx context.Context, opts CombinedPushOptions) (*RunResult, error)
}

// Deleter removes pushed images from their cloud accounts.
type Deleter interface {
	Delete(ctx context.Context, opts DeleteOptions) (*RunResult, error)
}

// Resolver answers which marketplace targets a release maps to.
type Resolver interface {
	Resolve(ctx context.Context, name, version string) ([]ResponseEntity, error)
}

// Options configures a cloudpush client.
type Options struct {
	// ConfigPath is the run-level config file. Empty means only the
	// inherited system and user configs apply.
	ConfigPath string

	// NoInherit drops the system and user config layers, leaving only
	// ConfigPath.
	NoInherit bool

	// SystemConfigPath and UserConfigPath override the default config
	// discovery locations. Mostly useful for tests.
	SystemConfigPath string
	UserConfigPath   string

	// Credentials, Repo, Offline, PolicyURL, RHSMURL and ArtifactsDir
	// override the corresponding config values when set.
	Credentials  []string
	Repo         string
	Offline      bool
	PolicyURL    string
	RHSMURL      string
	ArtifactsDir string

	// Logger receives run logs. Defaults to slog.Default().
	Logger *slog.Logger

	// AWSClients and AzureClients supply the cloud SDK transports the
	// providers drive. Pushes against accounts without a builder fail
	// per-account instead of failing the whole run.
	AWSClients   AWSClientBuilder
	AzureClients AzureClientBuilder

	// Collector receives run results. Defaults to a local collector
	// under ArtifactsDir, or discards results when neither is set.
	Collector Collector
}

// Client is the main entry point for the cloudpush library. It
// implements Pusher, Deleter and Resolver.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector collect.Collector

	sources   *source.Registry
	policy    *policy.Resolver
	providers *provider.Registry
}

// New creates a cloudpush Client from the layered configuration plus
// the option overrides.
func New(opts Options) (*Client, error) {
	cfg, _, err := config.LoadLayered(config.DiscoverOptions{
		RunPath:          opts.ConfigPath,
		SystemConfigPath: opts.SystemConfigPath,
		UserConfigPath:   opts.UserConfigPath,
		NoInherit:        opts.NoInherit || config.EnvNoInherit(),
	})
	if err != nil {
		return nil, err
	}

	if len(opts.Credentials) > 0 {
		cfg.Credentials = opts.Credentials
	}
	if opts.Repo != "" {
		cfg.Repo = opts.Repo
	}
	if opts.Offline {
		cfg.Offline = true
	}
	if opts.PolicyURL != "" {
		cfg.PolicyURL = opts.PolicyURL
	}
	if opts.RHSMURL != "" {
		cfg.RHSM.URL = opts.RHSMURL
	}
	if opts.ArtifactsDir != "" {
		cfg.ArtifactsDir = opts.ArtifactsDir
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, &config.ValidationError{Errors: errs}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var mappings *policy.Container
	if cfg.Repo != "" {
		c, err := loadMappings(cfg.Repo)
		if err != nil {
			return nil, err
		}
		mappings = c
	}
	resolver, err := policy.NewResolver(policy.ResolverOptions{
		ServerURL: cfg.PolicyURL,
		Offline:   cfg.Offline,
		Mappings:  mappings,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	creds, err := provider.LoadCredentials(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	providers := provider.NewDefaultRegistry(provider.FactoryOptions{
		AzureAllowDraftPush: cfg.Azure.AllowDraftPush,
		Logger:              logger,
		AWSClients:          opts.AWSClients,
		AzureClients:        opts.AzureClients,
	})
	providers.AddCredentials(creds...)

	collector := opts.Collector
	if collector == nil {
		if cfg.ArtifactsDir != "" {
			collector = collect.NewLocalCollector(cfg.ArtifactsDir)
		} else {
			collector = collect.NopCollector{}
		}
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		sources:   source.NewDefaultRegistry(),
		policy:    resolver,
		providers: providers,
	}, nil
}

// loadMappings loads pre-seeded policy mappings from a file path or
// inline content.
func loadMappings(repo string) (*policy.Container, error) {
	if _, err := os.Stat(repo); err == nil {
		return policy.LoadContainer(repo)
	}
	c, err := policy.ParseContainer([]byte(repo))
	if err != nil {
		return nil, fmt.Errorf("repo mappings: %w", err)
	}
	return c, nil
}

func (c *Client) steps() *step.Runner {
	return step.NewRunner(step.Options{
		Skip:     c.cfg.Skip,
		Notifier: step.LogNotifier{Logger: c.logger},
	})
}

func (c *Client) limit(limit int) int {
	if limit > 0 {
		return limit
	}
	return c.cfg.Limit
}

func (c *Client) rhsmClient() (*rhsm.Client, error) {
	if c.cfg.RHSM.URL == "" {
		return nil, fmt.Errorf("an rhsm URL is required — set RHSMURL or rhsm.url in the config")
	}
	return rhsm.NewClient(rhsm.ClientOptions{
		URL:      c.cfg.RHSM.URL,
		CertPath: c.cfg.RHSM.Cert,
		KeyPath:  c.cfg.RHSM.Key,
		Logger:   c.logger,
	})
}

func (c *Client) pushEngine(tracker *engine.BuildTracker) *engine.PushEngine {
	return &engine.PushEngine{
		Sources:        c.sources,
		Policy:         c.policy,
		Providers:      c.providers,
		Steps:          c.steps(),
		Collector:      c.collector,
		Tracker:        tracker,
		Logger:         c.logger,
		RequestThreads: c.cfg.Workers.Request,
		ProcessThreads: c.cfg.Workers.Process,
	}
}

func (c *Client) communityEngine(tracker *engine.BuildTracker, registry *rhsm.Client) *engine.CommunityEngine {
	return &engine.CommunityEngine{
		Sources:          c.sources,
		Policy:           c.policy,
		Providers:        c.providers,
		RHSM:             registry,
		Steps:            c.steps(),
		Collector:        c.collector,
		Tracker:          tracker,
		Logger:           c.logger,
		ContainerPrefix:  c.cfg.ContainerPrefix,
		CommunityThreads: c.cfg.Workers.Community,
	}
}

// Push pushes the batch to its marketplace destinations.
func (c *Client) Push(ctx context.Context, opts PushOptions) (*RunResult, error) {
	eng := c.pushEngine(engine.NewBuildTracker())
	return eng.Run(ctx, engine.PushOptions{
		Sources:        opts.Sources,
		PrePush:        opts.PrePush || c.cfg.PrePush,
		Limit:          c.limit(opts.Limit),
		CollectResults: true,
	})
}

// CommunityPush pushes the batch to the community cloud accounts.
func (c *Client) CommunityPush(ctx context.Context, opts CommunityPushOptions) (*RunResult, error) {
	registry, err := c.rhsmClient()
	if err != nil {
		return nil, err
	}
	eng := c.communityEngine(engine.NewBuildTracker(), registry)
	return eng.Run(ctx, engine.CommunityOptions{
		Sources:        opts.Sources,
		Beta:           opts.Beta || c.cfg.Beta,
		PrePush:        opts.PrePush || c.cfg.PrePush,
		Limit:          c.limit(opts.Limit),
		CollectResults: true,
	})
}

// CombinedPush drives the marketplace and community workflows over one
// batch.
func (c *Client) CombinedPush(ctx context.Context, opts CombinedPushOptions) (*RunResult, error) {
	var registry *rhsm.Client
	if opts.Workflow != WorkflowMarketplace {
		r, err := c.rhsmClient()
		if err != nil {
			return nil, err
		}
		registry = r
	}

	tracker := engine.NewBuildTracker()
	eng := &engine.CombinedEngine{
		Marketplace: c.pushEngine(tracker),
		Community:   c.communityEngine(tracker, registry),
		Collector:   c.collector,
		Tracker:     tracker,
		Logger:      c.logger,
	}
	return eng.Run(ctx, engine.CombinedOptions{
		Workflow: opts.Workflow,
		Push: engine.PushOptions{
			Sources:        opts.Sources,
			PrePush:        opts.PrePush || c.cfg.PrePush,
			Limit:          c.limit(opts.Limit),
			CollectResults: true,
		},
		Community: engine.CommunityOptions{
			Sources:        opts.Sources,
			Beta:           opts.Beta || c.cfg.Beta,
			PrePush:        opts.PrePush || c.cfg.PrePush,
			Limit:          c.limit(opts.Limit),
			CollectResults: true,
		},
	})
}

// Delete removes the images of the requested builds from their cloud
// accounts and marks them invisible in the metadata registry.
func (c *Client) Delete(ctx context.Context, opts DeleteOptions) (*RunResult, error) {
	builds := opts.Builds
	if len(builds) == 0 {
		builds = c.cfg.Builds
	}
	if len(builds) == 0 {
		return nil, fmt.Errorf("no builds to delete — set Builds or 'builds' in the config")
	}
	registry, err := c.rhsmClient()
	if err != nil {
		return nil, err
	}

	eng := &engine.DeleteEngine{
		Sources:        c.sources,
		Providers:      c.providers,
		RHSM:           registry,
		Collector:      c.collector,
		Tracker:        engine.NewBuildTracker(),
		Logger:         c.logger,
		RequestThreads: c.cfg.Workers.Request,
	}
	return eng.Run(ctx, engine.DeleteOptions{
		Sources:        opts.Sources,
		Builds:         builds,
		DryRun:         opts.DryRun || c.cfg.DryRun,
		KeepSnapshot:   opts.KeepSnapshot || c.cfg.KeepSnapshot,
		Limit:          c.limit(opts.Limit),
		CollectResults: true,
	})
}

// Resolve returns every workflow mapping of the given release.
func (c *Client) Resolve(ctx context.Context, name, version string) ([]ResponseEntity, error) {
	return c.policy.ResolveAll(ctx, name, version)
}
