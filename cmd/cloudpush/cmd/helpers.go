package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/pflag"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/config"
	"github.com/bianoble/cloudpush/internal/engine"
	"github.com/bianoble/cloudpush/internal/policy"
	"github.com/bianoble/cloudpush/internal/provider"
	"github.com/bianoble/cloudpush/internal/rhsm"
	"github.com/bianoble/cloudpush/internal/source"
	"github.com/bianoble/cloudpush/internal/step"
)

// batchOptions holds the flag values shared by every command that loads
// a push item batch.
type batchOptions struct {
	Sources   []string
	Limit     int
	Artifacts string
}

func (o *batchOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&o.Sources, "source", nil, "push item source URL (repeatable)")
	fs.IntVar(&o.Limit, "limit", 0, "process at most this many push items from the sources")
	fs.StringVar(&o.Artifacts, "artifacts", "", "directory to write run artifacts into")
}

// apply folds the batch flag overrides into the run config.
func (o *batchOptions) apply(cfg *config.Config) {
	if o.Limit > 0 {
		cfg.Limit = o.Limit
	}
	if o.Artifacts != "" {
		cfg.ArtifactsDir = o.Artifacts
	}
}

// runConfig loads the layered config files and applies the global flag
// overrides. The merged result is re-validated since flags can introduce
// combinations the files alone did not have.
func runConfig() (*config.Config, error) {
	cfg, _, err := config.LoadLayered(config.DiscoverOptions{
		RunPath:   configPath,
		NoInherit: config.EnvNoInherit(),
	})
	if err != nil {
		return nil, err
	}

	if len(credentials) > 0 {
		cfg.Credentials = credentials
	}
	if repoInput != "" {
		cfg.Repo = repoInput
	}
	if offline {
		cfg.Offline = true
	}
	if len(skipSteps) > 0 {
		cfg.Skip = append(cfg.Skip, skipSteps...)
	}

	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, &config.ValidationError{Errors: errs}
	}
	return cfg, nil
}

// newLogger builds the run logger from the --debug count: info by
// default, debug once requested, debug with source locations twice.
func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debugCount >= 1 {
		opts.Level = slog.LevelDebug
	}
	if debugCount >= 2 {
		opts.AddSource = true
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newSteps(cfg *config.Config, logger *slog.Logger) *step.Runner {
	return step.NewRunner(step.Options{
		Skip:     cfg.Skip,
		Notifier: step.LogNotifier{Logger: logger},
	})
}

func newSources() *source.Registry {
	return source.NewDefaultRegistry()
}

// loadRepoMappings loads the pre-seeded policy container from --repo,
// which is either a path to a mappings file or its inline content.
func loadRepoMappings(repo string) (*policy.Container, error) {
	if _, err := os.Stat(repo); err == nil {
		return policy.LoadContainer(repo)
	}
	c, err := policy.ParseContainer([]byte(repo))
	if err != nil {
		return nil, fmt.Errorf("repo mappings: %w", err)
	}
	return c, nil
}

func newPolicyResolver(cfg *config.Config, logger *slog.Logger) (*policy.Resolver, error) {
	var mappings *policy.Container
	if cfg.Repo != "" {
		c, err := loadRepoMappings(cfg.Repo)
		if err != nil {
			return nil, err
		}
		mappings = c
	}
	return policy.NewResolver(policy.ResolverOptions{
		ServerURL: cfg.PolicyURL,
		Offline:   cfg.Offline,
		Mappings:  mappings,
		Logger:    logger,
	})
}

// newProviders builds the marketplace provider registry with the
// configured credentials loaded. The cloud SDK transports come from the
// embedding build; without them provider construction reports exactly
// which account could not be served.
func newProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	creds, err := provider.LoadCredentials(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	reg := provider.NewDefaultRegistry(provider.FactoryOptions{
		AzureAllowDraftPush: cfg.Azure.AllowDraftPush,
		Logger:              logger,
	})
	reg.AddCredentials(creds...)
	return reg, nil
}

// newRHSM builds the metadata registry client. Commands that register or
// hide images require it, so a missing URL is an error here.
func newRHSM(cfg *config.Config, logger *slog.Logger) (*rhsm.Client, error) {
	if cfg.RHSM.URL == "" {
		return nil, fmt.Errorf("an rhsm URL is required — set --rhsm-url or rhsm.url in the config")
	}
	return rhsm.NewClient(rhsm.ClientOptions{
		URL:      cfg.RHSM.URL,
		CertPath: cfg.RHSM.Cert,
		KeyPath:  cfg.RHSM.Key,
		Logger:   logger,
	})
}

// newCollector picks where run results go: the artifacts directory when
// one is configured, otherwise results are logged only.
func newCollector(cfg *config.Config) collect.Collector {
	if cfg.ArtifactsDir != "" {
		return collect.NewLocalCollector(cfg.ArtifactsDir)
	}
	return collect.NopCollector{}
}

// sourceList resolves the push item sources for one run: the --source
// flags when given, else the configured source.
func sourceList(flagSources []string, cfg *config.Config) ([]string, error) {
	if len(flagSources) > 0 {
		return flagSources, nil
	}
	if cfg.Source != "" {
		return []string{cfg.Source}, nil
	}
	return nil, fmt.Errorf("no push item source given — pass --source or set 'source' in the config")
}

// info prints a line of command output to stdout.
func info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// tableStyle is the shared look of CLI tables, honoring --no-color.
func tableStyle() table.Style {
	style := table.StyleLight
	if noColor {
		style = table.StyleDefault
	}
	style.Options.DrawBorder = false
	return style
}

// printRunSummary renders the per-target outcome table after a run.
func printRunSummary(res *engine.RunResult) {
	if len(res.Collected) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Image", "Account", "Image ID", "State"})
	for _, r := range res.Collected {
		account := ""
		if r.CloudInfo != nil {
			account = r.CloudInfo.Account
		}
		t.AppendRow(table.Row{r.Item.Name, account, r.Item.ImageID, r.Item.State})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	t.SetStyle(tableStyle())
	t.Render()
}
