// Package provider holds the marketplace provider implementations and the
// account registry that hands them out. A provider drives one cloud's
// upload, associate and publish flow for a single marketplace account; the
// actual SDK transport sits behind narrow client interfaces supplied by
// the embedding application, so the orchestration logic here stays
// testable without cloud access.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bianoble/cloudpush/internal/item"
)

// Result carries provider-side data from one operation. Fields are
// informational; pipeline decisions key off the returned push item.
type Result struct {
	ImageID         string
	SASURI          string
	SkippedExisting bool // publish found the version already in the product
}

// UploadOptions tunes an Upload call. Empty fields fall back to the
// account credentials' defaults.
type UploadOptions struct {
	CustomTags       map[string]string
	Groups           []string
	Accounts         []string
	SnapshotAccounts []string
	Container        string
}

// PrePublishOptions tunes a PrePublish call.
type PrePublishOptions struct {
	Tracker *OfferTracker
}

// PublishOptions tunes a Publish call. NoChannel keeps the content in
// draft (associate only); the go-live pass runs with NoChannel false.
type PublishOptions struct {
	NoChannel       bool
	Overwrite       bool
	RestrictVersion bool
	RestrictMajor   *int
	RestrictMinor   *int
	Tracker         *OfferTracker
}

// DeleteOptions tunes a DeleteImages call.
type DeleteOptions struct {
	KeepSnapshot bool
}

// ErrImageNotFound reports that a delete target does not exist in the
// account. Callers distinguish it from a failed delete: an image absent
// everywhere was most likely removed already.
var ErrImageNotFound = errors.New("image not found")

// Provider is the per-account marketplace client surface the pipeline
// drives. Every operation returns the (possibly updated) push item;
// errors are converted by callers into item state, never panics.
type Provider interface {
	Upload(ctx context.Context, pi item.PushItem, opts UploadOptions) (item.PushItem, *Result, error)
	PrePublish(ctx context.Context, pi item.PushItem, opts PrePublishOptions) (item.PushItem, *Result, error)
	Publish(ctx context.Context, pi item.PushItem, opts PublishOptions) (item.PushItem, *Result, error)
	DeleteImages(ctx context.Context, pi item.PushItem, opts DeleteOptions) (item.PushItem, *Result, error)
}

// Factory builds a provider instance for one marketplace account.
type Factory func(creds Credentials, opts FactoryOptions) (Provider, error)

// FactoryOptions carries cross-provider construction inputs. The client
// builders supply the cloud SDK boundary; tests install fakes, embedders
// install real SDK-backed implementations.
type FactoryOptions struct {
	AzureAllowDraftPush bool
	Logger              *slog.Logger

	AWSClients   AWSClientBuilder
	AzureClients AzureClientBuilder
}

// Account aliases served by the built-in providers.
var (
	AWSAccountAliases   = []string{"aws-na", "aws-emea", "aws-us-storage", "aws-us-gov-storage", "aws-china-storage"}
	AzureAccountAliases = []string{"azure-na", "azure-emea"}
)

// Registry resolves marketplace account names to provider instances.
// The first caller for an account constructs the provider, everyone else
// reuses it; instances live for the registry lifetime.
type Registry struct {
	opts FactoryOptions

	mu        sync.Mutex
	factories map[string]Factory
	creds     map[string]Credentials
	instances map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts FactoryOptions) *Registry {
	return &Registry{
		opts:      opts,
		factories: make(map[string]Factory),
		creds:     make(map[string]Credentials),
		instances: make(map[string]Provider),
	}
}

// NewDefaultRegistry returns a registry with the built-in AWS and Azure
// providers registered under their marketplace account aliases.
func NewDefaultRegistry(opts FactoryOptions) *Registry {
	r := NewRegistry(opts)
	r.RegisterFactory(NewAWSProvider, AWSAccountAliases...)
	r.RegisterFactory(NewAzureProvider, AzureAccountAliases...)
	return r
}

// RegisterFactory binds marketplace account aliases to a provider factory.
func (r *Registry) RegisterFactory(factory Factory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alias := range aliases {
		r.factories[alias] = factory
	}
}

// AddCredentials indexes credentials by their marketplace account name.
func (r *Registry) AddCredentials(creds ...Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range creds {
		r.creds[c.MarketplaceAccount] = c
	}
}

// Instance returns the provider for a marketplace account, constructing
// it on first use.
func (r *Registry) Instance(account string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.instances[account]; ok {
		return p, nil
	}
	creds, ok := r.creds[account]
	if !ok {
		return nil, fmt.Errorf("the credentials for %s were not found", account)
	}
	factory, ok := r.factories[account]
	if !ok {
		return nil, fmt.Errorf("no provider registered for marketplace account '%s' — known accounts: %s",
			account, r.knownAccounts())
	}
	p, err := factory(creds, r.opts)
	if err != nil {
		return nil, fmt.Errorf("building provider for %s: %w", account, err)
	}
	r.instances[account] = p
	return p, nil
}

func (r *Registry) knownAccounts() string {
	accounts := make([]string, 0, len(r.factories))
	for a := range r.factories {
		accounts = append(accounts, a)
	}
	if len(accounts) == 0 {
		return "(none registered)"
	}
	sort.Strings(accounts)
	return fmt.Sprintf("%v", accounts)
}

// uploadContainerName is the storage container images upload into,
// overridable through the environment to match the legacy tooling.
func uploadContainerName() string {
	if v := os.Getenv("UPLOAD_CONTAINER_NAME"); v != "" {
		return v
	}
	return "pubupload"
}

// buildTags assembles the identification tags stamped on uploaded images.
func buildTags(pi item.PushItem, custom map[string]string) map[string]string {
	b := pi.BuildInfo
	tags := map[string]string{
		"nvra":    fmt.Sprintf("%s-%s-%s.%s", b.Name, b.Version, b.Release, pi.Release.Arch),
		"name":    b.Name,
		"version": b.Version,
		"release": b.Release,
		"arch":    pi.Release.Arch,
		"buildid": strconv.FormatInt(b.ID, 10),
	}
	for k, v := range custom {
		tags[k] = v
	}
	return tags
}

// buildVersionFromBuild extracts the full version from an NVR build
// string, used when the source content carries its own version (AMI
// catalog entries, image URLs). The name may itself contain hyphens, so
// the string is split from the right.
func buildVersionFromBuild(build string) (string, error) {
	parts := strings.Split(build, "-")
	if len(parts) < 3 {
		return "", fmt.Errorf("malformed build '%s' — expected name-version-release", build)
	}
	return parts[len(parts)-2], nil
}
