package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/config"
	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/policy"
	"github.com/bianoble/cloudpush/internal/provider"
	"github.com/bianoble/cloudpush/internal/rhsm"
	"github.com/bianoble/cloudpush/internal/source"
	"github.com/bianoble/cloudpush/internal/step"
)

// CommunityEngine drives the community workflow: upload AMIs to the
// community storage accounts and register them with the metadata
// registry so entitled users can find them.
type CommunityEngine struct {
	Sources   *source.Registry
	Policy    *policy.Resolver
	Providers *provider.Registry
	RHSM      *rhsm.Client
	Steps     *step.Runner
	Collector collect.Collector
	Tracker   *BuildTracker
	Logger    *slog.Logger

	// ContainerPrefix prefixes the per-region storage container images
	// upload into. Empty picks the config default.
	ContainerPrefix string

	// CommunityThreads bounds the flat upload pool. Zero picks the
	// default.
	CommunityThreads int
}

// CommunityOptions configures one community push run.
type CommunityOptions struct {
	// Sources lists the push item source URLs to load.
	Sources []string

	// Beta ships beta images instead of GA.
	Beta bool

	// PrePush uploads the images without registering them in the
	// metadata registry or sharing them publicly.
	PrePush bool

	// Limit caps how many push items are taken from the sources. Zero
	// means the whole batch.
	Limit int

	// CollectResults forwards the outcome to the collector. Combined runs
	// disable it and forward the merged outcome themselves.
	CollectResults bool

	// AllowEmptyTargets turns a run without any push target into a
	// skipped run instead of a failed one.
	AllowEmptyTargets bool
}

// communityTarget is one upload unit: the enriched push item bound to a
// single destination of a storage account, plus the sharing accounts its
// destination metadata requests.
type communityTarget struct {
	account string
	pi      item.PushItem
	sharing map[string][]string
	entity  *policy.ResponseEntity
}

// communityRun is the state threaded through the instrumented steps of
// one run.
type communityRun struct {
	entries []*pushEntry
	targets []*communityTarget
	skipped bool
	results []collect.Result
}

func (e *CommunityEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *CommunityEngine) communityThreads() int {
	if e.CommunityThreads > 0 {
		return e.CommunityThreads
	}
	return DefaultCommunityThreads
}

func (e *CommunityEngine) containerPrefix() string {
	if e.ContainerPrefix != "" {
		return e.ContainerPrefix
	}
	return config.DefaultContainerPrefix
}

// requireBillingCodes reports whether enrichment must match billing
// codes for every image, overridable through the environment.
func (e *CommunityEngine) requireBillingCodes() bool {
	if v := os.Getenv("COMMUNITY_PUSH_REQUIRE_BILLING_CODES"); v != "" {
		return strings.EqualFold(v, "true")
	}
	return true
}

// Run executes the community workflow over the given sources.
func (e *CommunityEngine) Run(ctx context.Context, opts CommunityOptions) (*RunResult, error) {
	if e.RHSM == nil {
		return nil, fmt.Errorf("a metadata registry client is required for the community workflow")
	}

	items, err := loadAMIItems(ctx, e.Sources, e.Tracker, e.logger(), opts.Sources, opts.Limit)
	if err != nil {
		return nil, err
	}

	run := &communityRun{}
	run, err = step.Run(ctx, e.Steps, "Query policy", run, func(ctx context.Context, r *communityRun) (*communityRun, error) {
		return r, e.mapItems(ctx, r, items)
	})
	if err != nil {
		return nil, err
	}

	run, err = step.Run(ctx, e.Steps, "Enrich items", run, func(ctx context.Context, r *communityRun) (*communityRun, error) {
		return r, e.enrichTargets(ctx, r, opts.Beta)
	})
	if err != nil {
		return nil, err
	}

	if !e.productsInRegistry(ctx, run.targets) {
		return &RunResult{Success: false}, nil
	}

	run, err = step.Run(ctx, e.Steps, "Upload", run, func(ctx context.Context, r *communityRun) (*communityRun, error) {
		return r, e.uploadAll(ctx, r, opts.PrePush)
	})
	if err != nil {
		return nil, err
	}

	failed := false
	for _, res := range run.results {
		if res.Item.State == item.StatePushed {
			e.Tracker.Processed(res.Item.BuildInfo.ID)
		} else {
			failed = true
		}
	}
	if !opts.AllowEmptyTargets && len(run.results) == 0 {
		e.logger().ErrorContext(ctx, "no push item was processed")
		failed = true
	}

	if opts.CollectResults {
		e.logger().InfoContext(ctx, "collecting results")
		if _, err := step.Run(ctx, e.Steps, "Collect results", run, func(ctx context.Context, r *communityRun) (*communityRun, error) {
			agg := collect.Aggregator{Collector: e.Collector}
			return r, agg.Send(ctx, r.results)
		}); err != nil {
			return nil, err
		}
	}

	if failed {
		e.logger().ErrorContext(ctx, "community VM push failed")
	} else {
		e.logger().InfoContext(ctx, "community VM push completed")
	}

	skipped := run.skipped
	if !skipped && opts.AllowEmptyTargets && len(run.results) == 0 {
		skipped = true
	}
	return &RunResult{Success: !failed, Skipped: skipped, Collected: run.results}, nil
}

// mapItems resolves the community mappings for the batch. Items without
// mappings are dropped and flag the run as skipped.
func (e *CommunityEngine) mapItems(ctx context.Context, r *communityRun, items []item.PushItem) error {
	for _, pi := range items {
		binfo := pi.BuildInfo
		e.logger().InfoContext(ctx, "retrieving the mappings",
			"image", pi.Name, "workflow", policy.WorkflowCommunity)

		entity, err := e.Policy.Resolve(ctx, binfo.Name, binfo.Version, policy.WorkflowCommunity, pi.Kind.Cloud())
		if err != nil {
			var nf *policy.NotFoundError
			if errors.As(err, &nf) {
				r.skipped = true
				e.logger().ErrorContext(ctx, "no mappings found", "image", binfo.Name)
				continue
			}
			return err
		}

		mapped := item.NewMappedItem(pi, entity.Clouds())
		mapped.Logger = e.Logger
		r.entries = append(r.entries, &pushEntry{mapped: mapped, entity: entity})
	}
	return nil
}

// enrichTargets expands each mapped item into per-destination upload
// targets with the community attributes filled in: region and billing
// type from the destination name, billing codes, the registry provider
// and the public image flag. SAP and high availability images ship only
// to hourly destinations and drop out of the queue otherwise.
func (e *CommunityEngine) enrichTargets(ctx context.Context, r *communityRun, beta bool) error {
	for _, entry := range r.entries {
		m := entry.mapped
		for _, account := range m.Marketplaces() {
			e.logger().InfoContext(ctx, "processing the storage account", "account", account)
			for _, dst := range m.Clouds[account] {
				pi, err := m.ForAccountAndDestination(account, dst)
				if err != nil {
					return err
				}
				releaseType := "ga"
				if beta || pi.Release.Type == "beta" {
					releaseType = "beta"
				}
				epi, err := item.Enrich(pi, dst, item.EnrichOptions{
					ReleaseType:         releaseType,
					RequireBillingCodes: e.requireBillingCodes(),
					Logger:              e.Logger,
				})
				if err != nil {
					return err
				}
				if epi.Type != "hourly" && (epi.Release.Product == "RHEL_HA" || epi.Release.Product == "SAP") {
					e.logger().WarnContext(ctx, "skipping upload, image ships only to hourly destinations",
						"src", epi.Src, "destination", dst.Destination)
					continue
				}
				e.logger().InfoContext(ctx, "adding push item to the queue",
					"image", epi.Name, "destination", dst.Destination, "type", epi.Type)
				r.targets = append(r.targets, &communityTarget{
					account: account,
					pi:      epi,
					sharing: item.SharingAccounts(dst),
					entity:  entry.entity,
				})
			}
		}
	}
	return nil
}

// productsInRegistry checks every queued image against the metadata
// registry before anything uploads. Pushing an image whose product the
// registry does not know would strand it half registered.
func (e *CommunityEngine) productsInRegistry(ctx context.Context, targets []*communityTarget) bool {
	ok := true
	for _, t := range targets {
		pi := t.pi
		if _, err := e.RHSM.FindProduct(ctx, pi.Release.Product, pi.Type, pi.MarketplaceEntityType); err != nil {
			e.logger().ErrorContext(ctx, "pre-push check in metadata service failed",
				"image", pi.Name, "src", pi.Src, "error", err)
			ok = false
		}
	}
	if !ok {
		e.logger().ErrorContext(ctx, "pre-push verification of push items in metadata service failed")
	}
	return ok
}

// uploadAll consumes the target queue with a flat bounded pool. Each
// worker uploads one target and, unless pre-pushing, registers it with
// the metadata registry and shares public images with everyone.
func (e *CommunityEngine) uploadAll(ctx context.Context, r *communityRun, prePush bool) error {
	results := make([]collect.Result, len(r.targets))

	g := new(errgroup.Group)
	g.SetLimit(e.communityThreads())
	for i, t := range r.targets {
		g.Go(func() error {
			pi := e.pushTarget(ctx, t, !prePush)
			results[i] = collect.Result{
				Item:      pi,
				CloudInfo: &collect.CloudInfo{Account: t.account, Provider: pi.Kind.Cloud()},
				Policy:    t.entity,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.results = append(r.results, results...)
	return nil
}

// pushTarget uploads one target and walks it through the registry
// registration when shipping. The returned item carries the terminal
// state for collection.
func (e *CommunityEngine) pushTarget(ctx context.Context, t *communityTarget, ship bool) item.PushItem {
	pi := t.pi
	container := fmt.Sprintf("%s-%s", e.containerPrefix(), pi.Region)

	accounts := t.sharing["accounts"]
	if len(accounts) == 0 {
		accounts = t.sharing["sharing_accounts"]
	}
	snapshotAccounts := t.sharing["snapshot_accounts"]

	e.logger().InfoContext(ctx, "uploading community image",
		"src", pi.Src, "region", pi.Region, "type", pi.Type, "ship", ship,
		"accounts", accounts, "snapshot_accounts", snapshotAccounts)

	prov, err := e.Providers.Instance(t.account)
	var uploaded item.PushItem
	if err == nil {
		uploadOpts := provider.UploadOptions{
			Container:        container,
			Accounts:         accounts,
			SnapshotAccounts: snapshotAccounts,
		}
		uploaded, _, err = prov.Upload(ctx, pi, uploadOpts)
	}
	if err != nil {
		e.logger().ErrorContext(ctx, "failed to upload",
			"image", pi.Name, "region", pi.Region, "type", pi.Type, "error", err)
		return pi.WithState(item.StateUploadFailed)
	}
	e.logger().InfoContext(ctx, "upload finished", "image", pi.Name, "region", pi.Region)

	if ship {
		if err := e.registerImage(ctx, uploaded); err != nil {
			e.logger().ErrorContext(ctx, "failed to publish",
				"image", pi.Name, "error", err)
			return uploaded.WithState(item.StateNotPushed)
		}
		if uploaded.PublicImage {
			e.logger().InfoContext(ctx, "releasing image publicly", "image_id", uploaded.ImageID)
			// A repeat upload call only updates the launch groups.
			reuploaded, _, err := prov.Upload(ctx, pi, provider.UploadOptions{
				Container:        container,
				Accounts:         accounts,
				SnapshotAccounts: snapshotAccounts,
				Groups:           []string{"all"},
			})
			if err != nil {
				e.logger().ErrorContext(ctx, "failed to publish",
					"image", pi.Name, "error", err)
				return uploaded.WithState(item.StateNotPushed)
			}
			uploaded = reuploaded
		}
	}

	e.logger().InfoContext(ctx, "successfully uploaded",
		"image", uploaded.Name, "region", uploaded.Region, "image_id", uploaded.ImageID)
	return uploaded.WithState(item.StatePushed)
}

// registerImage records the uploaded image in the metadata registry:
// the region is created first, then the image is updated in place,
// falling back to creation when the registry does not know it yet.
func (e *CommunityEngine) registerImage(ctx context.Context, pi item.PushItem) error {
	providerName := pi.MarketplaceEntityType

	e.logger().InfoContext(ctx, "creating region", "region", pi.Region, "provider", providerName)
	if err := e.RHSM.CreateRegion(ctx, pi.Region, providerName); err != nil {
		return fmt.Errorf("creating region %s for image %s: %w", pi.Region, pi.ImageID, err)
	}

	product, err := e.RHSM.FindProduct(ctx, pi.Release.Product, pi.Type, providerName)
	if err != nil {
		return err
	}
	meta := rhsm.ImageMetadata{
		ImageID:   pi.ImageID,
		ImageName: pi.Name,
		Arch:      pi.Release.Arch,
		Product:   product.Name,
		Version:   pi.Release.Version,
		Variant:   pi.Release.Variant,
	}

	e.logger().InfoContext(ctx, "registering image with the metadata registry", "image_id", pi.ImageID)
	if err := e.RHSM.UpdateImage(ctx, meta); err != nil {
		var status *rhsm.StatusError
		if !errors.As(err, &status) {
			return err
		}
		e.logger().WarnContext(ctx, "image update failed, it might not be registered yet",
			"image_id", pi.ImageID, "error", err)

		e.logger().InfoContext(ctx, "attempting to create the image instead", "image_id", pi.ImageID)
		meta.Region = pi.Region
		if err := e.RHSM.CreateImage(ctx, meta); err != nil {
			return fmt.Errorf("creating image %s in the metadata registry: %w", pi.ImageID, err)
		}
	}
	e.logger().InfoContext(ctx, "successfully registered image", "image_id", pi.ImageID)
	return nil
}
