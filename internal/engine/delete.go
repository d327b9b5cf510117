package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/provider"
	"github.com/bianoble/cloudpush/internal/rhsm"
	"github.com/bianoble/cloudpush/internal/source"
)

// deleteAccountCandidates maps the marketplace entity type recorded on a
// push item to the storage accounts its image may live in. AmiProduct
// images can sit in either marketplace account, so both are tried.
var deleteAccountCandidates = map[string][]string{
	"AWS":        {"aws-us-storage"},
	"AGOV":       {"aws-us-gov-storage"},
	"ACN":        {"aws-china-storage"},
	"AmiProduct": {"aws-na", "aws-emea"},
}

// DeleteEngine removes published AMIs from their storage accounts and
// flips them to invisible in the metadata registry.
type DeleteEngine struct {
	Sources   *source.Registry
	Providers *provider.Registry
	RHSM      *rhsm.Client
	Collector collect.Collector
	Tracker   *BuildTracker
	Logger    *slog.Logger

	// RequestThreads bounds the per-item worker pool. Zero picks the
	// default.
	RequestThreads int
}

// DeleteOptions configures one delete run.
type DeleteOptions struct {
	// Sources lists the push item source URLs to load.
	Sources []string

	// Builds restricts deletion to items from these builds; everything
	// else is skipped.
	Builds []string

	// DryRun reports what would be deleted without touching the cloud or
	// the registry.
	DryRun bool

	// KeepSnapshot deletes the AMI but leaves its snapshot in place.
	KeepSnapshot bool

	// Limit caps how many push items are taken from the sources. Zero
	// means the whole batch.
	Limit int

	// CollectResults forwards the outcome to the collector.
	CollectResults bool
}

// registryImageIDs fetches the registry's AMI listing once per run, on
// first use, and shares the answer across workers.
type registryImageIDs struct {
	client *rhsm.Client

	once sync.Once
	ids  map[string]struct{}
	err  error
}

func (r *registryImageIDs) get(ctx context.Context) (map[string]struct{}, error) {
	r.once.Do(func() {
		r.ids, r.err = r.client.ListImageIDs(ctx)
	})
	return r.ids, r.err
}

func (e *DeleteEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *DeleteEngine) requestThreads() int {
	if e.RequestThreads > 0 {
		return e.RequestThreads
	}
	return DefaultRequestThreads
}

// Run executes the delete workflow over the given sources.
func (e *DeleteEngine) Run(ctx context.Context, opts DeleteOptions) (*RunResult, error) {
	if e.RHSM == nil {
		return nil, fmt.Errorf("a metadata registry client is required to delete images")
	}

	items, err := loadAMIItems(ctx, e.Sources, e.Tracker, e.logger(), opts.Sources, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		e.logger().WarnContext(ctx, "no AMI push items to process")
		return &RunResult{Success: true, Skipped: true}, nil
	}

	known := &registryImageIDs{client: e.RHSM}
	results := make([]collect.Result, len(items))
	skips := make([]bool, len(items))

	g := new(errgroup.Group)
	g.SetLimit(poolSize(len(items), e.requestThreads()))
	for i, pi := range items {
		g.Go(func() error {
			deleted, skip := e.deleteItem(ctx, known, pi, opts)
			results[i] = collect.Result{Item: deleted}
			skips[i] = skip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := false
	skipped := false
	for i, res := range results {
		if res.Item.State == item.StateUploadFailed {
			failed = true
		}
		if skips[i] {
			skipped = true
		}
		e.Tracker.Processed(res.Item.BuildInfo.ID)
	}

	if opts.CollectResults {
		e.logger().InfoContext(ctx, "collecting results")
		agg := collect.Aggregator{Collector: e.Collector}
		if err := agg.Send(ctx, results); err != nil {
			return nil, err
		}
	}

	if failed {
		e.logger().ErrorContext(ctx, "delete failed")
	} else {
		e.logger().InfoContext(ctx, "delete completed")
	}
	return &RunResult{Success: !failed, Skipped: skipped, Collected: results}, nil
}

// deleteItem removes one AMI. Items outside the requested builds are
// skipped; a dry run reports the intent and stops. The storage account
// is not recorded on the item, so the candidates for its provider are
// tried in order until one of them deletes the image.
func (e *DeleteEngine) deleteItem(ctx context.Context, known *registryImageIDs, pi item.PushItem, opts DeleteOptions) (item.PushItem, bool) {
	if !slices.Contains(opts.Builds, pi.Build) {
		e.logger().InfoContext(ctx, "skipped image outside the requested builds",
			"image_id", pi.ImageID, "build", pi.Build)
		return pi.WithState(item.StateSkipped), true
	}

	if opts.DryRun {
		e.logger().InfoContext(ctx, "would have deleted image",
			"image_id", pi.ImageID, "build", pi.Build)
		if err := e.markInvisible(ctx, known, pi, true); err != nil {
			e.logger().ErrorContext(ctx, "registry check failed",
				"image_id", pi.ImageID, "error", err)
		}
		return pi.WithState(item.StateSkipped), true
	}

	candidates := deleteAccountCandidates[pi.MarketplaceEntityType]
	var errs []error
	for _, account := range candidates {
		e.logger().InfoContext(ctx, "deleting image",
			"image_id", pi.ImageID, "account", account)

		prov, err := e.Providers.Instance(account)
		if err == nil {
			_, _, err = prov.DeleteImages(ctx, pi, provider.DeleteOptions{KeepSnapshot: opts.KeepSnapshot})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
			continue
		}

		e.logger().InfoContext(ctx, "delete finished",
			"image_id", pi.ImageID, "account", account)
		if err := e.markInvisible(ctx, known, pi, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
			continue
		}
		return pi.WithState(item.StateDeleted), false
	}

	if len(candidates) == 0 {
		e.logger().ErrorContext(ctx, "no storage accounts known for provider",
			"image_id", pi.ImageID, "provider", pi.MarketplaceEntityType)
		return pi.WithState(item.StateUploadFailed), true
	}

	missing := true
	for _, err := range errs {
		if !errors.Is(err, provider.ErrImageNotFound) {
			missing = false
			break
		}
	}
	if missing {
		e.logger().InfoContext(ctx, "image not found in any account, it was most likely deleted already",
			"image_id", pi.ImageID)
		return pi.WithState(item.StateMissing), true
	}

	e.logger().ErrorContext(ctx, "failed to delete image",
		"image_id", pi.ImageID, "error", errors.Join(errs...))
	return pi.WithState(item.StateUploadFailed), true
}

// markInvisible flips the deleted image to invisible in the metadata
// registry. Images the registry never knew, and products it does not
// track, are skipped without error.
func (e *DeleteEngine) markInvisible(ctx context.Context, known *registryImageIDs, pi item.PushItem, dryRun bool) error {
	ids, err := known.get(ctx)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if _, ok := ids[pi.ImageID]; !ok {
			e.logger().WarnContext(ctx, "AMI not found in the registry, skipping update",
				"image_id", pi.ImageID)
			return nil
		}
	}

	product, err := e.RHSM.FindProduct(ctx, pi.Release.Product, pi.Type, pi.MarketplaceEntityType)
	if err != nil {
		if errors.Is(err, rhsm.ErrProductNotFound) {
			e.logger().InfoContext(ctx, "product not found in the registry, skipping update",
				"product", pi.Release.Product)
			return nil
		}
		return err
	}

	meta := rhsm.ImageMetadata{
		ImageID:   pi.ImageID,
		ImageName: pi.Name,
		Arch:      pi.Release.Arch,
		Product:   product.Name,
		Version:   pi.Release.Version,
		Variant:   pi.Release.Variant,
		Status:    "invisible",
	}
	if dryRun {
		e.logger().InfoContext(ctx, "would have updated image in the registry", "image_id", pi.ImageID)
		return nil
	}

	e.logger().InfoContext(ctx, "updating the existing image in the registry", "image_id", pi.ImageID)
	if err := e.RHSM.UpdateImage(ctx, meta); err != nil {
		return fmt.Errorf("updating image %s in the registry: %w", pi.ImageID, err)
	}
	e.logger().InfoContext(ctx, "image updated in the registry", "image_id", pi.ImageID)
	return nil
}
