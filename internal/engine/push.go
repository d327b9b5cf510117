package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/policy"
	"github.com/bianoble/cloudpush/internal/provider"
	"github.com/bianoble/cloudpush/internal/source"
	"github.com/bianoble/cloudpush/internal/step"
)

// PushEngine drives the marketplace workflow: upload each image to its
// marketplace accounts, prepare the target products and flip the new
// versions live.
type PushEngine struct {
	Sources   *source.Registry
	Policy    *policy.Resolver
	Providers *provider.Registry
	Steps     *step.Runner
	Collector collect.Collector
	Tracker   *BuildTracker
	Logger    *slog.Logger

	// RequestThreads bounds the upload pool across items and
	// ProcessThreads the publish pool across one item's accounts. Zero
	// picks the defaults.
	RequestThreads int
	ProcessThreads int
}

// PushOptions configures one marketplace push run.
type PushOptions struct {
	// Sources lists the push item source URLs to load.
	Sources []string

	// PrePush does as much as possible without making content available
	// to end users: images are uploaded and associated but never go live.
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

// pushEntry pairs a mapped item with the policy entity that produced its
// destinations.
type pushEntry struct {
	mapped *item.MappedItem
	entity *policy.ResponseEntity
}

// pushRun is the state threaded through the instrumented steps of one
// run.
type pushRun struct {
	entries []*pushEntry
	skipped bool
	results []collect.Result
}

func (e *PushEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *PushEngine) requestThreads() int {
	if e.RequestThreads > 0 {
		return e.RequestThreads
	}
	return DefaultRequestThreads
}

func (e *PushEngine) processThreads() int {
	if e.ProcessThreads > 0 {
		return e.ProcessThreads
	}
	return DefaultProcessThreads
}

// Run executes the marketplace workflow over the given sources.
func (e *PushEngine) Run(ctx context.Context, opts PushOptions) (*RunResult, error) {
	items, err := e.loadItems(ctx, opts.Sources, opts.Limit)
	if err != nil {
		return nil, err
	}

	run := &pushRun{}
	run, err = step.Run(ctx, e.Steps, "Query policy", run, func(ctx context.Context, r *pushRun) (*pushRun, error) {
		return r, e.mapItems(ctx, r, items)
	})
	if err != nil {
		return nil, err
	}

	run, err = step.Run(ctx, e.Steps, "Upload", run, func(ctx context.Context, r *pushRun) (*pushRun, error) {
		return r, e.uploadAll(ctx, r.entries)
	})
	if err != nil {
		return nil, err
	}

	tracker := provider.NewOfferTracker()
	if !opts.PrePush {
		run, err = step.Run(ctx, e.Steps, "Pre-publish", run, func(ctx context.Context, r *pushRun) (*pushRun, error) {
			return r, e.prePublishAll(ctx, r.entries, tracker)
		})
		if err != nil {
			return nil, err
		}
	}

	run, err = step.Run(ctx, e.Steps, "Publish", run, func(ctx context.Context, r *pushRun) (*pushRun, error) {
		return r, e.publishAll(ctx, r, opts.PrePush, tracker)
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
		if _, err := step.Run(ctx, e.Steps, "Collect results", run, func(ctx context.Context, r *pushRun) (*pushRun, error) {
			agg := collect.Aggregator{Collector: e.Collector}
			return r, agg.Send(ctx, r.results)
		}); err != nil {
			return nil, err
		}
	}

	if failed {
		e.logger().ErrorContext(ctx, "marketplace VM push failed")
	} else {
		e.logger().InfoContext(ctx, "marketplace VM push completed")
	}

	skipped := run.skipped
	if !skipped && opts.AllowEmptyTargets && len(run.results) == 0 {
		skipped = true
	}
	return &RunResult{Success: !failed, Skipped: skipped, Collected: run.results}, nil
}

// loadItems loads the batch from every source URL and records each build
// id seen on the tracker. Catalog AMIs bound for government regions are
// never pushed and drop out here. A positive limit caps the batch after
// filtering; builds beyond it are never recorded as received.
func (e *PushEngine) loadItems(ctx context.Context, sources []string, limit int) ([]item.PushItem, error) {
	var items []item.PushItem
	for _, src := range sources {
		e.logger().InfoContext(ctx, "loading push items", "source", src)
		loaded, err := e.Sources.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		for _, pi := range loaded {
			if strings.HasPrefix(pi.Src, "ami") && strings.Contains(pi.Region, "-gov-") {
				e.logger().InfoContext(ctx, "skipping push item for government region",
					"image", pi.Name, "region", pi.Region)
				continue
			}
			if limit > 0 && len(items) == limit {
				e.logger().InfoContext(ctx, "push item limit reached, leaving the rest of the batch behind",
					"limit", limit)
				return items, nil
			}
			e.Tracker.Received(pi.BuildInfo.ID)
			items = append(items, pi)
		}
	}
	return items, nil
}

// mapItems resolves the delivery mappings for the batch. Items without
// mappings are dropped and flag the run as skipped; items whose mappings
// yield no applicable destination are dropped with a log.
func (e *PushEngine) mapItems(ctx context.Context, r *pushRun, items []item.PushItem) error {
	for _, pi := range items {
		binfo := pi.BuildInfo
		cloud := pi.Kind.Cloud()
		name := binfo.Name
		if pi.MarketplaceName != "" {
			name += "-" + pi.MarketplaceName
		}
		e.logger().InfoContext(ctx, "retrieving the mappings", "image", name, "cloud", cloud)

		entity, err := e.Policy.Resolve(ctx, name, binfo.Version, policy.WorkflowStratosphere, cloud)
		if err != nil {
			var nf *policy.NotFoundError
			if errors.As(err, &nf) {
				r.skipped = true
				e.logger().ErrorContext(ctx, "no marketplace mappings found", "image", binfo.Name, "cloud", cloud)
				continue
			}
			return err
		}

		mapped := item.NewMappedItem(pi, entity.Clouds())
		mapped.Logger = e.Logger
		if len(mapped.Destinations()) == 0 {
			e.logger().InfoContext(ctx, "filtering out archive with no destinations", "src", pi.Src)
			continue
		}
		r.entries = append(r.entries, &pushEntry{mapped: mapped, entity: entity})
	}
	return nil
}

// uploadAll runs the upload phase: a bounded pool across items, each item
// uploading sequentially to its marketplace accounts. A failing account
// marks the item UploadFailed there and the batch moves on.
func (e *PushEngine) uploadAll(ctx context.Context, entries []*pushEntry) error {
	g := new(errgroup.Group)
	g.SetLimit(poolSize(len(entries), e.requestThreads()))
	for _, entry := range entries {
		g.Go(func() error {
			e.uploadItem(ctx, entry.mapped)
			return nil
		})
	}
	return g.Wait()
}

func (e *PushEngine) uploadItem(ctx context.Context, m *item.MappedItem) {
	for _, account := range m.Marketplaces() {
		pi, err := m.ForAccount(account)
		if err != nil {
			e.logger().ErrorContext(ctx, "cannot materialize push item",
				"image", m.Item.Name, "account", account, "error", err)
			m.SetForAccount(account, m.Item.WithState(item.StateUploadFailed))
			continue
		}
		uploaded, err := e.uploadToAccount(ctx, account, m, pi)
		if err != nil {
			e.logger().ErrorContext(ctx, "failed to upload",
				"image", pi.Name, "account", account, "error", err)
			m.SetForAccount(account, pi.WithState(item.StateUploadFailed))
			continue
		}
		m.SetForAccount(account, uploaded)
	}
}

// uploadToAccount sends one materialized item to its marketplace account.
// Custom tags and sharing account hints come from the destination
// metadata; one upload serves every destination of the account, so the
// hints are merged across its destinations. The returned copy carries
// the cloud identity assigned by the provider.
func (e *PushEngine) uploadToAccount(ctx context.Context, account string, m *item.MappedItem, pi item.PushItem) (item.PushItem, error) {
	prov, err := e.Providers.Instance(account)
	if err != nil {
		return pi, err
	}
	tags, err := m.TagsFor(account)
	if err != nil {
		return pi, err
	}

	var accounts, snapshotAccounts []string
	for _, dst := range pi.Destinations {
		sharing := item.SharingAccounts(dst)
		if len(accounts) == 0 {
			accounts = sharing["sharing_accounts"]
		}
		if len(snapshotAccounts) == 0 {
			snapshotAccounts = sharing["snapshot_accounts"]
		}
	}

	e.logger().InfoContext(ctx, "uploading push item", "image", pi.Name, "account", account)
	uploaded, _, err := prov.Upload(ctx, pi, provider.UploadOptions{
		CustomTags:       tags,
		Accounts:         accounts,
		SnapshotAccounts: snapshotAccounts,
	})
	if err != nil {
		return pi, err
	}
	e.logger().InfoContext(ctx, "upload finished", "image", pi.Name, "account", account)
	return uploaded, nil
}

// prePublishAll associates every uploaded image with its destinations
// while the offers stay in draft. Some marketplaces require every plan of
// an offer updated before any plan goes live, so this phase touches all
// destinations before the publish phase starts flipping offers.
func (e *PushEngine) prePublishAll(ctx context.Context, entries []*pushEntry, tracker *provider.OfferTracker) error {
	for _, entry := range entries {
		m := entry.mapped
		for _, account := range m.Marketplaces() {
			pi, err := m.ForAccount(account)
			if err != nil || pi.State.Terminal() {
				continue
			}
			if err := e.prePublishAccount(ctx, account, m, pi, tracker); err != nil {
				e.logger().ErrorContext(ctx, "failed to prepare publish",
					"image", pi.Name, "account", account, "error", err)
				m.SetForAccount(account, pi.WithState(item.StateNotPushed))
			}
		}
	}
	return nil
}

func (e *PushEngine) prePublishAccount(ctx context.Context, account string, m *item.MappedItem, pi item.PushItem, tracker *provider.OfferTracker) error {
	prov, err := e.Providers.Instance(account)
	if err != nil {
		return err
	}
	dests := pi.Destinations
	current := pi
	for _, dst := range dests {
		e.logger().InfoContext(ctx, "preparing to publish",
			"image", pi.Name, "destination", dst.Destination, "account", account)
		single := current.WithDestinations([]item.Destination{dst})
		updated, _, err := prov.PrePublish(ctx, single, provider.PrePublishOptions{Tracker: tracker})
		if err != nil {
			return err
		}
		current = updated
		e.logger().InfoContext(ctx, "preparation complete", "image", pi.Name, "account", account)
	}
	m.SetForAccount(account, current.WithDestinations(dests))
	return nil
}

// publishAll runs the publish phase. Items go one at a time so that two
// batch items never race on the same marketplace product's changeset; the
// accounts of one item publish in parallel.
func (e *PushEngine) publishAll(ctx context.Context, r *pushRun, prePush bool, tracker *provider.OfferTracker) error {
	for _, entry := range r.entries {
		accounts := entry.mapped.Marketplaces()
		results := make([]collect.Result, len(accounts))

		g := new(errgroup.Group)
		g.SetLimit(poolSize(len(accounts), e.processThreads()))
		for i, account := range accounts {
			g.Go(func() error {
				results[i] = e.publishAccount(ctx, entry, account, prePush, tracker)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		r.results = append(r.results, results...)
	}
	return nil
}

// publishAccount drives one account of one item through the publish
// protocol and returns its collection entry. Accounts in a terminal state
// are collected as they are.
func (e *PushEngine) publishAccount(ctx context.Context, entry *pushEntry, account string, prePush bool, tracker *provider.OfferTracker) collect.Result {
	m := entry.mapped
	pi, err := m.ForAccount(account)
	switch {
	case err != nil:
		e.logger().ErrorContext(ctx, "cannot materialize push item",
			"image", m.Item.Name, "account", account, "error", err)
		pi = m.Item.WithState(item.StateNotPushed)
	case !pi.State.Terminal():
		published, err := e.publishToAccount(ctx, account, m, pi, !prePush, tracker)
		if err != nil {
			e.logger().ErrorContext(ctx, "failed to publish",
				"image", pi.Name, "account", account, "error", err)
			pi = pi.WithState(item.StateNotPushed)
		} else {
			pi = published
		}
	}
	m.SetForAccount(account, pi)

	return collect.Result{
		Item:      pi,
		CloudInfo: &collect.CloudInfo{Account: account, Provider: entry.entity.Cloud},
		Policy:    entry.entity,
	}
}

// publishToAccount walks the two-call publish protocol for one account.
// The associate pass touches every destination with the channel kept in
// draft: going live with only part of a multi-plan offer updated would
// leave the offer inconsistent. The go-live pass then flips each offer
// once, skipping consecutive destinations that share the offer prefix.
// When goLive is false only the associate pass runs, which is all a
// pre-push needs to count as pushed.
func (e *PushEngine) publishToAccount(ctx context.Context, account string, m *item.MappedItem, pi item.PushItem, goLive bool, tracker *provider.OfferTracker) (item.PushItem, error) {
	prov, err := e.Providers.Instance(account)
	if err != nil {
		return pi, err
	}
	dests := pi.Destinations

	current := pi
	for _, dst := range dests {
		if current, err = e.publishDestination(ctx, prov, account, m, dst, true, tracker); err != nil {
			return pi, err
		}
	}
	m.SetForAccount(account, current.WithDestinations(dests))

	if goLive {
		lastOffer := ""
		for _, dst := range dests {
			offer := offerPrefix(dst.Destination)
			if offer == lastOffer {
				e.logger().InfoContext(ctx, "push already done for offer", "offer", offer, "account", account)
				continue
			}
			if current, err = e.publishDestination(ctx, prov, account, m, dst, false, tracker); err != nil {
				return pi, err
			}
			lastOffer = offer
		}
	}

	return current.WithDestinations(dests).WithState(item.StatePushed), nil
}

// publishDestination materializes the item for a single destination and
// invokes the provider once. Publish-time metadata may differ per
// destination, which is why materialization happens per call.
func (e *PushEngine) publishDestination(ctx context.Context, prov provider.Provider, account string, m *item.MappedItem, dst item.Destination, noChannel bool, tracker *provider.OfferTracker) (item.PushItem, error) {
	single, err := m.ForAccountAndDestination(account, dst)
	if err != nil {
		return single, err
	}
	e.logger().InfoContext(ctx, "pushing item",
		"image", single.Name, "nochannel", noChannel, "destination", dst.Destination, "account", account)
	published, _, err := prov.Publish(ctx, single, provider.PublishOptions{
		NoChannel:       noChannel,
		Overwrite:       dst.Overwrite,
		RestrictVersion: dst.RestrictVersion,
		RestrictMajor:   dst.RestrictMajor,
		RestrictMinor:   dst.RestrictMinor,
		Tracker:         tracker,
	})
	if err != nil {
		return single, err
	}
	return published, nil
}

// offerPrefix returns the offer part of an "offer/plan" destination.
// Destinations without a plan separator are their own offer.
func offerPrefix(dest string) string {
	offer, _, _ := strings.Cut(dest, "/")
	return offer
}
