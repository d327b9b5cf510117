package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bianoble/cloudpush/internal/collect"
)

// Workflow selects which engines a combined run drives.
type Workflow string

const (
	WorkflowMarketplace Workflow = "marketplace"
	WorkflowCommunity   Workflow = "community"
	WorkflowAll         Workflow = "all"
)

// CombinedEngine runs the marketplace and community workflows as one
// push. With the all workflow both engines run in parallel over the same
// batch, their outcomes are merged and forwarded to the collector once,
// and success is judged jointly.
type CombinedEngine struct {
	Marketplace *PushEngine
	Community   *CommunityEngine
	Collector   collect.Collector

	// Tracker must be the same tracker both engines record builds on;
	// joint success checks it for builds neither workflow processed.
	Tracker *BuildTracker

	Logger *slog.Logger
}

// CombinedOptions configures one combined run. The sub-option structs
// are handed to the engines as-is for the single workflows; the all
// workflow overrides their collection and empty-target handling.
type CombinedOptions struct {
	Workflow  Workflow
	Push      PushOptions
	Community CommunityOptions
}

func (e *CombinedEngine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run executes the selected workflow.
func (e *CombinedEngine) Run(ctx context.Context, opts CombinedOptions) (*RunResult, error) {
	switch opts.Workflow {
	case WorkflowMarketplace:
		return e.Marketplace.Run(ctx, opts.Push)
	case WorkflowCommunity:
		return e.Community.Run(ctx, opts.Community)
	case WorkflowAll, "":
	default:
		return nil, fmt.Errorf("unknown workflow %q", opts.Workflow)
	}

	// Sub-runs must not report to the collector themselves: the merged
	// outcome is forwarded exactly once below. An empty batch in one
	// workflow is fine as long as the other processed it.
	pushOpts := opts.Push
	pushOpts.CollectResults = false
	pushOpts.AllowEmptyTargets = true
	communityOpts := opts.Community
	communityOpts.CollectResults = false
	communityOpts.AllowEmptyTargets = true

	var marketplaceRes, communityRes *RunResult
	g := new(errgroup.Group)
	g.SetLimit(2)
	g.Go(func() error {
		res, err := e.Marketplace.Run(ctx, pushOpts)
		marketplaceRes = res
		return err
	})
	g.Go(func() error {
		res, err := e.Community.Run(ctx, communityOpts)
		communityRes = res
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	collected := make([]collect.Result, 0, len(marketplaceRes.Collected)+len(communityRes.Collected))
	collected = append(collected, marketplaceRes.Collected...)
	collected = append(collected, communityRes.Collected...)

	e.logger().InfoContext(ctx, "collecting results")
	agg := collect.Aggregator{Collector: e.Collector}
	if err := agg.Send(ctx, collected); err != nil {
		return nil, err
	}

	return e.evaluate(ctx, marketplaceRes, communityRes, collected), nil
}

// evaluate folds the two workflow outcomes into one. A failure in either
// workflow fails the push; two skipped workflows fail it only when some
// received build was processed by neither.
func (e *CombinedEngine) evaluate(ctx context.Context, marketplace, community *RunResult, collected []collect.Result) *RunResult {
	if !marketplace.Success || !community.Success {
		e.logger().InfoContext(ctx, "combined VM push failed: at least one workflow failed")
		return &RunResult{Success: false, Skipped: false, Collected: collected}
	}

	if marketplace.Skipped && community.Skipped && e.Tracker.Unprocessed() {
		e.logger().InfoContext(ctx, "combined VM push failed: both workflows were empty")
		return &RunResult{Success: false, Skipped: true, Collected: collected}
	}

	e.logger().InfoContext(ctx, "combined VM push completed")
	return &RunResult{
		Success:   true,
		Skipped:   marketplace.Skipped || community.Skipped,
		Collected: collected,
	}
}
