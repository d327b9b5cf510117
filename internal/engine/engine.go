// Package engine drives the push workflows. An engine loads push items
// from their sources, resolves delivery targets through policy, walks the
// provider phases with bounded concurrency and hands the outcome to the
// result collector. Individual target failures never abort the batch;
// they are recorded as terminal item states and folded into the run
// result.
package engine

import (
	"context"
	"log/slog"

	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/source"
)

// Worker pool bounds. Engine fields of the same name fall back to these
// when left zero.
const (
	// DefaultRequestThreads bounds the upload pool of the marketplace
	// workflow and the item pool of the delete workflow.
	DefaultRequestThreads = 5

	// DefaultProcessThreads bounds the account pool publishing one item
	// in the marketplace workflow.
	DefaultProcessThreads = 2

	// DefaultCommunityThreads bounds the flat upload pool of the
	// community workflow.
	DefaultCommunityThreads = 10
)

// RunResult is the outcome of one workflow run.
type RunResult struct {
	// Success is false when any target ended in a failed state, or when
	// the run produced no targets and empty batches are not allowed.
	Success bool

	// Skipped reports that at least part of the batch was left behind:
	// items without policy mappings, delete targets outside the requested
	// builds, or an allowed empty batch.
	Skipped bool

	// Collected carries the per-target outcomes handed to the collector.
	Collected []collect.Result
}

// poolSize bounds a worker pool to the task count while keeping at least
// one worker and at most limit.
func poolSize(tasks, limit int) int {
	if tasks < 1 {
		tasks = 1
	}
	if tasks > limit {
		return limit
	}
	return tasks
}

// loadAMIItems loads the batch from every source URL, keeping only AMIs.
// The community and delete workflows have no use for other image kinds.
// Every build id seen is recorded on the tracker. A positive limit caps
// the batch after filtering; builds beyond it are never recorded.
func loadAMIItems(ctx context.Context, reg *source.Registry, tracker *BuildTracker, logger *slog.Logger, sources []string, limit int) ([]item.PushItem, error) {
	var items []item.PushItem
	for _, src := range sources {
		logger.InfoContext(ctx, "loading push items", "source", src)
		loaded, err := reg.Open(ctx, src)
		if err != nil {
			return nil, err
		}
		for _, pi := range loaded {
			if pi.Kind != item.KindAMI {
				logger.WarnContext(ctx, "push item is not an AMI, dropping it from the queue",
					"image", pi.Name, "src", pi.Src)
				continue
			}
			if limit > 0 && len(items) == limit {
				logger.InfoContext(ctx, "push item limit reached, leaving the rest of the batch behind",
					"limit", limit)
				return items, nil
			}
			tracker.Received(pi.BuildInfo.ID)
			items = append(items, pi)
		}
	}
	return items, nil
}
