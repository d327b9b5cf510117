package cloudpush

import (
	"github.com/bianoble/cloudpush/internal/collect"
	"github.com/bianoble/cloudpush/internal/engine"
	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/policy"
	"github.com/bianoble/cloudpush/internal/provider"
)

// Type aliases re-export internal types as the public API. Users import
// "github.com/bianoble/cloudpush/pkg/cloudpush" and use
// cloudpush.RunResult, cloudpush.PushItem, etc.

type RunResult = engine.RunResult
type Workflow = engine.Workflow
type Result = collect.Result
type CloudInfo = collect.CloudInfo
type Collector = collect.Collector
type PushItem = item.PushItem
type State = item.State
type Destination = item.Destination
type ResponseEntity = policy.ResponseEntity
type NotFoundError = policy.NotFoundError
type Credentials = provider.Credentials
type AWSClientBuilder = provider.AWSClientBuilder
type AzureClientBuilder = provider.AzureClientBuilder

// Workflows a combined push can run.
const (
	WorkflowMarketplace = engine.WorkflowMarketplace
	WorkflowCommunity   = engine.WorkflowCommunity
	WorkflowAll         = engine.WorkflowAll
)

// Final push item states, mirrored from the internal item model.
const (
	StatePushed       = item.StatePushed
	StateNotPushed    = item.StateNotPushed
	StateUploadFailed = item.StateUploadFailed
	StateSkipped      = item.StateSkipped
	StateDeleted      = item.StateDeleted
	StateMissing      = item.StateMissing
)
