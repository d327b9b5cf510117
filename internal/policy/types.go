// Package policy resolves push items to their delivery destinations. A
// resolver consults an optional pre-loaded response container first and
// falls back to the remote policy service, merging server responses into
// the container so repeated lookups stay local.
package policy

import (
	"fmt"
	"strings"

	"github.com/bianoble/cloudpush/internal/item"
)

// Workflow names a publishing path in policy entries.
const (
	// WorkflowStratosphere covers the marketplace listing workflow.
	WorkflowStratosphere = "stratosphere"
	// WorkflowCommunity covers the community image workflow.
	WorkflowCommunity = "community"
)

// ResponseEntity is the resolved mapping for one (name, version, workflow,
// cloud) query: the marketplace accounts to deliver to and their
// destinations. Entities are read-only once obtained.
type ResponseEntity struct {
	Name              string             `json:"name"`
	Version           string             `json:"version,omitempty"`
	Workflow          string             `json:"workflow"`
	Cloud             string             `json:"cloud,omitempty"`
	Mappings          map[string]Mapping `json:"mappings"`
	BillingCodeConfig map[string]any     `json:"billing-code-config,omitempty"`
}

// Mapping holds one marketplace account's destinations plus account-level
// defaults folded into each destination when materialized.
type Mapping struct {
	Destinations []item.Destination `json:"destinations"`
	Provider     string             `json:"provider,omitempty"`
	Meta         map[string]any     `json:"meta,omitempty"`
}

// Matches reports whether the entity answers a query for the given workflow
// and cloud. An entity without a cloud answers queries for any cloud.
func (e ResponseEntity) Matches(workflow, cloud string) bool {
	if e.Workflow != workflow {
		return false
	}
	return e.Cloud == "" || e.Cloud == cloud
}

// Clouds returns the account to destinations mapping with account-level
// provider, metadata and billing-code configuration folded into each
// destination. Destination-level values win over account-level ones. The
// returned destinations are fresh copies.
func (e ResponseEntity) Clouds() map[string][]item.Destination {
	out := make(map[string][]item.Destination, len(e.Mappings))
	for account, mapping := range e.Mappings {
		dests := make([]item.Destination, 0, len(mapping.Destinations))
		for _, dst := range mapping.Destinations {
			meta := make(map[string]any, len(mapping.Meta)+len(dst.Meta)+1)
			for k, v := range mapping.Meta {
				meta[k] = v
			}
			for k, v := range dst.Meta {
				meta[k] = v
			}
			if _, ok := meta["billing-code-config"]; !ok && len(e.BillingCodeConfig) > 0 {
				meta["billing-code-config"] = e.BillingCodeConfig
			}
			dst.Meta = meta
			if dst.Provider == "" {
				dst.Provider = mapping.Provider
			}
			dests = append(dests, dst)
		}
		out[account] = dests
	}
	return out
}

// NotFoundError reports that no policy entity matched a resolution query.
// It signals the item has no applicable targets, which callers treat as a
// skip rather than a failure.
type NotFoundError struct {
	Name     string
	Version  string
	Workflow string
	Cloud    string
}

func (e *NotFoundError) Error() string {
	if e.Cloud == "" {
		return fmt.Sprintf("no marketplace mappings found for %s", e.Name)
	}
	return fmt.Sprintf("no marketplace mappings found for %s on cloud %s", e.Name, e.Cloud)
}

// ValidationError collects every problem found while loading a policy
// container.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy container validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}
