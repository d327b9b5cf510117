// Package collect turns per-target push outcomes into the transport
// shape reporting tools consume and forwards them to a collector. The
// artifact of record is clouds.json, one entry per pushed target with
// unset fields dropped.
package collect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/policy"
)

// CloudsArtifact is the name of the batch result artifact.
const CloudsArtifact = "clouds.json"

// CloudInfo identifies where a pushed target landed.
type CloudInfo struct {
	Account  string `json:"account"`
	Provider string `json:"provider"`
}

// Result is the outcome of one push target.
type Result struct {
	// Item is the push item in its final state for this target.
	Item item.PushItem

	// CloudInfo names the marketplace account and cloud, when the
	// target got far enough to know them.
	CloudInfo *CloudInfo

	// Policy is the resolved policy entity behind the target, if any.
	Policy *policy.ResponseEntity
}

// Collector receives the outcome of a run. Implementations must be safe
// for concurrent use.
type Collector interface {
	// UpdatePushItems records the final state of the pushed items.
	UpdatePushItems(ctx context.Context, items []item.PushItem) error

	// AttachFile stores a named artifact produced by the run.
	AttachFile(ctx context.Context, name string, content []byte) error
}

// NopCollector discards everything sent to it. Combined runs use it to
// suppress the sub-runs' own reporting.
type NopCollector struct{}

func (NopCollector) UpdatePushItems(context.Context, []item.PushItem) error { return nil }

func (NopCollector) AttachFile(context.Context, string, []byte) error { return nil }

// Aggregator forwards run results to a collector: the structured item
// list plus the clouds.json artifact.
type Aggregator struct {
	Collector Collector
}

func (a *Aggregator) collector() Collector {
	if a != nil && a.Collector != nil {
		return a.Collector
	}
	return NopCollector{}
}

// Send converts results to their transport shape and forwards them.
// Any collector failure is returned and fails the run that produced
// the results.
func (a *Aggregator) Send(ctx context.Context, results []Result) error {
	items := make([]item.PushItem, 0, len(results))
	records := make([]map[string]any, 0, len(results))
	for _, res := range results {
		items = append(items, res.Item)
		records = append(records, transportRecord(res))
	}

	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding push results: %w", err)
	}
	if err := a.collector().UpdatePushItems(ctx, items); err != nil {
		return fmt.Errorf("updating push items: %w", err)
	}
	if err := a.collector().AttachFile(ctx, CloudsArtifact, payload); err != nil {
		return fmt.Errorf("attaching %s: %w", CloudsArtifact, err)
	}
	return nil
}

// transportRecord flattens one result into its reporting shape: only
// set fields are kept, destinations collapse to their names and dates
// render as YYYYMMDD.
func transportRecord(res Result) map[string]any {
	pi := res.Item
	rec := map[string]any{
		"name":  pi.Name,
		"state": string(pi.State),
	}
	setString(rec, "kind", string(pi.Kind))
	setString(rec, "description", pi.Description)
	setString(rec, "src", pi.Src)
	setString(rec, "build", pi.Build)
	setString(rec, "origin", pi.Origin)
	setString(rec, "md5sum", pi.MD5Sum)
	setString(rec, "sha256sum", pi.SHA256Sum)
	setString(rec, "signing_key", pi.SigningKey)

	if pi.BuildInfo != (item.BuildInfo{}) {
		rec["build_info"] = buildInfoRecord(pi.BuildInfo)
	}
	if release := releaseRecord(pi.Release); len(release) > 0 {
		rec["release"] = release
	}
	if len(pi.Destinations) > 0 {
		names := make([]string, 0, len(pi.Destinations))
		for _, dst := range pi.Destinations {
			names = append(names, dst.Destination)
		}
		rec["dest"] = names
	}

	setString(rec, "image_id", pi.ImageID)
	setString(rec, "sas_uri", pi.SASURI)

	setString(rec, "marketplace_entity_type", pi.MarketplaceEntityType)
	setString(rec, "marketplace_name", pi.MarketplaceName)
	setString(rec, "marketplace_title", pi.MarketplaceTitle)
	setString(rec, "release_notes", pi.ReleaseNotes)
	setString(rec, "usage_instructions", pi.UsageInstructions)
	setString(rec, "recommended_instance_type", pi.RecommendedInstanceType)
	if pi.ScanningPort != 0 {
		rec["scanning_port"] = pi.ScanningPort
	}
	setString(rec, "user_name", pi.UserName)
	if len(pi.SecurityGroups) > 0 {
		rec["security_groups"] = pi.SecurityGroups
	}
	if pi.AccessEndpointURL != nil {
		rec["access_endpoint_url"] = pi.AccessEndpointURL
	}

	setString(rec, "type", pi.Type)
	setString(rec, "region", pi.Region)
	setString(rec, "virtualization", pi.Virtualization)
	setString(rec, "volume", pi.Volume)
	setString(rec, "root_device", pi.RootDevice)
	setString(rec, "sriov_net_support", pi.SriovNetSupport)
	if pi.EnaSupport != nil {
		rec["ena_support"] = *pi.EnaSupport
	}
	setString(rec, "boot_mode", pi.BootMode)
	if pi.BillingCodes != nil {
		rec["billing_codes"] = pi.BillingCodes
	}
	if pi.PublicImage {
		rec["public_image"] = true
	}

	setString(rec, "generation", pi.Generation)
	setString(rec, "sku_id", pi.SKUID)
	setString(rec, "legacy_sku_id", pi.LegacySKUID)
	if pi.SupportLegacy != nil {
		rec["support_legacy"] = *pi.SupportLegacy
	}
	setString(rec, "disk_version", pi.DiskVersion)
	if len(pi.RecommendedSizes) > 0 {
		rec["recommended_sizes"] = pi.RecommendedSizes
	}

	if res.CloudInfo != nil {
		rec["cloud_info"] = res.CloudInfo
	}
	if res.Policy != nil {
		rec["policy"] = res.Policy
	}
	return rec
}

func buildInfoRecord(bi item.BuildInfo) map[string]any {
	rec := map[string]any{}
	if bi.ID != 0 {
		rec["id"] = bi.ID
	}
	setString(rec, "name", bi.Name)
	setString(rec, "version", bi.Version)
	setString(rec, "release", bi.Release)
	return rec
}

func releaseRecord(r item.Release) map[string]any {
	rec := map[string]any{}
	setString(rec, "product", r.Product)
	setString(rec, "version", r.Version)
	setString(rec, "base_product", r.BaseProduct)
	setString(rec, "base_version", r.BaseVersion)
	setString(rec, "arch", r.Arch)
	setString(rec, "variant", r.Variant)
	if r.Respin != 0 {
		rec["respin"] = r.Respin
	}
	if !r.Date.IsZero() {
		rec["date"] = r.Date.Format("20060102")
	}
	setString(rec, "type", r.Type)
	return rec
}

func setString(rec map[string]any, key, val string) {
	if val != "" {
		rec[key] = val
	}
}
