package item

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// mergePhase selects which descriptor rows apply during a merge. Upload
// metadata must be uniform across all destinations of one account, while
// publish metadata may differ per destination, so the two sets are merged at
// different times.
type mergePhase int

const (
	mergeUpload mergePhase = 1 << iota
	mergePublish
)

// fieldDescriptor declares how one metadata attribute maps onto a PushItem
// field: when it is eligible for merging, whether an absent value should be
// reported, how to detect an already set field and how to assign a value.
type fieldDescriptor struct {
	name   string
	phase  mergePhase
	quiet  bool
	isSet  func(*PushItem) bool
	assign func(*PushItem, any) error
}

// fieldDescriptors is the full merge table. Order is the merge order.
var fieldDescriptors = []fieldDescriptor{
	// Uniform across an account's destinations; merged before upload.
	{
		name:   "description",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Description != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Description, v) },
	},
	{
		name:   "region",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Region != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Region, v) },
	},
	{
		name:   "type",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Type != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Type, v) },
	},
	{
		name:   "virtualization",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Virtualization != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Virtualization, v) },
	},
	{
		name:   "volume",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Volume != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Volume, v) },
	},
	{
		name:   "root_device",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.RootDevice != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.RootDevice, v) },
	},
	{
		name:   "sriov_net_support",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.SriovNetSupport != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.SriovNetSupport, v) },
	},
	{
		name:   "ena_support",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.EnaSupport != nil },
		assign: func(p *PushItem, v any) error { return assignBoolPtr(&p.EnaSupport, v) },
	},
	{
		name:   "boot_mode",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.BootMode != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.BootMode, v) },
	},
	{
		name:   "marketplace_entity_type",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.MarketplaceEntityType != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.MarketplaceEntityType, v) },
	},
	{
		name:   "marketplace_name",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.MarketplaceName != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.MarketplaceName, v) },
	},
	{
		name:   "generation",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.Generation != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Generation, v) },
	},
	{
		name:   "support_legacy",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return p.SupportLegacy != nil },
		assign: func(p *PushItem, v any) error { return assignBoolPtr(&p.SupportLegacy, v) },
	},
	{
		name:   "recommended_sizes",
		phase:  mergeUpload,
		isSet:  func(p *PushItem) bool { return len(p.RecommendedSizes) > 0 },
		assign: func(p *PushItem, v any) error { return assignStringSlice(&p.RecommendedSizes, v) },
	},
	{
		name:  "billing_codes",
		phase: mergeUpload,
		isSet: func(p *PushItem) bool { return p.BillingCodes != nil },
		assign: func(p *PushItem, v any) error {
			codes, ok := v.(*BillingCodes)
			if !ok {
				return fmt.Errorf("expected billing codes, got %T", v)
			}
			p.BillingCodes = codes
			return nil
		},
	},
	// Checksums and provenance are carried by the source, not by policy
	// metadata, so their absence is not worth reporting.
	{
		name:   "md5sum",
		phase:  mergeUpload,
		quiet:  true,
		isSet:  func(p *PushItem) bool { return p.MD5Sum != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.MD5Sum, v) },
	},
	{
		name:   "sha256sum",
		phase:  mergeUpload,
		quiet:  true,
		isSet:  func(p *PushItem) bool { return p.SHA256Sum != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.SHA256Sum, v) },
	},
	{
		name:   "signing_key",
		phase:  mergeUpload,
		quiet:  true,
		isSet:  func(p *PushItem) bool { return p.SigningKey != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.SigningKey, v) },
	},
	{
		name:   "origin",
		phase:  mergeUpload,
		quiet:  true,
		isSet:  func(p *PushItem) bool { return p.Origin != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.Origin, v) },
	},
	// Listing attributes which may differ between destinations of the same
	// account; merged per destination before publish.
	{
		name:   "marketplace_title",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.MarketplaceTitle != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.MarketplaceTitle, v) },
	},
	{
		name:   "release_notes",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.ReleaseNotes != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.ReleaseNotes, v) },
	},
	{
		name:   "usage_instructions",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.UsageInstructions != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.UsageInstructions, v) },
	},
	{
		name:   "recommended_instance_type",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.RecommendedInstanceType != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.RecommendedInstanceType, v) },
	},
	{
		name:   "scanning_port",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.ScanningPort != 0 },
		assign: func(p *PushItem, v any) error { return assignInt(&p.ScanningPort, v) },
	},
	{
		name:   "user_name",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.UserName != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.UserName, v) },
	},
	{
		name:  "security_groups",
		phase: mergePublish,
		isSet: func(p *PushItem) bool { return len(p.SecurityGroups) > 0 },
		assign: func(p *PushItem, v any) error {
			groups, ok := v.([]SecurityGroup)
			if !ok {
				return fmt.Errorf("expected security groups, got %T", v)
			}
			p.SecurityGroups = groups
			return nil
		},
	},
	{
		name:  "access_endpoint_url",
		phase: mergePublish,
		isSet: func(p *PushItem) bool { return p.AccessEndpointURL != nil },
		assign: func(p *PushItem, v any) error {
			endpoint, ok := v.(*AccessEndpointURL)
			if !ok {
				return fmt.Errorf("expected access endpoint url, got %T", v)
			}
			p.AccessEndpointURL = endpoint
			return nil
		},
	},
	{
		name:   "sku_id",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.SKUID != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.SKUID, v) },
	},
	{
		name:   "legacy_sku_id",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.LegacySKUID != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.LegacySKUID, v) },
	},
	{
		name:   "disk_version",
		phase:  mergePublish,
		isSet:  func(p *PushItem) bool { return p.DiskVersion != "" },
		assign: func(p *PushItem, v any) error { return assignString(&p.DiskVersion, v) },
	},
}

func assignString(dst *string, v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	*dst = s
	return nil
}

func assignInt(dst *int, v any) error {
	switch n := v.(type) {
	case int:
		*dst = n
	case int64:
		*dst = int(n)
	case float64:
		*dst = int(n)
	default:
		return fmt.Errorf("expected number, got %T", v)
	}
	return nil
}

func assignBoolPtr(dst **bool, v any) error {
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	*dst = &b
	return nil
}

func assignStringSlice(dst *[]string, v any) error {
	switch vals := v.(type) {
	case []string:
		*dst = append([]string(nil), vals...)
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		*dst = out
	default:
		return fmt.Errorf("expected string list, got %T", v)
	}
	return nil
}

// MappedItem pairs a push item with its resolved policy mappings and lazily
// materializes per-account copies with unset fields filled from metadata.
// Materializing never touches the original item; results are memoized per
// account until overwritten through SetForAccount.
type MappedItem struct {
	Item   PushItem
	Clouds map[string][]Destination
	Logger *slog.Logger

	mu   sync.Mutex
	memo map[string]PushItem
}

// NewMappedItem wraps pi with its account to destinations mapping.
func NewMappedItem(pi PushItem, clouds map[string][]Destination) *MappedItem {
	return &MappedItem{Item: pi, Clouds: clouds, memo: map[string]PushItem{}}
}

func (m *MappedItem) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Marketplaces returns the sorted account names the item maps to.
func (m *MappedItem) Marketplaces() []string {
	accounts := make([]string, 0, len(m.Clouds))
	for account := range m.Clouds {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	return accounts
}

// applicable returns the account's destinations passing the architecture
// filter for the wrapped item.
func (m *MappedItem) applicable(account string) []Destination {
	var out []Destination
	for _, dst := range m.Clouds[account] {
		if dst.Applicable(m.Item.Release.Arch) {
			out = append(out, dst)
		}
	}
	return out
}

// Destinations returns every applicable destination across all accounts.
func (m *MappedItem) Destinations() []Destination {
	var out []Destination
	for _, account := range m.Marketplaces() {
		out = append(out, m.applicable(account)...)
	}
	return out
}

// Meta returns the destination metadata merged across every applicable
// destination. Later accounts and destinations win on key conflicts.
func (m *MappedItem) Meta() map[string]any {
	merged := map[string]any{}
	for _, dst := range m.Destinations() {
		for k, v := range dst.Meta {
			merged[k] = v
		}
	}
	return merged
}

// Tags returns the custom tags merged across every applicable destination.
func (m *MappedItem) Tags() map[string]string {
	merged := map[string]string{}
	for _, dst := range m.Destinations() {
		for k, v := range dst.Tags {
			merged[k] = v
		}
	}
	return merged
}

// TagsFor returns the custom tags merged across the account's destinations.
func (m *MappedItem) TagsFor(account string) (map[string]string, error) {
	if _, ok := m.Clouds[account]; !ok {
		return nil, fmt.Errorf("no such marketplace %q", account)
	}
	merged := map[string]string{}
	for _, dst := range m.Clouds[account] {
		for k, v := range dst.Tags {
			merged[k] = v
		}
	}
	return merged, nil
}

// ForAccount materializes the item for one marketplace account: the
// destination list is narrowed to the account's applicable destinations and
// unset upload-time fields are filled from the merged destination metadata.
// The result is memoized.
func (m *MappedItem) ForAccount(account string) (PushItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forAccountLocked(account)
}

func (m *MappedItem) forAccountLocked(account string) (PushItem, error) {
	if _, ok := m.Clouds[account]; !ok {
		return PushItem{}, fmt.Errorf("no such marketplace %q", account)
	}
	if pi, ok := m.memo[account]; ok {
		return pi, nil
	}

	dests := m.applicable(account)
	pi := m.Item.WithDestinations(dests)

	meta := map[string]any{}
	for _, dst := range dests {
		for k, v := range dst.Meta {
			meta[k] = v
		}
	}

	pi, err := m.mergeFields(pi, meta, mergeUpload, true)
	if err != nil {
		return PushItem{}, err
	}
	pi, err = mergeRelease(pi, meta)
	if err != nil {
		return PushItem{}, err
	}

	m.memo[account] = pi
	return pi, nil
}

// ForAccountAndDestination materializes the item for a single destination of
// an account: the account copy is narrowed to that destination and unset
// publish-time fields are filled from the destination's own metadata first,
// then from the account's merged metadata.
func (m *MappedItem) ForAccountAndDestination(account string, dest Destination) (PushItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, err := m.forAccountLocked(account)
	if err != nil {
		return PushItem{}, err
	}
	pi = pi.WithDestinations([]Destination{dest})

	pi, err = m.mergeFields(pi, dest.Meta, mergePublish, false)
	if err != nil {
		return PushItem{}, err
	}

	meta := map[string]any{}
	for _, dst := range m.applicable(account) {
		for k, v := range dst.Meta {
			meta[k] = v
		}
	}
	return m.mergeFields(pi, meta, mergePublish, true)
}

// SetForAccount overwrites the memoized copy for the account, keeping the
// materialized state produced by a pipeline phase, such as the image id
// assigned during upload.
func (m *MappedItem) SetForAccount(account string, pi PushItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memo[account] = pi
}

// mergeFields walks the descriptor table and fills every unset field the
// metadata has a value for. Set fields are never overwritten. When warn is
// true, attributes the metadata cannot provide are reported unless the
// descriptor is quiet.
func (m *MappedItem) mergeFields(pi PushItem, meta map[string]any, phase mergePhase, warn bool) (PushItem, error) {
	for _, desc := range fieldDescriptors {
		if desc.phase&phase == 0 {
			continue
		}
		if desc.isSet(&pi) {
			continue
		}
		value, ok := meta[desc.name]
		if !ok {
			if warn && !desc.quiet {
				m.logger().Warn("missing information for attribute, leaving it unset",
					"item", pi.Name, "attribute", desc.name)
			}
			continue
		}
		value, err := convertValue(desc.name, value)
		if err != nil {
			return PushItem{}, err
		}
		if err := desc.assign(&pi, value); err != nil {
			return PushItem{}, fmt.Errorf("assigning attribute %q: %w", desc.name, err)
		}
	}
	return pi, nil
}

// mergeRelease fills unset release fields from the metadata's release block.
// Fields already set on the item's release always win.
func mergeRelease(pi PushItem, meta map[string]any) (PushItem, error) {
	raw, ok := meta["release"]
	if !ok {
		return pi, nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return PushItem{}, fmt.Errorf("expected release block, got %T", raw)
	}

	rel := pi.Release
	for name, v := range block {
		var err error
		switch name {
		case "product":
			if rel.Product == "" {
				err = assignString(&rel.Product, v)
			}
		case "version":
			if rel.Version == "" {
				err = assignString(&rel.Version, v)
			}
		case "base_product":
			if rel.BaseProduct == "" {
				err = assignString(&rel.BaseProduct, v)
			}
		case "base_version":
			if rel.BaseVersion == "" {
				err = assignString(&rel.BaseVersion, v)
			}
		case "arch":
			if rel.Arch == "" {
				err = assignString(&rel.Arch, v)
			}
		case "variant":
			if rel.Variant == "" {
				err = assignString(&rel.Variant, v)
			}
		case "type":
			if rel.Type == "" {
				err = assignString(&rel.Type, v)
			}
		case "respin":
			if rel.Respin == 0 {
				err = assignInt(&rel.Respin, v)
			}
		case "date":
			if rel.Date.IsZero() {
				rel.Date, err = parseReleaseDate(v)
			}
		}
		if err != nil {
			return PushItem{}, fmt.Errorf("merging release field %q: %w", name, err)
		}
	}
	pi.Release = rel
	return pi, nil
}

func parseReleaseDate(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected date string, got %T", v)
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
