package item

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
)

// billingCodeConfigKey is the destination metadata key carrying the billing
// code rules for community images.
const billingCodeConfigKey = "billing-code-config"

// billingCodeNames maps an image billing type to the billing code name used
// when a rule does not name one itself.
var billingCodeNames = map[string]string{
	"hourly":      "Hourly2",
	"access":      "Access2",
	"marketplace": "Marketplace",
}

// BillingCodeRule matches community images by file name prefix and billing
// type and carries the codes to attach on upload.
type BillingCodeRule struct {
	Name       string   `json:"name,omitempty"`
	Codes      []string `json:"codes"`
	ImageName  string   `json:"image_name"`
	ImageTypes []string `json:"image_types"`
}

// EnrichOptions adjusts how a push item is enriched for the community
// workflow.
type EnrichOptions struct {
	// ReleaseType overwrites the release type, usually "ga" or "beta".
	ReleaseType string

	// RequireBillingCodes makes enrichment fail when no billing code rule
	// matches the image.
	RequireBillingCodes bool

	Logger *slog.Logger
}

// Enrich fills the push item attributes the community workflow needs and
// that policy metadata does not provide directly: the region and billing
// type encoded in the destination string, the matched billing codes, the
// metadata registry provider name and the public image flag. The returned
// copy points at the single given destination.
func Enrich(pi PushItem, dest Destination, opts EnrichOptions) (PushItem, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// A community destination encodes "<region>-<billing type>", such as
	// "us-east-1-hourly".
	region, imageType, ok := splitDestination(dest.Destination)
	if !ok {
		return PushItem{}, fmt.Errorf("malformed community destination %q", dest.Destination)
	}
	pi.Region = region
	pi.Type = imageType

	if opts.RequireBillingCodes {
		codes, err := matchBillingCodes(pi, dest)
		if err != nil {
			return PushItem{}, err
		}
		pi.BillingCodes = codes
	} else {
		logger.Warn("billing codes requirement is currently disabled")
	}

	// The metadata registry provider name rides on the marketplace entity
	// type, which the community workflow does not use otherwise.
	if dest.Provider != "" {
		pi.MarketplaceEntityType = dest.Provider
	} else {
		pi.MarketplaceEntityType = "AWS"
	}

	pi.PublicImage = isPublicImage(pi.Type, pi.Release)

	// The metadata registry does not accept aarch64.
	if strings.EqualFold(pi.Release.Arch, "aarch64") {
		pi.Release.Arch = "arm64"
	}

	pi.Release.Type = opts.ReleaseType

	return pi.WithDestinations([]Destination{dest}), nil
}

func splitDestination(dest string) (region, imageType string, ok bool) {
	i := strings.LastIndex(dest, "-")
	if i <= 0 || i == len(dest)-1 {
		return "", "", false
	}
	return dest[:i], dest[i+1:], true
}

// matchBillingCodes resolves the billing codes for the item from the
// destination's billing code rules. Codes from every matching rule are
// combined; the name comes from the first match.
func matchBillingCodes(pi PushItem, dest Destination) (*BillingCodes, error) {
	raw, ok := dest.Meta[billingCodeConfigKey]
	if !ok {
		return nil, fmt.Errorf("no billing code configuration provided for %s on %s", pi.Name, dest.Destination)
	}
	var config map[string]BillingCodeRule
	if err := reshape(raw, &config); err != nil {
		return nil, fmt.Errorf("malformed billing code configuration on %s: %w", dest.Destination, err)
	}
	if len(config) == 0 {
		return nil, fmt.Errorf("no billing code configuration provided for %s on %s", pi.Name, dest.Destination)
	}

	ruleNames := make([]string, 0, len(config))
	for name := range config {
		ruleNames = append(ruleNames, name)
	}
	sort.Strings(ruleNames)

	base := path.Base(pi.Src)
	var codes []string
	var name string
	for _, ruleName := range ruleNames {
		rule := config[ruleName]
		if !strings.HasPrefix(base, rule.ImageName) {
			continue
		}
		if !contains(rule.ImageTypes, pi.Type) {
			continue
		}
		codes = append(codes, rule.Codes...)
		if name == "" {
			name = rule.Name
			if name == "" {
				name = billingCodeNames[pi.Type]
			}
		}
	}
	if name == "" {
		return nil, fmt.Errorf("could not apply a billing code for %s", pi.Name)
	}
	return &BillingCodes{Name: name, Codes: codes}, nil
}

// isPublicImage reports whether the image should be shared with all cloud
// users. Only hourly images carry the additional fee that makes public
// sharing appropriate, and a few products stay restricted even then:
// high availability images stay private during beta, and SAP images ship
// through the marketplace workflow instead.
func isPublicImage(imageType string, rel Release) bool {
	if imageType != "hourly" {
		return false
	}
	if rel.Product == "RHEL_HA" && rel.Type == "beta" {
		return false
	}
	if rel.Product == "SAP" {
		return false
	}
	return true
}

// SharingAccounts extracts the cloud account lists a destination wants the
// uploaded image shared with. Recognized metadata keys are "accounts",
// "sharing_accounts" and "snapshot_accounts"; each value may be a plain
// list or a map whose values are taken in key order.
func SharingAccounts(dest Destination) map[string][]string {
	out := map[string][]string{}
	for _, key := range []string{"accounts", "sharing_accounts", "snapshot_accounts"} {
		raw, ok := dest.Meta[key]
		if !ok {
			continue
		}
		switch val := raw.(type) {
		case []any:
			var accounts []string
			for _, e := range val {
				if s, ok := e.(string); ok {
					accounts = append(accounts, s)
				}
			}
			if len(accounts) > 0 {
				out[key] = accounts
			}
		case []string:
			out[key] = append([]string(nil), val...)
		case map[string]any:
			names := make([]string, 0, len(val))
			for name := range val {
				names = append(names, name)
			}
			sort.Strings(names)
			var accounts []string
			for _, name := range names {
				if s, ok := val[name].(string); ok {
					accounts = append(accounts, s)
				}
			}
			if len(accounts) > 0 {
				out[key] = accounts
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
