// Package item defines the push item data model: the immutable image
// descriptor flowing through the pipeline, its delivery destinations and
// lifecycle state, and the materializer that fills descriptor fields from
// resolved policy metadata.
package item

import "time"

// Kind identifies the image format of a push item, which also decides the
// cloud it can be delivered to.
type Kind string

const (
	// KindAMI is an Amazon machine image.
	KindAMI Kind = "ami"
	// KindVHD is an Azure virtual hard disk image.
	KindVHD Kind = "vhd"
)

// Cloud returns the policy cloud name items of this kind resolve against.
func (k Kind) Cloud() string {
	switch k {
	case KindAMI:
		return "aws"
	case KindVHD:
		return "azure"
	}
	return ""
}

// PushItem describes one VM image to deliver. Values are treated as
// read-only once constructed; pipeline phases derive updated copies through
// the With* helpers instead of mutating in place.
type PushItem struct {
	Name        string
	Kind        Kind
	Description string
	Src         string
	Build       string
	BuildInfo   BuildInfo
	Origin      string
	MD5Sum      string
	SHA256Sum   string
	SigningKey  string

	Release      Release
	Destinations []Destination
	State        State

	// Cloud-side identity, filled in as phases complete.
	ImageID string
	SASURI  string

	// Listing attributes, usually merged from policy metadata.
	MarketplaceEntityType   string
	MarketplaceName         string
	MarketplaceTitle        string
	ReleaseNotes            string
	UsageInstructions       string
	RecommendedInstanceType string
	ScanningPort            int
	UserName                string
	SecurityGroups          []SecurityGroup
	AccessEndpointURL       *AccessEndpointURL

	// Image runtime attributes.
	Type            string
	Region          string
	Virtualization  string
	Volume          string
	RootDevice      string
	SriovNetSupport string
	EnaSupport      *bool
	BootMode        string
	BillingCodes    *BillingCodes
	PublicImage     bool

	// Azure plan attributes.
	Generation       string
	SKUID            string
	LegacySKUID      string
	SupportLegacy    *bool
	DiskVersion      string
	RecommendedSizes []string
}

// BuildInfo identifies the build a push item was produced from.
type BuildInfo struct {
	ID      int64
	Name    string
	Version string
	Release string
}

// Release carries the product release metadata of a push item.
type Release struct {
	Product     string
	Version     string
	BaseProduct string
	BaseVersion string
	Arch        string
	Variant     string
	Respin      int
	Date        time.Time
	Type        string
}

// Destination is one (marketplace, location) delivery target resolved from
// policy. Meta and Tags are read-only after resolution.
type Destination struct {
	Destination     string            `json:"destination"`
	Architecture    string            `json:"architecture,omitempty"`
	Overwrite       bool              `json:"overwrite,omitempty"`
	RestrictVersion bool              `json:"restrict_version,omitempty"`
	RestrictMajor   *int              `json:"restrict_major,omitempty"`
	RestrictMinor   *int              `json:"restrict_minor,omitempty"`
	Provider        string            `json:"provider,omitempty"`
	Meta            map[string]any    `json:"meta,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Applicable reports whether d applies to an item built for arch. A
// destination without an architecture filter applies to every item.
func (d Destination) Applicable(arch string) bool {
	return d.Architecture == "" || d.Architecture == arch
}

// SecurityGroup describes a firewall rule attached to a marketplace listing.
type SecurityGroup struct {
	FromPort   int      `json:"from_port"`
	ToPort     int      `json:"to_port"`
	IPProtocol string   `json:"ip_protocol"`
	IPRanges   []string `json:"ip_ranges"`
}

// AccessEndpointURL describes how end users reach a running instance.
type AccessEndpointURL struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// BillingCodes carries the billing code configuration for community images.
type BillingCodes struct {
	Name  string   `json:"name"`
	Codes []string `json:"codes"`
}

// WithState returns a copy of the item carrying the given state.
func (p PushItem) WithState(s State) PushItem {
	p.State = s
	return p
}

// WithDestinations returns a copy of the item pointing at the given
// destinations. The slice is copied so later changes to dests do not leak
// into the returned item.
func (p PushItem) WithDestinations(dests []Destination) PushItem {
	p.Destinations = append([]Destination(nil), dests...)
	return p
}

// WithImageID returns a copy of the item carrying the cloud-side image id.
func (p PushItem) WithImageID(id string) PushItem {
	p.ImageID = id
	return p
}

// WithSASURI returns a copy of the item carrying the uploaded blob URI.
func (p PushItem) WithSASURI(uri string) PushItem {
	p.SASURI = uri
	return p
}

// WithDiskVersion returns a copy of the item carrying the disk version.
func (p PushItem) WithDiskVersion(v string) PushItem {
	p.DiskVersion = v
	return p
}
