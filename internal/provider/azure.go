package provider

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/bianoble/cloudpush/internal/item"
)

const defaultAzureAPIVersion = "2022-07-01"

// AzureCredentials is the typed auth section for an Azure marketplace
// account.
type AzureCredentials struct {
	TenantID                string `json:"AZURE_TENANT_ID"`
	ClientID                string `json:"AZURE_CLIENT_ID"`
	APISecret               string `json:"AZURE_API_SECRET"`
	StorageConnectionString string `json:"AZURE_STORAGE_CONNECTION_STRING"`
	APIVersion              string `json:"AZURE_API_VERSION"`
}

func (c AzureCredentials) validate() []string {
	required := []struct{ key, value string }{
		{"AZURE_TENANT_ID", c.TenantID},
		{"AZURE_CLIENT_ID", c.ClientID},
		{"AZURE_API_SECRET", c.APISecret},
		{"AZURE_STORAGE_CONNECTION_STRING", c.StorageConnectionString},
	}
	var problems []string
	for _, r := range required {
		if r.value == "" {
			problems = append(problems, fmt.Sprintf("missing mandatory key '%s'", r.key))
		}
	}
	return problems
}

// AzureBlob identifies one uploaded page blob.
type AzureBlob struct {
	Container string
	Name      string
}

// AzureUploadMetadata describes one VHD upload.
type AzureUploadMetadata struct {
	ImagePath    string
	ImageName    string
	Container    string
	Description  string
	Architecture string
	Tags         map[string]string
}

// AzurePublishMetadata associates an uploaded VHD with an offer plan.
type AzurePublishMetadata struct {
	DiskVersion      string
	SKUID            string
	Generation       string
	SupportLegacy    bool
	RecommendedSizes []string
	LegacySKUID      string
	ImagePath        string
	Architecture     string
	Destination      string
	KeepDraft        bool
	Overwrite        bool
}

// AzureUploadClient is the blob storage side of the SDK boundary.
type AzureUploadClient interface {
	Publish(ctx context.Context, meta AzureUploadMetadata) (AzureBlob, error)
	BlobSASURI(ctx context.Context, blob AzureBlob) (string, error)
	BlobTags(ctx context.Context, container, name string) (map[string]string, error)
	SetBlobTags(ctx context.Context, container, name string, tags map[string]string) error
}

// AzureMarketplaceClient is the partner center side of the SDK boundary.
// OfferState reports one of "draft", "preview" or "live".
type AzureMarketplaceClient interface {
	OfferState(ctx context.Context, offer string) (string, error)
	Publish(ctx context.Context, meta AzurePublishMetadata) error
}

// AzureClientBuilder supplies the SDK boundary for Azure providers.
type AzureClientBuilder interface {
	UploadClient(creds AzureCredentials) (AzureUploadClient, error)
	MarketplaceClient(creds AzureCredentials) (AzureMarketplaceClient, error)
}

// AzureProvider publishes VHDs to the Azure marketplace for one account.
type AzureProvider struct {
	creds          AzureCredentials
	upload         AzureUploadClient
	marketplace    AzureMarketplaceClient
	allowDraftPush bool
	log            *slog.Logger
	now            func() time.Time
}

// NewAzureProvider builds an Azure provider from account credentials. It
// is registered as the factory for every azure-* marketplace account
// alias.
func NewAzureProvider(creds Credentials, opts FactoryOptions) (Provider, error) {
	var ac AzureCredentials
	if err := DecodeAuth(creds.Auth, &ac); err != nil {
		return nil, fmt.Errorf("decoding Azure credentials for %s: %w", creds.MarketplaceAccount, err)
	}
	if problems := ac.validate(); len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}
	if ac.APIVersion == "" {
		ac.APIVersion = defaultAzureAPIVersion
	}
	if opts.AzureClients == nil {
		return nil, fmt.Errorf("no Azure clients configured for %s — the embedding application must supply an AzureClientBuilder", creds.MarketplaceAccount)
	}
	upload, err := opts.AzureClients.UploadClient(ac)
	if err != nil {
		return nil, fmt.Errorf("building Azure upload client for %s: %w", creds.MarketplaceAccount, err)
	}
	marketplace, err := opts.AzureClients.MarketplaceClient(ac)
	if err != nil {
		return nil, fmt.Errorf("building Azure marketplace client for %s: %w", creds.MarketplaceAccount, err)
	}
	return &AzureProvider{
		creds:          ac,
		upload:         upload,
		marketplace:    marketplace,
		allowDraftPush: opts.AzureAllowDraftPush,
		log:            opts.Logger,
		now:            time.Now,
	}, nil
}

func (p *AzureProvider) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return slog.Default()
}

// Upload pushes the VHD into blob storage and records its SAS URI on the
// returned item.
func (p *AzureProvider) Upload(ctx context.Context, pi item.PushItem, opts UploadOptions) (item.PushItem, *Result, error) {
	name := azureImageName(pi)
	tags := buildTags(pi, opts.CustomTags)

	// Image URLs carry the full version in the build NVR (e.g. coreos
	// assembler output), not in build info.
	if strings.HasPrefix(pi.Src, "https://") {
		version, err := buildVersionFromBuild(pi.Build)
		if err != nil {
			return pi, nil, err
		}
		b := pi.BuildInfo
		tags["version"] = version
		tags["nvra"] = fmt.Sprintf("%s-%s-%s.%s", b.Name, version, b.Release, pi.Release.Arch)
	}

	container := opts.Container
	if container == "" {
		container = uploadContainerName()
	}
	meta := AzureUploadMetadata{
		ImagePath:    pi.Src,
		ImageName:    name,
		Container:    container,
		Description:  pi.Description,
		Architecture: pi.Release.Arch,
		Tags:         tags,
	}

	p.logger().InfoContext(ctx, "uploading image to Azure", "name", name, "container", container)
	blob, err := p.upload.Publish(ctx, meta)
	if err != nil {
		return pi, nil, fmt.Errorf("uploading %s: %w", name, err)
	}
	sasURI, err := p.upload.BlobSASURI(ctx, blob)
	if err != nil {
		return pi, nil, fmt.Errorf("reading SAS URI for %s: %w", name, err)
	}

	pi.SASURI = sasURI
	return pi, &Result{SASURI: sasURI}, nil
}

// PrePublish associates the image with its plan while the offer stays in
// draft. Multi-plan offers need every plan associated before any may go
// live, hence a full draft pass ahead of publishing.
func (p *AzureProvider) PrePublish(ctx context.Context, pi item.PushItem, opts PrePublishOptions) (item.PushItem, *Result, error) {
	return p.Publish(ctx, pi, PublishOptions{NoChannel: true, Tracker: opts.Tracker})
}

// Publish associates the uploaded VHD with an offer plan and, on the
// go-live pass, submits the offer and stamps the blob's release date.
func (p *AzureProvider) Publish(ctx context.Context, pi item.PushItem, opts PublishOptions) (item.PushItem, *Result, error) {
	if len(pi.Destinations) == 0 {
		return pi, nil, fmt.Errorf("push item %s has no destination", pi.Name)
	}
	if pi.DiskVersion == "" {
		dv, err := azureDiskVersion(pi.BuildInfo.Version, p.now())
		if err != nil {
			return pi, nil, err
		}
		pi.DiskVersion = dv
	}

	destination := pi.Destinations[0].Destination
	if !p.allowDraftPush {
		if err := p.ensureOfferWritable(ctx, destination, opts.NoChannel, opts.Tracker); err != nil {
			return pi, nil, err
		}
	}

	generation := pi.Generation
	if generation == "" {
		generation = "V2"
	}
	supportLegacy := false
	if pi.SupportLegacy != nil {
		supportLegacy = *pi.SupportLegacy
	}

	meta := AzurePublishMetadata{
		DiskVersion:      pi.DiskVersion,
		SKUID:            pi.SKUID,
		Generation:       generation,
		SupportLegacy:    supportLegacy,
		RecommendedSizes: append([]string(nil), pi.RecommendedSizes...),
		LegacySKUID:      pi.LegacySKUID,
		ImagePath:        pi.SASURI,
		Architecture:     pi.Release.Arch,
		Destination:      destination,
		KeepDraft:        opts.NoChannel,
		Overwrite:        opts.Overwrite,
	}
	if err := p.marketplace.Publish(ctx, meta); err != nil {
		return pi, nil, fmt.Errorf("publishing %s to %s: %w", pi.Name, destination, err)
	}

	return p.postPublish(ctx, pi, opts)
}

// postPublish stamps the uploaded blob with the release date once the
// offer goes live. Draft publishes skip it.
func (p *AzureProvider) postPublish(ctx context.Context, pi item.PushItem, opts PublishOptions) (item.PushItem, *Result, error) {
	result := &Result{SASURI: pi.SASURI}
	if opts.NoChannel {
		return pi, result, nil
	}

	container := uploadContainerName()
	name := strings.TrimSuffix(path.Base(pi.Src), ".xz")

	tags, err := p.upload.BlobTags(ctx, container, name)
	if err != nil {
		return pi, result, fmt.Errorf("reading blob tags for %s: %w", name, err)
	}
	if tags == nil {
		tags = make(map[string]string)
	}
	tags["release_date"] = p.now().Format("2006010215::04::05")
	if err := p.upload.SetBlobTags(ctx, container, name, tags); err != nil {
		return pi, result, fmt.Errorf("tagging blob %s: %w", name, err)
	}
	return pi, result, nil
}

// DeleteImages is not supported on Azure.
func (p *AzureProvider) DeleteImages(ctx context.Context, pi item.PushItem, opts DeleteOptions) (item.PushItem, *Result, error) {
	p.logger().InfoContext(ctx, "deleting Azure images from a push is not implemented yet")
	return pi, &Result{}, nil
}

// ensureOfferWritable guards against clobbering an offer someone else
// left in draft. Touching any plan flips the whole offer to draft, so
// the tracker records offers this run staged itself; a draft state on an
// offer the run has not touched means external changes are in flight.
func (p *AzureProvider) ensureOfferWritable(ctx context.Context, destination string, nochannel bool, tracker *OfferTracker) error {
	offer := offerName(destination)
	state, err := p.marketplace.OfferState(ctx, offer)
	if err != nil {
		return fmt.Errorf("checking offer %s: %w", offer, err)
	}
	if nochannel && tracker.MarkVisited(offer) && state == "draft" {
		return fmt.Errorf("can't update the offer %s as it's already being changed", offer)
	}
	return nil
}

func offerName(destination string) string {
	offer, _, _ := strings.Cut(destination, "/")
	return offer
}

// azureImageName builds the canonical image name. Unlike AWS, versions
// are kept whole and the plan generation stands in for the virt type.
func azureImageName(pi item.PushItem) string {
	release := pi.Release
	var parts []string

	if release.BaseProduct != "" {
		parts = append(parts, release.BaseProduct)
		if release.BaseVersion != "" {
			parts = append(parts, release.BaseVersion)
		}
	}
	parts = append(parts, release.Product)

	var mid []string
	if release.Version != "" {
		mid = append(mid, release.Version)
	}
	mid = append(mid, strings.ToUpper(pi.Generation))
	if release.Type != "" {
		mid = append(mid, strings.ToUpper(release.Type))
	}
	parts = append(parts, strings.Join(mid, "_"))

	parts = append(parts, release.Date.Format("20060102"), release.Arch, strconv.Itoa(release.Respin))
	return strings.Join(parts, "-")
}

// azureDiskVersion derives the plan disk version from the build version
// and the current hour: {major}.{minor}.{YYYYMMDDHH}.
func azureDiskVersion(version string, now time.Time) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("parsing build version '%s' for disk version: %w", version, err)
	}
	return fmt.Sprintf("%d.%d.%s", v.Major(), v.Minor(), now.Format("2006010215")), nil
}
