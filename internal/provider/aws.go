package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/bianoble/cloudpush/internal/item"
)

const defaultAWSRegion = "us-east-1"

// awsArchAliases maps build architecture names to the ones AWS expects.
var awsArchAliases = map[string]string{"aarch64": "arm64"}

func awsArch(arch string) string {
	if alias, ok := awsArchAliases[arch]; ok {
		return alias
	}
	return arch
}

// AWSCredentials is the typed auth section for an AWS marketplace
// account. Keys follow the operator-facing credentials file format.
type AWSCredentials struct {
	ImageAccessKey          string   `json:"AWS_IMAGE_ACCESS_KEY"`
	ImageSecretAccess       string   `json:"AWS_IMAGE_SECRET_ACCESS"`
	MarketplaceAccessKey    string   `json:"AWS_MARKETPLACE_ACCESS_KEY"`
	MarketplaceSecretAccess string   `json:"AWS_MARKETPLACE_SECRET_ACCESS"`
	AccessRoleARN           string   `json:"AWS_ACCESS_ROLE_ARN"`
	Groups                  []string `json:"AWS_GROUPS"`
	Accounts                []string `json:"AWS_ACCOUNTS"`
	SnapshotAccounts        []string `json:"AWS_SNAPSHOT_ACCOUNTS"`
	Region                  string   `json:"AWS_REGION"`
	S3Bucket                string   `json:"AWS_S3_BUCKET"`
}

func (c AWSCredentials) validate() []string {
	required := []struct{ key, value string }{
		{"AWS_IMAGE_ACCESS_KEY", c.ImageAccessKey},
		{"AWS_IMAGE_SECRET_ACCESS", c.ImageSecretAccess},
		{"AWS_MARKETPLACE_ACCESS_KEY", c.MarketplaceAccessKey},
		{"AWS_MARKETPLACE_SECRET_ACCESS", c.MarketplaceSecretAccess},
		{"AWS_ACCESS_ROLE_ARN", c.AccessRoleARN},
	}
	var problems []string
	for _, r := range required {
		if r.value == "" {
			problems = append(problems, fmt.Sprintf("missing mandatory key '%s'", r.key))
		}
	}
	return problems
}

// AWSImage identifies a registered image on the account.
type AWSImage struct {
	ID   string
	Name string
}

// AWSUploadMetadata describes one image upload and registration.
type AWSUploadMetadata struct {
	ImagePath        string
	ImageName        string
	SnapshotName     string
	Container        string
	Description      string
	Architecture     string
	VirtType         string
	RootDeviceName   string
	VolumeType       string
	Accounts         []string
	Groups           []string
	SnapshotAccounts []string
	SriovNetSupport  string
	EnaSupport       *bool
	BootMode         string
	BillingProducts  []string
	Tags             map[string]string
}

// AWSDeleteMetadata describes one image (and optionally snapshot) removal.
type AWSDeleteMetadata struct {
	ImageID      string
	ImageName    string
	SnapshotID   string
	SnapshotName string
	SkipSnapshot bool
}

// AWSVersionMapping is the marketplace version payload for one publish.
type AWSVersionMapping struct {
	Version         AWSVersionInfo
	DeliveryOptions []AWSDeliveryOption
}

// AWSVersionInfo names one marketplace product version.
type AWSVersionInfo struct {
	VersionTitle string
	ReleaseNotes string
}

// AWSDeliveryOption carries the AMI details end users receive.
type AWSDeliveryOption struct {
	AMISource               AWSAMISource
	UsageInstructions       string
	RecommendedInstanceType string
	SecurityGroups          []item.SecurityGroup
	AccessEndpointURL       *item.AccessEndpointURL
}

// AWSAMISource points the delivery option at the uploaded AMI.
type AWSAMISource struct {
	AMIID                  string
	AccessRoleARN          string
	UserName               string
	OperatingSystemName    string
	OperatingSystemVersion string
	ScanningPort           int
}

// AWSPublishMetadata ties a version mapping to a marketplace entity.
type AWSPublishMetadata struct {
	VersionMapping        AWSVersionMapping
	MarketplaceEntityType string
	ImagePath             string
	Architecture          string
	Destination           string
	KeepDraft             bool
	Overwrite             bool
}

// AWSUploadClient is the storage/EC2 side of the SDK boundary. A nil
// image pointer from the lookup calls means "not found", not an error.
type AWSUploadClient interface {
	Publish(ctx context.Context, meta AWSUploadMetadata) (AWSImage, error)
	ImageFromCatalog(ctx context.Context, src string) (*AWSImage, error)
	ImageByName(ctx context.Context, name string) (*AWSImage, error)
	CopyImage(ctx context.Context, imageID, imageName, region string) (string, error)
	TagImage(ctx context.Context, imageID string, tags map[string]string) error
	Delete(ctx context.Context, meta AWSDeleteMetadata) error
}

// AWSMarketplaceClient is the marketplace catalog side of the SDK
// boundary. ProductVersions keys the result by version title.
type AWSMarketplaceClient interface {
	WaitActiveChangesets(ctx context.Context, entityID string) error
	ProductVersions(ctx context.Context, entityID string) (map[string]string, error)
	PublishVersion(ctx context.Context, meta AWSPublishMetadata) error
	RestrictVersions(ctx context.Context, entityID, entityType string, major, minor *int) ([]string, error)
}

// AWSClientBuilder supplies the SDK boundary for AWS providers. Upload
// clients are region-scoped and requested per call; the marketplace
// client is built once per account.
type AWSClientBuilder interface {
	UploadClient(creds AWSCredentials, region string) (AWSUploadClient, error)
	MarketplaceClient(creds AWSCredentials) (AWSMarketplaceClient, error)
}

// AWSProvider publishes AMIs to the AWS marketplace for one account.
type AWSProvider struct {
	creds       AWSCredentials
	clients     AWSClientBuilder
	marketplace AWSMarketplaceClient
	log         *slog.Logger
	now         func() time.Time
}

// NewAWSProvider builds an AWS provider from account credentials. It is
// registered as the factory for every aws-* marketplace account alias.
func NewAWSProvider(creds Credentials, opts FactoryOptions) (Provider, error) {
	var ac AWSCredentials
	if err := DecodeAuth(creds.Auth, &ac); err != nil {
		return nil, fmt.Errorf("decoding AWS credentials for %s: %w", creds.MarketplaceAccount, err)
	}
	if problems := ac.validate(); len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}
	if ac.Region == "" {
		ac.Region = defaultAWSRegion
	}
	if ac.S3Bucket == "" {
		ac.S3Bucket = uploadContainerName()
	}
	if opts.AWSClients == nil {
		return nil, fmt.Errorf("no AWS clients configured for %s — the embedding application must supply an AWSClientBuilder", creds.MarketplaceAccount)
	}
	marketplace, err := opts.AWSClients.MarketplaceClient(ac)
	if err != nil {
		return nil, fmt.Errorf("building AWS marketplace client for %s: %w", creds.MarketplaceAccount, err)
	}
	return &AWSProvider{
		creds:       ac,
		clients:     opts.AWSClients,
		marketplace: marketplace,
		log:         opts.Logger,
		now:         time.Now,
	}, nil
}

func (p *AWSProvider) logger() *slog.Logger {
	if p.log != nil {
		return p.log
	}
	return slog.Default()
}

// Upload pushes the image bits into S3, imports them as a snapshot and
// registers the AMI, or copies an existing AMI from the catalog when the
// source is already an AMI id. The returned item carries the image id.
func (p *AWSProvider) Upload(ctx context.Context, pi item.PushItem, opts UploadOptions) (item.PushItem, *Result, error) {
	name := awsImageName(pi)

	groups := opts.Groups
	if len(groups) == 0 {
		groups = p.creds.Groups
	}
	accounts := opts.Accounts
	if len(accounts) == 0 {
		accounts = p.creds.Accounts
	}
	snapshotAccounts := opts.SnapshotAccounts
	if len(snapshotAccounts) == 0 {
		snapshotAccounts = p.creds.SnapshotAccounts
	}
	container := opts.Container
	if container == "" {
		container = p.creds.S3Bucket
	}

	p.logger().InfoContext(ctx, "uploading image to AWS", "name", name, "groups", groups)

	if pi.Region == "" {
		pi.Region = p.creds.Region
	}
	pi.Name = name

	tags := buildTags(pi, opts.CustomTags)

	// An AMI id as the source means the content already lives in the
	// catalog; copy it into the account instead of uploading bits.
	if strings.HasPrefix(pi.Src, "ami") {
		version, err := buildVersionFromBuild(pi.Build)
		if err != nil {
			return pi, nil, err
		}
		b := pi.BuildInfo
		tags["version"] = version
		tags["nvra"] = fmt.Sprintf("%s-%s-%s.%s", b.Name, version, b.Release, pi.Release.Arch)

		img, err := p.copyFromCatalog(ctx, pi, tags)
		if err != nil {
			return pi, nil, err
		}
		pi.ImageID = img.ID
		return pi, &Result{ImageID: img.ID}, nil
	}

	meta := AWSUploadMetadata{
		ImagePath:        pi.Src,
		ImageName:        name,
		SnapshotName:     name,
		Container:        container,
		Description:      pi.Description,
		Architecture:     awsArch(pi.Release.Arch),
		VirtType:         pi.Virtualization,
		RootDeviceName:   pi.RootDevice,
		VolumeType:       pi.Volume,
		Accounts:         accounts,
		Groups:           groups,
		SnapshotAccounts: snapshotAccounts,
		SriovNetSupport:  pi.SriovNetSupport,
		EnaSupport:       pi.EnaSupport,
		BootMode:         pi.BootMode,
		Tags:             tags,
	}
	if pi.BillingCodes != nil {
		meta.BillingProducts = pi.BillingCodes.Codes
	}

	upload, err := p.clients.UploadClient(p.creds, pi.Region)
	if err != nil {
		return pi, nil, err
	}
	img, err := upload.Publish(ctx, meta)
	if err != nil {
		return pi, nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	pi.ImageID = img.ID
	return pi, &Result{ImageID: img.ID}, nil
}

func (p *AWSProvider) copyFromCatalog(ctx context.Context, pi item.PushItem, tags map[string]string) (*AWSImage, error) {
	upload, err := p.clients.UploadClient(p.creds, pi.Region)
	if err != nil {
		return nil, err
	}
	src, err := upload.ImageFromCatalog(ctx, pi.Src)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("AMI not found: %s", pi.Src)
	}

	var imageID string
	existing, err := upload.ImageByName(ctx, pi.Build)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.logger().InfoContext(ctx, "AMI already exists in account, skipping copy", "name", pi.Build)
		imageID = existing.ID
	} else {
		p.logger().InfoContext(ctx, "AMI not found in account, copying", "name", pi.Build, "source", pi.Src)
		imageID, err = upload.CopyImage(ctx, pi.Src, pi.Build, pi.Region)
		if err != nil {
			return nil, fmt.Errorf("copying AMI %s: %w", pi.Src, err)
		}
	}
	if err := upload.TagImage(ctx, imageID, tags); err != nil {
		return nil, fmt.Errorf("tagging AMI %s: %w", imageID, err)
	}
	return &AWSImage{ID: imageID, Name: pi.Build}, nil
}

// PrePublish waits for any in-flight changesets on the target product,
// so the publish phase starts from a quiet state.
func (p *AWSProvider) PrePublish(ctx context.Context, pi item.PushItem, opts PrePublishOptions) (item.PushItem, *Result, error) {
	if len(pi.Destinations) == 0 {
		return pi, nil, fmt.Errorf("push item %s has no destination", pi.Name)
	}
	dest := pi.Destinations[0].Destination
	p.logger().InfoContext(ctx, "checking for active changesets", "destination", dest)
	if err := p.marketplace.WaitActiveChangesets(ctx, dest); err != nil {
		return pi, nil, fmt.Errorf("waiting for changesets on %s: %w", dest, err)
	}
	return pi, &Result{}, nil
}

// Publish associates the uploaded AMI with a marketplace product version
// and, on the go-live pass, tags the image and restricts old versions.
// A version title already present in the product skips the provider call.
func (p *AWSProvider) Publish(ctx context.Context, pi item.PushItem, opts PublishOptions) (item.PushItem, *Result, error) {
	if len(pi.Destinations) == 0 {
		return pi, nil, fmt.Errorf("push item %s has no destination", pi.Name)
	}
	dest := pi.Destinations[0].Destination

	osName := pi.Release.BaseProduct
	if osName == "" {
		osName = pi.BuildInfo.Name
	}
	osVersion := pi.Release.BaseVersion
	if osVersion == "" {
		osVersion = pi.Release.Version
	}

	releaseDate := pi.Release.Date.Format("20060102")
	versionTitle := pi.MarketplaceTitle
	if versionTitle == "" {
		versionTitle = fmt.Sprintf("%s %s-%d", pi.Release.Version, releaseDate, pi.Release.Respin)
	}

	exists, err := p.versionExists(ctx, versionTitle, dest)
	if err != nil {
		return pi, nil, fmt.Errorf("checking versions on %s: %w", dest, err)
	}

	result := &Result{}
	if exists {
		p.logger().InfoContext(ctx, "version already exists in AWS", "title", versionTitle)
		result.SkippedExisting = true
	} else {
		releaseNotes, err := expandVersionPlaceholders(pi.ReleaseNotes, pi.Release.Version)
		if err != nil {
			return pi, nil, err
		}
		usage, err := expandVersionPlaceholders(pi.UsageInstructions, pi.Release.Version)
		if err != nil {
			return pi, nil, err
		}

		meta := AWSPublishMetadata{
			VersionMapping: AWSVersionMapping{
				Version: AWSVersionInfo{VersionTitle: versionTitle, ReleaseNotes: releaseNotes},
				DeliveryOptions: []AWSDeliveryOption{{
					AMISource: AWSAMISource{
						AMIID:                  pi.ImageID,
						AccessRoleARN:          p.creds.AccessRoleARN,
						UserName:               pi.UserName,
						OperatingSystemName:    strings.ToUpper(firstSegment(osName, "-")),
						OperatingSystemVersion: osVersion,
						ScanningPort:           pi.ScanningPort,
					},
					UsageInstructions:       usage,
					RecommendedInstanceType: pi.RecommendedInstanceType,
					SecurityGroups:          append([]item.SecurityGroup(nil), pi.SecurityGroups...),
					AccessEndpointURL:       pi.AccessEndpointURL,
				}},
			},
			MarketplaceEntityType: pi.MarketplaceEntityType,
			ImagePath:             pi.ImageID,
			Architecture:          awsArch(pi.Release.Arch),
			Destination:           dest,
			KeepDraft:             opts.NoChannel,
			Overwrite:             opts.Overwrite,
		}
		if err := p.marketplace.PublishVersion(ctx, meta); err != nil {
			return pi, nil, fmt.Errorf("publishing %s to %s: %w", versionTitle, dest, err)
		}
	}

	return p.postPublish(ctx, pi, result, opts)
}

// postPublish tags the live AMI with its release date and prunes old
// versions when restriction is requested. Draft publishes skip it.
func (p *AWSProvider) postPublish(ctx context.Context, pi item.PushItem, result *Result, opts PublishOptions) (item.PushItem, *Result, error) {
	if opts.NoChannel {
		return pi, result, nil
	}

	region := pi.Region
	if region == "" {
		region = p.creds.Region
	}
	upload, err := p.clients.UploadClient(p.creds, region)
	if err != nil {
		return pi, result, err
	}
	releaseDateTag := map[string]string{"release_date": p.now().Format("2006010215::04::05")}
	if err := upload.TagImage(ctx, pi.ImageID, releaseDateTag); err != nil {
		return pi, result, fmt.Errorf("tagging release date on %s: %w", pi.ImageID, err)
	}

	if !opts.RestrictVersion {
		return pi, result, nil
	}
	p.logger().InfoContext(ctx, "restricting older versions",
		"restrict_major", opts.RestrictMajor, "restrict_minor", opts.RestrictMinor)
	restricted, err := p.marketplace.RestrictVersions(ctx,
		pi.Destinations[0].Destination, pi.MarketplaceEntityType, opts.RestrictMajor, opts.RestrictMinor)
	if err != nil {
		return pi, result, fmt.Errorf("restricting versions: %w", err)
	}
	p.logger().InfoContext(ctx, "found AMIs to restrict", "amis", restricted)
	for _, amiID := range restricted {
		p.logger().DebugContext(ctx, "deleting restricted AMI", "image_id", amiID)
		if err := upload.Delete(ctx, AWSDeleteMetadata{ImageID: amiID}); err != nil {
			return pi, result, fmt.Errorf("deleting restricted AMI %s: %w", amiID, err)
		}
	}
	return pi, result, nil
}

// DeleteImages removes the item's AMI, and its snapshot unless asked to
// keep it. A target absent from the account reports ErrImageNotFound so
// callers can tell a missing image from a failed delete.
func (p *AWSProvider) DeleteImages(ctx context.Context, pi item.PushItem, opts DeleteOptions) (item.PushItem, *Result, error) {
	region := pi.Region
	if region == "" {
		region = p.creds.Region
	}
	upload, err := p.clients.UploadClient(p.creds, region)
	if err != nil {
		return pi, nil, err
	}
	name := awsImageName(pi)
	existing, err := upload.ImageByName(ctx, name)
	if err != nil {
		return pi, nil, err
	}
	if existing == nil {
		return pi, nil, fmt.Errorf("%s (%s): %w", name, pi.ImageID, ErrImageNotFound)
	}
	meta := AWSDeleteMetadata{
		ImageID:      pi.ImageID,
		ImageName:    name,
		SnapshotName: name,
		SkipSnapshot: opts.KeepSnapshot,
	}
	p.logger().DebugContext(ctx, "deleting image", "image_id", pi.ImageID, "name", name)
	if err := upload.Delete(ctx, meta); err != nil {
		return pi, nil, fmt.Errorf("deleting %s: %w", pi.ImageID, err)
	}
	return pi, &Result{}, nil
}

func (p *AWSProvider) versionExists(ctx context.Context, title, entityID string) (bool, error) {
	versions, err := p.marketplace.ProductVersions(ctx, entityID)
	if err != nil {
		return false, err
	}
	for t := range versions {
		if strings.Contains(t, title) {
			return true, nil
		}
	}
	return false, nil
}

// awsImageName builds the canonical image and snapshot name. Community
// images append their billing code name and volume type.
func awsImageName(pi item.PushItem) string {
	release := pi.Release
	var parts []string

	if release.BaseProduct != "" {
		parts = append(parts, release.BaseProduct)
		if release.BaseVersion != "" {
			parts = append(parts, twoDigitVersion(release.BaseVersion))
		}
	}
	parts = append(parts, release.Product)

	var mid []string
	if release.Version != "" {
		mid = append(mid, twoDigitVersion(release.Version))
	}
	mid = append(mid, strings.ToUpper(pi.Virtualization))
	if release.Type != "" {
		mid = append(mid, strings.ToUpper(release.Type))
	}
	parts = append(parts, strings.Join(mid, "_"))

	parts = append(parts, release.Date.Format("20060102"), release.Arch, strconv.Itoa(release.Respin))

	if pi.BillingCodes != nil {
		parts = append(parts, pi.BillingCodes.Name, strings.ToUpper(pi.Volume))
	}
	return strings.Join(parts, "-")
}

func twoDigitVersion(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

func firstSegment(s, sep string) string {
	segment, _, _ := strings.Cut(s, sep)
	return segment
}

// expandVersionPlaceholders fills {major_minor}, {major_version} and
// {minor_version} in listing text from the release version.
func expandVersionPlaceholders(text, version string) (string, error) {
	if text == "" || !strings.Contains(text, "{") {
		return text, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("parsing version '%s' for placeholder expansion: %w", version, err)
	}
	r := strings.NewReplacer(
		"{major_minor}", fmt.Sprintf("%d.%d", v.Major(), v.Minor()),
		"{major_version}", strconv.FormatUint(v.Major(), 10),
		"{minor_version}", strconv.FormatUint(v.Minor(), 10),
	)
	return r.Replace(text), nil
}
