package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bianoble/cloudpush/internal/item"
)

type fakeAWSClients struct {
	upload      *fakeAWSUpload
	marketplace *fakeAWSMarketplace
}

func newFakeAWSClients() *fakeAWSClients {
	return &fakeAWSClients{upload: &fakeAWSUpload{}, marketplace: &fakeAWSMarketplace{}}
}

func (f *fakeAWSClients) UploadClient(creds AWSCredentials, region string) (AWSUploadClient, error) {
	f.upload.regions = append(f.upload.regions, region)
	return f.upload, nil
}

func (f *fakeAWSClients) MarketplaceClient(creds AWSCredentials) (AWSMarketplaceClient, error) {
	return f.marketplace, nil
}

type fakeAWSUpload struct {
	regions        []string
	published      []AWSUploadMetadata
	tagged         map[string]map[string]string
	deleted        []AWSDeleteMetadata
	copied         []string
	catalogImage   *AWSImage
	existingByName map[string]*AWSImage
	publishErr     error
}

func (f *fakeAWSUpload) Publish(ctx context.Context, meta AWSUploadMetadata) (AWSImage, error) {
	if f.publishErr != nil {
		return AWSImage{}, f.publishErr
	}
	f.published = append(f.published, meta)
	return AWSImage{ID: "ami-0d6861a8d2c4b4d7f", Name: meta.ImageName}, nil
}

func (f *fakeAWSUpload) ImageFromCatalog(ctx context.Context, src string) (*AWSImage, error) {
	return f.catalogImage, nil
}

func (f *fakeAWSUpload) ImageByName(ctx context.Context, name string) (*AWSImage, error) {
	return f.existingByName[name], nil
}

func (f *fakeAWSUpload) CopyImage(ctx context.Context, imageID, imageName, region string) (string, error) {
	f.copied = append(f.copied, imageID)
	return "ami-copied0000000001", nil
}

func (f *fakeAWSUpload) TagImage(ctx context.Context, imageID string, tags map[string]string) error {
	if f.tagged == nil {
		f.tagged = make(map[string]map[string]string)
	}
	merged := f.tagged[imageID]
	if merged == nil {
		merged = make(map[string]string)
	}
	for k, v := range tags {
		merged[k] = v
	}
	f.tagged[imageID] = merged
	return nil
}

func (f *fakeAWSUpload) Delete(ctx context.Context, meta AWSDeleteMetadata) error {
	f.deleted = append(f.deleted, meta)
	return nil
}

type fakeAWSMarketplace struct {
	versions   map[string]string
	published  []AWSPublishMetadata
	waited     []string
	restricted []string
	publishErr error
}

func (f *fakeAWSMarketplace) WaitActiveChangesets(ctx context.Context, entityID string) error {
	f.waited = append(f.waited, entityID)
	return nil
}

func (f *fakeAWSMarketplace) ProductVersions(ctx context.Context, entityID string) (map[string]string, error) {
	return f.versions, nil
}

func (f *fakeAWSMarketplace) PublishVersion(ctx context.Context, meta AWSPublishMetadata) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, meta)
	return nil
}

func (f *fakeAWSMarketplace) RestrictVersions(ctx context.Context, entityID, entityType string, major, minor *int) ([]string, error) {
	return f.restricted, nil
}

func testAWSAuth() map[string]any {
	return map[string]any{
		"AWS_IMAGE_ACCESS_KEY":          "image-access",
		"AWS_IMAGE_SECRET_ACCESS":       "image-secret",
		"AWS_MARKETPLACE_ACCESS_KEY":    "mp-access",
		"AWS_MARKETPLACE_SECRET_ACCESS": "mp-secret",
		"AWS_ACCESS_ROLE_ARN":           "arn:aws:iam::0000:role/mp",
		"AWS_GROUPS":                    []any{"default-group"},
	}
}

func newTestAWSProvider(t *testing.T, clients *fakeAWSClients) *AWSProvider {
	t.Helper()
	creds := Credentials{MarketplaceAccount: "aws-na", Auth: testAWSAuth()}
	p, err := NewAWSProvider(creds, FactoryOptions{AWSClients: clients})
	if err != nil {
		t.Fatalf("NewAWSProvider: %v", err)
	}
	aws := p.(*AWSProvider)
	aws.now = func() time.Time { return time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC) }
	return aws
}

func awsTestItem() item.PushItem {
	return item.PushItem{
		Name:        "sample-product-9.4.vhd.xz",
		Kind:        item.KindAMI,
		Src:         "/staged/sample/sample-product.raw.xz",
		Build:       "sample-product-9.4-20260815.4",
		BuildInfo:   item.BuildInfo{ID: 1234, Name: "sample-product", Version: "9.4", Release: "20260815.4"},
		Description: "Sample product image",
		Release: item.Release{
			Product: "sample-product",
			Version: "9.4",
			Arch:    "x86_64",
			Respin:  1,
			Date:    time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
			Type:    "ga",
		},
		Destinations:            []item.Destination{{Destination: "ffffffff-ffff-ffff-ffff-ffffffffffff"}},
		State:                   item.StatePending,
		Virtualization:          "hvm",
		Volume:                  "gp3",
		RootDevice:              "/dev/sda1",
		SriovNetSupport:         "simple",
		UserName:                "ec2-user",
		ScanningPort:            22,
		ReleaseNotes:            "Notes for {major_minor}",
		UsageInstructions:       "Log in as ec2-user",
		RecommendedInstanceType: "m5.large",
		MarketplaceEntityType:   "AmiProduct",
	}
}

func TestAWSImageName(t *testing.T) {
	pi := awsTestItem()
	if got := awsImageName(pi); got != "sample-product-9.4_HVM_GA-20260815-x86_64-1" {
		t.Errorf("name = %q", got)
	}

	pi.Release.BaseProduct = "base-os"
	pi.Release.BaseVersion = "10.2.1"
	if got := awsImageName(pi); got != "base-os-10.2-sample-product-9.4_HVM_GA-20260815-x86_64-1" {
		t.Errorf("layered name = %q", got)
	}
}

func TestAWSImageNameCommunity(t *testing.T) {
	pi := awsTestItem()
	pi.BillingCodes = &item.BillingCodes{Name: "Hourly2", Codes: []string{"bp-01"}}
	got := awsImageName(pi)
	if !strings.HasSuffix(got, "-Hourly2-GP3") {
		t.Errorf("community name = %q, want Hourly2-GP3 suffix", got)
	}
}

func TestTwoDigitVersion(t *testing.T) {
	cases := []struct{ in, want string }{
		{"9.4.1", "9.4"},
		{"9.4", "9.4"},
		{"9", "9"},
		{"10.22.33.44", "10.22"},
	}
	for _, c := range cases {
		if got := twoDigitVersion(c.in); got != c.want {
			t.Errorf("twoDigitVersion(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestExpandVersionPlaceholders(t *testing.T) {
	got, err := expandVersionPlaceholders("RHEL {major_minor} ({major_version} then {minor_version})", "9.4")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != "RHEL 9.4 (9 then 4)" {
		t.Errorf("expanded = %q", got)
	}

	// No placeholders means no version parsing at all.
	got, err = expandVersionPlaceholders("static text", "not-a-version")
	if err != nil || got != "static text" {
		t.Errorf("passthrough = %q, %v", got, err)
	}

	if _, err := expandVersionPlaceholders("v{major_version}", "not-a-version"); err == nil {
		t.Error("expected error for unparseable version")
	}
}

func TestAWSUpload(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi, res, err := p.Upload(context.Background(), awsTestItem(), UploadOptions{
		CustomTags: map[string]string{"team": "cloud"},
		Accounts:   []string{"123456789012"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if pi.ImageID != "ami-0d6861a8d2c4b4d7f" {
		t.Errorf("image id = %q", pi.ImageID)
	}
	if res.ImageID != pi.ImageID {
		t.Errorf("result image id = %q", res.ImageID)
	}
	if pi.Name != "sample-product-9.4_HVM_GA-20260815-x86_64-1" {
		t.Errorf("item name = %q", pi.Name)
	}
	if pi.Region != "us-east-1" {
		t.Errorf("region = %q, want credentials default", pi.Region)
	}

	if len(clients.upload.published) != 1 {
		t.Fatalf("uploads = %d, want 1", len(clients.upload.published))
	}
	meta := clients.upload.published[0]
	if meta.Container != "pubupload" {
		t.Errorf("container = %q", meta.Container)
	}
	if meta.VirtType != "hvm" || meta.VolumeType != "gp3" || meta.RootDeviceName != "/dev/sda1" {
		t.Errorf("image attrs = %q %q %q", meta.VirtType, meta.VolumeType, meta.RootDeviceName)
	}
	if len(meta.Groups) != 1 || meta.Groups[0] != "default-group" {
		t.Errorf("groups should fall back to credentials, got %v", meta.Groups)
	}
	if len(meta.Accounts) != 1 || meta.Accounts[0] != "123456789012" {
		t.Errorf("accounts = %v", meta.Accounts)
	}
	if meta.Tags["nvra"] != "sample-product-9.4-20260815.4.x86_64" {
		t.Errorf("nvra tag = %q", meta.Tags["nvra"])
	}
	if meta.Tags["team"] != "cloud" {
		t.Errorf("custom tag missing: %v", meta.Tags)
	}
	if meta.Tags["buildid"] != "1234" {
		t.Errorf("buildid tag = %q", meta.Tags["buildid"])
	}
}

func TestAWSUploadArchAlias(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.Release.Arch = "aarch64"
	if _, _, err := p.Upload(context.Background(), pi, UploadOptions{}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := clients.upload.published[0].Architecture; got != "arm64" {
		t.Errorf("architecture = %q, want arm64", got)
	}
	// The tags keep the original build arch.
	if got := clients.upload.published[0].Tags["arch"]; got != "aarch64" {
		t.Errorf("arch tag = %q, want aarch64", got)
	}
}

func TestAWSUploadCopiesFromCatalog(t *testing.T) {
	clients := newFakeAWSClients()
	clients.upload.catalogImage = &AWSImage{ID: "ami-catalog000000001"}
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.Src = "ami-catalog000000001"
	pi.Region = "us-gov-west-1"

	got, _, err := p.Upload(context.Background(), pi, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(clients.upload.copied) != 1 {
		t.Fatalf("copies = %d, want 1", len(clients.upload.copied))
	}
	if got.ImageID != "ami-copied0000000001" {
		t.Errorf("image id = %q", got.ImageID)
	}
	if len(clients.upload.published) != 0 {
		t.Error("catalog path must not upload bits")
	}
	// The version tag comes from the build NVR, not build info.
	tags := clients.upload.tagged["ami-copied0000000001"]
	if tags["version"] != "9.4" || tags["nvra"] != "sample-product-9.4-20260815.4.x86_64" {
		t.Errorf("catalog tags = %v", tags)
	}
}

func TestAWSUploadCatalogReusesExisting(t *testing.T) {
	clients := newFakeAWSClients()
	clients.upload.catalogImage = &AWSImage{ID: "ami-catalog000000001"}
	clients.upload.existingByName = map[string]*AWSImage{
		"sample-product-9.4-20260815.4": {ID: "ami-existing00000001"},
	}
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.Src = "ami-catalog000000001"

	got, _, err := p.Upload(context.Background(), pi, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got.ImageID != "ami-existing00000001" {
		t.Errorf("image id = %q, want the existing AMI", got.ImageID)
	}
	if len(clients.upload.copied) != 0 {
		t.Error("existing AMI must not be copied again")
	}
}

func TestAWSUploadCatalogMissing(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.Src = "ami-gone000000000001"

	_, _, err := p.Upload(context.Background(), pi, UploadOptions{})
	if err == nil {
		t.Fatal("expected error for missing catalog AMI")
	}
	if !strings.Contains(err.Error(), "AMI not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAWSPrePublishWaitsChangesets(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	_, _, err := p.PrePublish(context.Background(), awsTestItem(), PrePublishOptions{})
	if err != nil {
		t.Fatalf("PrePublish: %v", err)
	}
	if len(clients.marketplace.waited) != 1 || clients.marketplace.waited[0] != "ffffffff-ffff-ffff-ffff-ffffffffffff" {
		t.Errorf("waited = %v", clients.marketplace.waited)
	}
}

func TestAWSPublishDraft(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	_, res, err := p.Publish(context.Background(), pi, PublishOptions{NoChannel: true})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.SkippedExisting {
		t.Error("fresh version must not report a skip")
	}
	if len(clients.marketplace.published) != 1 {
		t.Fatalf("publishes = %d, want 1", len(clients.marketplace.published))
	}

	meta := clients.marketplace.published[0]
	if !meta.KeepDraft {
		t.Error("nochannel publish must keep draft")
	}
	if meta.VersionMapping.Version.VersionTitle != "9.4 20260815-1" {
		t.Errorf("version title = %q", meta.VersionMapping.Version.VersionTitle)
	}
	if meta.VersionMapping.Version.ReleaseNotes != "Notes for 9.4" {
		t.Errorf("release notes = %q", meta.VersionMapping.Version.ReleaseNotes)
	}
	src := meta.VersionMapping.DeliveryOptions[0].AMISource
	if src.OperatingSystemName != "SAMPLE" {
		t.Errorf("os name = %q", src.OperatingSystemName)
	}
	if src.OperatingSystemVersion != "9.4" {
		t.Errorf("os version = %q", src.OperatingSystemVersion)
	}
	if src.AMIID != "ami-0d6861a8d2c4b4d7f" || src.AccessRoleARN == "" {
		t.Errorf("ami source = %+v", src)
	}

	// Draft publish performs no post-publish tagging.
	if len(clients.upload.tagged) != 0 {
		t.Errorf("draft publish tagged images: %v", clients.upload.tagged)
	}
}

func TestAWSPublishGoLiveTagsImage(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	if _, _, err := p.Publish(context.Background(), pi, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	tags := clients.upload.tagged["ami-0d6861a8d2c4b4d7f"]
	if tags["release_date"] != "2026082514::30::45" {
		t.Errorf("release_date tag = %q", tags["release_date"])
	}
}

func TestAWSPublishSkipsExistingVersion(t *testing.T) {
	clients := newFakeAWSClients()
	clients.marketplace.versions = map[string]string{"Sample 9.4 20260815-1 refresh": "v1"}
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	_, res, err := p.Publish(context.Background(), pi, PublishOptions{})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !res.SkippedExisting {
		t.Error("expected SkippedExisting")
	}
	if len(clients.marketplace.published) != 0 {
		t.Errorf("publishes = %d, want 0", len(clients.marketplace.published))
	}
	// The go-live pass still stamps the release date.
	if clients.upload.tagged["ami-0d6861a8d2c4b4d7f"]["release_date"] == "" {
		t.Error("release date tag missing on skipped publish")
	}
}

func TestAWSPublishRestrictsVersions(t *testing.T) {
	clients := newFakeAWSClients()
	clients.marketplace.restricted = []string{"ami-old0000000000001", "ami-old0000000000002"}
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	major := 2
	_, _, err := p.Publish(context.Background(), pi, PublishOptions{RestrictVersion: true, RestrictMajor: &major})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(clients.upload.deleted) != 2 {
		t.Fatalf("deletes = %d, want 2", len(clients.upload.deleted))
	}
	if clients.upload.deleted[0].ImageID != "ami-old0000000000001" {
		t.Errorf("deleted = %+v", clients.upload.deleted[0])
	}
}

func TestAWSDeleteImages(t *testing.T) {
	clients := newFakeAWSClients()
	clients.upload.existingByName = map[string]*AWSImage{
		"sample-product-9.4_HVM_GA-20260815-x86_64-1": {ID: "ami-0d6861a8d2c4b4d7f"},
	}
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	if _, _, err := p.DeleteImages(context.Background(), pi, DeleteOptions{KeepSnapshot: true}); err != nil {
		t.Fatalf("DeleteImages: %v", err)
	}
	if len(clients.upload.deleted) != 1 {
		t.Fatalf("deletes = %d, want 1", len(clients.upload.deleted))
	}
	meta := clients.upload.deleted[0]
	if meta.ImageID != "ami-0d6861a8d2c4b4d7f" || !meta.SkipSnapshot {
		t.Errorf("delete meta = %+v", meta)
	}
	if meta.ImageName != "sample-product-9.4_HVM_GA-20260815-x86_64-1" || meta.SnapshotName != meta.ImageName {
		t.Errorf("delete names = %q / %q", meta.ImageName, meta.SnapshotName)
	}
}

func TestAWSDeleteImagesNotFound(t *testing.T) {
	clients := newFakeAWSClients()
	p := newTestAWSProvider(t, clients)

	pi := awsTestItem()
	pi.ImageID = "ami-0d6861a8d2c4b4d7f"

	_, _, err := p.DeleteImages(context.Background(), pi, DeleteOptions{})
	if !errors.Is(err, ErrImageNotFound) {
		t.Fatalf("err = %v, want ErrImageNotFound", err)
	}
	if len(clients.upload.deleted) != 0 {
		t.Fatalf("deletes = %d, want 0", len(clients.upload.deleted))
	}
}

func TestNewAWSProviderValidation(t *testing.T) {
	creds := Credentials{MarketplaceAccount: "aws-na", Auth: map[string]any{"AWS_REGION": "us-east-1"}}
	_, err := NewAWSProvider(creds, FactoryOptions{AWSClients: newFakeAWSClients()})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"AWS_IMAGE_ACCESS_KEY", "AWS_MARKETPLACE_SECRET_ACCESS", "AWS_ACCESS_ROLE_ARN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestNewAWSProviderRequiresClients(t *testing.T) {
	creds := Credentials{MarketplaceAccount: "aws-na", Auth: testAWSAuth()}
	_, err := NewAWSProvider(creds, FactoryOptions{})
	if err == nil {
		t.Fatal("expected error without a client builder")
	}
	if !strings.Contains(err.Error(), "AWSClientBuilder") {
		t.Errorf("unexpected error: %v", err)
	}
}
