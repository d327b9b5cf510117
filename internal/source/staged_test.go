package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bianoble/cloudpush/internal/item"
)

const sampleManifest = `header:
  version: "0.2"
payload:
  items:
    - name: sample-product-9.4.raw.xz
      type: ami
      relative_path: sample-9.4/AWS_IMAGES/sample-product-9.4.raw.xz
      description: Sample product image
      build: sample-product-9.4-20260815.4
      build_info:
        id: 1234
        name: sample-product
        version: "9.4"
        release: "20260815.4"
      release:
        product: sample-product
        version: "9.4"
        arch: x86_64
        respin: 1
        date: "2026-08-15"
        type: ga
      boot_mode: hybrid
      sha256sum: 0f4c7d6ba3b239fe9c7df213e3b7e399e006176f4b8103b2ed70b6e00e15b0c8
    - name: sample-product-9.4.vhd.xz
      type: vhd
      relative_path: sample-9.4/VHDS/sample-product-9.4.vhd.xz
      build: sample-product-9.4-20260815.4
      release:
        product: sample-product
        version: "9.4"
        arch: x86_64
        respin: 1
    - name: sample-product-9.4.iso
      type: iso
      relative_path: sample-9.4/ISOS/sample-product-9.4.iso
`

func writeStagedDir(t *testing.T, manifestName, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return dir
}

func TestStagedSourceOpen(t *testing.T) {
	dir := writeStagedDir(t, "staged.yaml", sampleManifest)
	s := &StagedSource{}

	items, err := s.Open(context.Background(), "staged:"+dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// The ISO entry is not a VM image and gets dropped.
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}

	ami := items[0]
	if ami.Kind != item.KindAMI {
		t.Errorf("kind = %q", ami.Kind)
	}
	if ami.Src != filepath.Join(dir, "sample-9.4/AWS_IMAGES/sample-product-9.4.raw.xz") {
		t.Errorf("src = %q", ami.Src)
	}
	if ami.BuildInfo.ID != 1234 || ami.BuildInfo.Version != "9.4" {
		t.Errorf("build info = %+v", ami.BuildInfo)
	}
	if !ami.Release.Date.Equal(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("release date = %v", ami.Release.Date)
	}
	if ami.BootMode != "hybrid" {
		t.Errorf("boot mode = %q", ami.BootMode)
	}
	if ami.State != item.StatePending {
		t.Errorf("state = %q", ami.State)
	}

	if items[1].Kind != item.KindVHD {
		t.Errorf("second kind = %q", items[1].Kind)
	}
}

func TestStagedSourceJSONManifest(t *testing.T) {
	dir := writeStagedDir(t, "staged.json", `{
	  "header": {"version": "0.2"},
	  "payload": {"items": [
	    {"name": "img.raw.xz", "type": "AMI", "relative_path": "leaf/AWS_IMAGES/img.raw.xz"}
	  ]}
	}`)
	s := &StagedSource{}

	items, err := s.Open(context.Background(), "staged:"+dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(items) != 1 || items[0].Kind != item.KindAMI {
		t.Errorf("items = %+v", items)
	}
}

func TestStagedSourceMultipleDirs(t *testing.T) {
	dir1 := writeStagedDir(t, "staged.yaml", sampleManifest)
	dir2 := writeStagedDir(t, "staged.yaml", `payload:
  items:
    - name: other.raw.xz
      type: ami
      relative_path: other/AWS_IMAGES/other.raw.xz
`)
	s := &StagedSource{}

	items, err := s.Open(context.Background(), "staged:"+dir1+","+dir2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("items = %d, want 3", len(items))
	}
}

func TestStagedSourceFreshSlicePerOpen(t *testing.T) {
	dir := writeStagedDir(t, "staged.yaml", sampleManifest)
	s := &StagedSource{}

	first, err := s.Open(context.Background(), "staged:"+dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first[0].State = item.StatePushed

	second, err := s.Open(context.Background(), "staged:"+dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if second[0].State != item.StatePending {
		t.Error("Open must not share state between calls")
	}
}

func TestStagedSourceMissingManifest(t *testing.T) {
	dir := t.TempDir()
	s := &StagedSource{}

	_, err := s.Open(context.Background(), "staged:"+dir)
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	var serr *SourceError
	if !errors.As(err, &serr) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(err.Error(), "no staged metadata found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStagedSourceMissingDir(t *testing.T) {
	s := &StagedSource{}
	_, err := s.Open(context.Background(), "staged:/does/not/exist")
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if !strings.Contains(err.Error(), "check that the staged directory exists") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStagedSourceMalformedManifest(t *testing.T) {
	dir := writeStagedDir(t, "staged.yaml", "payload: [not, a, mapping")
	s := &StagedSource{}

	_, err := s.Open(context.Background(), "staged:"+dir)
	if err == nil || !strings.Contains(err.Error(), "invalid manifest") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStagedSourceBadReleaseDate(t *testing.T) {
	dir := writeStagedDir(t, "staged.yaml", `payload:
  items:
    - name: img.raw.xz
      type: ami
      relative_path: leaf/AWS_IMAGES/img.raw.xz
      release:
        date: 15-08-2026
`)
	s := &StagedSource{}

	_, err := s.Open(context.Background(), "staged:"+dir)
	if err == nil || !strings.Contains(err.Error(), "invalid release date") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildItemNVRFallback(t *testing.T) {
	pi, ok, err := buildItem(manifestItem{
		Name:         "img.raw.xz",
		Type:         "ami",
		RelativePath: "leaf/AWS_IMAGES/img.raw.xz",
		Build:        "my-layered-product-9.4-20260815.4",
	}, func(rel string) string { return "/" + rel })
	if err != nil || !ok {
		t.Fatalf("buildItem: ok=%v err=%v", ok, err)
	}
	if pi.BuildInfo.Name != "my-layered-product" {
		t.Errorf("build name = %q", pi.BuildInfo.Name)
	}
	if pi.BuildInfo.Version != "9.4" || pi.BuildInfo.Release != "20260815.4" {
		t.Errorf("build info = %+v", pi.BuildInfo)
	}
}

func TestBuildItemKeepsAMISource(t *testing.T) {
	pi, ok, err := buildItem(manifestItem{
		Name:         "catalog-image",
		Type:         "ami",
		RelativePath: "ami-0d6861a8d2c4b4d7f",
	}, func(rel string) string { return "/staged/" + rel })
	if err != nil || !ok {
		t.Fatalf("buildItem: ok=%v err=%v", ok, err)
	}
	// AMI ids are catalog references, not files under the staged dir.
	if pi.Src != "ami-0d6861a8d2c4b4d7f" {
		t.Errorf("src = %q", pi.Src)
	}
}
