package collect

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/bianoble/cloudpush/internal/item"
	"github.com/bianoble/cloudpush/internal/policy"
)

type fakeCollector struct {
	items     []item.PushItem
	files     map[string][]byte
	errUpdate error
	errAttach error
}

func (f *fakeCollector) UpdatePushItems(_ context.Context, items []item.PushItem) error {
	if f.errUpdate != nil {
		return f.errUpdate
	}
	f.items = append(f.items, items...)
	return nil
}

func (f *fakeCollector) AttachFile(_ context.Context, name string, content []byte) error {
	if f.errAttach != nil {
		return f.errAttach
	}
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[name] = content
	return nil
}

func pushedResult() Result {
	return Result{
		Item: item.PushItem{
			Name:      "sample-product-9.4-x86_64.raw.xz",
			Kind:      item.KindAMI,
			Src:       "/staged/sample/AWS_IMAGES/sample.raw.xz",
			Build:     "sample-product-9.4-20260815.4",
			BuildInfo: item.BuildInfo{ID: 1234, Name: "sample-product", Version: "9.4", Release: "20260815.4"},
			Release: item.Release{
				Product: "sample-product",
				Version: "9.4",
				Arch:    "x86_64",
				Respin:  1,
				Date:    time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
			},
			Destinations: []item.Destination{{Destination: "ffffffff-ffff-ffff-ffff-ffffffffffff"}},
			State:        item.StatePushed,
			ImageID:      "ami-0d6861a8d2c4b4d7f",
		},
		CloudInfo: &CloudInfo{Account: "aws-na", Provider: "aws"},
		Policy: &policy.ResponseEntity{
			Name:     "sample-product",
			Workflow: policy.WorkflowStratosphere,
		},
	}
}

func TestAggregatorSend(t *testing.T) {
	sink := &fakeCollector{}
	agg := &Aggregator{Collector: sink}

	failed := Result{Item: item.PushItem{
		Name:  "sample-product-9.4-aarch64.raw.xz",
		Kind:  item.KindAMI,
		State: item.StateUploadFailed,
	}}
	if err := agg.Send(context.Background(), []Result{pushedResult(), failed}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(sink.items) != 2 {
		t.Fatalf("collected %d items, want 2", len(sink.items))
	}
	if sink.items[0].Name != "sample-product-9.4-x86_64.raw.xz" || sink.items[1].State != item.StateUploadFailed {
		t.Fatalf("collected items = %+v", sink.items)
	}

	payload, ok := sink.files[CloudsArtifact]
	if !ok {
		t.Fatalf("no %s attached, files = %v", CloudsArtifact, sink.files)
	}
	var records []map[string]any
	if err := json.Unmarshal(payload, &records); err != nil {
		t.Fatalf("decoding %s: %v", CloudsArtifact, err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	rec := records[0]
	if rec["state"] != "PUSHED" || rec["image_id"] != "ami-0d6861a8d2c4b4d7f" {
		t.Fatalf("record = %v", rec)
	}
	if got, want := rec["dest"], []any{"ffffffff-ffff-ffff-ffff-ffffffffffff"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("dest = %v, want %v", got, want)
	}
	release, ok := rec["release"].(map[string]any)
	if !ok {
		t.Fatalf("release = %v", rec["release"])
	}
	if release["date"] != "20260815" {
		t.Fatalf("release date = %v, want YYYYMMDD", release["date"])
	}
	info, ok := rec["cloud_info"].(map[string]any)
	if !ok || info["account"] != "aws-na" || info["provider"] != "aws" {
		t.Fatalf("cloud_info = %v", rec["cloud_info"])
	}
	pol, ok := rec["policy"].(map[string]any)
	if !ok || pol["workflow"] != "stratosphere" {
		t.Fatalf("policy = %v", rec["policy"])
	}

	if _, ok := records[1]["cloud_info"]; ok {
		t.Fatalf("failed record carries cloud_info: %v", records[1])
	}
	if _, ok := records[1]["release"]; ok {
		t.Fatalf("failed record carries an empty release: %v", records[1])
	}
}

func TestAggregatorNilCollector(t *testing.T) {
	agg := &Aggregator{}
	if err := agg.Send(context.Background(), []Result{pushedResult()}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestAggregatorUpdateFailure(t *testing.T) {
	boom := errors.New("collector unavailable")
	agg := &Aggregator{Collector: &fakeCollector{errUpdate: boom}}

	err := agg.Send(context.Background(), []Result{pushedResult()})
	if !errors.Is(err, boom) {
		t.Fatalf("Send error = %v", err)
	}
	if !strings.Contains(err.Error(), "updating push items") {
		t.Fatalf("Send error = %v", err)
	}
}

func TestAggregatorAttachFailure(t *testing.T) {
	boom := errors.New("disk full")
	sink := &fakeCollector{errAttach: boom}
	agg := &Aggregator{Collector: sink}

	err := agg.Send(context.Background(), []Result{pushedResult()})
	if !errors.Is(err, boom) {
		t.Fatalf("Send error = %v", err)
	}
	// The item list still went through before the artifact failed.
	if len(sink.items) != 1 {
		t.Fatalf("collected %d items, want 1", len(sink.items))
	}
}

func TestTransportRecordDropsUnset(t *testing.T) {
	rec := transportRecord(Result{Item: item.PushItem{Name: "img", State: item.StatePending}})

	want := map[string]any{"name": "img", "state": "PENDING"}
	if !reflect.DeepEqual(rec, want) {
		t.Fatalf("record = %v, want only the set fields %v", rec, want)
	}
}

func TestTransportRecordPointerFields(t *testing.T) {
	ena := true
	legacy := false
	rec := transportRecord(Result{Item: item.PushItem{
		Name:          "img",
		State:         item.StatePushed,
		EnaSupport:    &ena,
		SupportLegacy: &legacy,
		PublicImage:   true,
	}})

	if rec["ena_support"] != true {
		t.Fatalf("ena_support = %v", rec["ena_support"])
	}
	if rec["support_legacy"] != false {
		t.Fatalf("support_legacy = %v, want the explicit false kept", rec["support_legacy"])
	}
	if rec["public_image"] != true {
		t.Fatalf("public_image = %v", rec["public_image"])
	}
}
