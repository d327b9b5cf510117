package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bianoble/cloudpush/internal/item"
)

func TestRemoteSourceOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/composes/sample-9.4/staged.json" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{
		  "header": {"version": "0.2"},
		  "payload": {"items": [
		    {"name": "img.vhd.xz", "type": "vhd", "relative_path": "VHDS/img.vhd.xz"},
		    {"name": "disk.qcow2", "type": "qcow2", "relative_path": "QCOW/disk.qcow2"}
		  ]}
		}`))
	}))
	defer srv.Close()

	s := &RemoteSource{Client: srv.Client()}
	items, err := s.Open(context.Background(), srv.URL+"/composes/sample-9.4/staged.json")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1 (non-VM entries dropped)", len(items))
	}
	if items[0].Kind != item.KindVHD {
		t.Errorf("kind = %q", items[0].Kind)
	}
	// Relative paths resolve against the manifest URL.
	want := srv.URL + "/composes/sample-9.4/VHDS/img.vhd.xz"
	if items[0].Src != want {
		t.Errorf("src = %q, want %q", items[0].Src, want)
	}
}

func TestRemoteSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := &RemoteSource{Client: srv.Client()}
	_, err := s.Open(context.Background(), srv.URL+"/missing.yaml")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRemoteSourceSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 128)))
	}))
	defer srv.Close()

	s := &RemoteSource{Client: srv.Client(), MaxSize: 64}
	_, err := s.Open(context.Background(), srv.URL+"/staged.yaml")
	if err == nil || !strings.Contains(err.Error(), "exceeds max size") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRemoteSourceMalformedManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payload": "nope"`))
	}))
	defer srv.Close()

	s := &RemoteSource{Client: srv.Client()}
	_, err := s.Open(context.Background(), srv.URL+"/staged.json")
	if err == nil || !strings.Contains(err.Error(), "invalid manifest") {
		t.Errorf("unexpected error: %v", err)
	}
}
