// Package source loads push items from their backing stores. Sources are
// addressed by URL; the scheme picks the implementation, so the engine
// can open "staged:/mnt/staged" and "https://builds.example.com/m.json"
// through the same registry.
package source

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/bianoble/cloudpush/internal/item"
)

// Source yields push items from one backing store.
type Source interface {
	// Open loads the push items behind the URL. Every call returns a
	// fresh slice, so one source URL can feed several workflow runs.
	Open(ctx context.Context, srcURL string) ([]item.PushItem, error)
}

// SourceError represents an error associated with a specific source operation.
type SourceError struct {
	Source    string
	Operation string
	Err       error
	Hint      string
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s: %s failed: %s", e.Source, e.Operation, e.Err)
	if e.Hint != "" {
		msg += " — " + e.Hint
	}
	return msg
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Registry maps URL schemes to Source implementations.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates a new empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// NewDefaultRegistry returns a registry with the built-in sources:
// staged directory trees and remote manifests over HTTP(S).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("staged", &StagedSource{})
	remote := &RemoteSource{}
	r.Register("https", remote)
	r.Register("http", remote)
	return r
}

// Register adds a source for the given URL scheme.
func (r *Registry) Register(scheme string, src Source) {
	r.sources[scheme] = src
}

// Open loads the push items behind srcURL through the source registered
// for its scheme.
func (r *Registry) Open(ctx context.Context, srcURL string) ([]item.PushItem, error) {
	scheme, _, ok := strings.Cut(srcURL, ":")
	if !ok {
		return nil, fmt.Errorf("source URL '%s' has no scheme — expected e.g. staged:/path/to/dir", srcURL)
	}
	src, ok := r.sources[scheme]
	if !ok {
		return nil, fmt.Errorf("unknown source scheme '%s' — supported schemes: %s", scheme, r.supportedSchemes())
	}
	return src.Open(ctx, srcURL)
}

func (r *Registry) supportedSchemes() string {
	schemes := make([]string, 0, len(r.sources))
	for s := range r.sources {
		schemes = append(schemes, s)
	}
	if len(schemes) == 0 {
		return "(none registered)"
	}
	sort.Strings(schemes)
	return fmt.Sprintf("%v", schemes)
}

// HTTPClient abstracts HTTP operations for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient returns an HTTPClient using http.DefaultClient.
type DefaultHTTPClient struct{}

func (DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}
