package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/bianoble/cloudpush/internal/item"
)

// RemoteSource loads push items from a manifest served over HTTP(S), in
// the same format staged directories use. Relative paths in the manifest
// resolve against the manifest URL, so a compose server can hand out
// image URLs without staging anything locally.
type RemoteSource struct {
	Client  HTTPClient
	Logger  *slog.Logger
	MaxSize int64         // max manifest size in bytes (0 = default)
	Timeout time.Duration // fetch timeout (0 = no extra timeout beyond context)
}

// defaultManifestMaxSize caps manifest downloads; image bits never travel
// through this source, only their descriptors.
const defaultManifestMaxSize = 8 << 20

func (r *RemoteSource) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *RemoteSource) Open(ctx context.Context, srcURL string) ([]item.PushItem, error) {
	base, err := url.Parse(srcURL)
	if err != nil {
		return nil, &SourceError{Source: srcURL, Operation: "open", Err: fmt.Errorf("invalid URL: %v", err)}
	}

	data, err := r.fetch(ctx, srcURL)
	if err != nil {
		return nil, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &SourceError{Source: srcURL, Operation: "parse", Err: fmt.Errorf("invalid manifest: %v", err)}
	}

	r.logger().DebugContext(ctx, "loaded remote manifest",
		"url", srcURL, "version", m.Header.Version, "entries", len(m.Payload.Items))

	var items []item.PushItem
	for _, entry := range m.Payload.Items {
		pi, ok, err := buildItem(entry, func(rel string) string {
			resolved := *base
			resolved.Path = path.Join(path.Dir(base.Path), rel)
			return resolved.String()
		})
		if err != nil {
			return nil, &SourceError{Source: srcURL, Operation: "parse", Err: err}
		}
		if !ok {
			r.logger().Warn("push item is not a VM image, dropping it from the queue",
				"name", entry.Name, "type", entry.Type)
			continue
		}
		items = append(items, pi)
	}
	return items, nil
}

func (r *RemoteSource) fetch(ctx context.Context, srcURL string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	client := r.Client
	if client == nil {
		client = DefaultHTTPClient{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, &SourceError{Source: srcURL, Operation: "fetch", Err: fmt.Errorf("creating request: %w", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &SourceError{
			Source:    srcURL,
			Operation: "fetch",
			Err:       fmt.Errorf("fetching manifest: %w", err),
			Hint:      "check network connectivity and URL",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{
			Source:    srcURL,
			Operation: "fetch",
			Err:       fmt.Errorf("HTTP %d from %s", resp.StatusCode, srcURL),
			Hint:      "check that the URL serves a staged manifest",
		}
	}

	maxSize := r.MaxSize
	if maxSize <= 0 {
		maxSize = defaultManifestMaxSize
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, &SourceError{Source: srcURL, Operation: "fetch", Err: fmt.Errorf("reading response: %w", err)}
	}
	if int64(len(content)) > maxSize {
		return nil, &SourceError{
			Source:    srcURL,
			Operation: "fetch",
			Err:       fmt.Errorf("manifest exceeds max size %d bytes", maxSize),
		}
	}
	return content, nil
}
