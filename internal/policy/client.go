package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient abstracts HTTP operations for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient is an HTTPClient backed by http.DefaultClient.
type DefaultHTTPClient struct{}

func (DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}

// Client queries a remote mapping service for marketplace destination
// entities. The zero value is not usable: BaseURL must point at the
// service root (the /api/v2 prefix is appended by the client).
type Client struct {
	BaseURL    string
	HTTPClient HTTPClient   // nil means http.DefaultClient
	Logger     *slog.Logger // nil means slog.Default()

	// maxErrorBody bounds how much of an error response is read back
	// into the error message.
	maxErrorBody int64
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) httpClient() HTTPClient {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return DefaultHTTPClient{}
}

// Query fetches the mapping entities registered for the named image.
// An empty version matches every version on the server side. A miss
// (HTTP 404) is not an error: it returns an empty slice so the caller
// can decide whether missing mappings are fatal.
func (c *Client) Query(ctx context.Context, name, version string) ([]ResponseEntity, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("policy service URL is not configured")
	}

	query := url.Values{}
	query.Set("name", name)
	if version != "" {
		query.Set("version", version)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/v2/query?" + query.Encode()

	c.logger().Debug("querying policy service", "url", endpoint, "image", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating policy query request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying policy service for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger().Debug("policy service has no mappings", "image", name, "version", version)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy service returned HTTP %d for %s: %s",
			resp.StatusCode, name, c.errorSnippet(resp.Body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading policy response for %s: %w", name, err)
	}

	entities, err := decodeEntities(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding policy response for %s: %v", ErrMalformed, name, err)
	}
	return entities, nil
}

// decodeEntities accepts either a JSON list of entities or a single
// entity object, matching the two shapes the service is known to emit.
func decodeEntities(body []byte) ([]ResponseEntity, error) {
	var entities []ResponseEntity
	if err := json.Unmarshal(body, &entities); err == nil {
		return entities, nil
	}
	var single ResponseEntity
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []ResponseEntity{single}, nil
}

func (c *Client) errorSnippet(body io.Reader) string {
	limit := c.maxErrorBody
	if limit <= 0 {
		limit = 512
	}
	snippet, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil || len(snippet) == 0 {
		return "(no response body)"
	}
	return strings.TrimSpace(string(snippet))
}
