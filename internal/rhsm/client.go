// Package rhsm talks to the metadata registry that tracks where published
// images are visible. The community workflow refuses to push products the
// registry does not know, registers every uploaded AMI after upload, and
// the delete workflow flips removed images to invisible.
package rhsm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	productsPath = "/v1/internal/cloud_access_providers/amazon/provider_image_groups"
	regionsPath  = "/v1/internal/cloud_access_providers/amazon/regions"
	imagesPath   = "/v1/internal/cloud_access_providers/amazon/amis"

	// listPageSize is the page size for image listings, matching what the
	// registry API recommends.
	listPageSize = 1000

	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond

	maxErrorBody = 512
)

// HTTPClient issues HTTP requests. The standard *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrProductNotFound reports that the registry knows no product matching
// the requested name and provider. Distinct from transport failures: a
// missing product can be benign for deletes but fatal for pushes.
var ErrProductNotFound = errors.New("product not in RHSM")

// StatusError is a non-2xx response from the registry. Callers use it to
// tell an unknown image (fall back to create) from a transport failure.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rhsm %s returned HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Product is one provider image group known to the registry.
type Product struct {
	Name              string `json:"name"`
	ProviderShortName string `json:"providerShortName"`
}

// ImageMetadata describes one AMI registration. Version and Variant fall
// back to "none" on the wire when empty; Status defaults to VISIBLE.
type ImageMetadata struct {
	ImageID   string
	ImageName string
	Arch      string
	Product   string
	Version   string
	Variant   string
	Region    string
	Status    string
}

// Client talks to the RHSM-style metadata registry. Write operations
// retry on transport failures and server errors with a bounded backoff;
// 4xx responses surface immediately as *StatusError.
type Client struct {
	// BaseURL is the registry root, e.g. https://rhsm.example.com.
	BaseURL string

	// HTTPClient issues the requests. Usually built by NewClient with the
	// cert/key pair; tests inject their own.
	HTTPClient HTTPClient

	Logger *slog.Logger

	// Retries and RetryDelay bound the retry loop. Zero values pick the
	// package defaults; tests lower the delay.
	Retries    int
	RetryDelay time.Duration

	now func() time.Time

	mu       sync.Mutex
	products []Product
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	// URL is the registry root.
	URL string

	// CertPath and KeyPath hold the client TLS certificate the registry
	// authenticates callers with.
	CertPath string
	KeyPath  string

	// HTTPClient overrides the cert-built transport when set.
	HTTPClient HTTPClient

	Logger     *slog.Logger
	Retries    int
	RetryDelay time.Duration
}

// NewClient builds a registry client. Unless an HTTP client is supplied,
// the cert/key pair is required and loaded into the TLS transport.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("rhsm URL is not configured")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		if opts.CertPath == "" || opts.KeyPath == "" {
			return nil, errors.New("rhsm requires a client certificate and key")
		}
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading rhsm client certificate: %w", err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			},
		}
	}
	return &Client{
		BaseURL:    opts.URL,
		HTTPClient: httpClient,
		Logger:     opts.Logger,
		Retries:    opts.Retries,
		RetryDelay: opts.RetryDelay,
		now:        time.Now,
	}, nil
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Products lists the provider image groups the registry knows for AWS.
// The listing is fetched once and cached for the client lifetime.
func (c *Client) Products(ctx context.Context) ([]Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.products != nil {
		return c.products, nil
	}

	reqURL := c.endpoint(productsPath, nil)
	c.logger().DebugContext(ctx, "fetching products from rhsm", "url", reqURL)

	body, err := c.do(ctx, "products", http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Body []Product `json:"body"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding rhsm products: %v", err)
	}

	names := make([]string, len(payload.Body))
	for i, p := range payload.Body {
		names[i] = fmt.Sprintf("%s(%s)", p.Name, p.ProviderShortName)
	}
	c.logger().DebugContext(ctx, "products in rhsm", "count", len(names), "products", names)

	c.products = payload.Body
	return c.products, nil
}

// FindProduct looks a product up by name and provider. Hourly images
// register under the product name with an _HOURLY suffix.
func (c *Client) FindProduct(ctx context.Context, product, imageType, provider string) (Product, error) {
	if strings.EqualFold(imageType, "hourly") {
		product = product + "_" + strings.ToUpper(imageType)
	}

	c.logger().DebugContext(ctx, "searching for product in rhsm", "product", product, "provider", provider)
	products, err := c.Products(ctx)
	if err != nil {
		return Product{}, err
	}
	for _, p := range products {
		if p.Name == product && p.ProviderShortName == provider {
			return p, nil
		}
	}
	return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, product)
}

// CreateRegion registers an AWS region with the registry. The call is
// idempotent on the server side, so it runs before every image update.
func (c *Client) CreateRegion(ctx context.Context, region, provider string) error {
	payload := map[string]string{
		"regionID":          region,
		"providerShortname": provider,
	}
	_, err := c.do(ctx, "create region", http.MethodPost, c.endpoint(regionsPath, nil), payload)
	return err
}

// UpdateImage updates an already registered AMI. An unknown image comes
// back as a *StatusError, which callers follow with CreateImage.
func (c *Client) UpdateImage(ctx context.Context, meta ImageMetadata) error {
	_, err := c.do(ctx, "update image", http.MethodPut, c.endpoint(imagesPath, nil), c.imagePayload(meta, false))
	return err
}

// CreateImage registers a new AMI with the registry.
func (c *Client) CreateImage(ctx context.Context, meta ImageMetadata) error {
	_, err := c.do(ctx, "create image", http.MethodPost, c.endpoint(imagesPath, nil), c.imagePayload(meta, true))
	return err
}

// ListImageIDs returns every AMI ID the registry knows, walking the
// paginated listing until an empty page.
func (c *Client) ListImageIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	offset := 0

	c.logger().DebugContext(ctx, "listing all images from rhsm", "url", c.endpoint(imagesPath, nil))
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(listPageSize))
		params.Set("offset", strconv.Itoa(offset))

		body, err := c.do(ctx, "list images", http.MethodGet, c.endpoint(imagesPath, params), nil)
		if err != nil {
			return nil, err
		}
		var payload struct {
			Pagination struct {
				Count int `json:"count"`
			} `json:"pagination"`
			Body []struct {
				AMIID string `json:"amiID"`
			} `json:"body"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decoding rhsm image listing: %v", err)
		}
		if payload.Pagination.Count == 0 {
			return ids, nil
		}
		for _, img := range payload.Body {
			ids[img.AMIID] = struct{}{}
		}
		offset += payload.Pagination.Count
	}
}

func (c *Client) imagePayload(meta ImageMetadata, withRegion bool) map[string]string {
	version := meta.Version
	if version == "" {
		version = "none"
	}
	variant := meta.Variant
	if variant == "" {
		variant = "none"
	}
	status := meta.Status
	if status == "" {
		status = "VISIBLE"
	}
	now := c.timeNow().UTC().Truncate(time.Second).Format(time.RFC3339)
	payload := map[string]string{
		"amiID":       meta.ImageID,
		"arch":        strings.ToLower(meta.Arch),
		"product":     meta.Product,
		"version":     version,
		"variant":     variant,
		"description": fmt.Sprintf("Released %s on %s", meta.ImageName, now),
		"status":      status,
	}
	if withRegion {
		payload["region"] = meta.Region
	}
	return payload
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := strings.TrimRight(c.BaseURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do issues one request with bounded retries. Transport failures and 5xx
// responses retry with a doubling delay; 4xx responses return at once.
func (c *Client) do(ctx context.Context, op, method, reqURL string, payload any) ([]byte, error) {
	retries := c.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.logger().DebugContext(ctx, "retrying rhsm request",
				"operation", op, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		body, err := c.doOnce(ctx, op, method, reqURL, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var serr *StatusError
		if errors.As(err, &serr) && serr.StatusCode < http.StatusInternalServerError {
			return nil, err
		}
	}
	c.logger().ErrorContext(ctx, "rhsm request failed", "operation", op, "error", lastErr)
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, reqURL string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rhsm %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rhsm %s: reading response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody] + "..."
		}
		return nil, &StatusError{Operation: op, StatusCode: resp.StatusCode, Body: snippet}
	}
	return body, nil
}
