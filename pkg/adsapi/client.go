// Package adsapi is the HTTP transport to the partner advertising API.
package adsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/screwyprof/adpoller/pkg/httpkit"
)

// Sentinel errors for transport failures
var (
	ErrInvalidJSON        = errors.New("response is not valid JSON")
	ErrCredentialMissing  = errors.New("credential missing from refresh response")
	ErrRequestEncoding    = errors.New("request encoding failed")
	ErrResponseTooLarge   = errors.New("response body too large")
	ErrUnsupportedRequest = errors.New("unsupported request")
)

// maxResponseBytes bounds a single API response
const maxResponseBytes = 64 << 20

// Request is one call against the API
type Request struct {
	Method     string
	URL        string
	Query      url.Values
	Body       any
	Credential string
}

// Option configures the Client
type Option func(*Client)

// WithAuthHeader sets the header carrying the credential and its value prefix
func WithAuthHeader(name, prefix string) Option {
	return func(c *Client) {
		c.authHeader = name
		c.authPrefix = prefix
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// Client represents an advertising API client
type Client struct {
	httpClient *http.Client
	authHeader string
	authPrefix string
	userAgent  string
}

// NewClient creates a new API client with the given HTTP client
func NewClient(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		httpClient: httpClient,
		authHeader: "Authorization",
		authPrefix: "Bearer ",
		userAgent:  "adpoller",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req and returns the raw JSON body of a 2xx response.
// Non-2xx responses are returned as *httpkit.StatusError.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpkit.NewStatusError(resp, body)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(body), nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	u, err := url.Parse(req.URL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: url %q", ErrUnsupportedRequest, req.URL)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if req.Body != nil && method != http.MethodGet {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRequestEncoding, err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Credential != "" {
		httpReq.Header.Set(c.authHeader, c.authPrefix+req.Credential)
	}
	return httpReq, nil
}

// ResolveURL returns path when it is absolute, otherwise baseURL/entityCode/path
func ResolveURL(baseURL, entityCode, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := strings.TrimRight(baseURL, "/")
	path = strings.TrimLeft(path, "/")
	if entityCode == "" {
		return base + "/" + path
	}
	return base + "/" + strings.Trim(entityCode, "/") + "/" + path
}
