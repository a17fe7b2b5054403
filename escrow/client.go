package escrow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to an escrow server.
type Client struct {
	baseURL       string
	downloadToken string
	http          *http.Client
}

// NewClient creates a client for the escrow server at baseURL. If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, downloadToken string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		downloadToken: downloadToken,
		http:          httpClient,
	}
}

// GenerateAuth obtains a single-use upload token for the key.
func (c *Client) GenerateAuth(ctx context.Context, key string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.keyURL(key)+"/generateauth", nil, http.StatusCreated)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Upload stores a bundle using an upload token.
func (c *Client) Upload(ctx context.Context, key, token string, bundle []byte) error {
	_, err := c.do(ctx, http.MethodPut, c.keyURL(key)+"?auth="+url.QueryEscape(token), bundle, http.StatusCreated)
	return err
}

// Fetch retrieves the bundle stored for the key.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.keyURL(key), nil, http.StatusOK)
}

func (c *Client) keyURL(key string) string {
	return c.baseURL + "/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, expected int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	if method == http.MethodGet && c.downloadToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.downloadToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to escrow failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBundleSize+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read escrow response: %w", err)
	}

	switch res.StatusCode {
	case expected:
		return data, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, target, ErrNotFound)
	case http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%s %s: %w", method, target, ErrKeyIncorrect)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: %w", method, target, ErrUnauthorised)
	default:
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, target, res.StatusCode)
	}
}
