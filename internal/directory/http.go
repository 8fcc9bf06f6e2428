package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tably.dev/internal/obs"
)

const (
	defaultTimeout = 3 * time.Second
	// One retry after a transient failure; slow providers must not hold
	// request-handling resources, so the budget stays small.
	maxAttempts  = 2
	retryBackoff = 150 * time.Millisecond
)

// HTTPClient talks to the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption configures HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying http.Client (used by tests).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// NewHTTPClient constructs a provider client for the given base URL.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("directory: base URL is required")
	}
	h := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

var _ Client = (*HTTPClient)(nil)

func (h *HTTPClient) UserMemberships(ctx context.Context, externalUserID string) ([]Membership, error) {
	var payload struct {
		Memberships []Membership `json:"memberships"`
	}
	path := fmt.Sprintf("/v1/users/%s/memberships", url.PathEscape(externalUserID))
	if err := h.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Memberships, nil
}

func (h *HTTPClient) OrganizationMembers(ctx context.Context, organizationID string) ([]Membership, error) {
	var payload struct {
		Memberships []Membership `json:"memberships"`
	}
	path := fmt.Sprintf("/v1/organizations/%s/members", url.PathEscape(organizationID))
	if err := h.get(ctx, path, &payload); err != nil {
		return nil, err
	}
	return payload.Memberships, nil
}

func (h *HTTPClient) OrganizationRole(ctx context.Context, externalUserID, organizationID string) (string, error) {
	var payload Membership
	path := fmt.Sprintf("/v1/organizations/%s/members/%s",
		url.PathEscape(organizationID), url.PathEscape(externalUserID))
	if err := h.get(ctx, path, &payload); err != nil {
		return "", err
	}
	return payload.Role, nil
}

// get performs one read with a bounded retry budget. Context cancellation is
// honored between attempts so the calling request's deadline wins.
func (h *HTTPClient) get(ctx context.Context, path string, dst any) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(retryBackoff):
			}
		}
		retryable, err := h.getOnce(ctx, path, dst)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

func (h *HTTPClient) getOnce(ctx context.Context, path string, dst any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		obs.ObserveDirectoryError()
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode >= 500:
		obs.ObserveDirectoryError()
		return true, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		obs.ObserveDirectoryError()
		return false, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		obs.ObserveDirectoryError()
		return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return false, nil
}
