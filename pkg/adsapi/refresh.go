package adsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// RefreshClient renews store credentials through the platform's credential service.
// The service answers with the whole credential set of the client; only the
// requested store's credential is returned.
type RefreshClient struct {
	api      *Client
	url      string
	clientID string
}

// NewRefreshClient creates a credential refresh client
func NewRefreshClient(httpClient *http.Client, refreshURL, clientID string) *RefreshClient {
	return &RefreshClient{
		api:      NewClient(httpClient),
		url:      refreshURL,
		clientID: clientID,
	}
}

type refreshRequest struct {
	ClientID string `json:"client_id"`
	StoreKey string `json:"store_key"`
}

type refreshResponse struct {
	Credentials map[string]string `json:"credentials"`
}

// Refresh requests a new credential for storeKey
func (c *RefreshClient) Refresh(ctx context.Context, storeKey string) (string, error) {
	raw, err := c.api.Do(ctx, Request{
		Method: http.MethodPost,
		URL:    c.url,
		Body:   refreshRequest{ClientID: c.clientID, StoreKey: storeKey},
	})
	if err != nil {
		return "", err
	}

	var resp refreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}

	cred, ok := resp.Credentials[storeKey]
	if !ok || cred == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialMissing, storeKey)
	}
	return cred, nil
}
