package gcloud

import (
	"context"
	"fmt"
	"net/http"
)

// APIKey is the caller credential that unlocks the gateway. The secret
// string is never part of the resource document; it lives behind a
// separate read so listings stay safe to log.
type APIKey struct {
	Name        string `json:"name"`
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
}

// GetAPIKey reads an API key resource by its caller-chosen ID.
func (c *Client) GetAPIKey(ctx context.Context, project, keyID string) (*APIKey, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/global/keys/%s", project, keyID)
	var key APIKey
	if err := c.do(ctx, http.MethodGet, c.url(apikeysHost, path), nil, &key); err != nil {
		return nil, fmt.Errorf("get api key %s: %w", keyID, err)
	}
	return &key, nil
}

type apiKeyBody struct {
	DisplayName  string `json:"displayName"`
	Restrictions struct {
		APITargets []struct {
			Service string `json:"service"`
		} `json:"apiTargets"`
	} `json:"restrictions"`
}

// CreateAPIKey creates an API key restricted to a single managed
// service. Key IDs are caller-chosen, so a retried deploy finds the
// existing key instead of minting another credential.
func (c *Client) CreateAPIKey(ctx context.Context, project, keyID, displayName, service string) (*Operation, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/global/keys?keyId=%s", project, keyID)

	var body apiKeyBody
	body.DisplayName = displayName
	body.Restrictions.APITargets = make([]struct {
		Service string `json:"service"`
	}, 1)
	body.Restrictions.APITargets[0].Service = service

	var op Operation
	if err := c.do(ctx, http.MethodPost, c.url(apikeysHost, path), body, &op); err != nil {
		return nil, fmt.Errorf("create api key %s: %w", keyID, err)
	}
	return &op, nil
}

// APIKeyString reads the secret string of an existing key.
func (c *Client) APIKeyString(ctx context.Context, project, keyID string) (string, error) {
	path := fmt.Sprintf("/v2/projects/%s/locations/global/keys/%s/keyString", project, keyID)
	var out struct {
		KeyString string `json:"keyString"`
	}
	if err := c.do(ctx, http.MethodGet, c.url(apikeysHost, path), nil, &out); err != nil {
		return "", fmt.Errorf("get api key string %s: %w", keyID, err)
	}
	return out.KeyString, nil
}

// APIKeyOperation reads a key provisioning operation.
func (c *Client) APIKeyOperation(ctx context.Context, name string) (*Operation, error) {
	return c.getOperation(ctx, apikeysHost, "v2", name)
}
