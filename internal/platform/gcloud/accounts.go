package gcloud

import (
	"context"
	"fmt"
	"net/http"
)

// ServiceAccount is a provisioned workload identity.
type ServiceAccount struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Disabled    bool   `json:"disabled"`
}

// GetServiceAccount reads a service account by email.
func (c *Client) GetServiceAccount(ctx context.Context, project, email string) (*ServiceAccount, error) {
	path := fmt.Sprintf("/v1/projects/%s/serviceAccounts/%s", project, email)
	var sa ServiceAccount
	if err := c.do(ctx, http.MethodGet, c.url(iamHost, path), nil, &sa); err != nil {
		return nil, fmt.Errorf("get service account %s: %w", email, err)
	}
	return &sa, nil
}

// CreateServiceAccount creates a service account with the given short
// account ID.
func (c *Client) CreateServiceAccount(ctx context.Context, project, accountID, displayName string) (*ServiceAccount, error) {
	path := fmt.Sprintf("/v1/projects/%s/serviceAccounts", project)
	body := struct {
		AccountID      string `json:"accountId"`
		ServiceAccount struct {
			DisplayName string `json:"displayName"`
		} `json:"serviceAccount"`
	}{AccountID: accountID}
	body.ServiceAccount.DisplayName = displayName

	var sa ServiceAccount
	if err := c.do(ctx, http.MethodPost, c.url(iamHost, path), body, &sa); err != nil {
		return nil, fmt.Errorf("create service account %s: %w", accountID, err)
	}
	return &sa, nil
}

// MintAccessToken requests a short-lived token for the service account.
// A successful mint proves the account and its grants have propagated;
// a denial right after creation usually just means "not yet".
func (c *Client) MintAccessToken(ctx context.Context, email string) error {
	path := fmt.Sprintf("/v1/projects/-/serviceAccounts/%s:generateAccessToken", email)
	body := struct {
		Scope    []string `json:"scope"`
		Lifetime string   `json:"lifetime"`
	}{
		Scope:    []string{"https://www.googleapis.com/auth/cloud-platform"},
		Lifetime: "300s",
	}
	if err := c.do(ctx, http.MethodPost, c.url(credentialsHost, path), body, nil); err != nil {
		return fmt.Errorf("mint token for %s: %w", email, err)
	}
	return nil
}
